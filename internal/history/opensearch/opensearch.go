package opensearch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/kvdl/internal/history"
)

// Sink indexes acquisition events into one OpenSearch index per UTC day
// (<prefix>-YYYY.MM.DD). Documents are written with PUT and a content-derived
// id, so an event delivered twice stays a single document.
type Sink struct {
	client *http.Client
	base   string
	prefix string
}

func New(baseURL, indexPrefix string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		base:   strings.TrimRight(baseURL, "/"),
		prefix: indexPrefix,
	}
}

// IndexFor returns the daily index an event at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01.02")
}

func docID(e history.Event) string {
	h := sha256.New()
	for _, part := range []string{
		string(e.Type), e.Record.Target, e.Record.Item,
		strconv.Itoa(e.Record.Attempt), e.OccurredAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.base, s.IndexFor(e.OccurredAt), docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.IndexFor(e.OccurredAt), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
