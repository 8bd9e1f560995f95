package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/kvdl/internal/config"
	"github.com/loykin/kvdl/internal/metrics"
	"github.com/loykin/kvdl/internal/orchestrator"
	"github.com/loykin/kvdl/internal/progress"
	itls "github.com/loykin/kvdl/internal/tls"
)

type fixedStatus orchestrator.Status

func (f fixedStatus) Snapshot() orchestrator.Status { return orchestrator.Status(f) }

type fixedProgress struct {
	rec progress.Record
	err error
}

func (f fixedProgress) Load() (progress.Record, error) { return f.rec, f.err }

func setupRouter(t *testing.T, base string, st StatusSource, ps ProgressSource) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(st, ps, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, "/api", nil, nil)
	rec := doReq(t, h, http.MethodGet, "/api/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusReturnsSnapshot(t *testing.T) {
	st := fixedStatus{
		Phase:       orchestrator.PhaseDownloading,
		Target:      "https://example.test/custombackingtrack/a/b.html",
		CurrentItem: "Bass",
		Attempt:     2,
		Total:       5,
		Completed:   1,
	}
	h := setupRouter(t, "", st, nil)
	rec := doReq(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Phase != orchestrator.PhaseDownloading || got.CurrentItem != "Bass" || got.Attempt != 2 || got.Total != 5 {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestStatusWithoutRunIsUnavailable(t *testing.T) {
	h := setupRouter(t, "", nil, nil)
	if rec := doReq(t, h, http.MethodGet, "/status"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/progress"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestProgressReturnsRecord(t *testing.T) {
	ps := fixedProgress{rec: progress.Record{URL: "u"}}
	h := setupRouter(t, "/base", nil, ps)
	rec := doReq(t, h, http.MethodGet, "/base/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"completed_tracks":[]`) || !strings.Contains(body, `"url":"u"`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestProgressLoadError(t *testing.T) {
	ps := fixedProgress{err: errors.New("boom")}
	h := setupRouter(t, "", nil, ps)
	rec := doReq(t, h, http.MethodGet, "/progress")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("error not surfaced: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_ = metrics.Register(prometheus.DefaultRegisterer)
	metrics.RunStarted()
	h := setupRouter(t, "", nil, nil)
	rec := doReq(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kvdl_run_in_progress") {
		t.Fatalf("metrics missing kvdl collectors")
	}
}

func TestUnknownPath(t *testing.T) {
	h := setupRouter(t, "/api", nil, nil)
	if rec := doReq(t, h, http.MethodGet, "/status"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestNewServerServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", "/api", fixedStatus{Phase: orchestrator.PhaseFinished}, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"phase":"finished"`) {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
}

func TestNewServerBindError(t *testing.T) {
	if _, err := NewServer("256.0.0.1:bad", "", nil, nil, nil); err == nil {
		t.Fatalf("expected bind error")
	}
}

func TestNewServerTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	tlsCfg, err := itls.Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	if err != nil {
		t.Fatalf("tls setup: %v", err)
	}
	srv, err := NewServer("127.0.0.1:0", "", fixedStatus{Phase: orchestrator.PhaseDownloading}, nil, tlsCfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()

	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := hc.Get("https://" + srv.Addr + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.TLS == nil {
		t.Fatalf("expected TLS 200, got %d tls=%v", resp.StatusCode, resp.TLS != nil)
	}
}
