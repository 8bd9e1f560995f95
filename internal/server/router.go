package server

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/kvdl/internal/metrics"
	"github.com/loykin/kvdl/internal/orchestrator"
	"github.com/loykin/kvdl/internal/progress"
)

// Router serves a read-only view of a running download.
// Endpoints:
//   GET {basePath}/healthz   liveness
//   GET {basePath}/status    live run status
//   GET {basePath}/progress  persisted progress record
//   GET {basePath}/metrics   prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

// StatusSource is implemented by *orchestrator.Orchestrator.
type StatusSource interface {
	Snapshot() orchestrator.Status
}

// ProgressSource is implemented by *progress.FileStore.
type ProgressSource interface {
	Load() (progress.Record, error)
}

type Router struct {
	status   StatusSource
	progress ProgressSource
	basePath string
}

// NewRouter constructs a Router. Either source may be nil; the matching
// endpoint then answers 503.
func NewRouter(status StatusSource, store ProgressSource, basePath string) *Router {
	return &Router{status: status, progress: store, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/progress", r.handleProgress)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer binds addr and serves the router in the background, over TLS
// when tlsCfg is non-nil. Shut it down with the returned server's Shutdown
// or Close.
func NewServer(addr, basePath string, status StatusSource, store ProgressSource, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	r := NewRouter(status, store, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return server, nil
}

func (r *Router) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.status == nil {
		fail(c, http.StatusServiceUnavailable, "no run attached")
		return
	}
	respond(c, http.StatusOK, r.status.Snapshot())
}

func (r *Router) handleProgress(c *gin.Context) {
	if r.progress == nil {
		fail(c, http.StatusServiceUnavailable, "no progress store attached")
		return
	}
	rec, err := r.progress.Load()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.CompletedTracks == nil {
		rec.CompletedTracks = []string{}
	}
	respond(c, http.StatusOK, rec)
}
