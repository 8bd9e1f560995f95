package kvdl

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/loykin/kvdl/internal/acquire"
	cfg "github.com/loykin/kvdl/internal/config"
	"github.com/loykin/kvdl/internal/credentials"
	"github.com/loykin/kvdl/internal/detector"
	"github.com/loykin/kvdl/internal/history"
	"github.com/loykin/kvdl/internal/history/factory"
	"github.com/loykin/kvdl/internal/metrics"
	"github.com/loykin/kvdl/internal/orchestrator"
	"github.com/loykin/kvdl/internal/poll"
	"github.com/loykin/kvdl/internal/progress"
	iapi "github.com/loykin/kvdl/internal/server"
	"github.com/loykin/kvdl/internal/surface"
	"github.com/loykin/kvdl/internal/surface/chrome"
	itls "github.com/loykin/kvdl/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Request = orchestrator.Request

type Result = orchestrator.Result

type Status = orchestrator.Status

type ProgressStore = progress.FileStore

type ProgressRecord = progress.Record

type Credentials = credentials.Credentials

type CredentialProvider = credentials.Provider

type Surface = surface.Surface

type Clock = poll.Clock

type HistorySink = history.Sink

// ErrPartialFailure matches a run where some tracks exhausted their retries.
var ErrPartialFailure = orchestrator.ErrPartialFailure

func IsPartialFailure(err error) bool { return orchestrator.IsPartialFailure(err) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewProgressStore returns the progress store kept in dir (empty: the
// working directory).
func NewProgressStore(dir string) *ProgressStore { return progress.NewFileStore(nil, dir) }

// Options customizes NewDownloader. Zero values select the production
// behavior: a launched Chrome, the OS filesystem, the wall clock and the
// environment-then-keychain credential chain.
type Options struct {
	// DownloadDir overrides [download].dir.
	DownloadDir string
	Credentials CredentialProvider
	// Surface replaces the launched browser.
	Surface Surface
	// Fs replaces the OS filesystem for progress and download detection.
	Fs     afero.Fs
	Clock  Clock
	Sinks  HistorySink
	Logger *slog.Logger
}

// Downloader wires a browser session, progress store and history sinks to
// one orchestrator.
type Downloader struct {
	orch    *orchestrator.Orchestrator
	store   *progress.FileStore
	browser *chrome.Browser
	sinks   history.Multi
	dir     string
}

func NewDownloader(ctx context.Context, c *Config, opts Options) (*Downloader, error) {
	if c == nil {
		loaded, err := cfg.Load("")
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = poll.Real()
	}
	creds := opts.Credentials
	if creds == nil {
		creds = credentials.Default()
	}

	explicit := opts.DownloadDir
	if explicit == "" {
		explicit = c.Download.Dir
	}
	dir, err := resolveDownloadDir(opts.Fs, explicit)
	if err != nil {
		return nil, err
	}
	logger.Info("using download directory", "dir", dir)

	d := &Downloader{store: progress.NewFileStore(opts.Fs, c.Download.ProgressDir), dir: dir}

	var sinks history.Sink
	if opts.Sinks != nil {
		sinks = opts.Sinks
	} else if c.History.Enabled {
		multi, err := factory.NewSinks(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		d.sinks = multi
		sinks = multi
	}

	surf := opts.Surface
	if surf == nil {
		b, err := chrome.Open(ctx, chrome.Options{
			Headless:      c.Site.Headless,
			DownloadDir:   dir,
			WindowWidth:   c.Site.WindowWidth,
			WindowHeight:  c.Site.WindowHeight,
			ExecPath:      c.Site.ChromePath,
			ActionTimeout: c.Site.ActionTimeout,
			Logger:        logger,
		})
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.browser = b
		surf = b
	}

	scfg := c.SessionConfig(dir)
	scfg.Fs = opts.Fs
	session := acquire.NewSession(surf, scfg, clock, logger)

	d.orch, err = orchestrator.New(orchestrator.Config{Retry: c.RetryPolicy()}, orchestrator.Deps{
		Store:       d.store,
		Driver:      session,
		Credentials: creds,
		Sinks:       sinks,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func resolveDownloadDir(fs afero.Fs, explicit string) (string, error) {
	if fs == nil {
		return detector.ResolveDir(explicit)
	}
	if explicit == "" {
		return "", fmt.Errorf("%w: a download directory is required with a custom filesystem", detector.ErrNoDownloadDir)
	}
	ok, err := afero.DirExists(fs, explicit)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: %s", detector.ErrNoDownloadDir, explicit)
	}
	return explicit, nil
}

func (d *Downloader) Run(ctx context.Context, req Request) (Result, error) {
	return d.orch.Run(ctx, req)
}

func (d *Downloader) Snapshot() Status              { return d.orch.Snapshot() }
func (d *Downloader) Store() *ProgressStore         { return d.store }
func (d *Downloader) DownloadDir() string           { return d.dir }
func (d *Downloader) Load() (ProgressRecord, error) { return d.store.Load() }

// Close shuts the browser down and closes history sinks it opened.
func (d *Downloader) Close() error {
	if d.browser != nil {
		d.browser.Close()
		d.browser = nil
	}
	var err error
	if d.sinks != nil {
		err = d.sinks.Close()
		d.sinks = nil
	}
	return err
}

// NewStatusServer starts an HTTP server exposing the status API for d.
// A nil tlsCfg serves plain HTTP.
func NewStatusServer(addr, basePath string, d *Downloader, tlsCfg *tls.Config) (*http.Server, error) {
	if d == nil {
		return nil, errors.New("downloader is required")
	}
	return iapi.NewServer(addr, basePath, d, d.store, tlsCfg)
}

// StatusTLS builds the status API TLS configuration from [server.tls].
func StatusTLS(c *Config) (*tls.Config, error) { return itls.Setup(c.Server.TLS) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics binds addr and serves /metrics from the default registry in
// the background. Stop it with the returned server's Shutdown or Close.
func ServeMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return srv, nil
}
