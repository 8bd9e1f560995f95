package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/loykin/kvdl"
	"github.com/loykin/kvdl/internal/config"
	"github.com/loykin/kvdl/internal/credentials"
	"github.com/loykin/kvdl/internal/progress"
	"github.com/loykin/kvdl/internal/setting"
	"github.com/loykin/kvdl/internal/telemetry"
	"github.com/loykin/kvdl/pkg/client"
)

const authNotice = `
This will store your username & password securely using your operating system's keychain store.
These credentials will only be used to pass to the browser during the sign-in process and will
otherwise not leave this device.
`

type command struct {
	in      io.Reader
	out     io.Writer
	reader  *bufio.Reader
	keyring credentials.Keyring
	// options seeds every downloader; tests replace the browser and clock here.
	options kvdl.Options
	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

func newCommand() *command {
	return &command{in: os.Stdin, out: os.Stdout}
}

// setup loads .env, configuration and logging. It runs before every subcommand.
func (c *command) setup(f GlobalFlags) error {
	if err := config.LoadDotEnv(f.EnvFile); err != nil {
		return err
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logger, closer, err := cfg.LoggerConfig(f.Debug).NewSlogger()
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	c.closers = append(c.closers, closer)
	c.logger = logger
	slog.SetDefault(logger)
	return nil
}

func (c *command) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i].Close()
	}
	c.closers = nil
}

// config returns the loaded configuration, loading defaults when setup was skipped.
func (c *command) config() (*config.Config, error) {
	if c.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}
	return c.cfg, nil
}

func (c *command) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Auth prompts for credentials and saves them to the keychain.
func (c *command) Auth() error {
	_, _ = fmt.Fprint(c.out, authNotice+"\n")
	user, err := c.prompt("Username: ")
	if err != nil {
		return err
	}
	pass, err := c.promptSecret("Password: ")
	if err != nil {
		return err
	}
	if err := c.keyring.Save(credentials.Credentials{User: user, Password: pass}); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "Credentials saved to the OS keychain.")
	return nil
}

func (c *command) Logout() error {
	if err := c.keyring.Delete(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "Credentials removed from the OS keychain.")
	return nil
}

func (c *command) prompt(msg string) (string, error) {
	_, _ = fmt.Fprint(c.out, msg)
	if c.reader == nil {
		c.reader = bufio.NewReader(c.in)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads without echo when stdin is a terminal.
func (c *command) promptSecret(msg string) (string, error) {
	f, ok := c.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return c.prompt(msg)
	}
	_, _ = fmt.Fprint(c.out, msg)
	b, err := term.ReadPassword(int(f.Fd()))
	_, _ = fmt.Fprintln(c.out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// Download runs one resumable download of f.URL.
func (c *command) Download(ctx context.Context, f DownloadFlags) error {
	if err := setting.ValidateTranspose(f.Transpose); err != nil {
		return err
	}
	u, err := url.Parse(f.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid song url %q", f.URL)
	}

	loaded, err := c.config()
	if err != nil {
		return err
	}
	cfg := *loaded
	cfg.Site.Domain = u.Host
	if f.Headless {
		cfg.Site.Headless = true
	}
	log := c.log()
	log.Debug("download requested", "url", f.URL, "headless", cfg.Site.Headless, "transpose", f.Transpose,
		"count_in", f.CountIn, "force_restart", f.ForceRestart, "download_path", f.DownloadPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: cfg.Telemetry.Endpoint, Version: version})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := kvdl.RegisterMetricsDefault(); err != nil {
		log.Warn("metrics registration", "error", err)
	}
	if addr := firstNonEmpty(f.MetricsListen, cfg.Metrics.Listen); addr != "" {
		msrv, err := kvdl.ServeMetrics(addr)
		if err != nil {
			log.Warn("metrics server", "addr", addr, "error", err)
		} else {
			log.Info("metrics listening", "addr", msrv.Addr)
			defer shutdownServer(msrv)
		}
	}

	opts := c.options
	if f.DownloadPath != "" {
		opts.DownloadDir = f.DownloadPath
	}
	opts.Logger = log
	d, err := kvdl.NewDownloader(ctx, &cfg, opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if addr := firstNonEmpty(f.StatusListen, cfg.Server.Listen); addr != "" {
		tlsCfg, err := kvdl.StatusTLS(&cfg)
		if err != nil {
			return fmt.Errorf("status api tls: %w", err)
		}
		srv, err := kvdl.NewStatusServer(addr, cfg.Server.BasePath, d, tlsCfg)
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		log.Info("status api listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil)
		defer shutdownServer(srv)
	}

	res, err := d.Run(ctx, kvdl.Request{
		Target:       f.URL,
		ForceRestart: f.ForceRestart,
		Transpose:    f.Transpose,
		CountIn:      f.CountIn,
	})
	c.printSummary(res)
	return err
}

func (c *command) printSummary(res kvdl.Result) {
	if len(res.Items) == 0 {
		return
	}
	_, _ = fmt.Fprintf(c.out, "%d tracks: %d downloaded, %d skipped, %d failed\n",
		len(res.Items), len(res.Completed), len(res.Skipped), len(res.Failed))
	for _, name := range res.Failed {
		_, _ = fmt.Fprintf(c.out, "  failed: %s\n", name)
	}
}

func (c *command) progressStore(f ProgressFlags) (*progress.FileStore, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	dir := firstNonEmpty(f.Dir, cfg.Download.ProgressDir)
	return progress.NewFileStore(c.options.Fs, dir), nil
}

func (c *command) ProgressShow(f ProgressFlags) error {
	store, err := c.progressStore(f)
	if err != nil {
		return err
	}
	rec, err := store.Load()
	if err != nil {
		return err
	}
	if rec.IsEmpty() {
		_, _ = fmt.Fprintf(c.out, "No saved progress (%s)\n", store.Path())
		return nil
	}
	printJSON(c.out, rec)
	return nil
}

func (c *command) ProgressClear(f ProgressFlags) error {
	store, err := c.progressStore(f)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Progress cleared (%s)\n", store.Path())
	return nil
}

// Status prints the live status of a download serving the status API.
func (c *command) Status(ctx context.Context, f StatusFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	apiURL := f.APIUrl
	if apiURL == "" {
		apiURL = statusURL(cfg.Server.Listen, cfg.Server.BasePath, cfg.Server.TLS.Enabled)
	}
	if apiURL == "" {
		return errors.New("no status API address: pass --api-url or set [server].listen")
	}
	cl := client.New(client.Config{BaseURL: apiURL, Timeout: f.APITimeout, Logger: c.log(), Insecure: f.Insecure})

	if !f.Watch {
		st, err := cl.Status(ctx)
		if errors.Is(err, client.ErrNoRun) {
			return fmt.Errorf("%w at %s", err, apiURL)
		}
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	return cl.Watch(ctx, f.Interval, func(st client.RunStatus) error {
		line := fmt.Sprintf("%-12s %d/%d done, %d skipped", st.Phase, st.Completed, st.Total, st.Skipped)
		if st.CurrentItem != "" && !st.Done() {
			line += fmt.Sprintf(", now %q (attempt %d)", st.CurrentItem, st.Attempt)
		}
		if len(st.Failed) > 0 {
			line += fmt.Sprintf(", failed: %s", strings.Join(st.Failed, ", "))
		}
		_, _ = fmt.Fprintln(c.out, line)
		return nil
	})
}

// statusURL turns a listen address such as ":8089" into a client base URL.
func statusURL(listen, basePath string, https bool) string {
	if listen == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	bp := strings.TrimRight(basePath, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	scheme := "http://"
	if https {
		scheme = "https://"
	}
	return scheme + net.JoinHostPort(host, port) + bp
}
