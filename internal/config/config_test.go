package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "kvdl.toml")
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Site.Domain != "www.karaoke-version.com" || c.Site.Headless || c.Site.ActionTimeout != 30*time.Second {
		t.Fatalf("unexpected site defaults: %+v", c.Site)
	}
	if c.Retry.MaxAttempts != 3 || c.Retry.BaseDelay != 5*time.Second || c.Retry.TriggerTimeout != 60*time.Second || c.Retry.TriggerTimeoutStep != 30*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", c.Retry)
	}
	if c.Download.PollInterval != 500*time.Millisecond || c.Download.CompletionTimeout != 300*time.Second || c.Download.PartialSuffix != ".crdownload" {
		t.Fatalf("unexpected download defaults: %+v", c.Download)
	}
	if c.Setting.MaxIterations != 10 || c.Setting.Settle != 100*time.Millisecond {
		t.Fatalf("unexpected setting defaults: %+v", c.Setting)
	}
	if c.Server.BasePath != "/api" {
		t.Fatalf("unexpected server defaults: %+v", c.Server)
	}
}

func TestLoad_FileValues(t *testing.T) {
	file := writeTOML(t, `
[site]
headless = true
window_width = 800
action_timeout = "45s"

[download]
dir = "/tmp/stems"
completion_timeout = "10m"

[retry]
max_attempts = 5
base_delay = "2s"

[log]
level = "debug"
file = "/tmp/kvdl.log"

[history]
enabled = true
dsn = ["sqlite:///tmp/kvdl-history.db"]

[server]
listen = ":8089"

[server.tls]
enabled = true
dir = "/tmp/kvdl-certs"
auto_generate = true
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Site.Headless || c.Site.WindowWidth != 800 || c.Site.WindowHeight != 1200 || c.Site.ActionTimeout != 45*time.Second {
		t.Fatalf("site = %+v", c.Site)
	}
	if c.Download.Dir != "/tmp/stems" || c.Download.CompletionTimeout != 10*time.Minute {
		t.Fatalf("download = %+v", c.Download)
	}
	p := c.RetryPolicy()
	if p.MaxAttempts != 5 || p.BaseDelay != 2*time.Second || p.BaseTimeout != 60*time.Second {
		t.Fatalf("policy = %+v", p)
	}
	if len(c.History.DSN) != 1 || !c.History.Enabled {
		t.Fatalf("history = %+v", c.History)
	}
	if c.Server.Listen != ":8089" || !c.Server.TLS.Enabled || !c.Server.TLS.AutoGenerate || c.Server.TLS.Dir != "/tmp/kvdl-certs" {
		t.Fatalf("server = %+v", c.Server)
	}
	lc := c.LoggerConfig(false)
	if lc.Slog.Level != "debug" || lc.File.Path != "/tmp/kvdl.log" {
		t.Fatalf("logger = %+v", lc)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	file := writeTOML(t, "[site]\nheadless = false\n[retry]\nmax_attempts = 4\n")
	t.Setenv("KVDL_SITE_HEADLESS", "true")
	t.Setenv("KVDL_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("KVDL_DOWNLOAD_POLL_INTERVAL", "250ms")
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Site.Headless || c.Retry.MaxAttempts != 7 || c.Download.PollInterval != 250*time.Millisecond {
		t.Fatalf("env overrides not applied: %+v %+v %+v", c.Site, c.Retry, c.Download)
	}
}

func TestLoad_ExpandsPaths(t *testing.T) {
	t.Setenv("HOME", "/home/kv")
	t.Setenv("KVDL_TEST_STATE", "/var/lib/kvdl")
	file := writeTOML(t, `
[download]
dir = "~/Music/stems"
progress_dir = "${KVDL_TEST_STATE}/progress"

[history]
dsn = ["sqlite://${KVDL_TEST_STATE}/history.db"]
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Download.Dir != filepath.Join("/home/kv", "Music/stems") {
		t.Fatalf("dir = %q", c.Download.Dir)
	}
	if c.Download.ProgressDir != "/var/lib/kvdl/progress" {
		t.Fatalf("progress_dir = %q", c.Download.ProgressDir)
	}
	if c.History.DSN[0] != "sqlite:///var/lib/kvdl/history.db" {
		t.Fatalf("dsn = %q", c.History.DSN[0])
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"attempts": "[retry]\nmax_attempts = 0\n",
		"poll":     "[download]\npoll_interval = \"0s\"\n",
		"level":    "[log]\nlevel = \"chatty\"\n",
		"history":  "[history]\nenabled = true\n",
		"action":   "[site]\naction_timeout = \"0s\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTOML(t, body)); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestLoggerConfig_DebugFlag(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.LoggerConfig(true).Slog.Level; got != "debug" {
		t.Fatalf("level = %s", got)
	}
}

func TestSessionConfig(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	sc := c.SessionConfig("/dl")
	if sc.DownloadDir != "/dl" || sc.Domain != c.Site.Domain || sc.Setting.MaxIterations != 10 {
		t.Fatalf("session config = %+v", sc)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("KV_USERNAME=dot-user\n# comment\nKV_PASSWORD=\"dot pw\"\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("KV_USERNAME", "already-set")
	t.Setenv("KV_PASSWORD", "")
	os.Unsetenv("KV_PASSWORD")

	if err := LoadDotEnv(dotenv); err != nil {
		t.Fatalf("load: %v", err)
	}
	if os.Getenv("KV_USERNAME") != "already-set" {
		t.Fatalf("existing variables must win")
	}
	if os.Getenv("KV_PASSWORD") != "dot pw" {
		t.Fatalf("KV_PASSWORD = %q", os.Getenv("KV_PASSWORD"))
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
