package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/loykin/kvdl"
	"github.com/loykin/kvdl/internal/acquire"
	"github.com/loykin/kvdl/internal/config"
	"github.com/loykin/kvdl/internal/credentials"
	"github.com/loykin/kvdl/internal/orchestrator"
	"github.com/loykin/kvdl/internal/poll/polltest"
	"github.com/loykin/kvdl/internal/progress"
	"github.com/loykin/kvdl/internal/surface/surfacetest"
)

const songURL = "https://www.karaoke-version.com/custombackingtrack/artist/song.html"

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, exitFatal, exitCode(errors.New("boom")))
	assert.Equal(t, exitPartial, exitCode(&orchestrator.PartialFailureError{Failed: []string{"Bass"}}))
}

func TestAuthAndLogout(t *testing.T) {
	keyring.MockInit()
	var out bytes.Buffer
	c := &command{in: strings.NewReader("alice\nsecret\n"), out: &out}

	require.NoError(t, c.Auth())
	creds, err := credentials.Keyring{}.Credentials()
	require.NoError(t, err)
	assert.Equal(t, credentials.Credentials{User: "alice", Password: "secret"}, creds)
	assert.Contains(t, out.String(), "Username: ")
	assert.Contains(t, out.String(), "Password: ")

	require.NoError(t, c.Logout())
	_, err = credentials.Keyring{}.Credentials()
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestAuthRejectsEmptyInput(t *testing.T) {
	keyring.MockInit()
	c := &command{in: strings.NewReader(""), out: &bytes.Buffer{}}
	assert.Error(t, c.Auth())
}

func TestProgressShowAndClear(t *testing.T) {
	dir := t.TempDir()
	store := progress.NewFileStore(nil, dir)
	require.NoError(t, store.SetTargetIdentity(songURL))
	require.NoError(t, store.MarkCompleted("Bass"))

	var out bytes.Buffer
	c := &command{out: &out}
	require.NoError(t, c.ProgressShow(ProgressFlags{Dir: dir}))
	assert.Contains(t, out.String(), `"completed_tracks": [`)
	assert.Contains(t, out.String(), "Bass")

	out.Reset()
	require.NoError(t, c.ProgressClear(ProgressFlags{Dir: dir}))
	assert.Contains(t, out.String(), "Progress cleared")

	out.Reset()
	require.NoError(t, c.ProgressShow(ProgressFlags{Dir: dir}))
	assert.Contains(t, out.String(), "No saved progress")
}

func TestDownloadRejectsBadInput(t *testing.T) {
	c := &command{out: &bytes.Buffer{}}
	err := c.Download(context.Background(), DownloadFlags{URL: songURL, Transpose: 5})
	assert.ErrorContains(t, err, "transpose")

	err = c.Download(context.Background(), DownloadFlags{URL: "song.html"})
	assert.ErrorContains(t, err, "invalid song url")
}

// fakeSite serves a song page whose download button drops "<track>.mp3"
// into /dl unless the track is listed in broken.
func fakeSite(fs afero.Fs, tracks []string, broken map[string]bool) *surfacetest.Page {
	sel := acquire.DefaultSelectors()
	page := surfacetest.New()
	page.Route(songURL, func(p *surfacetest.Page) {
		var current string
		p.SetTitle("Custom Backing Track")
		p.Set(sel.Mixer, &surfacetest.Node{})
		p.Set(sel.PitchUp, &surfacetest.Node{})
		p.Set(sel.PitchValue, &surfacetest.Node{Text: "0"})
		var solos, names []*surfacetest.Node
		for _, name := range tracks {
			name := name
			solos = append(solos, &surfacetest.Node{OnClick: func(*surfacetest.Page) error {
				current = name
				return nil
			}})
			names = append(names, &surfacetest.Node{Text: name})
		}
		p.Set(sel.Solo, solos...)
		p.Set(sel.TrackName, names...)
		p.Set(sel.Download, &surfacetest.Node{OnClick: func(p *surfacetest.Page) error {
			file := current + ".mp3"
			if !broken[current] {
				_ = afero.WriteFile(fs, "/dl/"+file, []byte("audio"), 0o644)
			}
			p.Set(sel.Confirmation, &surfacetest.Node{})
			p.Set(sel.ConfirmLink, &surfacetest.Node{Attrs: map[string]string{"href": "/dl/" + file}})
			return nil
		}})
	})
	return page
}

func newDownloadCommand(t *testing.T, broken map[string]bool) (*command, *bytes.Buffer) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, fs.MkdirAll("/state", 0o755))
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Download.ProgressDir = "/state"
	cfg.Download.CompletionTimeout = 2 * time.Second

	var out bytes.Buffer
	return &command{
		out: &out,
		cfg: cfg,
		options: kvdl.Options{
			Credentials: credentials.Static{User: "u", Password: "p"},
			Surface:     fakeSite(fs, []string{"Bass", "Drums"}, broken),
			Fs:          fs,
			Clock:       polltest.New(),
		},
	}, &out
}

func TestDownloadEndToEnd(t *testing.T) {
	c, out := newDownloadCommand(t, nil)
	err := c.Download(context.Background(), DownloadFlags{URL: songURL, DownloadPath: "/dl"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "2 tracks: 2 downloaded, 0 skipped, 0 failed")
}

func TestDownloadPartialFailureExitCode(t *testing.T) {
	c, out := newDownloadCommand(t, map[string]bool{"Drums": true})
	err := c.Download(context.Background(), DownloadFlags{URL: songURL, DownloadPath: "/dl"})
	require.Error(t, err)
	assert.Equal(t, exitPartial, exitCode(err))
	assert.Contains(t, out.String(), "failed: Drums")
}

func TestDownloadReleasesMetricsAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, _ := newDownloadCommand(t, nil)
	err = c.Download(context.Background(), DownloadFlags{URL: songURL, DownloadPath: "/dl", MetricsListen: addr})
	require.NoError(t, err)

	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err, "metrics server still bound after download returned")
	require.NoError(t, ln.Close())
}

func TestStatusURL(t *testing.T) {
	cases := []struct {
		listen, base string
		https        bool
		want         string
	}{
		{"", "/api", false, ""},
		{":8089", "/api", false, "http://localhost:8089/api"},
		{"0.0.0.0:9000", "api/", false, "http://localhost:9000/api"},
		{"127.0.0.1:7000", "", true, "https://127.0.0.1:7000"},
		{"garbage", "/api", false, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusURL(tc.listen, tc.base, tc.https), "listen=%q base=%q", tc.listen, tc.base)
	}
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"phase":"finished","total":2,"completed":2,"skipped":0}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := &command{out: &out}
	require.NoError(t, c.Status(context.Background(), StatusFlags{APIUrl: srv.URL + "/api", APITimeout: time.Second}))
	assert.Contains(t, out.String(), `"phase": "finished"`)

	out.Reset()
	require.NoError(t, c.Status(context.Background(), StatusFlags{APIUrl: srv.URL + "/api", APITimeout: time.Second, Watch: true, Interval: time.Millisecond}))
	assert.Contains(t, out.String(), "finished")
	assert.Contains(t, out.String(), "2/2 done")
}

func TestStatusRequiresAddress(t *testing.T) {
	c := &command{out: &bytes.Buffer{}}
	assert.ErrorContains(t, c.Status(context.Background(), StatusFlags{}), "no status API address")
}

func TestRootHelp(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(newCommand())
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, sub := range []string{"auth", "logout", "download", "progress", "status"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestRootProgressShow(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	c := newCommand()
	c.out = &out
	defer c.close()

	root := buildRoot(c)
	root.SetArgs([]string{"progress", "show", "--dir", dir, "--env-file", filepath.Join(dir, "absent.env")})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "No saved progress")
}

func TestDownloadRequiresURL(t *testing.T) {
	root := buildRoot(newCommand())
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"download"})
	assert.Error(t, root.Execute())
}
