package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/kvdl/internal/acquire"
	"github.com/loykin/kvdl/internal/credentials"
	"github.com/loykin/kvdl/internal/history"
	"github.com/loykin/kvdl/internal/poll/polltest"
	"github.com/loykin/kvdl/internal/progress"
	"github.com/loykin/kvdl/internal/setting"
	"github.com/loykin/kvdl/internal/surface"
)

const (
	songA = "https://www.karaoke-version.com/custombackingtrack/artist/song-a.html"
	songB = "https://www.karaoke-version.com/custombackingtrack/artist/song-b.html"
)

type acquireCall struct {
	item    string
	attempt int
	timeout time.Duration
}

type fakeDriver struct {
	mu       sync.Mutex
	items    []string
	fail     map[string]error
	signedIn bool
	openErr  error
	pitchErr error
	pitch    *int
	calls    []acquireCall
	// onAcquire runs before each download attempt.
	onAcquire func(item string, attempt int) error
}

func (d *fakeDriver) SignIn(context.Context, credentials.Credentials) error {
	d.signedIn = true
	return nil
}

func (d *fakeDriver) Open(context.Context, string) error { return d.openErr }

func (d *fakeDriver) SetCountIn(context.Context, bool) error { return nil }

func (d *fakeDriver) SetPitch(_ context.Context, target int) error {
	d.pitch = &target
	return d.pitchErr
}

func (d *fakeDriver) Items(context.Context) ([]acquire.Item, error) {
	out := make([]acquire.Item, len(d.items))
	for i, n := range d.items {
		out[i] = acquire.Item{Index: i, Name: n}
	}
	return out, nil
}

func (d *fakeDriver) Acquire(_ context.Context, item acquire.Item, attempt int, timeout time.Duration) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, acquireCall{item.Name, attempt, timeout})
	d.mu.Unlock()
	if d.onAcquire != nil {
		if err := d.onAcquire(item.Name, attempt); err != nil {
			return "", err
		}
	}
	if err := d.fail[item.Name]; err != nil {
		return "", err
	}
	return item.Name + ".mp3", nil
}

func (d *fakeDriver) attempted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		out = append(out, c.item)
	}
	return out
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.EventType
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store  *progress.FileStore
	fs     afero.Fs
	driver *fakeDriver
	clock  *polltest.Clock
	sink   *memSink
	orch   *Orchestrator
}

func newHarness(t *testing.T, items ...string) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/work", 0o755))
	h := &harness{
		fs:     fs,
		store:  progress.NewFileStore(fs, "/work"),
		driver: &fakeDriver{items: items, fail: map[string]error{}},
		clock:  polltest.New(),
		sink:   &memSink{},
	}
	orch, err := New(Config{}, Deps{
		Store:       h.store,
		Driver:      h.driver,
		Credentials: credentials.Static{User: "u", Password: "p"},
		Sinks:       h.sink,
		Clock:       h.clock,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) seed(t *testing.T, url string, done ...string) {
	t.Helper()
	require.NoError(t, h.store.Save(progress.Record{URL: url, CompletedTracks: done}))
}

func (h *harness) fileExists(t *testing.T) bool {
	t.Helper()
	ok, err := afero.Exists(h.fs, h.store.Path())
	require.NoError(t, err)
	return ok
}

func TestRun_ResumeSkipsCompleted(t *testing.T) {
	h := newHarness(t, "Lead Vocal", "Bass", "Drum Kit")
	h.seed(t, songA, "Bass")

	res, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.NoError(t, err)

	assert.Equal(t, []string{"Lead Vocal", "Drum Kit"}, h.driver.attempted())
	assert.Equal(t, []string{"Bass"}, res.Skipped)
	assert.Equal(t, []string{"Lead Vocal", "Drum Kit"}, res.Completed)
	assert.Equal(t, []string{"Lead Vocal", "Bass", "Drum Kit"}, res.Items)
}

func TestRun_IdentitySwitchClearsBeforeItems(t *testing.T) {
	h := newHarness(t, "Bass", "Guitar")
	h.seed(t, songB, "Bass")

	var seen []string
	h.driver.onAcquire = func(item string, attempt int) error {
		if seen == nil {
			var err error
			seen, err = h.store.CompletedItems()
			require.NoError(t, err)
		}
		return nil
	}

	_, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.NoError(t, err)
	assert.Empty(t, seen)
	assert.Equal(t, []string{"Bass", "Guitar"}, h.driver.attempted())
}

func TestRun_IdentityRecordedBeforeItems(t *testing.T) {
	h := newHarness(t, "Bass")
	h.driver.onAcquire = func(string, int) error {
		same, err := h.store.IsSameTarget(songA)
		require.NoError(t, err)
		assert.True(t, same)
		return nil
	}
	_, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.NoError(t, err)
}

func TestRun_ForceRestartClearsMatchingTarget(t *testing.T) {
	h := newHarness(t, "Bass", "Keys")
	h.seed(t, songA, "Bass", "Keys")

	res, err := h.orch.Run(context.Background(), Request{Target: songA, ForceRestart: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bass", "Keys"}, h.driver.attempted())
	assert.Empty(t, res.Skipped)
}

func TestRun_SuccessClearsProgress(t *testing.T) {
	h := newHarness(t, "Bass", "Keys")
	_, err := h.orch.Run(context.Background(), Request{Target: songA, Transpose: -2})
	require.NoError(t, err)
	assert.False(t, h.fileExists(t))
	require.NotNil(t, h.driver.pitch)
	assert.Equal(t, -2, *h.driver.pitch)
}

func TestRun_PartialFailurePreservesProgress(t *testing.T) {
	h := newHarness(t, "Lead Vocal", "DrumKit", "Bass")
	h.driver.fail["DrumKit"] = fmt.Errorf("timed out waiting for download modal: %w", surface.ErrTimeout)

	res, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.Error(t, err)
	assert.True(t, IsPartialFailure(err))
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, []string{"DrumKit"}, pf.Failed)
	assert.Contains(t, err.Error(), "1 tracks failed to download")

	assert.Equal(t, []string{"Lead Vocal", "Bass"}, res.Completed)
	assert.Equal(t, []string{"DrumKit"}, res.Failed)

	rec, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, songA, rec.URL)
	assert.ElementsMatch(t, []string{"Lead Vocal", "Bass"}, rec.CompletedTracks)

	snap := h.orch.Snapshot()
	assert.Equal(t, PhaseFinished, snap.Phase)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, []string{"DrumKit"}, snap.Failed)
}

func TestRun_RetryBound(t *testing.T) {
	h := newHarness(t, "DrumKit")
	h.driver.fail["DrumKit"] = surface.ErrTimeout

	_, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.True(t, IsPartialFailure(err))

	require.Len(t, h.driver.calls, 3)
	for i, c := range h.driver.calls {
		assert.Equal(t, i+1, c.attempt)
	}
	assert.Equal(t, 60*time.Second, h.driver.calls[0].timeout)
	assert.Equal(t, 90*time.Second, h.driver.calls[1].timeout)
	assert.Equal(t, 120*time.Second, h.driver.calls[2].timeout)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, h.clock.Sleeps())
}

func TestRun_RetryRecoversOnSecondAttempt(t *testing.T) {
	h := newHarness(t, "Bass")
	h.driver.onAcquire = func(_ string, attempt int) error {
		if attempt == 1 {
			return errors.New("click intercepted")
		}
		return nil
	}
	res, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bass"}, res.Completed)
	assert.Equal(t, []history.EventType{
		history.EventRunStarted,
		history.EventAttemptFailed,
		history.EventItemCompleted,
		history.EventRunFinished,
	}, h.sink.types())
}

func TestRun_MissingCredentialsIsFatal(t *testing.T) {
	h := newHarness(t, "Bass")
	h.orch.deps.Credentials = credentials.Static{}

	_, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.ErrorIs(t, err, credentials.ErrNotFound)
	assert.False(t, IsPartialFailure(err))
	assert.False(t, h.driver.signedIn)
	assert.Equal(t, PhaseFailed, h.orch.Snapshot().Phase)
}

func TestRun_FatalPagePreconditions(t *testing.T) {
	for _, want := range []error{acquire.ErrVerificationRequired, acquire.ErrNotResourcePage, acquire.ErrNotAvailable} {
		t.Run(want.Error(), func(t *testing.T) {
			h := newHarness(t, "Bass")
			h.driver.openErr = want
			_, err := h.orch.Run(context.Background(), Request{Target: songA})
			require.ErrorIs(t, err, want)
			assert.False(t, IsPartialFailure(err))
			assert.Empty(t, h.driver.attempted())
		})
	}
}

func TestRun_ConvergenceFailureAbortsBeforeItems(t *testing.T) {
	h := newHarness(t, "Bass")
	h.seed(t, songA, "Keys")
	h.driver.pitchErr = &setting.ConvergenceError{Target: 3, Last: 0, Iterations: 10}

	_, err := h.orch.Run(context.Background(), Request{Target: songA, Transpose: 3})
	require.ErrorIs(t, err, setting.ErrNotConverged)
	assert.Empty(t, h.driver.attempted())

	rec, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Keys"}, rec.CompletedTracks)
}

func TestRun_CancellationKeepsProgress(t *testing.T) {
	h := newHarness(t, "Bass", "Keys", "Drums")
	ctx, cancel := context.WithCancel(context.Background())
	h.driver.onAcquire = func(item string, _ int) error {
		if item == "Keys" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	_, err := h.orch.Run(ctx, Request{Target: songA})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsPartialFailure(err))

	rec, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Bass"}, rec.CompletedTracks)
	assert.Equal(t, []string{"Bass", "Keys"}, h.driver.attempted())
}

func TestRun_DuplicateNamesCollapse(t *testing.T) {
	h := newHarness(t, "Guitar", "Guitar")
	res, err := h.orch.Run(context.Background(), Request{Target: songA})
	require.NoError(t, err)
	assert.Equal(t, []string{"Guitar"}, res.Completed)
	assert.Equal(t, []string{"Guitar"}, res.Skipped)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
