// Package acquire drives the stem site: signing in, checking the song page,
// preparing the mixer and downloading each isolated track.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/kvdl/internal/credentials"
	"github.com/loykin/kvdl/internal/detector"
	"github.com/loykin/kvdl/internal/poll"
	"github.com/loykin/kvdl/internal/setting"
	"github.com/loykin/kvdl/internal/surface"
	"github.com/spf13/afero"
)

// Fatal page conditions reported by Open.
var (
	ErrNotResourcePage      = errors.New("this doesn't look like a song page, check the url")
	ErrVerificationRequired = errors.New("the browser was detected as a bot and is being asked to verify it is human, try running without --headless")
	ErrNotAvailable         = errors.New("this track has not been purchased")
	ErrItemMismatch         = errors.New("track controls and track names do not line up")
)

const (
	DefaultActionSettle   = 500 * time.Millisecond
	DefaultModalSettle    = time.Second
	DefaultDismissSettle  = 4 * time.Second
	DefaultReloadSettle   = 4 * time.Second
	DefaultCountInTimeout = 15 * time.Second
)

// Config holds everything a Session needs besides the surface.
type Config struct {
	Domain    string
	Selectors Selectors

	// DownloadDir is where the browser saves files; it must already exist.
	DownloadDir       string
	PartialSuffix     string
	PollInterval      time.Duration
	CompletionTimeout time.Duration
	Fs                afero.Fs

	ActionSettle   time.Duration
	ModalSettle    time.Duration
	DismissSettle  time.Duration
	ReloadSettle   time.Duration
	CountInTimeout time.Duration

	Setting setting.Options
}

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	c.Selectors = c.Selectors.withDefaults()
	if c.PartialSuffix == "" {
		c.PartialSuffix = detector.DefaultPartialSuffix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = detector.DefaultInterval
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = detector.DefaultTimeout
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.ActionSettle <= 0 {
		c.ActionSettle = DefaultActionSettle
	}
	if c.ModalSettle <= 0 {
		c.ModalSettle = DefaultModalSettle
	}
	if c.DismissSettle <= 0 {
		c.DismissSettle = DefaultDismissSettle
	}
	if c.ReloadSettle <= 0 {
		c.ReloadSettle = DefaultReloadSettle
	}
	if c.CountInTimeout <= 0 {
		c.CountInTimeout = DefaultCountInTimeout
	}
	return c
}

// Item is one track of the song as discovered on the mixer.
type Item struct {
	Index int
	Name  string
	solo  surface.Element
}

// Session is one signed-in tab on the site. It is not safe for concurrent use.
type Session struct {
	surface surface.Surface
	cfg     Config
	sel     Selectors
	clock   poll.Clock
	logger  *slog.Logger
}

func NewSession(s surface.Surface, cfg Config, clock poll.Clock, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = poll.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Setting.Clock == nil {
		cfg.Setting.Clock = clock
	}
	return &Session{surface: s, cfg: cfg, sel: cfg.Selectors, clock: clock, logger: logger}
}

// HomeURL is the page the sign-in flow starts from.
func (s *Session) HomeURL() string { return "https://" + s.cfg.Domain }

// SignIn logs in with creds. A page without a login link means the browser
// profile already holds a session.
func (s *Session) SignIn(ctx context.Context, creds credentials.Credentials) error {
	if err := s.surface.Navigate(ctx, s.HomeURL()); err != nil {
		return fmt.Errorf("open home page: %w", err)
	}
	s.logger.Info("logging in user", "user", creds.User)

	link, err := s.surface.Locate(ctx, s.sel.LoginLink)
	if surface.KindOf(err) == surface.NotFound {
		s.logger.Debug("no login link, already signed in")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find login link: %w", err)
	}
	if err := s.surface.Click(ctx, link); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}

	if err := s.fill(ctx, s.sel.LoginUser, creds.User); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	if err := s.fill(ctx, s.sel.LoginPassword, creds.Password); err != nil {
		return fmt.Errorf("password: %w", err)
	}
	submit, err := s.surface.Locate(ctx, s.sel.LoginSubmit)
	if err != nil {
		return fmt.Errorf("find submit button: %w", err)
	}
	if err := s.surface.Click(ctx, submit); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return s.clock.Sleep(ctx, s.cfg.ReloadSettle)
}

func (s *Session) fill(ctx context.Context, selector, value string) error {
	el, err := s.surface.WaitForAppearance(ctx, selector, s.cfg.CountInTimeout)
	if err != nil {
		return err
	}
	if err := s.surface.Focus(ctx, el); err != nil {
		return err
	}
	return s.surface.TypeText(ctx, el, value)
}

// Open navigates to target and checks that it is a purchased song page.
func (s *Session) Open(ctx context.Context, target string) error {
	if err := s.surface.Navigate(ctx, target); err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	song, err := s.isSongPage(ctx)
	if err != nil {
		return err
	}
	if !song {
		title, err := s.surface.Title(ctx)
		if err == nil && strings.Contains(title, VerificationMarker) {
			return ErrVerificationRequired
		}
		return ErrNotResourcePage
	}
	_, err = s.surface.Locate(ctx, s.sel.NotPurchased)
	switch surface.KindOf(err) {
	case surface.NotFound:
		return nil
	case surface.Found:
		return ErrNotAvailable
	default:
		return fmt.Errorf("check purchase state: %w", err)
	}
}

func (s *Session) isSongPage(ctx context.Context) (bool, error) {
	for _, sel := range []string{s.sel.Mixer, s.sel.Download} {
		_, err := s.surface.Locate(ctx, sel)
		switch surface.KindOf(err) {
		case surface.Found:
		case surface.NotFound:
			return false, nil
		default:
			return false, fmt.Errorf("inspect page: %w", err)
		}
	}
	return true, nil
}

// SetCountIn enables the count-in checkbox when on is true and it is not
// already checked. Disabling is left to the site's remembered state.
func (s *Session) SetCountIn(ctx context.Context, on bool) error {
	if !on {
		return nil
	}
	box, err := s.surface.WaitForAppearance(ctx, s.sel.CountIn, s.cfg.CountInTimeout)
	if err != nil {
		return fmt.Errorf("count-in checkbox: %w", err)
	}
	_, checked, err := s.surface.ReadAttribute(ctx, box, "checked")
	if err != nil {
		return fmt.Errorf("count-in state: %w", err)
	}
	if checked {
		return nil
	}
	s.logger.Info("enabling count-in")
	return s.surface.Click(ctx, box)
}

// Pitch exposes the mixer's key control for setting.Converge.
func (s *Session) Pitch() setting.Control { return pitchControl{s} }

// SetPitch moves the key to target and reloads the tracks.
func (s *Session) SetPitch(ctx context.Context, target int) error {
	up, err := s.surface.Locate(ctx, s.sel.PitchUp)
	if err != nil {
		return fmt.Errorf("pitch up button: %w", err)
	}
	if err := s.surface.Focus(ctx, up); err != nil {
		return fmt.Errorf("focus pitch control: %w", err)
	}
	opts := s.cfg.Setting
	opts.OnAdjust = func(v int) { s.logger.Debug("pitch adjusted", "value", v, "target", target) }
	if err := setting.Converge(ctx, target, s.Pitch(), opts); err != nil {
		return fmt.Errorf("set pitch to %d: %w", target, err)
	}
	return nil
}

type pitchControl struct{ s *Session }

func (p pitchControl) Read(ctx context.Context) (int, error) {
	el, err := p.s.surface.Locate(ctx, p.s.sel.PitchValue)
	if err != nil {
		return 0, fmt.Errorf("pitch value: %w", err)
	}
	text, err := p.s.surface.ReadText(ctx, el)
	if err != nil {
		return 0, fmt.Errorf("read pitch: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(text), "+"))
	if err != nil {
		return 0, fmt.Errorf("parse pitch %q: %w", text, err)
	}
	return v, nil
}

func (p pitchControl) Increment(ctx context.Context) error { return p.click(ctx, p.s.sel.PitchUp) }
func (p pitchControl) Decrement(ctx context.Context) error { return p.click(ctx, p.s.sel.PitchDown) }

func (p pitchControl) Reload(ctx context.Context) error {
	p.s.logger.Info("reloading tracks after pitching")
	if err := p.click(ctx, p.s.sel.PitchReload); err != nil {
		return err
	}
	return p.s.clock.Sleep(ctx, p.s.cfg.ReloadSettle)
}

func (p pitchControl) click(ctx context.Context, selector string) error {
	el, err := p.s.surface.Locate(ctx, selector)
	if err != nil {
		return err
	}
	return p.s.surface.Click(ctx, el)
}

// Items pairs each solo button with its caption, in page order.
func (s *Session) Items(ctx context.Context) ([]Item, error) {
	solos, err := s.surface.LocateAll(ctx, s.sel.Solo)
	if err != nil {
		return nil, fmt.Errorf("solo buttons: %w", err)
	}
	captions, err := s.surface.LocateAll(ctx, s.sel.TrackName)
	if err != nil {
		return nil, fmt.Errorf("track names: %w", err)
	}
	if len(solos) != len(captions) {
		return nil, fmt.Errorf("%w: %d solo buttons, %d names", ErrItemMismatch, len(solos), len(captions))
	}
	items := make([]Item, 0, len(solos))
	for i, c := range captions {
		text, err := s.surface.ReadOwnText(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("track %d name: %w", i+1, err)
		}
		items = append(items, Item{Index: i, Name: strings.Join(strings.Fields(text), " "), solo: solos[i]})
	}
	return items, nil
}

// Acquire downloads one isolated track and waits for the file to land. It
// returns the downloaded file name. triggerTimeout bounds the wait for the
// download dialog.
func (s *Session) Acquire(ctx context.Context, item Item, attempt int, triggerTimeout time.Duration) (string, error) {
	log := s.logger.With("track", item.Name, "attempt", attempt)
	if attempt > 1 {
		log.Info("retrying track")
	}

	if err := s.settleAfter(ctx, func() error { return s.surface.ScrollIntoView(ctx, item.solo) }); err != nil {
		return "", fmt.Errorf("scroll to solo: %w", err)
	}
	if err := s.settleAfter(ctx, func() error { return s.surface.Click(ctx, item.solo) }); err != nil {
		return "", fmt.Errorf("solo: %w", err)
	}

	log.Info("starting download")
	dl, err := s.surface.Locate(ctx, s.sel.Download)
	if err != nil {
		return "", fmt.Errorf("download button: %w", err)
	}
	if err := s.settleAfter(ctx, func() error { return s.surface.ScrollIntoView(ctx, dl) }); err != nil {
		return "", fmt.Errorf("scroll to download: %w", err)
	}
	if err := s.settleAfter(ctx, func() error { return s.surface.Click(ctx, dl) }); err != nil {
		return "", fmt.Errorf("click download: %w", err)
	}

	log.Info("waiting for download modal")
	if _, err := s.surface.WaitForAppearance(ctx, s.sel.Confirmation, triggerTimeout); err != nil {
		if surface.KindOf(err) == surface.Timeout {
			return "", fmt.Errorf("timed out waiting for download modal after %s: %w", triggerTimeout, err)
		}
		return "", fmt.Errorf("download modal: %w", err)
	}
	if err := s.clock.Sleep(ctx, s.cfg.ModalSettle); err != nil {
		return "", err
	}

	name, err := s.downloadFilename(ctx)
	if err != nil {
		return "", err
	}
	log.Debug("expected download filename", "file", name)

	closeBtn, err := s.surface.Locate(ctx, s.sel.Dismiss)
	switch surface.KindOf(err) {
	case surface.Found:
		if err := s.surface.Click(ctx, closeBtn); err != nil {
			return "", fmt.Errorf("close modal: %w", err)
		}
	case surface.NotFound:
		log.Warn("could not find modal close button, proceeding anyway")
	default:
		return "", fmt.Errorf("find modal close button: %w", err)
	}
	if err := s.clock.Sleep(ctx, s.cfg.DismissSettle); err != nil {
		return "", err
	}

	log.Info("waiting for download to complete", "dir", s.cfg.DownloadDir)
	det := detector.PartialFileDetector{
		Fs:     s.cfg.Fs,
		Dir:    s.cfg.DownloadDir,
		Name:   name,
		Suffix: s.cfg.PartialSuffix,
	}
	err = detector.Await(ctx, det, detector.Options{
		Interval: s.cfg.PollInterval,
		Timeout:  s.cfg.CompletionTimeout,
		Clock:    s.clock,
	})
	if err != nil {
		return "", err
	}
	log.Info("download complete", "file", name)
	return name, nil
}

func (s *Session) settleAfter(ctx context.Context, action func() error) error {
	if err := action(); err != nil {
		return err
	}
	return s.clock.Sleep(ctx, s.cfg.ActionSettle)
}

func (s *Session) downloadFilename(ctx context.Context) (string, error) {
	link, err := s.surface.Locate(ctx, s.sel.ConfirmLink)
	if err != nil {
		return "", fmt.Errorf("download link: %w", err)
	}
	href, ok, err := s.surface.ReadAttribute(ctx, link, "href")
	if err != nil {
		return "", fmt.Errorf("download link href: %w", err)
	}
	if !ok {
		return "", errors.New("download link has no href attribute")
	}
	return FilenameFromHref(href)
}

// FilenameFromHref returns the percent-decoded last path segment of href.
func FilenameFromHref(href string) (string, error) {
	seg := href[strings.LastIndex(href, "/")+1:]
	if seg == "" {
		return "", fmt.Errorf("could not extract filename from %q", href)
	}
	name, err := url.PathUnescape(seg)
	if err != nil {
		return "", fmt.Errorf("decode filename %q: %w", seg, err)
	}
	return name, nil
}
