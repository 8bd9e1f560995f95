// Package orchestrator runs one resumable download of every track of a song:
// it decides what progress to keep, prepares the mixer, and walks the tracks
// with bounded retries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loykin/kvdl/internal/acquire"
	"github.com/loykin/kvdl/internal/credentials"
	"github.com/loykin/kvdl/internal/history"
	"github.com/loykin/kvdl/internal/metrics"
	"github.com/loykin/kvdl/internal/poll"
	"github.com/loykin/kvdl/internal/progress"
	"github.com/loykin/kvdl/internal/retry"
	"github.com/loykin/kvdl/internal/telemetry"
)

// Driver is the site session as seen by the orchestrator. *acquire.Session
// implements it.
type Driver interface {
	SignIn(ctx context.Context, creds credentials.Credentials) error
	Open(ctx context.Context, target string) error
	SetCountIn(ctx context.Context, on bool) error
	SetPitch(ctx context.Context, target int) error
	Items(ctx context.Context) ([]acquire.Item, error)
	Acquire(ctx context.Context, item acquire.Item, attempt int, triggerTimeout time.Duration) (string, error)
}

var _ Driver = (*acquire.Session)(nil)

type Config struct {
	Retry retry.Policy
}

type Deps struct {
	Store       progress.Store
	Driver      Driver
	Credentials credentials.Provider
	// Sinks receives history events; nil disables history.
	Sinks  history.Sink
	Clock  poll.Clock
	Logger *slog.Logger
}

// Request holds the parameters of a single run.
type Request struct {
	Target       string
	ForceRestart bool
	Transpose    int
	CountIn      bool
}

// Result summarizes a finished run. Items is in discovery order.
type Result struct {
	Target    string
	Items     []string
	Skipped   []string
	Completed []string
	Failed    []string
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	status tracker
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: progress store is required")
	}
	if deps.Driver == nil {
		return nil, errors.New("orchestrator: driver is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("orchestrator: credential provider is required")
	}
	if deps.Clock == nil {
		deps.Clock = poll.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = deps.Clock
	}
	return &Orchestrator{cfg: cfg, deps: deps, tracer: telemetry.Tracer()}, nil
}

// Snapshot returns the current run status. Safe for concurrent use.
func (o *Orchestrator) Snapshot() Status { return o.status.snapshot() }

func (o *Orchestrator) setStatus(fn func(*Status)) { o.status.update(o.deps.Clock.Now(), fn) }

// Run downloads every track of req.Target that is not already recorded as
// done. A run where some tracks exhausted their retries returns the partial
// Result together with a *PartialFailureError. Any other error is fatal and
// leaves the progress file as it was after the last completed track.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result, err error) {
	log := o.deps.Logger
	res.Target = req.Target

	ctx, span := o.tracer.Start(ctx, "kvdl.run", trace.WithAttributes(
		attribute.String("kvdl.target", req.Target),
		attribute.Bool("kvdl.force_restart", req.ForceRestart),
		attribute.Int("kvdl.transpose", req.Transpose),
	))
	metrics.RunStarted()
	o.setStatus(func(s *Status) {
		*s = Status{Phase: PhaseSigningIn, Target: req.Target, StartedAt: o.deps.Clock.Now()}
	})
	o.emit(ctx, history.EventRunStarted, history.Record{Target: req.Target})

	defer func() {
		outcome := "success"
		switch {
		case IsPartialFailure(err):
			outcome = "partial"
		case err != nil:
			outcome = "fatal"
		}
		metrics.RunFinished(outcome)
		rec := history.Record{Target: req.Target}
		if err != nil {
			rec.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.emit(ctx, history.EventRunFinished, rec)
		o.setStatus(func(s *Status) {
			s.CurrentItem, s.Attempt = "", 0
			s.Phase = PhaseFinished
			if err != nil && !IsPartialFailure(err) {
				s.Phase = PhaseFailed
				s.Error = err.Error()
			}
		})
		span.SetAttributes(attribute.String("kvdl.outcome", outcome))
		span.End()
	}()

	if strings.TrimSpace(req.Target) == "" {
		return res, errors.New("target url is required")
	}

	creds, err := o.deps.Credentials.Credentials()
	if err != nil {
		return res, fmt.Errorf("load credentials: %w", err)
	}

	if err := o.prepareProgress(req); err != nil {
		return res, err
	}

	if err := o.deps.Driver.SignIn(ctx, creds); err != nil {
		return res, fmt.Errorf("sign in: %w", err)
	}

	if err := o.deps.Store.SetTargetIdentity(req.Target); err != nil {
		return res, fmt.Errorf("record target: %w", err)
	}

	o.setStatus(func(s *Status) { s.Phase = PhaseOpening })
	if err := o.deps.Driver.Open(ctx, req.Target); err != nil {
		return res, err
	}
	if err := o.deps.Driver.SetCountIn(ctx, req.CountIn); err != nil {
		return res, fmt.Errorf("count-in: %w", err)
	}

	o.setStatus(func(s *Status) { s.Phase = PhaseAdjusting })
	if err := o.deps.Driver.SetPitch(ctx, req.Transpose); err != nil {
		return res, err
	}

	o.setStatus(func(s *Status) { s.Phase = PhaseDiscovering })
	items, err := o.deps.Driver.Items(ctx)
	if err != nil {
		return res, fmt.Errorf("discover tracks: %w", err)
	}
	for _, it := range items {
		res.Items = append(res.Items, it.Name)
	}
	log.Info("found tracks", "count", len(items))
	o.setStatus(func(s *Status) { s.Phase = PhaseDownloading; s.Total = len(items) })

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		done, err := o.deps.Store.IsCompleted(item.Name)
		if err != nil {
			return res, fmt.Errorf("read progress: %w", err)
		}
		if done {
			log.Info("skipping track (already downloaded)", "index", i+1, "track", item.Name)
			res.Skipped = append(res.Skipped, item.Name)
			metrics.IncItem("skipped")
			o.emit(ctx, history.EventItemSkipped, history.Record{Target: req.Target, Item: item.Name})
			o.setStatus(func(s *Status) { s.Skipped++ })
			continue
		}

		log.Info("processing track", "index", i+1, "track", item.Name)
		ok, err := o.acquireItem(ctx, req.Target, item)
		if err != nil {
			return res, err
		}
		if ok {
			res.Completed = append(res.Completed, item.Name)
		} else {
			res.Failed = append(res.Failed, item.Name)
		}
	}

	if len(res.Failed) == 0 {
		log.Info("all tracks downloaded successfully", "tracks", res.Items)
		if err := o.deps.Store.Clear(); err != nil {
			return res, fmt.Errorf("clear progress: %w", err)
		}
		log.Info("progress file cleared")
		return res, nil
	}

	log.Warn("download completed with failures", "failed", len(res.Failed), "tracks", res.Failed)
	log.Info("progress saved, run the command again to retry failed tracks")
	return res, &PartialFailureError{Failed: res.Failed}
}

// prepareProgress applies the keep or discard decision for saved progress.
func (o *Orchestrator) prepareProgress(req Request) error {
	log := o.deps.Logger
	if req.ForceRestart {
		log.Info("force restart requested, clearing saved progress")
		if err := o.deps.Store.Clear(); err != nil {
			return fmt.Errorf("clear progress: %w", err)
		}
		return nil
	}
	same, err := o.deps.Store.IsSameTarget(req.Target)
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	if same {
		done, err := o.deps.Store.CompletedItems()
		if err != nil {
			return fmt.Errorf("read progress: %w", err)
		}
		if len(done) > 0 {
			log.Info("resuming previous download", "completed", done)
		}
		return nil
	}
	rec, err := o.deps.Store.Load()
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	if !rec.IsEmpty() {
		log.Info("saved progress belongs to a different song, starting fresh", "previous", rec.URL)
		if err := o.deps.Store.Clear(); err != nil {
			return fmt.Errorf("clear progress: %w", err)
		}
	}
	return nil
}

// acquireItem runs the retry-wrapped download of one track. It returns
// false when retries were exhausted and an error only for fatal conditions.
func (o *Orchestrator) acquireItem(ctx context.Context, target string, item acquire.Item) (bool, error) {
	log := o.deps.Logger.With("track", item.Name)
	policy := o.cfg.Retry

	ctx, span := o.tracer.Start(ctx, "kvdl.item", trace.WithAttributes(
		attribute.String("kvdl.track", item.Name),
		attribute.Int("kvdl.index", item.Index),
	))
	defer span.End()
	o.setStatus(func(s *Status) { s.CurrentItem, s.Attempt = item.Name, 0 })

	var file string
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		o.setStatus(func(s *Status) { s.Attempt = attempt })
		actx, aspan := o.tracer.Start(ctx, "kvdl.attempt", trace.WithAttributes(attribute.Int("kvdl.attempt", attempt)))
		defer aspan.End()
		start := o.deps.Clock.Now()
		name, err := o.deps.Driver.Acquire(actx, item, attempt, policy.AttemptTimeout(attempt))
		metrics.ObserveAttempt(err == nil, o.deps.Clock.Now().Sub(start).Seconds())
		if err != nil {
			aspan.RecordError(err)
			aspan.SetStatus(codes.Error, err.Error())
			return err
		}
		file = name
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("attempt failed", "attempt", attempt, "error", err)
		o.emit(ctx, history.EventAttemptFailed, history.Record{Target: target, Item: item.Name, Attempt: attempt, Error: err.Error()})
		if wait > 0 {
			log.Info("waiting before retry", "wait", wait)
			metrics.AddRetryWait(wait.Seconds())
		}
	})

	switch {
	case err == nil:
		if err := o.deps.Store.MarkCompleted(item.Name); err != nil {
			return false, fmt.Errorf("save progress for %q: %w", item.Name, err)
		}
		log.Info("track complete", "file", file, "attempts", attempts)
		metrics.IncItem("completed")
		o.emit(ctx, history.EventItemCompleted, history.Record{Target: target, Item: item.Name, Attempt: attempts, File: file})
		o.setStatus(func(s *Status) { s.Completed++ })
		return true, nil
	case errors.Is(err, retry.ErrExhausted):
		log.Error("failed to download track", "attempts", attempts, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "retries exhausted")
		metrics.IncItem("failed")
		o.emit(ctx, history.EventItemFailed, history.Record{Target: target, Item: item.Name, Attempt: attempts, Error: err.Error()})
		o.setStatus(func(s *Status) { s.Failed = append(s.Failed, item.Name) })
		return false, nil
	default:
		return false, err
	}
}

// emit records a history event. Sink failures are logged and never fail the run.
func (o *Orchestrator) emit(ctx context.Context, t history.EventType, rec history.Record) {
	if o.deps.Sinks == nil {
		return
	}
	e := history.Event{Type: t, OccurredAt: o.deps.Clock.Now().UTC(), Record: rec}
	if err := o.deps.Sinks.Send(context.WithoutCancel(ctx), e); err != nil {
		o.deps.Logger.Warn("history sink", "event", string(t), "error", err)
	}
}
