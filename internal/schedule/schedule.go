// Package schedule starts scenes on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"mathstream/server/internal/telemetry"
	"mathstream/server/logging"
	"mathstream/server/logging/playback"
)

const metricAutoplayTriggers = "autoplay_triggers_total"

// Entry plays Scene each time Cron fires.
type Entry struct {
	Cron  string
	Scene string
}

// Target starts scenes.
type Target interface {
	PlayScene(id string) error
}

// Config controls a Runner.
type Config struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Now       func() time.Time
	// After returns a channel that fires once d has elapsed.
	After func(d time.Duration) <-chan time.Time
	// RetryDelay is the pause after a failed next-tick computation.
	RetryDelay time.Duration
}

// Runner fires entries against a Target until its context ends.
type Runner struct {
	entries []Entry
	target  Target
	cfg     Config
}

// New validates every cron expression.
func New(entries []Entry, target Target, cfg Config) (*Runner, error) {
	if target == nil {
		return nil, errors.New("schedule target is required")
	}
	for i, entry := range entries {
		if entry.Scene == "" {
			return nil, fmt.Errorf("schedule entry %d missing scene", i)
		}
		if !gronx.IsValid(entry.Cron) {
			return nil, fmt.Errorf("schedule entry %d: invalid cron expression: %s", i, entry.Cron)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &Runner{entries: append([]Entry(nil), entries...), target: target, cfg: cfg}, nil
}

// Next returns the earliest tick after now and every entry due at it.
func (r *Runner) Next(now time.Time) (time.Time, []Entry, error) {
	var next time.Time
	var due []Entry
	for _, entry := range r.entries {
		tick, err := gronx.NextTickAfter(entry.Cron, now, false)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("next tick for %q: %w", entry.Cron, err)
		}
		switch {
		case next.IsZero() || tick.Before(next):
			next = tick
			due = []Entry{entry}
		case tick.Equal(next):
			due = append(due, entry)
		}
	}
	return next, due, nil
}

// Run blocks until ctx is done. It returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.entries) == 0 {
		<-ctx.Done()
		return nil
	}
	for {
		now := r.cfg.Now()
		next, due, err := r.Next(now)
		if err != nil {
			r.cfg.Logger.Printf("autoplay schedule failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-r.cfg.After(r.cfg.RetryDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.cfg.After(next.Sub(now)):
		}
		for _, entry := range due {
			r.fire(ctx, entry)
		}
	}
}

func (r *Runner) fire(ctx context.Context, entry Entry) {
	r.cfg.Metrics.Add(metricAutoplayTriggers, 1)
	payload := playback.AutoplayPayload{Cron: entry.Cron}
	if err := r.target.PlayScene(entry.Scene); err != nil {
		payload.Error = err.Error()
		r.cfg.Logger.Printf("autoplay of scene %s failed: %v", entry.Scene, err)
	} else {
		r.cfg.Logger.Printf("autoplay started scene %s (%s)", entry.Scene, entry.Cron)
	}
	playback.AutoplayTriggered(ctx, r.cfg.Publisher, logging.SceneRef(entry.Scene), payload)
}
