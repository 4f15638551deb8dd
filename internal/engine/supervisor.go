package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SupervisorConfig bounds how hard a supervised task is allowed to flap.
type SupervisorConfig struct {
	// MaxFailures within FailureWindow escalates instead of restarting.
	MaxFailures   int
	FailureWindow time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultSupervisorConfig tolerates transient stream drops but escalates a
// task that cannot stay up.
var DefaultSupervisorConfig = SupervisorConfig{
	MaxFailures:   5,
	FailureWindow: 5 * time.Minute,
	BaseBackoff:   time.Second,
	MaxBackoff:    30 * time.Second,
}

// Supervise runs fn, restarting it with exponential backoff when it returns
// an error. Context cancellation always propagates immediately and is never
// counted as a failure. When more than cfg.MaxFailures failures land inside
// cfg.FailureWindow the supervisor gives up and returns the last error so
// the surrounding group tears the engine down.
func Supervise(ctx context.Context, log *slog.Logger, metrics *Metrics, cfg SupervisorConfig,
	name string, fn func(context.Context) error) error {
	var failures []time.Time
	backoff := cfg.BaseBackoff

	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}

		now := time.Now()
		failures = append(failures, now)
		kept := failures[:0]
		for _, t := range failures {
			if now.Sub(t) <= cfg.FailureWindow {
				kept = append(kept, t)
			}
		}
		failures = kept

		if len(failures) > cfg.MaxFailures {
			return fmt.Errorf("task %s failed %d times in %s, giving up: %w",
				name, len(failures), cfg.FailureWindow, err)
		}

		metrics.TaskRestarts.WithLabelValues(name).Inc()
		log.Warn("task failed, restarting", "task", name, "failures", len(failures),
			"backoff", backoff.String(), "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
