// Package timer runs functions periodically with optional jitter, used
// by the background loops (heartbeat, discovery announcements).
package timer

import (
	"context"
	"math/rand"
	"time"

	"github.com/lthibault/jitterbug"

	log "github.com/sirupsen/logrus"
)

// Interval describes how often a periodic function runs and how much
// random jitter is applied to each tick.
type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type boundedJitter struct {
	max time.Duration
}

func (j boundedJitter) Jitter(d time.Duration) time.Duration {
	// Jitter must stay below the base duration or the ticker could fire
	// with a non-positive delay.
	if j.max <= 0 || j.max >= d {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(2*j.max))) - j.max
}

// RunWithTicker runs f on every tick until the context is cancelled or f
// returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	t := jitterbug.New(interval.Duration, boundedJitter{max: interval.Jitter})
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil {
				log.Errorf("timer: periodic task failed: %v", err)
				return err
			}
		}
	}
}
