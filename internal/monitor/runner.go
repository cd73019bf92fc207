package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Runner drives the guardian and conductor on their tickers until the
// context is cancelled.
type Runner struct {
	guardian          *Guardian
	conductor         *Conductor
	guardianInterval  time.Duration
	conductorInterval time.Duration
	log               *logging.Logger
	wg                sync.WaitGroup
}

// NewRunner wires both loops.
func NewRunner(g *Guardian, c *Conductor, guardianInterval, conductorInterval time.Duration, log *logging.Logger) *Runner {
	return &Runner{
		guardian:          g,
		conductor:         c,
		guardianInterval:  guardianInterval,
		conductorInterval: conductorInterval,
		log:               log.Named("monitor"),
	}
}

// Start launches both loops. It returns immediately; call Wait to
// block until they wind down after cancellation.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.loop(ctx, "guardian", r.guardianInterval, func(ctx context.Context) error {
		return r.guardian.RunOnce(ctx)
	})
	go r.loop(ctx, "conductor", r.conductorInterval, func(ctx context.Context) error {
		_, err := r.conductor.RunOnce(ctx)
		return err
	})
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info(ctx, "loop started", zap.String("loop", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info(ctx, "loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				r.log.Error(ctx, "cycle failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

// Wait blocks until both loops have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}
