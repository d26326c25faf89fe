// Package sweeper runs periodic maintenance tasks such as marking missed
// appointments and reporting unanswered emergency calls.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Task is one sweep. Run returns how many records it changed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Sweeper struct {
	tasks    []Task
	interval time.Duration
	logger   zerolog.Logger

	// RunTimeout bounds a single pass over all tasks.
	RunTimeout time.Duration
}

func New(interval time.Duration, logger zerolog.Logger, tasks ...Task) *Sweeper {
	return &Sweeper{
		tasks:      tasks,
		interval:   interval,
		logger:     logger,
		RunTimeout: 20 * time.Second,
	}
}

// Start runs every task once immediately and then on each tick until ctx is
// cancelled. A failing task is logged and retried on the next tick.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Int("tasks", len(s.tasks)).Msg("sweeper started")
	_ = s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return nil
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every task in order and returns the joined task errors.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, s.RunTimeout)
	defer cancel()

	var errs []error
	for _, task := range s.tasks {
		start := time.Now()
		n, err := task.Run(runCtx)
		if err != nil {
			s.logger.Error().Err(err).Str("task", task.Name).Msg("sweep failed")
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
			continue
		}
		s.logger.Debug().
			Str("task", task.Name).
			Int("changed", n).
			Dur("elapsed", time.Since(start)).
			Msg("sweep complete")
	}
	return errors.Join(errs...)
}
