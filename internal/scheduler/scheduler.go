// Package scheduler runs the billing-cycle rollover loop. Once per interval
// it resets every budget whose cycle month has fallen behind the current
// UTC calendar month: spend back to zero, suspension lifted.
package scheduler

import (
	"context"
	"errors"
	"time"

	budgetdomain "github.com/formlane/meterbill/internal/budget/domain"
	"github.com/formlane/meterbill/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

type Params struct {
	fx.In

	Log       *zap.Logger
	BudgetSvc budgetdomain.Service
	Clock     clock.Clock
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	budgetSvc budgetdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.BudgetSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		budgetSvc: p.BudgetSvc,
	}, nil
}

// RunOnce performs a single rollover sweep. The underlying guarded UPDATE
// is idempotent, so overlapping runs from multiple replicas are safe.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	start := s.clock.Now()
	reset, err := s.budgetSvc.ResetExpiredCycles(ctx)
	if err != nil {
		s.log.Warn("cycle rollover failed", zap.Error(err))
		return err
	}
	if reset > 0 {
		s.log.Info("cycle rollover completed",
			zap.Int64("budgets_reset", reset),
			zap.Duration("elapsed", s.clock.Now().Sub(start)),
		)
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
