package main

import (
	"context"
	"time"

	"github.com/raulk/clock"

	"marketcore/internal/core"
)

// sweeper completes accepted trades whose window has closed.
type sweeper struct {
	svc      *core.Service
	clock    clock.Clock
	interval time.Duration
	log      core.Logger
}

// Sweep resolves every expired trade once, each in its own transaction, and
// returns how many completed. A trade that fails to settle is logged and
// left for the next sweep.
func (s *sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.svc.ExpiredTrades(ctx)
	if err != nil {
		return 0, err
	}
	var done int
	var gas uint64
	for _, id := range ids {
		_, ok, res, err := s.svc.ResolveExpiredTrade(ctx, id)
		if err != nil {
			s.log.Warn("expired trade not resolved", "trade", id, "error", err)
			continue
		}
		if ok {
			done++
			gas += res.GasUsed
		}
	}
	if done > 0 {
		s.log.Info("expired trades resolved", "count", done, "gas", gas)
	}
	return done, nil
}

func (s *sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Warn("trade sweep failed", "error", err)
			}
		}
	}
}
