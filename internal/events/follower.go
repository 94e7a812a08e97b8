package events

import (
	"context"
	"time"

	"github.com/raulk/clock"

	"marketcore/pkg/domain"
)

// Source is a committed event journal.
type Source interface {
	Events(after uint64, limit int) []domain.Event
}

type refresher interface {
	Refresh(ctx context.Context) error
}

// Logger is the subset of the service logger the follower reports through.
type Logger interface {
	Warn(msg string, args ...any)
}

// Follower tails a journal and republishes what it finds on a bus. It picks
// up commits made by other processes sharing a SQL ledger.
type Follower struct {
	src      Source
	bus      *Bus
	clock    clock.Clock
	interval time.Duration
	batch    int
	log      Logger
	after    uint64
}

// NewFollower returns a follower starting after seq.
func NewFollower(src Source, bus *Bus, clk clock.Clock, interval time.Duration, after uint64, log Logger) *Follower {
	if clk == nil {
		clk = clock.New()
	}
	return &Follower{src: src, bus: bus, clock: clk, interval: interval, batch: 256, log: log, after: after}
}

// Poll publishes every event committed since the last poll and returns how
// many were read.
func (f *Follower) Poll(ctx context.Context) (int, error) {
	if r, ok := f.src.(refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			return 0, err
		}
	}
	total := 0
	for {
		batch := f.src.Events(f.after, f.batch)
		if len(batch) == 0 {
			return total, nil
		}
		f.bus.Publish(ctx, batch)
		f.after = batch[len(batch)-1].Seq
		total += len(batch)
		if len(batch) < f.batch {
			return total, nil
		}
	}
}

// Run polls until ctx is done.
func (f *Follower) Run(ctx context.Context) {
	ticker := f.clock.Ticker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Poll(ctx); err != nil && f.log != nil {
				f.log.Warn("event follower poll failed", "error", err)
			}
		}
	}
}
