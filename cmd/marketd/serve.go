package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/raulk/clock"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"marketcore/internal/blob"
	"marketcore/internal/core"
	"marketcore/internal/events"
	"marketcore/internal/journal"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Run the ledger: sweep expired trades, archive the journal and serve metrics",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "follow-interval",
			Usage: "how often to pick up commits made by other processes",
			Value: 2 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus := events.NewBus()
		defer bus.Close()

		n, err := openNode(cctx, core.WithEventPublisher(bus))
		if err != nil {
			return err
		}
		defer func() { _ = n.Close() }()

		archive, err := blob.Open(ctx, n.cfg.BlobConfig())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		archiver := journal.NewArchiver(n.store, archive,
			journal.WithPrefix(n.cfg.Archive.Prefix),
			journal.WithSegmentSize(n.cfg.Archive.SegmentSize),
			journal.WithLogger(n.log))

		clk := clock.New()
		sw := &sweeper{svc: n.svc, clock: clk, interval: n.cfg.Trading.SweepInterval, log: n.log}
		follower := events.NewFollower(n.store, bus, clk, cctx.Duration("follow-interval"), n.store.LastSeq(), n.log)
		logged := bus.Subscribe(ctx)

		srv := &http.Server{
			Addr:              n.cfg.Metrics.Listen,
			Handler:           newRouter(n.telemetry, n.svc),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { sw.Run(gctx); return nil })
		g.Go(func() error { follower.Run(gctx); return nil })
		g.Go(func() error { logEvents(gctx, n.log, logged); return nil })
		g.Go(func() error { return archiveLoop(gctx, archiver, clk, n.cfg.Archive.Interval, n.log) })
		if srv.Addr != "" {
			g.Go(func() error {
				n.log.Info("serving metrics", "addr", srv.Addr, "exporter", n.cfg.Metrics.Exporter, "path", n.telemetry.path)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
		}
		err = g.Wait()

		// Flush whatever committed since the last tick.
		fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, ferr := archiver.Archive(fctx); ferr != nil {
			err = errors.Join(err, fmt.Errorf("final archive: %w", ferr))
		}
		return err
	},
}

func archiveLoop(ctx context.Context, a *journal.Archiver, clk clock.Clock, interval time.Duration, log core.Logger) error {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil {
				if errors.Is(err, journal.ErrDiverged) {
					return err
				}
				log.Warn("journal archive failed", "error", err)
			}
		}
	}
}

func logEvents(ctx context.Context, log core.Logger, ch <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Debug("event", "seq", e.Seq, "type", e.Type, "entity", e.Entity, "key", e.Key)
		}
	}
}

type health struct {
	Status  string `json:"status"`
	LastSeq uint64 `json:"last_seq"`
}

func newRouter(tel *telemetry, svc *core.Service) *mux.Router {
	r := mux.NewRouter()
	r.Handle(tel.path, tel.handler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health{Status: "ok", LastSeq: svc.LastSeq()})
	}).Methods(http.MethodGet)
	return r
}
