package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raulk/clock"
	"github.com/urfave/cli/v2"

	"marketcore/internal/core"
	"marketcore/pkg/domain"
)

var benchCmd = &cli.Command{
	Name:  "bench",
	Usage: "Print the gas cost of payload growth and cascade removal as CSV",
	Subcommands: []*cli.Command{
		{
			Name:  "update",
			Usage: "create then update n devices with a description growing by one byte each (k = description length)",
			Flags: []cli.Flag{&cli.IntFlag{Name: "n", Value: 1024}},
			Action: func(cctx *cli.Context) error {
				svc, err := benchService(cctx)
				if err != nil {
					return err
				}
				return benchUpdate(cctx.Context, svc, cctx.App.Writer, cctx.Int("n"))
			},
		},
		{
			Name:  "cascade",
			Usage: "remove a device owning k products for each k in 0..n (step)",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "n", Value: 100},
				&cli.IntFlag{Name: "step", Value: 10},
			},
			Action: func(cctx *cli.Context) error {
				svc, err := benchService(cctx)
				if err != nil {
					return err
				}
				return benchCascade(cctx.Context, svc, cctx.App.Writer, cctx.Int("n"), cctx.Int("step"))
			},
		},
	},
}

// benchEpoch is the frozen ledger time of every bench run.
var benchEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// benchService prices commands with the configured gas schedule against a
// memory store on a frozen clock, so runs never touch the real ledger and
// repeat exactly.
func benchService(cctx *cli.Context) (*core.Service, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	frozen := clock.NewMock()
	frozen.Set(benchEpoch)
	store, err := core.OpenPersistentStore(core.StorageOptions{Driver: core.StorageMemory, Gas: &cfg.Gas, Now: frozen.Now}, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, err
	}
	return core.NewService(store, core.WithClock(frozen)), nil
}

var benchOwner = domain.DeriveDeviceAddress([]byte("bench/owner"))

func benchDevice(i int) domain.Address {
	return domain.DeriveDeviceAddress([]byte(fmt.Sprintf("bench/device/%d", i)))
}

func benchUpdate(ctx context.Context, svc *core.Service, w io.Writer, n int) error {
	if _, _, err := svc.CreateIdentity(ctx, benchOwner, domain.Identity{}); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, _, err := svc.CreateDevice(ctx, benchOwner, domain.Device{Address: benchDevice(i), Name: "bench"}); err != nil {
			return fmt.Errorf("create device %d: %w", i, err)
		}
	}
	fmt.Fprintln(w, "k,gas")
	for i := 0; i < n; i++ {
		_, res, err := svc.UpdateDevice(ctx, benchOwner, domain.Device{
			Address:     benchDevice(i),
			Name:        "bench",
			Description: strings.Repeat("x", i),
		})
		if err != nil {
			return fmt.Errorf("update device %d: %w", i, err)
		}
		fmt.Fprintf(w, "%d,%d\n", i, res.GasUsed)
	}
	return nil
}

func benchCascade(ctx context.Context, svc *core.Service, w io.Writer, n, step int) error {
	if step <= 0 {
		return fmt.Errorf("step must be positive")
	}
	if _, _, err := svc.CreateIdentity(ctx, benchOwner, domain.Identity{}); err != nil {
		return err
	}
	fmt.Fprintln(w, "k,gas")
	for k := 0; k <= n; k += step {
		dev := benchDevice(k)
		if _, _, err := svc.CreateDevice(ctx, benchOwner, domain.Device{Address: dev, Name: "bench"}); err != nil {
			return fmt.Errorf("create device for k=%d: %w", k, err)
		}
		for i := 0; i < k; i++ {
			if _, _, err := svc.CreateProduct(ctx, benchOwner, domain.Product{Device: dev, Name: fmt.Sprintf("p%d", i)}); err != nil {
				return fmt.Errorf("create product %d for k=%d: %w", i, k, err)
			}
		}
		_, res, err := svc.RemoveDevice(ctx, benchOwner, dev)
		if err != nil {
			return fmt.Errorf("remove device for k=%d: %w", k, err)
		}
		fmt.Fprintf(w, "%d,%d\n", k, res.GasUsed)
	}
	return nil
}
