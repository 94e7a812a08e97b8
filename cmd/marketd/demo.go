package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"marketcore/internal/core"
	"marketcore/pkg/domain"
)

var demoCmd = &cli.Command{
	Name:  "demo",
	Usage: "Run one trade end to end against the configured store and print receipts",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "seed",
			Usage: "seed for participant addresses (random when empty)",
		},
		&cli.Uint64Flag{
			Name:  "price",
			Value: 10,
		},
	},
	Action: func(cctx *cli.Context) error {
		n, err := openNode(cctx)
		if err != nil {
			return err
		}
		defer func() { _ = n.Close() }()
		seed := cctx.String("seed")
		if seed == "" {
			seed = uuid.NewString()
		}
		return runDemo(cctx.Context, n.svc, cctx.App.Writer, seed, cctx.Uint64("price"))
	},
}

// receipts prints one line per committed command.
type receipts struct {
	tw *tabwriter.Writer
}

func (r receipts) add(op string, res core.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fmt.Fprintf(r.tw, "%s\t%d\t%d\n", op, res.GasUsed, len(res.Events))
	return nil
}

func runDemo(ctx context.Context, svc *core.Service, w io.Writer, seed string, price uint64) error {
	addr := func(name string) domain.Address {
		return domain.DeriveDeviceAddress([]byte(seed + "/" + name))
	}
	provider, consumer, operator := addr("provider"), addr("consumer"), addr("operator")
	device, broker := addr("device"), addr("broker")

	r := receipts{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
	fmt.Fprintln(r.tw, "OP\tGAS\tEVENTS")

	_, res, err := svc.CreateIdentity(ctx, provider, domain.Identity{FirstName: "Ada"})
	if err := r.add("create_identity provider", res, err); err != nil {
		return err
	}
	_, res, err = svc.CreateIdentity(ctx, consumer, domain.Identity{FirstName: "Bo"})
	if err := r.add("create_identity consumer", res, err); err != nil {
		return err
	}
	_, res, err = svc.CreateIdentity(ctx, operator, domain.Identity{FirstName: "Kai"})
	if err := r.add("create_identity operator", res, err); err != nil {
		return err
	}
	_, res, err = svc.CreateDevice(ctx, provider, domain.Device{Address: device, Name: "weather station"})
	if err := r.add("create_device", res, err); err != nil {
		return err
	}
	product, res, err := svc.CreateProduct(ctx, provider, domain.Product{Device: device, Name: "temperature", Price: price, Frequency: 60})
	if err := r.add("create_product", res, err); err != nil {
		return err
	}
	_, res, err = svc.CreateBroker(ctx, operator, domain.Broker{Address: broker, Name: "edge", Location: domain.LocationEUW})
	if err := r.add("create_broker", res, err); err != nil {
		return err
	}
	_, res, err = svc.Deposit(ctx, consumer, price)
	if err := r.add("deposit", res, err); err != nil {
		return err
	}
	neg, res, err := svc.RequestNegotiation(ctx, consumer, product.ID)
	if err := r.add("request_negotiation", res, err); err != nil {
		return err
	}
	_, res, err = svc.AcceptNegotiationRequest(ctx, provider, neg.ID)
	if err := r.add("accept_negotiation", res, err); err != nil {
		return err
	}
	start := time.Now()
	trade, res, err := svc.RequestTrading(ctx, consumer, neg.ID, broker, start, start.Add(time.Hour))
	if err := r.add("request_trading", res, err); err != nil {
		return err
	}
	_, res, err = svc.AcceptTradingRequest(ctx, provider, trade.ID)
	if err := r.add("accept_trading", res, err); err != nil {
		return err
	}
	delivered := trade.Expected()
	_, res, err = svc.SubmitCounter(ctx, provider, trade.ID, delivered, 0)
	if err := r.add("submit_counter provider", res, err); err != nil {
		return err
	}
	_, res, err = svc.SubmitCounter(ctx, consumer, trade.ID, delivered, 5)
	if err := r.add("submit_counter consumer", res, err); err != nil {
		return err
	}
	if err := r.tw.Flush(); err != nil {
		return err
	}

	settled, err := svc.Settled(ctx, trade.ID)
	if err != nil {
		return err
	}
	avg, count, err := svc.AverageRating(ctx, device)
	if err != nil {
		return err
	}
	paid, err := svc.Balance(ctx, provider)
	if err != nil {
		return err
	}
	split, _, err := svc.GetSettlement(ctx, trade.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "trade %d settled=%t cost=%d refund=%d fee=%d provider_balance=%d rating=%.2f (%d)\n",
		trade.ID, settled, split.ActualCost, split.Consumer, split.Broker, paid, avg, count)
	return nil
}
