package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"marketcore/internal/blob"
	"marketcore/internal/journal"
)

var verifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "Check that the archived journal segments form one unbroken hash chain",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		store, err := blob.Open(cctx.Context, cfg.BlobConfig())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		sum, err := journal.Verify(cctx.Context, store, cfg.Archive.Prefix)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "segments=%d events=%d last_seq=%d head=%s\n", sum.Segments, sum.Events, sum.LastSeq, sum.Head)
		return nil
	},
}
