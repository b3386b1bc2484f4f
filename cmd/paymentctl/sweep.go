package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	var (
		skipExpire bool
		skipGrants bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale intents and retry due pending grants once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			infra, err := connect(ctx)
			if err != nil {
				return err
			}
			defer infra.Close(ctx)

			ledgerSvc := infra.Ledger()
			if limit <= 0 {
				limit = infra.Config.SweepBatchSize
			}
			out := cmd.OutOrStdout()
			if !skipExpire {
				refs, err := ledgerSvc.ExpireStale(ctx, ledgerSvc.Now(), limit)
				if err != nil {
					return fmt.Errorf("expire stale intents: %w", err)
				}
				fmt.Fprintf(out, "expired %d intent(s)\n", len(refs))
				for _, ref := range refs {
					fmt.Fprintf(out, "  %s\n", ref)
				}
			}
			if !skipGrants {
				n, err := infra.Grantor(ledgerSvc, nil).RetryPending(ctx, ledgerSvc.Now(), limit)
				if err != nil {
					return fmt.Errorf("retry pending grants: %w", err)
				}
				fmt.Fprintf(out, "resolved %d pending grant(s)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipExpire, "no-expire", false, "skip the intent expiry sweep")
	cmd.Flags().BoolVar(&skipGrants, "no-grants", false, "skip the pending grant sweep")
	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (defaults to SWEEP_BATCH_SIZE)")
	return cmd
}
