package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// resumeCmd retries one grant immediately, including markers that exhausted the
// automatic retry budget.
func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <reference>",
		Short: "Retry the entitlement grant of a confirmed payment now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			infra, err := connect(ctx)
			if err != nil {
				return err
			}
			defer infra.Close(ctx)

			grant, err := infra.Grantor(infra.Ledger(), nil).Resume(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s: course %s to %s\n", grant.Reference, grant.CourseID, grant.StudentID)
			return nil
		},
	}
}
