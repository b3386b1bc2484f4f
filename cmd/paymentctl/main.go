// Command paymentctl is the operator tool for the payment ledger: schema migrations,
// one-off sweeps and inspection of a single payment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/edu-payments/internal/app"
	"github.com/noah-isme/edu-payments/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the course payment ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(resumeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect loads the full configuration and opens the shared infrastructure.
func connect(ctx context.Context) (*app.Infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Bootstrap(ctx, cfg, "paymentctl")
}
