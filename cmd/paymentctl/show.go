package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/edu-payments/internal/entitlement"
	"github.com/noah-isme/edu-payments/internal/ledger"
)

type report struct {
	Intent      ledger.PaymentIntent       `json:"intent"`
	Transitions []ledger.Transition        `json:"transitions"`
	Events      []ledger.ConfirmationEvent `json:"events"`
	Grant       *entitlement.Grant         `json:"grant,omitempty"`
	Pending     *entitlement.PendingMarker `json:"pending,omitempty"`
	Payout      *entitlement.Payout        `json:"payout,omitempty"`
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reference>",
		Short: "Print the ledger history and entitlement state of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			infra, err := connect(ctx)
			if err != nil {
				return err
			}
			defer infra.Close(ctx)

			ref := args[0]
			ledgerSvc := infra.Ledger()
			intent, err := ledgerSvc.Get(ctx, ref)
			if err != nil {
				return fmt.Errorf("load %s: %w", ref, err)
			}
			rep := report{Intent: intent}
			if rep.Transitions, err = ledgerSvc.Transitions(ctx, ref); err != nil {
				return err
			}
			if rep.Events, err = ledgerSvc.Events(ctx, ref); err != nil {
				return err
			}

			store := entitlement.NewPostgresStore(infra.Pool)
			if g, err := store.GetGrant(ctx, ref); err == nil {
				rep.Grant = &g
			} else if !errors.Is(err, entitlement.ErrNotFound) {
				return err
			}
			if m, err := store.GetPending(ctx, ref); err == nil {
				rep.Pending = &m
			} else if !errors.Is(err, entitlement.ErrNotFound) {
				return err
			}
			if p, err := store.GetPayout(ctx, ref); err == nil {
				rep.Payout = &p
			} else if !errors.Is(err, entitlement.ErrNotFound) {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}
