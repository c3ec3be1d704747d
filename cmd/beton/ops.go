package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/beton-ads/beton/internal/housekeeping"
	"github.com/beton-ads/beton/internal/reconcile"
	"github.com/beton-ads/beton/internal/storage"
)

func relinkCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "relink [payment-key]",
		Short: "Link the unlinked campaigns of a confirmed payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			engine, err := a.engine()
			if err != nil {
				return err
			}

			relink := engine.Relink
			if force {
				relink = engine.ForceRelink
			}
			out := relink(cmd.Context(), args[0])
			fmt.Fprintln(cmd.OutOrStdout(), out)
			for _, w := range out.Warnings {
				fmt.Fprintln(cmd.OutOrStdout(), "  warning:", w)
			}
			if out.Result == reconcile.ResultRejected {
				return fmt.Errorf("relink %s: %s", args[0], out.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Also retry campaigns whose last link got no answer")

	return cmd
}

func pruneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run one housekeeping pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			pruner := housekeeping.NewPruner(a.store, a.ads, a.guard, a.cfg.UnpaidTTL, a.log)
			report, err := pruner.RunOnce(cmd.Context(), time.Now().UTC())
			fmt.Fprintf(cmd.OutOrStdout(), "activated %d and deactivated %d campaign(s), removed %d order(s) and %d payment(s)\n",
				report.Activated, report.Deactivated, report.Orders, report.Payments)
			return err
		},
	}
}

func paymentCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "payment [payment-key]",
		Short: "Show a payment and its campaigns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.store.PaymentByKey(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no payment with key %s", args[0])
			}
			if err != nil {
				return err
			}
			campaigns, err := a.store.CampaignsByPayment(cmd.Context(), p.Key)
			if err != nil {
				return err
			}

			printPayment(cmd.OutOrStdout(), p, campaigns, time.Now().UTC())
			return nil
		},
	}
}

func auditCmd(configPath *string) *cobra.Command {
	var limit int
	var userID int64

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the newest audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			var entries []storage.AuditEntry
			if userID != 0 {
				entries, err = a.store.AuditForUser(cmd.Context(), userID, limit)
			} else {
				entries, err = a.store.AuditEntries(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			printAudit(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries")
	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "Only entries of this user")

	return cmd
}

func printPayment(w io.Writer, p *storage.Payment, campaigns []storage.Campaign, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "key:\t%s\n", p.Key)
	fmt.Fprintf(tw, "provider:\t%s\n", p.Provider)
	fmt.Fprintf(tw, "status:\t%s\n", p.Status())
	fmt.Fprintf(tw, "expected:\t%s %s\n", p.Expected.String(), p.Currency)
	fmt.Fprintf(tw, "user:\t%d\n", p.UserID)
	fmt.Fprintf(tw, "created:\t%s\n", stamp(p.CreatedAt))
	fmt.Fprintf(tw, "received:\t%s\n", stamp(p.ReceivedAt))
	fmt.Fprintf(tw, "confirmed:\t%s\n", stamp(p.ConfirmedAt))
	if p.TxRef != "" {
		fmt.Fprintf(tw, "tx:\t%s\n", p.TxRef)
	}
	tw.Flush()

	if len(campaigns) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAMPAIGN\tZONE\tBEGINS\tSTOPS\tACTIVE\tRUNNING\tLINKED")
	for _, c := range campaigns {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%t\t%t\t%s\n",
			c.ID, c.ZoneID, stamp(c.BeginsAt), stamp(c.StopsAt), c.Active, c.Running(now), linkState(c))
	}
	tw.Flush()
}

func linkState(c storage.Campaign) string {
	if c.LinkUnknown() {
		return "unknown since " + stamp(c.LinkUnknownAt)
	}
	return stamp(c.LinkedAt)
}

func printAudit(w io.Writer, entries []storage.AuditEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", stamp(e.LoggedAt), e.UserID, e.Message)
	}
	tw.Flush()
}

func stamp(t time.Time) string {
	if t.Equal(storage.NotYet) {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
