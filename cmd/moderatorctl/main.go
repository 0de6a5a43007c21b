package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/adgate/internal/adminclient"
	"github.com/blackmichael/adgate/internal/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL, moderator string

	rootCmd := &cobra.Command{
		Use:          "moderatorctl",
		Short:        "Moderate car listings",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("ADGATE_URL", "http://localhost:3000"), "moderation service URL")
	rootCmd.PersistentFlags().StringVar(&moderator, "moderator", os.Getenv("ADGATE_MODERATOR"), "moderator identity recorded with actions")

	client := func() *adminclient.Client {
		return adminclient.NewClient(serverURL, moderator)
	}

	for _, verb := range []struct{ name, short string }{
		{"approve", "Approve a listing and make it live"},
		{"reject", "Reject a listing"},
		{"block", "Block a listing"},
		{"activate", "Activate a listing, bypassing the quota"},
	} {
		rootCmd.AddCommand(actionCmd(verb.name, verb.short, client))
	}
	rootCmd.AddCommand(evaluateCmd(client))
	rootCmd.AddCommand(historyCmd(client))
	rootCmd.AddCommand(resetCmd(client))

	return rootCmd
}

func actionCmd(action, short string, client func() *adminclient.Client) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   action + " <listing-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := client().Moderate(cmd.Context(), args[0], action, reason)
			if err != nil {
				return err
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the listing owner")
	return cmd
}

func evaluateCmd(client func() *adminclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <listing-id>",
		Short: "Run automated moderation for a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := client().Evaluate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func historyCmd(client func() *adminclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "history <listing-id>",
		Short: "Show the moderation history of a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listing %s is %s, %d of %d attempts used\n\n",
				h.ListingID, h.Status, h.QualifyingCount, domain.MaxAttempts)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tACTION\tSTATUS\tBY\tREASON\tARCHIVED")
			for _, r := range h.Attempts {
				by := "system"
				if r.Moderator != nil {
					by = *r.Moderator
				}
				archived := ""
				if r.ArchivedAt != nil {
					archived = r.ArchiveReason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.Action, r.Status, by, truncate(r.Reason, 50), archived)
			}
			return w.Flush()
		},
	}
}

func resetCmd(client func() *adminclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <listing-id>",
		Short: "Archive a listing's attempts and restore its attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := client().ResetAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d attempt record(s) for %s\n", n, args[0])
			return nil
		},
	}
}

func printDecision(w io.Writer, d *domain.Decision) {
	if d.Unchanged {
		fmt.Fprintf(w, "%s: already %s\n", d.ListingID, d.Status)
		return
	}
	fmt.Fprintf(w, "%s: %s (%s)\n", d.ListingID, d.Status, d.Action)
	if d.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", d.Reason)
	}
	if d.Quota != nil && !d.Quota.Allowed {
		fmt.Fprintf(w, "Quota: %d active on %s tier\n", d.Quota.CurrentActiveCount, d.Quota.AccountTier)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
