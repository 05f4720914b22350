package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/PrayerPipe/internal/recovery"
)

func newRecoverCommand(root *rootOptions) *cobra.Command {
	var (
		userID      string
		preserve    bool
		destructive bool
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run startup and cascade recovery for a user",
		Long: "Starts the user's flow (which drains the offline queue and applies crash and session recovery), " +
			"then runs the recovery cascade and prints the strategy that succeeded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(root.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			f, err := rt.newFlow(ctx, userID)
			if err != nil {
				return err
			}
			if err := f.Start(ctx); err != nil {
				f.Abandon()
				return fmt.Errorf("failed to start flow: %w", err)
			}
			defer func() {
				if err := f.Stop(ctx); err != nil {
					slog.Warn("recover: stop failed", "error", err)
				}
			}()

			res := f.Recovery().AttemptRecovery(ctx, recovery.Options{PreserveProgress: preserve, AllowDestructive: destructive})
			out := cmd.OutOrStdout()
			switch {
			case res.Success:
				fmt.Fprintf(out, "recovered by %s at %s", res.Strategy, res.State)
				if res.DataLoss {
					fmt.Fprint(out, " (progress discarded)")
				}
				fmt.Fprintln(out)
			case errors.Is(res.Err, recovery.ErrNothingRecovered):
				fmt.Fprintf(out, "nothing to recover, flow at %s\n", f.Snapshot().CurrentState)
			default:
				return fmt.Errorf("recovery failed: %w", res.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose flow to recover")
	cmd.Flags().BoolVar(&preserve, "preserve", true, "keep the stored step instead of the last completed one")
	cmd.Flags().BoolVar(&destructive, "destructive", false, "allow clearing local state when nothing else works")
	return cmd
}
