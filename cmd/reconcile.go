package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileLimit int

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay fallback decisions to the primary service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Dispatcher.Reconcile(ctx, reconcileLimit)
		if err != nil {
			return err
		}

		zap.L().Info("reconcile complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
		)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 100, "maximum outbox entries to replay")
	rootCmd.AddCommand(reconcileCmd)
}
