package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/guard"
	"github.com/sells-group/oficio-cli/internal/pipeline"
)

var (
	ingestEmail string
	ingestLabel string
	ingestOrg   string
	ingestOwner string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass over a mailbox label",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := guard.TriggerRequest{
			Email: strings.TrimSpace(ingestEmail),
			Label: strings.TrimSpace(ingestLabel),
			OrgID: strings.TrimSpace(ingestOrg),
		}
		if errs := req.Validate(); len(errs) > 0 {
			return eris.Wrap(errs, "ingest: invalid trigger")
		}

		ctx := cmd.Context()
		env, err := initApp(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Run(ctx, pipeline.Trigger{
			Email:       req.Email,
			Label:       req.Label,
			OrgID:       req.OrgID,
			OwnerUserID: ingestOwner,
		})
		if err != nil {
			return eris.Wrap(err, "ingest: run")
		}

		zap.L().Info("ingest complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("imported", res.Imported),
			zap.Int("needs_review", res.NeedsReview),
			zap.Int("failed", res.Failed),
		)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestEmail, "email", "", "mailbox address (required)")
	ingestCmd.Flags().StringVar(&ingestLabel, "label", "OFICIOS", "mailbox label to scan")
	ingestCmd.Flags().StringVar(&ingestOrg, "org", "", "organization id (default from config)")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "user id recorded as owner of imported oficios")
	rootCmd.AddCommand(ingestCmd)
}
