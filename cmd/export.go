package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/sheet"
	"github.com/sells-group/oficio-cli/internal/store"
)

const exportPageSize = 500

var (
	exportOrg    string
	exportStatus string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an organization's oficios to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		org := strings.TrimSpace(exportOrg)
		if org == "" {
			return eris.New("export: --org is required")
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, "export")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.OficioFilter{
			OrgID:  org,
			Status: model.Status(strings.ToUpper(strings.TrimSpace(exportStatus))),
			Limit:  exportPageSize,
		}
		var all []model.Oficio
		for {
			page, err := st.ListOficios(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "export: list oficios")
			}
			all = append(all, page...)
			if len(page) < exportPageSize {
				break
			}
			filter.Offset += exportPageSize
		}

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrap(err, "export: create output")
		}
		if err := sheet.WriteOficios(f, all, cfg.Pipeline.Location()); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "export: close output")
		}

		zap.L().Info("export complete", zap.String("org_id", org), zap.Int("oficios", len(all)), zap.String("out", exportOut))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOrg, "org", "", "organization id (required)")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "only export oficios in this status")
	exportCmd.Flags().StringVar(&exportOut, "out", "oficios.xlsx", "output file")
	rootCmd.AddCommand(exportCmd)
}
