package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/sheet"
)

var (
	usersOrg   string
	userID     string
	userName   string
	userEmail  string
	usersFile  string
	usersSheet string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage the user directory behind the assignee picker",
}

var usersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update one user",
	RunE: func(cmd *cobra.Command, args []string) error {
		u := model.User{
			ID:    strings.TrimSpace(userID),
			OrgID: strings.TrimSpace(usersOrg),
			Name:  strings.TrimSpace(userName),
			Email: strings.TrimSpace(userEmail),
		}
		if u.OrgID == "" || u.ID == "" {
			return eris.New("users add: --org and --id are required")
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, "users")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.UpsertUsers(ctx, []model.User{u}); err != nil {
			return eris.Wrap(err, "users add")
		}
		zap.L().Info("user saved", zap.String("org_id", u.OrgID), zap.String("user_id", u.ID))
		return nil
	},
}

var usersImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import users from a CSV or XLSX file with id, name and email columns",
	RunE: func(cmd *cobra.Command, args []string) error {
		org := strings.TrimSpace(usersOrg)
		if org == "" || usersFile == "" {
			return eris.New("users import: --org and --file are required")
		}

		ctx := cmd.Context()
		rows, err := sheet.ReadRows(ctx, usersFile, sheet.ReadOptions{SheetName: usersSheet})
		if err != nil {
			return err
		}
		users, err := sheet.Users(rows, org)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			zap.L().Warn("no users found", zap.String("file", usersFile))
			return nil
		}

		st, err := openStore(ctx, "users")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertUsers(ctx, users)
		if err != nil {
			return eris.Wrap(err, "users import")
		}
		zap.L().Info("users imported", zap.String("org_id", org), zap.Int64("upserted", n))
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an organization's users",
	RunE: func(cmd *cobra.Command, args []string) error {
		org := strings.TrimSpace(usersOrg)
		if org == "" {
			return eris.New("users list: --org is required")
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, "users")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		users, err := st.ListUsers(ctx, org)
		if err != nil {
			return eris.Wrap(err, "users list")
		}
		if users == nil {
			users = []model.User{}
		}
		return printJSON(cmd.OutOrStdout(), users)
	},
}

func init() {
	usersCmd.PersistentFlags().StringVar(&usersOrg, "org", "", "organization id (required)")

	usersAddCmd.Flags().StringVar(&userID, "id", "", "user id (required)")
	usersAddCmd.Flags().StringVar(&userName, "name", "", "display name")
	usersAddCmd.Flags().StringVar(&userEmail, "email", "", "email address")

	usersImportCmd.Flags().StringVar(&usersFile, "file", "", "CSV or XLSX file (required)")
	usersImportCmd.Flags().StringVar(&usersSheet, "sheet", "", "XLSX sheet name (default first sheet)")

	usersCmd.AddCommand(usersAddCmd, usersImportCmd, usersListCmd)
	rootCmd.AddCommand(usersCmd)
}
