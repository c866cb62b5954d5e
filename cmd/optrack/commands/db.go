package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/db"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the operations database",
	Long: sym.DB + ` db - Manage the operations database

Examples:
  optrack db migrate                  # Apply pending migrations to database.path
  optrack db migrate --path ops.db    # Migrate a specific file`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	dbMigrateCmd.Flags().String("path", "", "Database file (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = cfg.GetDatabasePath()
	}

	database, err := openDatabase(cfg, path)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s %s is at schema %s (%d migrations applied)", sym.DB, path, versions[len(versions)-1], len(versions))
	return nil
}
