package cli

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/labforge/internal/config"
	"github.com/lucasnoah/labforge/internal/db"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event ledger management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDB(configOrNil())
		if err != nil {
			return err
		}
		defer cleanup()
		fmt.Fprintf(cmd.OutOrStdout(), "Database schema is up to date (%s).\n", d.Dialect())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("refusing to reset without --yes")
		}
		d, cleanup, err := openDB(configOrNil())
		if err != nil {
			return err
		}
		defer cleanup()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
		return nil
	},
}

// configOrNil loads the config when one exists. Ledger commands fall back
// to the default database path without one.
func configOrNil() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		return nil
	}
	return cfg
}

// openDB opens and migrates the ledger, returning it with a cleanup func.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	dsn := ""
	if cfg != nil {
		dsn = cfg.Database.DSN
	}
	if dsn == "" {
		var err error
		if dsn, err = db.DefaultDBPath(); err != nil {
			return nil, nil, err
		}
	}
	d, err := db.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
