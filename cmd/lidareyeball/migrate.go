package main

import (
	"database/sql"
	"fmt"
	"io"
	"strconv"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/log"
	"github.com/bregeon/LidarEyeball/internal/storage/catalog"
	"github.com/bregeon/LidarEyeball/internal/storage/timescaledb"
	"github.com/bregeon/LidarEyeball/pkg/migrate"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|to|version|status] [target]",
	Short: "Manage the schema version of the run catalog",
	Long: `Apply or roll back the run catalog migrations.

  up              apply every pending migration
  down <version>  roll back to version, 0 removes every table
  to <version>    migrate up or down to version
  version         print the current version
  status          print the current version and pending migrations`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"up", "down", "to", "version", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c := application.Config().Storage.Catalog
		if c == nil || c.Path == "" {
			return errors.InvalidInputf("no run catalog configured: set storage.catalog.path")
		}
		db, err := sql.Open("sqlite", c.Path)
		if err != nil {
			return errors.Wrapf(err, "opening catalog %s", c.Path)
		}
		defer db.Close()
		db.SetMaxOpenConns(1)

		return runMigration(cmd.OutOrStdout(), catalog.NewMigrator(db, log.Named("migrate")), args)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the TimescaleDB tables and hypertables of the result sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := application.Config().Storage.TimescaleDB
		if ts == nil || ts.ConnectionString == "" {
			return errors.InvalidInputf("no TimescaleDB configured: set storage.timescaledb.connection-string")
		}
		s, err := timescaledb.New(cmd.Context(), ts.ConnectionString, log.Named("timescaledb"))
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "TimescaleDB schema ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runMigration(w io.Writer, m *migrate.Migrator, args []string) error {
	target := func() (int, error) {
		if len(args) < 2 {
			return 0, errors.InvalidInputf("%s needs a target version", args[0])
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return 0, errors.InvalidInputf("invalid target version %q", args[1])
		}
		return v, nil
	}

	var err error
	switch args[0] {
	case "up":
		err = m.MigrateUp()
	case "down":
		var v int
		if v, err = target(); err == nil {
			err = m.MigrateDown(v)
		}
	case "to":
		var v int
		if v, err = target(); err == nil {
			err = m.MigrateTo(v)
		}
	case "version":
		v, err := m.GetCurrentVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Current version: %d\n", v)
		return nil
	case "status":
		return showStatus(w, m)
	default:
		return errors.InvalidInputf("unknown migration command %q", args[0])
	}
	if err != nil {
		return errors.Wrap(err, "migration command failed")
	}

	fmt.Fprintln(w, "Migration completed successfully")
	return nil
}

func showStatus(w io.Writer, m *migrate.Migrator) error {
	currentVersion, err := m.GetCurrentVersion()
	if err != nil {
		return errors.Wrap(err, "failed to get current version")
	}
	pending, err := m.GetPendingMigrations()
	if err != nil {
		return errors.Wrap(err, "failed to get pending migrations")
	}

	fmt.Fprintf(w, "Current version: %d\n", currentVersion)
	fmt.Fprintf(w, "Pending migrations: %d\n", len(pending))
	for _, mig := range pending {
		fmt.Fprintf(w, "  %d: %s\n", mig.Version, mig.Name)
	}
	return nil
}
