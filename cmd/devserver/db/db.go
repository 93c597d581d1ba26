package cmd

import (
	"fmt"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/drivers"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/migrations"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/repository"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/mediastore"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "db",
	Short: "Utility for run index management",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "migrate database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(cmd, func(driver drivers.Driver) error {
			group, err := migrations.Migrate(cmd.Context(), driver.GetDB())
			if err != nil {
				return err
			}
			if group.IsZero() {
				fmt.Fprintln(cmd.OutOrStdout(), "there are no new migrations to run (database is up to date)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated to %s\n", group)
			return nil
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "rollback the last migration group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(cmd, func(driver drivers.Driver) error {
			group, err := migrations.Rollback(cmd.Context(), driver.GetDB())
			if err != nil {
				return err
			}
			if group.IsZero() {
				fmt.Fprintln(cmd.OutOrStdout(), "there are no groups to roll back")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", group)
			return nil
		})
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create the run index and fill it from the exports folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.GetConfig()
		if err != nil {
			return err
		}
		l, err := logger.NewLogger(cfg)
		if err != nil {
			return err
		}

		return withDriver(cmd, func(driver drivers.Driver) error {
			if _, err := migrations.Migrate(cmd.Context(), driver.GetDB()); err != nil {
				return err
			}

			dirs, err := mediastore.New(cfg.ExportsDir).RunDirs()
			if err != nil {
				return err
			}
			n, err := repository.Backfill(cmd.Context(), repository.NewRunRepository(driver.GetDB()), dirs, l)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d runs\n", n, len(dirs))
			return nil
		})
	},
}

func withDriver(cmd *cobra.Command, f func(driver drivers.Driver) error) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	driver, err := db.NewConnection(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer driver.Close()
	return f(driver)
}

// The index is selected through db.driver and db.dsn in the config file or
// DEVSERVER_DB_DRIVER and DEVSERVER_DB_DSN.
func init() {
	Cmd.AddCommand(migrateCmd, rollbackCmd, initCmd)
}
