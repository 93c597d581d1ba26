// Package db holds the optional run index: a relational mirror of every
// run's metadata.json used to answer list_runs without walking the exports.
package db

import (
	"context"
	"fmt"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/drivers"

	"github.com/uptrace/bun/extra/bundebug"
)

const (
	DriverSQLite = "sqlite"
	DriverPG     = "pg"
	DriverLibSQL = "libsql"
)

func NewConnection(ctx context.Context, cfg *config.Config) (drivers.Driver, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("%w: db section missing", config.ErrInvalidConfig)
	}

	var (
		driver drivers.Driver
		err    error
	)
	switch cfg.DB.Driver {
	case DriverSQLite, "":
		driver, err = drivers.NewSQLiteDriver(ctx, cfg.DB.DSN)
	case DriverLibSQL:
		driver, err = drivers.NewLibSQLDriver(ctx, cfg.DB.DSN)
	case DriverPG:
		driver, err = drivers.NewPGDriver(ctx, cfg.DB.DSN)
	default:
		return nil, fmt.Errorf("%w: invalid database driver: %s", config.ErrInvalidConfig, cfg.DB.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Environment == config.EnvDev {
		driver.GetDB().AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))
	}
	return driver, nil
}
