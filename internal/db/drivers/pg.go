package drivers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type PGDriver struct {
	db *bun.DB
}

func NewPGDriver(ctx context.Context, dsn string) (*PGDriver, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return &PGDriver{db: bun.NewDB(sqldb, pgdialect.New())}, nil
}

func (d *PGDriver) GetDB() *bun.DB {
	return d.db
}

func (d *PGDriver) Close() error {
	return d.db.Close()
}
