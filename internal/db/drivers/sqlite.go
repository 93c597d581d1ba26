package drivers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// LibSQLDriverName is the database/sql name registered by the libsql client.
const LibSQLDriverName = "libsql"

type SQLiteDriver struct {
	db *bun.DB
}

// NewSQLiteDriver opens a local SQLite file through sqliteshim, which picks
// a cgo or pure Go driver at build time.
func NewSQLiteDriver(ctx context.Context, dsn string) (*SQLiteDriver, error) {
	return openSQLite(ctx, sqliteshim.ShimName, dsn)
}

// NewLibSQLDriver talks to a remote libsql/Turso database. It shares the
// SQLite dialect.
func NewLibSQLDriver(ctx context.Context, dsn string) (*SQLiteDriver, error) {
	return openSQLite(ctx, LibSQLDriverName, dsn)
}

func openSQLite(ctx context.Context, name, dsn string) (*SQLiteDriver, error) {
	sqldb, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", name, err)
	}
	if name == sqliteshim.ShimName {
		// one writer at a time; concurrent writers get SQLITE_BUSY
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", name, err)
	}

	return &SQLiteDriver{db: bun.NewDB(sqldb, sqlitedialect.New())}, nil
}

func (d *SQLiteDriver) GetDB() *bun.DB {
	return d.db
}

func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}
