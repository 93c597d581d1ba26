package migrations

import (
	"context"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/models"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewCreateTable().Model((*models.Run)(nil)).IfNotExists().Exec(ctx); err != nil {
			return err
		}
		if _, err := db.NewCreateTable().
			Model((*models.RunEntity)(nil)).
			IfNotExists().
			ForeignKey(`("run_id") REFERENCES "runs" ("id") ON DELETE CASCADE`).
			Exec(ctx); err != nil {
			return err
		}

		for name, column := range map[string]string{
			"runs_timestamp_idx": "timestamp",
			"runs_config_id_idx": "config_id",
			"runs_status_idx":    "status",
			"runs_device_id_idx": "device_id",
		} {
			if _, err := db.NewCreateIndex().
				Model((*models.Run)(nil)).
				Index(name).
				Column(column).
				IfNotExists().
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewDropTable().Model((*models.RunEntity)(nil)).IfExists().Exec(ctx); err != nil {
			return err
		}
		if _, err := db.NewDropTable().Model((*models.Run)(nil)).IfExists().Exec(ctx); err != nil {
			return err
		}
		return nil
	})
}
