package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/models"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/uptrace/bun"
)

var ErrRunNotFound = errors.New("run not indexed")

type IRunRepository interface {
	Repository[models.Run]
	Upsert(ctx context.Context, meta recorder.Metadata) error
	ListRuns(ctx context.Context, f types.RunFilter) ([]types.RunSummary, error)
}

type RunRepository struct {
	db bun.IDB
}

func NewRunRepository(db *bun.DB) *RunRepository {
	return &RunRepository{db: db}
}

// FromMetadata maps a metadata snapshot onto its index rows.
func FromMetadata(meta recorder.Metadata) (*models.Run, []*models.RunEntity) {
	run := &models.Run{
		ID:              meta.RunID,
		Timestamp:       meta.Timestamp,
		ConfigID:        meta.ConfigID,
		PipelineID:      meta.PipelineID,
		OutputConfig:    meta.OutputConfig,
		ExecutionMode:   string(meta.ExecutionMode),
		SafetyLevel:     string(meta.SafetyLevel),
		Status:          string(meta.Status),
		DeviceID:        meta.DeviceID,
		UserID:          meta.UserID,
		Language:        meta.Language,
		InputText:       meta.InputText,
		TransformedText: meta.TransformedText,
		UsedSeed:        meta.UsedSeed,
		MediaCount:      len(meta.MediaEntities()),
		Path:            meta.RelDir(),
		CompletedAt:     meta.CompletedAt,
		UpdatedAt:       time.Now(),
	}
	if meta.Error != nil {
		run.ErrorID = meta.Error.ID
	}

	entities := make([]*models.RunEntity, 0, len(meta.Entities))
	for _, e := range meta.Entities {
		entities = append(entities, &models.RunEntity{
			RunID:     meta.RunID,
			Sequence:  e.Sequence,
			Type:      e.Type,
			Filename:  e.Filename,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata,
		})
	}
	return run, entities
}

// Upsert replaces the index rows of one run.
func (r *RunRepository) Upsert(ctx context.Context, meta recorder.Metadata) error {
	if meta.RunID == "" {
		return fmt.Errorf("run metadata has no id")
	}
	run, entities := FromMetadata(meta)

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().
			Model(run).
			On("CONFLICT (id) DO UPDATE").
			Set("output_config = EXCLUDED.output_config").
			Set("status = EXCLUDED.status").
			Set("transformed_text = EXCLUDED.transformed_text").
			Set("used_seed = EXCLUDED.used_seed").
			Set("error_id = EXCLUDED.error_id").
			Set("media_count = EXCLUDED.media_count").
			Set("completed_at = EXCLUDED.completed_at").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
		}

		if _, err := tx.NewDelete().Model((*models.RunEntity)(nil)).Where("run_id = ?", run.ID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear entities of %s: %w", run.ID, err)
		}
		if len(entities) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&entities).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert entities of %s: %w", run.ID, err)
		}
		return nil
	})
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := r.db.NewSelect().
		Model(&run).
		Relation("Entities", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("re.sequence ASC")
		}).
		Where("r.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) DeleteByID(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.RunEntity)(nil)).Where("run_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*models.Run)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

// ListRuns answers list_runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, f types.RunFilter) ([]types.RunSummary, error) {
	var runs []models.Run
	q := r.db.NewSelect().Model(&runs).OrderExpr("r.timestamp DESC")
	if f.ConfigID != "" {
		q = q.Where("r.config_id = ?", f.ConfigID)
	}
	if f.Status != "" {
		q = q.Where("r.status = ?", string(f.Status))
	}
	if f.DeviceID != "" {
		q = q.Where("r.device_id = ?", f.DeviceID)
	}
	if !f.From.IsZero() {
		q = q.Where("r.timestamp >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("r.timestamp < ?", f.To.AddDate(0, 0, 1))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]types.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, types.RunSummary{
			RunID:        run.ID,
			Timestamp:    run.Timestamp,
			ConfigID:     run.ConfigID,
			OutputConfig: run.OutputConfig,
			Status:       types.RunStatus(run.Status),
			DeviceID:     run.DeviceID,
			InputText:    run.InputText,
			MediaCount:   run.MediaCount,
			Path:         run.Path,
		})
	}
	return out, nil
}

var _ IRunRepository = (*RunRepository)(nil)
