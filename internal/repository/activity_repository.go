package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
)

// ActivityRepository appends and reads audit entries. Entries are never updated.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository constructs the repository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Create appends an entry outside of any enrollment transaction.
func (r *ActivityRepository) Create(ctx context.Context, entry *models.ActivityLogEntry) error {
	return insertActivity(ctx, r.db, entry)
}

// ListByEntity returns entries for one entity, newest first.
func (r *ActivityRepository) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.ActivityLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, actor, action, entity_type, entity_id, before_state, after_state, details, created_at
	FROM activity_logs
	WHERE entity_type = $1 AND entity_id = $2
	ORDER BY created_at DESC
	LIMIT $3`
	var entries []models.ActivityLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, entityType, entityID, limit); err != nil {
		return nil, fmt.Errorf("list activity logs: %w", err)
	}
	return entries, nil
}

func insertActivity(ctx context.Context, exec sqlx.ExecerContext, entry *models.ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO activity_logs (id, actor, action, entity_type, entity_id, before_state, after_state, details, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := exec.ExecContext(ctx, query,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		nullableJSON(entry.BeforeState),
		nullableJSON(entry.AfterState),
		nullableJSON(entry.Details),
		entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
