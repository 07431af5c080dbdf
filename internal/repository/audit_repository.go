package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-onboarding/internal/database"
	"github.com/pesio-ai/be-onboarding/internal/errors"
)

// AuditRepository appends and reads immutable audit log entries. The table
// has an update/delete guard trigger, so Append is the only write besides
// the retention purge.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}

	doc, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit entry")
	}

	query := `
		INSERT INTO onboarding_audit_log
		    (id, occurred_at, event_type, level, category,
		     performed_by, target_entity_type, target_entity_id, correlation_id,
		     success, tags, expires_at, document)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13)
	`

	_, err = r.db.Exec(ctx, query,
		entry.ID,
		entry.Timestamp,
		entry.EventType,
		string(entry.Level),
		entry.Category,
		entry.PerformedBy,
		entry.TargetEntityType,
		entry.TargetEntityID,
		entry.CorrelationID,
		entry.Result.Success,
		tags,
		entry.ExpiresAt(),
		doc,
	)
	if err != nil {
		return errors.Persistence(err, "failed to append audit entry")
	}
	return nil
}

// Query returns matching entries newest-first along with the total match count.
func (r *AuditRepository) Query(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, int, error) {
	where, args := buildAuditWhere(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM onboarding_audit_log" + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Persistence(err, "failed to count audit entries")
	}

	query := "SELECT document FROM onboarding_audit_log" + where + " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Persistence(err, "failed to query audit log")
	}
	defer rows.Close()

	entries, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeExpired deletes entries whose retention period elapsed before now.
func (r *AuditRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM onboarding_audit_log WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Persistence(err, "failed to purge expired audit entries")
	}
	return tag.RowsAffected(), nil
}

func buildAuditWhere(f AuditFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if len(f.EventTypes) > 0 {
		add("event_type = ANY($%d)", f.EventTypes)
	}
	if len(f.Levels) > 0 {
		levels := make([]string, 0, len(f.Levels))
		for _, l := range f.Levels {
			levels = append(levels, string(l))
		}
		add("level = ANY($%d)", levels)
	}
	if len(f.Categories) > 0 {
		add("category = ANY($%d)", f.Categories)
	}
	if f.PerformedBy != "" {
		add("performed_by = $%d", f.PerformedBy)
	}
	if f.TargetEntityID != "" {
		add("target_entity_id = $%d", f.TargetEntityID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at <= $%d", *f.To)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditLogEntry, error) {
	var entries []*AuditLogEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Persistence(err, "failed to scan audit entry")
		}
		entry := &AuditLogEntry{}
		if err := json.Unmarshal(doc, entry); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate audit entries")
	}
	return entries, nil
}
