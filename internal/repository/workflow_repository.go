package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-onboarding/internal/database"
	"github.com/pesio-ai/be-onboarding/internal/errors"
)

const pgUniqueViolation = "23505"

// WorkflowRepository is the Postgres WorkflowStore. Each workflow is one row
// holding the full document as JSONB; status and current_stage are
// denormalized for filtering.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a new workflow. A second workflow for the same application
// fails with DUPLICATE_APPLICATION.
func (r *WorkflowRepository) Create(ctx context.Context, wf *ApprovalWorkflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.Version = 1

	doc, err := json.Marshal(wf)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval workflow")
	}

	query := `
		INSERT INTO onboarding_workflows
		    (id, member_id, application_id, status, current_stage, document, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		wf.ID,
		wf.MemberID,
		wf.ApplicationID,
		string(wf.Status),
		wf.CurrentStage,
		doc,
		wf.Version,
		wf.CreatedAt,
	).Scan(&wf.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.New(errors.ErrCodeDuplicateApplication,
				"workflow already exists for application "+wf.ApplicationID)
		}
		return errors.Persistence(err, "failed to create approval workflow")
	}
	return nil
}

// Get retrieves a workflow by its primary key.
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	query := `SELECT document, version, updated_at FROM onboarding_workflows WHERE id = $1`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return wf, err
}

// GetByApplicationID retrieves the workflow for an application.
func (r *WorkflowRepository) GetByApplicationID(ctx context.Context, applicationID string) (*ApprovalWorkflow, error) {
	query := `SELECT document, version, updated_at FROM onboarding_workflows WHERE application_id = $1`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, applicationID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_workflow", applicationID)
	}
	return wf, err
}

// List returns workflows matching the filter, oldest first.
func (r *WorkflowRepository) List(ctx context.Context, filter WorkflowFilter) ([]*ApprovalWorkflow, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	query := `
		SELECT document, version, updated_at
		FROM onboarding_workflows
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR member_id = $2)
		ORDER BY created_at ASC
	`
	args := []any{statuses, filter.MemberID}
	if filter.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list approval workflows")
	}
	defer rows.Close()

	var out []*ApprovalWorkflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate approval workflows")
	}
	return out, nil
}

// Update locks the row, applies fn to the decoded document and writes it
// back in the same transaction.
func (r *WorkflowRepository) Update(ctx context.Context, id string, fn func(wf *ApprovalWorkflow) error) (*ApprovalWorkflow, error) {
	var updated *ApprovalWorkflow

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockQuery := `SELECT document, version, updated_at FROM onboarding_workflows WHERE id = $1 FOR UPDATE`

		wf, err := r.scanWorkflow(tx.QueryRow(ctx, lockQuery, id))
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_workflow", id)
		}
		if err != nil {
			return err
		}

		if err := fn(wf); err != nil {
			return err
		}
		wf.Version++

		doc, err := json.Marshal(wf)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval workflow")
		}

		updateQuery := `
			UPDATE onboarding_workflows
			SET status        = $2,
			    current_stage = $3,
			    document      = $4,
			    version       = $5,
			    updated_at    = NOW()
			WHERE id = $1
			RETURNING updated_at
		`
		if err := tx.QueryRow(ctx, updateQuery,
			id, string(wf.Status), wf.CurrentStage, doc, wf.Version,
		).Scan(&wf.UpdatedAt); err != nil {
			return errors.Persistence(err, "failed to update approval workflow")
		}

		updated = wf
		return nil
	})
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			return nil, errors.Persistence(err, "approval workflow transaction failed")
		}
		return nil, err
	}
	return updated, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type workflowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row workflowScanner) (*ApprovalWorkflow, error) {
	var doc []byte
	wf := &ApprovalWorkflow{}
	var version int64

	if err := row.Scan(&doc, &version, &wf.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.Persistence(err, "failed to scan approval workflow")
	}
	updatedAt := wf.UpdatedAt
	if err := json.Unmarshal(doc, wf); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval workflow")
	}
	wf.Version = version
	wf.UpdatedAt = updatedAt
	return wf, nil
}
