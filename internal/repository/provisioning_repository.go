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

// ProvisioningRepository is the Postgres ProvisioningStore. member_id is
// unique so a member can never be provisioned twice.
type ProvisioningRepository struct {
	db *database.DB
}

// NewProvisioningRepository creates a new ProvisioningRepository.
func NewProvisioningRepository(db *database.DB) *ProvisioningRepository {
	return &ProvisioningRepository{db: db}
}

// Create inserts a process together with its declared steps.
func (r *ProvisioningRepository) Create(ctx context.Context, p *ProvisioningProcess) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Version = 1

	doc, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal provisioning process")
	}

	query := `
		INSERT INTO onboarding_provisioning
		    (id, member_id, workflow_id, status, document, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		p.ID,
		p.MemberID,
		p.WorkflowID,
		string(p.Status),
		doc,
		p.Version,
		p.CreatedAt,
	).Scan(&p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.New(errors.ErrCodeConflict, "provisioning process already exists for member "+p.MemberID)
		}
		return errors.Persistence(err, "failed to create provisioning process")
	}
	return nil
}

// Get retrieves a process by its primary key.
func (r *ProvisioningRepository) Get(ctx context.Context, id string) (*ProvisioningProcess, error) {
	query := `SELECT document, version, updated_at FROM onboarding_provisioning WHERE id = $1`

	p, err := r.scanProcess(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("provisioning_process", id)
	}
	return p, err
}

// GetByMemberID retrieves the process for a member.
func (r *ProvisioningRepository) GetByMemberID(ctx context.Context, memberID string) (*ProvisioningProcess, error) {
	query := `SELECT document, version, updated_at FROM onboarding_provisioning WHERE member_id = $1`

	p, err := r.scanProcess(r.db.QueryRow(ctx, query, memberID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("provisioning_process", memberID)
	}
	return p, err
}

// List returns processes matching the filter, oldest first.
func (r *ProvisioningRepository) List(ctx context.Context, filter ProcessFilter) ([]*ProvisioningProcess, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	query := `
		SELECT document, version, updated_at
		FROM onboarding_provisioning
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at ASC
	`
	args := []any{statuses}
	if filter.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list provisioning processes")
	}
	defer rows.Close()

	var out []*ProvisioningProcess
	for rows.Next() {
		p, err := r.scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate provisioning processes")
	}
	return out, nil
}

// Update locks the row, applies fn and writes the document back.
func (r *ProvisioningRepository) Update(ctx context.Context, id string, fn func(p *ProvisioningProcess) error) (*ProvisioningProcess, error) {
	var updated *ProvisioningProcess

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockQuery := `SELECT document, version, updated_at FROM onboarding_provisioning WHERE id = $1 FOR UPDATE`

		p, err := r.scanProcess(tx.QueryRow(ctx, lockQuery, id))
		if err == pgx.ErrNoRows {
			return errors.NotFound("provisioning_process", id)
		}
		if err != nil {
			return err
		}

		if err := fn(p); err != nil {
			return err
		}
		p.Version++

		doc, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal provisioning process")
		}

		updateQuery := `
			UPDATE onboarding_provisioning
			SET status     = $2,
			    document   = $3,
			    version    = $4,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`
		if err := tx.QueryRow(ctx, updateQuery, id, string(p.Status), doc, p.Version).Scan(&p.UpdatedAt); err != nil {
			return errors.Persistence(err, "failed to update provisioning process")
		}

		updated = p
		return nil
	})
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			return nil, errors.Persistence(err, "provisioning process transaction failed")
		}
		return nil, err
	}
	return updated, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type processScanner interface {
	Scan(dest ...any) error
}

func (r *ProvisioningRepository) scanProcess(row processScanner) (*ProvisioningProcess, error) {
	var doc []byte
	var version int64
	p := &ProvisioningProcess{}

	if err := row.Scan(&doc, &version, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.Persistence(err, "failed to scan provisioning process")
	}
	updatedAt := p.UpdatedAt
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal provisioning process")
	}
	p.Version = version
	p.UpdatedAt = updatedAt
	return p, nil
}
