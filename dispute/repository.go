package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrOpenDisputeExists rejects a second open dispute on the same deal.
	ErrOpenDisputeExists = errors.New("dispute: deal already has an open dispute")
	// ErrAlreadyResolved rejects mutation of a resolved dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

const disputeColumns = `id, deal_id, opened_by::text, reason, status::text,
	resolution, resolved_by::text, action, created_at, resolved_at`

// Repository defines dispute data access.
type Repository interface {
	HasOpen(ctx context.Context, tx pgx.Tx, dealID string) (bool, error)
	Insert(ctx context.Context, tx pgx.Tx, dealID, openedBy, reason string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id, adminID, resolution string, action Action) (Dispute, error)
	ListByDeal(ctx context.Context, dealID string) ([]Dispute, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// HasOpen checks for an existing open dispute inside the transaction. The
// check runs before the insert so callers get a typed rejection instead of a
// constraint-violation error; the partial unique index on the table remains
// as a last-resort guard.
func (r *PGRepository) HasOpen(ctx context.Context, tx pgx.Tx, dealID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE deal_id = $1 AND status = 'open')`,
		dealID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: check open: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, dealID, openedBy, reason string) (Dispute, error) {
	query := fmt.Sprintf(`
		INSERT INTO disputes (deal_id, opened_by, reason, status)
		VALUES ($1, $2, $3, 'open')
		RETURNING %s
	`, disputeColumns)

	rec, err := scanDispute(tx.QueryRow(ctx, query, dealID, openedBy, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrOpenDisputeExists
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1 FOR UPDATE`, disputeColumns)

	rec, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, id, adminID, resolution string, action Action) (Dispute, error) {
	query := fmt.Sprintf(`
		UPDATE disputes
		SET status = 'resolved',
		    resolution = $2,
		    resolved_by = $3,
		    action = $4,
		    resolved_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'open'
		RETURNING %s
	`, disputeColumns)

	rec, err := scanDispute(tx.QueryRow(ctx, query, id, resolution, adminID, action))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrAlreadyResolved
		}
		return Dispute{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListByDeal(ctx context.Context, dealID string) ([]Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE deal_id = $1 ORDER BY created_at DESC`, disputeColumns)

	rows, err := r.pool.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		rec    Dispute
		action *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.DealID,
		&rec.OpenedBy,
		&rec.Reason,
		&rec.Status,
		&rec.Resolution,
		&rec.ResolvedBy,
		&action,
		&rec.CreatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	if action != nil {
		a := Action(*action)
		rec.Action = &a
	}
	return rec, nil
}
