package fund

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no fund row matches the identifier.
	ErrNotFound = errors.New("fund: not found")
	// ErrDealAlreadyFunded guards the at-most-one-confirmed-fund invariant.
	ErrDealAlreadyFunded = errors.New("fund: deal already has a confirmed fund")
)

const fundColumns = `id, deal_id, method::text, amount_cents, currency, status::text,
	external_ref, receipt_path, network, tx_hash, confirmed_at, created_at`

// Repository defines escrow-fund data access.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, f Fund) (Fund, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Fund, error)
	GetByExternalRefForUpdate(ctx context.Context, tx pgx.Tx, externalRef string) (Fund, error)
	Confirm(ctx context.Context, tx pgx.Tx, id string, network, txHash *string) (Fund, error)
	ListByDeal(ctx context.Context, dealID string) ([]Fund, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, f Fund) (Fund, error) {
	query := fmt.Sprintf(`
		INSERT INTO escrow_funds (deal_id, method, amount_cents, currency, external_ref, receipt_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s
	`, fundColumns)

	rec, err := scanFund(tx.QueryRow(ctx, query,
		f.DealID, f.Method, f.AmountCents, f.Currency, f.ExternalRef, f.ReceiptPath))
	if err != nil {
		return Fund{}, fmt.Errorf("fund: insert: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Fund, error) {
	query := fmt.Sprintf(`SELECT %s FROM escrow_funds WHERE id = $1 FOR UPDATE`, fundColumns)

	rec, err := scanFund(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fund{}, ErrNotFound
		}
		return Fund{}, fmt.Errorf("fund: get for update: %w", err)
	}
	return rec, nil
}

// GetByExternalRefForUpdate locates the fund row by the processor's charge
// identifier. Reconciliation is keyed on this lookup so redelivered events
// land on the same row.
func (r *PGRepository) GetByExternalRefForUpdate(ctx context.Context, tx pgx.Tx, externalRef string) (Fund, error) {
	query := fmt.Sprintf(`SELECT %s FROM escrow_funds WHERE external_ref = $1 FOR UPDATE`, fundColumns)

	rec, err := scanFund(tx.QueryRow(ctx, query, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fund{}, ErrNotFound
		}
		return Fund{}, fmt.Errorf("fund: get by external ref: %w", err)
	}
	return rec, nil
}

// Confirm promotes a pending fund. The partial unique index on
// (deal_id) WHERE status = 'confirmed' backs the one-confirmed-fund
// invariant; a violation maps to ErrDealAlreadyFunded.
func (r *PGRepository) Confirm(ctx context.Context, tx pgx.Tx, id string, network, txHash *string) (Fund, error) {
	query := fmt.Sprintf(`
		UPDATE escrow_funds
		SET status = 'confirmed',
		    network = COALESCE($2, network),
		    tx_hash = COALESCE($3, tx_hash),
		    confirmed_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'pending'
		RETURNING %s
	`, fundColumns)

	rec, err := scanFund(tx.QueryRow(ctx, query, id, network, txHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Fund{}, ErrDealAlreadyFunded
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return Fund{}, ErrNotFound
		}
		return Fund{}, fmt.Errorf("fund: confirm: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListByDeal(ctx context.Context, dealID string) ([]Fund, error) {
	query := fmt.Sprintf(`SELECT %s FROM escrow_funds WHERE deal_id = $1 ORDER BY created_at DESC`, fundColumns)

	rows, err := r.pool.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("fund: list: %w", err)
	}
	defer rows.Close()

	out := make([]Fund, 0, 4)
	for rows.Next() {
		rec, err := scanFund(rows)
		if err != nil {
			return nil, fmt.Errorf("fund: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fund: iterate: %w", err)
	}
	return out, nil
}

func scanFund(row pgx.Row) (Fund, error) {
	var f Fund
	err := row.Scan(
		&f.ID,
		&f.DealID,
		&f.Method,
		&f.AmountCents,
		&f.Currency,
		&f.Status,
		&f.ExternalRef,
		&f.ReceiptPath,
		&f.Network,
		&f.TxHash,
		&f.ConfirmedAt,
		&f.CreatedAt,
	)
	if err != nil {
		return Fund{}, err
	}
	return f, nil
}
