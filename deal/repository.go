package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no deal row exists for the given identifier.
var ErrNotFound = errors.New("deal: not found")

const dealColumns = `id, title, description, amount_cents, currency, status::text,
	initiator_id::text, recipient_id::text,
	seller_confirmed_delivered, buyer_confirmed_received,
	created_at, updated_at`

// Recorder is the slice of the activity package used by this package.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, action string, actorID *string, metadata map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines deal data access. All deals.status writes in the
// repository go through UpdateStatus or the confirmation updates, and every
// caller of those routes through this package's validation.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error)
	Get(ctx context.Context, id string) (Deal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error)
	List(ctx context.Context, filters ListFilters) ([]Deal, int, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Deal, error)
	SetDeliveryConfirmed(ctx context.Context, tx pgx.Tx, id string, status Status) (Deal, error)
	SetReceiptConfirmed(ctx context.Context, tx pgx.Tx, id string, status Status) (Deal, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	query := fmt.Sprintf(`
		INSERT INTO deals (id, title, description, amount_cents, currency, status, initiator_id)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING %s
	`, dealColumns)

	row := tx.QueryRow(ctx, query,
		d.ID,
		d.Title,
		d.Description,
		d.AmountCents,
		d.Currency,
		d.Status,
		d.InitiatorID,
	)
	rec, err := scanDeal(row)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE id = $1`, dealColumns)

	rec, err := scanDeal(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the deal row for the remainder of the transaction. All
// read-flags-then-write-state sequences start here so they serialize per deal.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE id = $1 FOR UPDATE`, dealColumns)

	rec, err := scanDeal(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Deal, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"(initiator_id = $1 OR recipient_id = $1)"}
	args := []any{filters.UserID}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM deals%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		dealColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	list := []Deal{}
	for rows.Next() {
		rec, err := scanDeal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("deal: scan list row: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("deal: iterate list: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM deals" + whereClause
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("deal: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Deal, error) {
	query := fmt.Sprintf(`
		UPDATE deals
		SET status = $2::deal_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING %s
	`, dealColumns)

	rec, err := scanDeal(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: update status: %w", err)
	}
	return rec, nil
}

// SetDeliveryConfirmed writes the seller flag and the derived status in one
// conditional update.
func (r *PGRepository) SetDeliveryConfirmed(ctx context.Context, tx pgx.Tx, id string, status Status) (Deal, error) {
	query := fmt.Sprintf(`
		UPDATE deals
		SET seller_confirmed_delivered = TRUE,
		    status = $2::deal_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING %s
	`, dealColumns)

	rec, err := scanDeal(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: set delivery confirmed: %w", err)
	}
	return rec, nil
}

// SetReceiptConfirmed is the buyer-side twin of SetDeliveryConfirmed.
func (r *PGRepository) SetReceiptConfirmed(ctx context.Context, tx pgx.Tx, id string, status Status) (Deal, error) {
	query := fmt.Sprintf(`
		UPDATE deals
		SET buyer_confirmed_received = TRUE,
		    status = $2::deal_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING %s
	`, dealColumns)

	rec, err := scanDeal(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: set receipt confirmed: %w", err)
	}
	return rec, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	err := row.Scan(
		&d.ID,
		&d.Title,
		&d.Description,
		&d.AmountCents,
		&d.Currency,
		&d.Status,
		&d.InitiatorID,
		&d.RecipientID,
		&d.SellerConfirmedDelivered,
		&d.BuyerConfirmedReceived,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Deal{}, err
	}
	return d, nil
}
