package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned for an unknown token.
	ErrNotFound = errors.New("invite: not found")
	// ErrActiveInviteExists guards the at-most-one unaccepted, unexpired
	// invitation per (deal, email) invariant.
	ErrActiveInviteExists = errors.New("invite: active invitation already exists")
)

const invitationColumns = `id, deal_id, email, token, expires_at, accepted, created_at`

// Repository defines invitation data access.
type Repository interface {
	Mint(ctx context.Context, tx pgx.Tx, dealID, email string) (token string, expiresAt time.Time, err error)
	GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (Invitation, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, id string) error
	BindRecipient(ctx context.Context, tx pgx.Tx, dealID, userID string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	now func() time.Time
}

func NewRepository() *PGRepository {
	return &PGRepository{now: time.Now}
}

// Mint inserts a fresh invitation for the deal and email inside the caller's
// transaction. The token is 32 bytes from the CSPRNG, hex-encoded, so it is
// unguessable and safe to put in a claim URL.
func (r *PGRepository) Mint(ctx context.Context, tx pgx.Tx, dealID, email string) (string, time.Time, error) {
	if dealID == "" || email == "" {
		return "", time.Time{}, fmt.Errorf("invite: mint missing deal id or email")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("invite: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	expiresAt := r.now().Add(ValidityWindow)

	const q = `
		INSERT INTO invitations (deal_id, email, token, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, q, dealID, email, token, expiresAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", time.Time{}, ErrActiveInviteExists
		}
		return "", time.Time{}, fmt.Errorf("invite: insert invitation: %w", err)
	}

	return token, expiresAt, nil
}

// GetByTokenForUpdate locks the invitation row so concurrent claims of the
// same token serialize.
func (r *PGRepository) GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (Invitation, error) {
	query := fmt.Sprintf(`SELECT %s FROM invitations WHERE token = $1 FOR UPDATE`, invitationColumns)

	var inv Invitation
	err := tx.QueryRow(ctx, query, token).Scan(
		&inv.ID,
		&inv.DealID,
		&inv.Email,
		&inv.Token,
		&inv.ExpiresAt,
		&inv.Accepted,
		&inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, fmt.Errorf("invite: get by token: %w", err)
	}
	return inv, nil
}

func (r *PGRepository) MarkAccepted(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE invitations SET accepted = TRUE WHERE id = $1 AND NOT accepted`, id)
	if err != nil {
		return fmt.Errorf("invite: mark accepted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invite: mark accepted: invitation %s already accepted", id)
	}
	return nil
}

// BindRecipient attaches the claiming user to the deal. Status is not
// touched here; the transition to active goes through the deal authority.
func (r *PGRepository) BindRecipient(ctx context.Context, tx pgx.Tx, dealID, userID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE deals
		SET recipient_id = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND recipient_id IS NULL
	`, dealID, userID)
	if err != nil {
		return fmt.Errorf("invite: bind recipient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invite: bind recipient: deal %s already has a recipient", dealID)
	}
	return nil
}
