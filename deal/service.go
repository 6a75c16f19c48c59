package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrForbidden signals the actor lacks the required relationship to the
	// deal. Surfaced distinctly from ErrNotFound so clients can tell
	// "doesn't exist" from "not yours".
	ErrForbidden = errors.New("deal: forbidden")
	// ErrInvalidState signals the operation is not legal from the deal's
	// current status.
	ErrInvalidState = errors.New("deal: invalid state for operation")
	// ErrValidation wraps rejected input so transports can map it uniformly.
	ErrValidation = errors.New("deal: invalid input")
)

// InvitationMinter creates the single-use claim token bound to a new deal.
// Implemented by the invite package; deal creation and token minting share
// one transaction.
type InvitationMinter interface {
	Mint(ctx context.Context, tx pgx.Tx, dealID, email string) (token string, expiresAt time.Time, err error)
}

// Service owns deal creation, reads, and the dual-confirmation protocol.
type Service struct {
	pool   TxBeginner
	repo   Repository
	rec    Recorder
	minter InvitationMinter

	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, rec Recorder, minter InvitationMinter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		rec:         rec,
		minter:      minter,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// CreateResult carries the new draft deal and its invitation token. The
// token also lands in the outbox for the email collaborator; it is returned
// here so the initiator's UI can surface it immediately.
type CreateResult struct {
	Deal            Deal
	InvitationToken string
}

// Create inserts a draft deal and mints the recipient invitation in the same
// transaction.
func (s *Service) Create(ctx context.Context, initiatorID string, params CreateParams) (CreateResult, error) {
	if initiatorID == "" {
		return CreateResult{}, fmt.Errorf("%w: missing initiator id", ErrValidation)
	}
	if strings.TrimSpace(params.Title) == "" {
		return CreateResult{}, fmt.Errorf("%w: title required", ErrValidation)
	}
	if params.AmountCents <= 0 {
		return CreateResult{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !ValidCurrency(params.Currency) {
		return CreateResult{}, fmt.Errorf("%w: unsupported currency %q", ErrValidation, params.Currency)
	}
	email := strings.TrimSpace(strings.ToLower(params.RecipientEmail))
	if email == "" {
		return CreateResult{}, fmt.Errorf("%w: recipient email required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Deal{
		ID:          s.idGenerator(),
		Title:       strings.TrimSpace(params.Title),
		Description: params.Description,
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		Status:      StatusDraft,
		InitiatorID: initiatorID,
	})
	if err != nil {
		return CreateResult{}, err
	}

	token, expiresAt, err := s.minter.Mint(ctx, tx, created.ID, email)
	if err != nil {
		return CreateResult{}, err
	}

	actor := initiatorID
	if err := s.rec.Append(ctx, tx, created.ID, "deal.created", &actor, map[string]any{
		"title":        created.Title,
		"amount_cents": created.AmountCents,
		"currency":     string(created.Currency),
	}); err != nil {
		return CreateResult{}, err
	}

	if err := s.rec.Enqueue(ctx, tx, "invite.created", map[string]any{
		"deal_id":    created.ID,
		"email":      email,
		"token":      token,
		"expires_at": expiresAt.UTC(),
	}); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("deal: commit create: %w", err)
	}

	return CreateResult{Deal: created, InvitationToken: token}, nil
}

// Get returns the deal if actorID participates in it.
func (s *Service) Get(ctx context.Context, dealID, actorID string) (Deal, error) {
	d, err := s.repo.Get(ctx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if !d.IsParticipant(actorID) {
		return Deal{}, ErrForbidden
	}
	return d, nil
}

// List returns the calling user's deals.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Deal, int, error) {
	if filters.UserID == "" {
		return nil, 0, fmt.Errorf("%w: list missing user id", ErrValidation)
	}
	return s.repo.List(ctx, filters)
}
