package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/deal"
)

// ErrExpired signals the token's validity window has passed. Callers surface
// it like an unknown token so expiry does not leak invitation existence.
var ErrExpired = errors.New("invite: token expired")

// StatusAuthority is the slice of the deal package's status authority used
// when a claim activates a draft deal.
type StatusAuthority interface {
	Transition(ctx context.Context, tx pgx.Tx, p deal.TransitionParams) (deal.Deal, error)
}

// Service implements the claim protocol.
type Service struct {
	pool      deal.TxBeginner
	repo      Repository
	deals     deal.Repository
	authority StatusAuthority
	now       func() time.Time
}

func NewService(pool deal.TxBeginner, repo Repository, deals deal.Repository, authority StatusAuthority) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		deals:     deals,
		authority: authority,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ClaimResult reports the claim outcome. AlreadyAccepted is a typed success
// so idempotent UI retries of a completed claim are not treated as failures.
type ClaimResult struct {
	Deal            deal.Deal
	AlreadyAccepted bool
}

// Claim binds the claiming user to the invited deal. Accepting the
// invitation, binding the recipient, and the draft-to-active transition all
// happen in one transaction: either every part applies or none does.
func (s *Service) Claim(ctx context.Context, token, actorID string) (ClaimResult, error) {
	if token == "" {
		return ClaimResult{}, ErrNotFound
	}
	if actorID == "" {
		return ClaimResult{}, fmt.Errorf("%w: claim missing actor id", deal.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("invite: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetByTokenForUpdate(ctx, tx, token)
	if err != nil {
		return ClaimResult{}, err
	}

	d, err := s.deals.GetForUpdate(ctx, tx, inv.DealID)
	if err != nil {
		return ClaimResult{}, err
	}

	if inv.Accepted {
		// Idempotent retry: report the accepted state without touching it.
		return ClaimResult{Deal: d, AlreadyAccepted: true}, nil
	}
	if inv.Expired(s.now()) {
		return ClaimResult{}, ErrExpired
	}
	if d.InitiatorID == actorID {
		return ClaimResult{}, deal.ErrForbidden
	}

	if err := s.repo.MarkAccepted(ctx, tx, inv.ID); err != nil {
		return ClaimResult{}, err
	}
	if err := s.repo.BindRecipient(ctx, tx, inv.DealID, actorID); err != nil {
		return ClaimResult{}, err
	}

	actor := actorID
	updated, err := s.authority.Transition(ctx, tx, deal.TransitionParams{
		DealID:  inv.DealID,
		To:      deal.StatusActive,
		Cause:   "invite.claimed",
		ActorID: &actor,
		Metadata: map[string]any{
			"invitation_id": inv.ID,
			"email":         inv.Email,
		},
	})
	if err != nil {
		return ClaimResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ClaimResult{}, fmt.Errorf("invite: commit claim: %w", err)
	}

	return ClaimResult{Deal: updated}, nil
}
