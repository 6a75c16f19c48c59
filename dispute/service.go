package dispute

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"escrowflow/deal"
)

// StatusAuthority is the slice of the deal package used to freeze and
// release deals.
type StatusAuthority interface {
	Transition(ctx context.Context, tx pgx.Tx, p deal.TransitionParams) (deal.Deal, error)
}

// Recorder appends audit entries on the dispute transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, action string, actorID *string, metadata map[string]any) error
}

// Service freezes deals into arbitration and applies admin resolutions.
type Service struct {
	pool      deal.TxBeginner
	repo      Repository
	deals     deal.Repository
	authority StatusAuthority
	rec       Recorder
}

func NewService(pool deal.TxBeginner, repo Repository, deals deal.Repository, authority StatusAuthority, rec Recorder) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		deals:     deals,
		authority: authority,
		rec:       rec,
	}
}

// OpenParams describes a participant's request to open a dispute.
type OpenParams struct {
	DealID  string
	ActorID string
	Reason  string
}

// Open creates the dispute record and forces the deal to disputed in one
// transaction: the system is never left with an open dispute against a
// non-disputed deal.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	if params.DealID == "" || params.ActorID == "" {
		return Dispute{}, fmt.Errorf("%w: open missing deal or actor id", deal.ErrValidation)
	}
	reason := strings.TrimSpace(params.Reason)
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return Dispute{}, fmt.Errorf("%w: reason must be at least %d characters", deal.ErrValidation, MinReasonLength)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.GetForUpdate(ctx, tx, params.DealID)
	if err != nil {
		return Dispute{}, err
	}
	if !d.IsParticipant(params.ActorID) {
		return Dispute{}, deal.ErrForbidden
	}
	if !deal.CanTransition(d.Status, deal.StatusDisputed) {
		if d.Status == deal.StatusDisputed {
			return Dispute{}, ErrOpenDisputeExists
		}
		return Dispute{}, fmt.Errorf("%w: cannot dispute a %s deal", deal.ErrInvalidState, d.Status)
	}

	open, err := s.repo.HasOpen(ctx, tx, params.DealID)
	if err != nil {
		return Dispute{}, err
	}
	if open {
		return Dispute{}, ErrOpenDisputeExists
	}

	rec, err := s.repo.Insert(ctx, tx, params.DealID, params.ActorID, reason)
	if err != nil {
		return Dispute{}, err
	}

	actor := params.ActorID
	if _, err := s.authority.Transition(ctx, tx, deal.TransitionParams{
		DealID:  params.DealID,
		To:      deal.StatusDisputed,
		Cause:   "dispute.opened",
		ActorID: &actor,
		Metadata: map[string]any{
			"dispute_id": rec.ID,
			"reason":     reason,
		},
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// ResolveParams describes an administrator's resolution of a dispute.
type ResolveParams struct {
	DisputeID  string
	AdminID    string
	ActorRole  string
	Resolution string
	Action     Action
}

// Resolve stamps the dispute resolved and, for releasing actions, drives the
// deal from disputed to completed. The funds disposition is recorded on the
// dispute row rather than modeled as a separate deal status.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Dispute, error) {
	if params.DisputeID == "" || params.AdminID == "" {
		return Dispute{}, fmt.Errorf("%w: resolve missing dispute or admin id", deal.ErrValidation)
	}
	if params.ActorRole != "admin" {
		return Dispute{}, deal.ErrForbidden
	}
	if !ValidAction(params.Action) {
		return Dispute{}, fmt.Errorf("%w: unknown resolution action %q", deal.ErrValidation, params.Action)
	}
	resolution := strings.TrimSpace(params.Resolution)
	if resolution == "" {
		return Dispute{}, fmt.Errorf("%w: resolution text required", deal.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}
	if current.Status == StatusResolved {
		return Dispute{}, ErrAlreadyResolved
	}

	resolved, err := s.repo.MarkResolved(ctx, tx, params.DisputeID, params.AdminID, resolution, params.Action)
	if err != nil {
		return Dispute{}, err
	}

	admin := params.AdminID
	if params.Action.Releasing() {
		if _, err := s.authority.Transition(ctx, tx, deal.TransitionParams{
			DealID:  current.DealID,
			To:      deal.StatusCompleted,
			Cause:   "dispute.resolved",
			ActorID: &admin,
			Metadata: map[string]any{
				"dispute_id": current.ID,
				"action":     string(params.Action),
			},
		}); err != nil {
			return Dispute{}, err
		}
	} else {
		// keep_disputed: the deal stays frozen; only the dispute record moves.
		if err := s.rec.Append(ctx, tx, current.DealID, "dispute.resolved", &admin, map[string]any{
			"dispute_id": current.ID,
			"action":     string(params.Action),
		}); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

// ListByDeal returns a deal's disputes for participants and admins.
func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]Dispute, error) {
	return s.repo.ListByDeal(ctx, dealID)
}
