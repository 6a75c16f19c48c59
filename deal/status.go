package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Status enumerates the deal lifecycle in nominal forward order. disputed is
// a side-state reachable from any post-active, pre-completed status.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusFunding   Status = "funding"
	StatusFunded    Status = "funded"
	StatusInReview  Status = "in_review"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
)

// ErrInvalidTransition rejects a status change that is not reachable from
// the current status. It is never coerced to the nearest legal state.
var ErrInvalidTransition = errors.New("deal: invalid status transition")

var forward = map[Status]Status{
	StatusDraft:    StatusActive,
	StatusActive:   StatusFunding,
	StatusFunding:  StatusFunded,
	StatusFunded:   StatusInReview,
	StatusInReview: StatusCompleted,
}

// CanTransition reports whether to is reachable from from. Entering disputed
// is allowed from any status except draft, completed, and disputed itself;
// leaving disputed is only possible toward completed, which the dispute
// resolver drives.
func CanTransition(from, to Status) bool {
	if to == StatusDisputed {
		switch from {
		case StatusDraft, StatusCompleted, StatusDisputed:
			return false
		default:
			return true
		}
	}
	if from == StatusDisputed {
		return to == StatusCompleted
	}
	return forward[from] == to
}

// completionDue is the single derivation of "this deal is done": both sides
// have confirmed. Both confirmation entry points consult it so the
// second-mover-completes rule lives in exactly one place.
func completionDue(sellerConfirmed, buyerConfirmed bool) bool {
	return sellerConfirmed && buyerConfirmed
}

// TransitionParams describes one proposed status change.
type TransitionParams struct {
	DealID string
	To     Status
	// Cause is the activity-log action tag recorded with the transition.
	Cause string
	// ActorID is nil for system- and webhook-originated transitions.
	ActorID  *string
	Metadata map[string]any
}

// Authority is the single component permitted to write deals.status on
// behalf of other packages. It validates reachability, applies the update,
// and appends the audit entry and outbox fact on the caller's transaction,
// so a transition that cannot log fails as a whole.
type Authority struct {
	repo Repository
	rec  Recorder
}

func NewAuthority(repo Repository, rec Recorder) *Authority {
	return &Authority{repo: repo, rec: rec}
}

// Transition applies p inside tx. The deal row is locked first, so
// concurrent transitions on the same deal serialize.
func (a *Authority) Transition(ctx context.Context, tx pgx.Tx, p TransitionParams) (Deal, error) {
	if p.DealID == "" {
		return Deal{}, fmt.Errorf("deal: transition missing deal id")
	}
	if p.Cause == "" {
		return Deal{}, fmt.Errorf("deal: transition missing cause")
	}

	current, err := a.repo.GetForUpdate(ctx, tx, p.DealID)
	if err != nil {
		return Deal{}, err
	}
	if !CanTransition(current.Status, p.To) {
		return Deal{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, p.To)
	}

	updated, err := a.repo.UpdateStatus(ctx, tx, p.DealID, p.To)
	if err != nil {
		return Deal{}, err
	}

	metadata := map[string]any{
		"from": string(current.Status),
		"to":   string(p.To),
	}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	if err := a.rec.Append(ctx, tx, p.DealID, p.Cause, p.ActorID, metadata); err != nil {
		return Deal{}, err
	}

	fact := map[string]any{
		"deal_id":  p.DealID,
		"previous": string(current.Status),
		"next":     string(p.To),
		"cause":    p.Cause,
	}
	if err := a.rec.Enqueue(ctx, tx, "deal.status_changed", fact); err != nil {
		return Deal{}, err
	}

	return updated, nil
}
