package deal

import (
	"context"
	"fmt"
)

// ConfirmDelivery records the seller's "I delivered" confirmation. Valid only
// for the bound recipient while the deal is funded or in_review. If the buyer
// has already confirmed, this call performs the completion transition:
// whichever confirmation arrives second completes the deal.
func (s *Service) ConfirmDelivery(ctx context.Context, dealID, actorID string) (Deal, error) {
	return s.confirm(ctx, dealID, actorID, sellerSide)
}

// ConfirmReceipt is the buyer-side twin of ConfirmDelivery, valid only for
// the initiator.
func (s *Service) ConfirmReceipt(ctx context.Context, dealID, actorID string) (Deal, error) {
	return s.confirm(ctx, dealID, actorID, buyerSide)
}

type confirmSide int

const (
	sellerSide confirmSide = iota
	buyerSide
)

// confirm is the single implementation behind both entry points. The deal
// row is locked for the whole read-flags-then-write sequence, so two racing
// confirmations serialize: exactly one of them observes the other flag set
// and performs the completion transition.
func (s *Service) confirm(ctx context.Context, dealID, actorID string, side confirmSide) (Deal, error) {
	if dealID == "" || actorID == "" {
		return Deal{}, fmt.Errorf("deal: confirm missing deal or actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}

	var (
		authorized bool
		alreadySet bool
		otherSet   bool
		action     string
	)
	switch side {
	case sellerSide:
		authorized = d.RecipientID != nil && *d.RecipientID == actorID
		alreadySet = d.SellerConfirmedDelivered
		otherSet = d.BuyerConfirmedReceived
		action = "deal.delivery_confirmed"
	case buyerSide:
		authorized = d.InitiatorID == actorID
		alreadySet = d.BuyerConfirmedReceived
		otherSet = d.SellerConfirmedDelivered
		action = "deal.receipt_confirmed"
	}

	// Non-participants and the counterparty confirming on the wrong side are
	// both rejected as unauthorized.
	if !authorized {
		return Deal{}, ErrForbidden
	}
	if d.Status != StatusFunded && d.Status != StatusInReview {
		return Deal{}, fmt.Errorf("%w: cannot confirm while %s", ErrInvalidState, d.Status)
	}

	// Idempotent repeat: the flag is already set, so neither the status nor
	// the log may change again. Still reported as success.
	if alreadySet {
		return d, nil
	}

	next := StatusInReview
	var updated Deal
	switch side {
	case sellerSide:
		if completionDue(true, otherSet) {
			next = StatusCompleted
		}
		updated, err = s.repo.SetDeliveryConfirmed(ctx, tx, dealID, next)
	case buyerSide:
		if completionDue(otherSet, true) {
			next = StatusCompleted
		}
		updated, err = s.repo.SetReceiptConfirmed(ctx, tx, dealID, next)
	}
	if err != nil {
		return Deal{}, err
	}

	actor := actorID
	if err := s.rec.Append(ctx, tx, dealID, action, &actor, map[string]any{
		"from": string(d.Status),
		"to":   string(next),
	}); err != nil {
		return Deal{}, err
	}

	if next == StatusCompleted {
		if err := s.rec.Append(ctx, tx, dealID, "deal.completed", &actor, map[string]any{
			"seller_confirmed_delivered": true,
			"buyer_confirmed_received":   true,
		}); err != nil {
			return Deal{}, err
		}
	}

	if next != d.Status {
		if err := s.rec.Enqueue(ctx, tx, "deal.status_changed", map[string]any{
			"deal_id":  dealID,
			"previous": string(d.Status),
			"next":     string(next),
			"cause":    action,
		}); err != nil {
			return Deal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit confirmation: %w", err)
	}

	return updated, nil
}
