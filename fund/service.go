package fund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"escrowflow/deal"
)

// ErrDealMismatch signals a webhook whose charge exists but points at a
// different deal than its metadata claims.
var ErrDealMismatch = errors.New("fund: charge does not belong to the named deal")

// StatusAuthority is the slice of the deal package used for funding
// transitions. The gateway path is the one reviewed exception allowed to
// transition funding to funded without an authenticated end-user actor.
type StatusAuthority interface {
	Transition(ctx context.Context, tx pgx.Tx, p deal.TransitionParams) (deal.Deal, error)
}

// Recorder appends audit entries on the reconciliation transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, dealID, action string, actorID *string, metadata map[string]any) error
}

// Service owns the escrow fund ledger and payment reconciliation.
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

// DepositParams describes a funding attempt initiated by the buyer.
type DepositParams struct {
	DealID      string
	ActorID     string
	Method      Method
	AmountCents int64
	Currency    string
	// ExternalRef is the processor charge code for crypto deposits. For bank
	// deposits it defaults to the receipt path.
	ExternalRef string
	ReceiptPath *string
}

// Deposit records a pending funding attempt and, on the first attempt,
// moves the deal from active to funding. Retries while already funding only
// add a new pending attempt.
func (s *Service) Deposit(ctx context.Context, params DepositParams) (Fund, error) {
	if params.DealID == "" || params.ActorID == "" {
		return Fund{}, fmt.Errorf("%w: deposit missing deal or actor id", deal.ErrValidation)
	}
	if params.Method != MethodBank && params.Method != MethodCrypto {
		return Fund{}, fmt.Errorf("%w: unknown method %q", deal.ErrValidation, params.Method)
	}
	if params.AmountCents <= 0 {
		return Fund{}, fmt.Errorf("%w: amount must be positive", deal.ErrValidation)
	}
	externalRef := params.ExternalRef
	switch params.Method {
	case MethodCrypto:
		if externalRef == "" {
			return Fund{}, fmt.Errorf("%w: crypto deposit requires a charge reference", deal.ErrValidation)
		}
	case MethodBank:
		if params.ReceiptPath == nil || *params.ReceiptPath == "" {
			return Fund{}, fmt.Errorf("%w: bank deposit requires a receipt reference", deal.ErrValidation)
		}
		if externalRef == "" {
			externalRef = *params.ReceiptPath
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Fund{}, fmt.Errorf("fund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.GetForUpdate(ctx, tx, params.DealID)
	if err != nil {
		return Fund{}, err
	}
	if d.InitiatorID != params.ActorID {
		return Fund{}, deal.ErrForbidden
	}
	if d.Status != deal.StatusActive && d.Status != deal.StatusFunding {
		return Fund{}, fmt.Errorf("%w: cannot deposit while %s", deal.ErrInvalidState, d.Status)
	}

	created, err := s.repo.Insert(ctx, tx, Fund{
		DealID:      params.DealID,
		Method:      params.Method,
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		ExternalRef: externalRef,
		ReceiptPath: params.ReceiptPath,
	})
	if err != nil {
		return Fund{}, err
	}

	actor := params.ActorID
	if err := s.rec.Append(ctx, tx, params.DealID, "fund.deposit_initiated", &actor, map[string]any{
		"fund_id":      created.ID,
		"method":       string(params.Method),
		"amount_cents": params.AmountCents,
	}); err != nil {
		return Fund{}, err
	}

	if d.Status == deal.StatusActive {
		if _, err := s.authority.Transition(ctx, tx, deal.TransitionParams{
			DealID:   params.DealID,
			To:       deal.StatusFunding,
			Cause:    "deal.funding_started",
			ActorID:  &actor,
			Metadata: map[string]any{"fund_id": created.ID},
		}); err != nil {
			return Fund{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Fund{}, fmt.Errorf("fund: commit deposit: %w", err)
	}
	return created, nil
}

// MarkFundedParams describes an admin's bank-transfer verification.
type MarkFundedParams struct {
	FundID    string
	AdminID   string
	ActorRole string
}

// MarkFunded is the bank-rail alternate entry into the funded state: bank
// transfers have no programmatic callback, so a human admin verifies the
// receipt and drives the same funding-to-funded transition the gateway does.
func (s *Service) MarkFunded(ctx context.Context, params MarkFundedParams) (Fund, error) {
	if params.FundID == "" || params.AdminID == "" {
		return Fund{}, fmt.Errorf("%w: mark funded missing fund or admin id", deal.ErrValidation)
	}
	if params.ActorRole != "admin" {
		return Fund{}, deal.ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Fund{}, fmt.Errorf("fund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	f, err := s.repo.GetForUpdate(ctx, tx, params.FundID)
	if err != nil {
		return Fund{}, err
	}
	if f.Status == StatusConfirmed {
		// Verified twice; report the confirmed record unchanged.
		return f, nil
	}

	d, err := s.deals.GetForUpdate(ctx, tx, f.DealID)
	if err != nil {
		return Fund{}, err
	}
	if d.Status != deal.StatusFunding {
		return Fund{}, fmt.Errorf("%w: cannot mark funded while %s", deal.ErrInvalidState, d.Status)
	}

	confirmed, err := s.repo.Confirm(ctx, tx, f.ID, nil, nil)
	if err != nil {
		return Fund{}, err
	}

	admin := params.AdminID
	if _, err := s.authority.Transition(ctx, tx, deal.TransitionParams{
		DealID:  f.DealID,
		To:      deal.StatusFunded,
		Cause:   "fund.confirmed",
		ActorID: &admin,
		Metadata: map[string]any{
			"fund_id": f.ID,
			"method":  string(f.Method),
		},
	}); err != nil {
		return Fund{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Fund{}, fmt.Errorf("fund: commit mark funded: %w", err)
	}
	return confirmed, nil
}

// Outcome summarizes what a webhook notification did.
type Outcome string

const (
	// OutcomeApplied means state changed (or an informational event was
	// logged).
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the fund was already confirmed; redelivery is
	// a no-op.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event referenced no fund this system knows,
	// or an event type outside the consumed set.
	OutcomeIgnored Outcome = "ignored"
)

// HandleEvent reconciles one authenticated gateway notification. Delivery is
// at-least-once, so every path is idempotent: the fund row is located by the
// external charge reference and a confirmed fund absorbs redelivery.
func (s *Service) HandleEvent(ctx context.Context, evt Event) (Outcome, error) {
	if evt.Data.Metadata.DealID == "" {
		return OutcomeIgnored, fmt.Errorf("fund: event missing deal id")
	}

	switch evt.Type {
	case EventChargeConfirmed, EventChargeResolved:
		return s.applyConfirmed(ctx, evt)
	case EventChargeFailed, EventChargeExpired:
		// The attempt stays pending and retryable; only the outcome is
		// logged. Deal status is untouched.
		return s.logChargeOutcome(ctx, evt, "fund.charge_failed")
	case EventChargePending:
		return s.logChargeOutcome(ctx, evt, "fund.charge_pending")
	default:
		return OutcomeIgnored, nil
	}
}

func (s *Service) applyConfirmed(ctx context.Context, evt Event) (Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("fund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	f, err := s.repo.GetByExternalRefForUpdate(ctx, tx, evt.ChargeRef())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Warn("gateway event for unknown charge", "charge", evt.ChargeRef(), "deal_id", evt.Data.Metadata.DealID)
			return OutcomeIgnored, nil
		}
		return OutcomeIgnored, err
	}
	if f.DealID != evt.Data.Metadata.DealID {
		return OutcomeIgnored, ErrDealMismatch
	}
	if f.Status == StatusConfirmed {
		return OutcomeDuplicate, nil
	}

	var network, txHash *string
	if len(evt.Data.Payments) > 0 {
		p := evt.Data.Payments[0]
		if p.Network != "" {
			network = &p.Network
		}
		if p.TransactionID != "" {
			txHash = &p.TransactionID
		}
	}

	if _, err := s.repo.Confirm(ctx, tx, f.ID, network, txHash); err != nil {
		if errors.Is(err, ErrDealAlreadyFunded) {
			// Another attempt already satisfied the deal; this charge
			// cannot confirm anymore.
			slog.Warn("charge confirmed for an already-funded deal", "charge", evt.ChargeRef(), "deal_id", f.DealID)
			return OutcomeIgnored, nil
		}
		return OutcomeIgnored, err
	}

	// Webhook-originated transition: no end-user actor.
	if _, err := s.authority.Transition(ctx, tx, deal.TransitionParams{
		DealID: f.DealID,
		To:     deal.StatusFunded,
		Cause:  "fund.confirmed",
		Metadata: map[string]any{
			"fund_id": f.ID,
			"method":  string(f.Method),
			"charge":  evt.ChargeRef(),
		},
	}); err != nil {
		return OutcomeIgnored, err
	}

	if err := tx.Commit(ctx); err != nil {
		return OutcomeIgnored, fmt.Errorf("fund: commit reconciliation: %w", err)
	}
	return OutcomeApplied, nil
}

func (s *Service) logChargeOutcome(ctx context.Context, evt Event, action string) (Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("fund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	f, err := s.repo.GetByExternalRefForUpdate(ctx, tx, evt.ChargeRef())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OutcomeIgnored, nil
		}
		return OutcomeIgnored, err
	}
	if f.Status == StatusConfirmed {
		// A failed/expired notice after confirmation carries no new facts.
		return OutcomeDuplicate, nil
	}

	if err := s.rec.Append(ctx, tx, f.DealID, action, nil, map[string]any{
		"fund_id": f.ID,
		"charge":  evt.ChargeRef(),
		"event":   evt.Type,
	}); err != nil {
		return OutcomeIgnored, err
	}

	if err := tx.Commit(ctx); err != nil {
		return OutcomeIgnored, fmt.Errorf("fund: commit charge log: %w", err)
	}
	return OutcomeApplied, nil
}

// ListByDeal returns a deal's funding attempts.
func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]Fund, error) {
	return s.repo.ListByDeal(ctx, dealID)
}
