package deal

import (
	"context"
	"errors"
	"testing"
)

func recipient(id string) *string { return &id }

func fundedDeal(sellerConfirmed, buyerConfirmed bool, status Status) Deal {
	return Deal{
		ID:                       "deal-1",
		Title:                    "Laptop sale",
		AmountCents:              150000,
		Currency:                 CurrencyUSD,
		Status:                   status,
		InitiatorID:              "buyer-1",
		RecipientID:              recipient("seller-1"),
		SellerConfirmedDelivered: sellerConfirmed,
		BuyerConfirmedReceived:   buyerConfirmed,
	}
}

func TestConfirmReceipt_FirstConfirmationEntersReview(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	repo.deals["deal-1"] = fundedDeal(false, false, StatusFunded)
	rec := &fakeRecorder{}
	svc := NewService(pool, repo, rec, &fakeMinter{})

	d, err := svc.ConfirmReceipt(context.Background(), "deal-1", "buyer-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if d.Status != StatusInReview {
		t.Errorf("expected in_review after first confirmation, got %s", d.Status)
	}
	if !d.BuyerConfirmedReceived || d.SellerConfirmedDelivered {
		t.Errorf("unexpected flags: %+v", d)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if len(rec.entries) != 1 || rec.entries[0].action != "deal.receipt_confirmed" {
		t.Fatalf("expected one receipt_confirmed entry, got %+v", rec.entries)
	}
	if len(rec.facts) != 1 || rec.facts[0].payload["next"] != "in_review" {
		t.Fatalf("expected status_changed fact to in_review, got %+v", rec.facts)
	}
}

func TestConfirmDelivery_SecondConfirmationCompletes(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	repo.deals["deal-1"] = fundedDeal(false, true, StatusInReview)
	rec := &fakeRecorder{}
	svc := NewService(pool, repo, rec, &fakeMinter{})

	d, err := svc.ConfirmDelivery(context.Background(), "deal-1", "seller-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if d.Status != StatusCompleted {
		t.Errorf("expected completed after second confirmation, got %s", d.Status)
	}
	if len(rec.entries) != 2 {
		t.Fatalf("expected confirmation plus completion entries, got %+v", rec.entries)
	}
	if rec.entries[1].action != "deal.completed" {
		t.Errorf("expected deal.completed entry, got %s", rec.entries[1].action)
	}
}

// Confirmation order must not matter: the buyer arriving second completes
// the deal just like the seller arriving second does.
func TestConfirmReceipt_SecondConfirmationCompletes(t *testing.T) {
	repo := newFakeRepo()
	repo.deals["deal-1"] = fundedDeal(true, false, StatusInReview)
	svc := NewService(&fakePool{}, repo, &fakeRecorder{}, &fakeMinter{})

	d, err := svc.ConfirmReceipt(context.Background(), "deal-1", "buyer-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if d.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", d.Status)
	}
}

func TestConfirm_IdempotentRepeat(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	repo.deals["deal-1"] = fundedDeal(true, false, StatusInReview)
	rec := &fakeRecorder{}
	svc := NewService(pool, repo, rec, &fakeMinter{})

	d, err := svc.ConfirmDelivery(context.Background(), "deal-1", "seller-1")
	if err != nil {
		t.Fatalf("expected repeated confirmation to succeed, got %v", err)
	}

	if d.Status != StatusInReview {
		t.Errorf("expected status unchanged, got %s", d.Status)
	}
	if len(rec.entries) != 0 || len(rec.facts) != 0 {
		t.Errorf("expected no log writes on repeat, got %+v %+v", rec.entries, rec.facts)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on repeat")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to release the row lock")
	}
}

func TestConfirm_WrongSideRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.deals["deal-1"] = fundedDeal(false, false, StatusFunded)
	svc := NewService(&fakePool{}, repo, &fakeRecorder{}, &fakeMinter{})

	// The buyer cannot confirm delivery, and the seller cannot confirm
	// receipt.
	if _, err := svc.ConfirmDelivery(context.Background(), "deal-1", "buyer-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for buyer confirming delivery, got %v", err)
	}
	if _, err := svc.ConfirmReceipt(context.Background(), "deal-1", "seller-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for seller confirming receipt, got %v", err)
	}
}

func TestConfirm_StrangerRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.deals["deal-1"] = fundedDeal(false, false, StatusFunded)
	svc := NewService(&fakePool{}, repo, &fakeRecorder{}, &fakeMinter{})

	if _, err := svc.ConfirmDelivery(context.Background(), "deal-1", "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestConfirm_UnboundRecipientRejected(t *testing.T) {
	repo := newFakeRepo()
	d := fundedDeal(false, false, StatusFunded)
	d.RecipientID = nil
	repo.deals["deal-1"] = d
	svc := NewService(&fakePool{}, repo, &fakeRecorder{}, &fakeMinter{})

	if _, err := svc.ConfirmDelivery(context.Background(), "deal-1", "seller-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden without a bound recipient, got %v", err)
	}
}

func TestConfirm_InvalidStateRejected(t *testing.T) {
	for _, status := range []Status{StatusDraft, StatusActive, StatusFunding, StatusCompleted, StatusDisputed} {
		repo := newFakeRepo()
		repo.deals["deal-1"] = fundedDeal(false, false, status)
		svc := NewService(&fakePool{}, repo, &fakeRecorder{}, &fakeMinter{})

		if _, err := svc.ConfirmReceipt(context.Background(), "deal-1", "buyer-1"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("status %s: expected ErrInvalidState, got %v", status, err)
		}
	}
}
