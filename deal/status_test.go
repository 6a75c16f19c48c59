package deal

import (
	"context"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusActive},
		{StatusActive, StatusFunding},
		{StatusFunding, StatusFunded},
		{StatusFunded, StatusInReview},
		{StatusInReview, StatusCompleted},
		{StatusActive, StatusDisputed},
		{StatusFunding, StatusDisputed},
		{StatusFunded, StatusDisputed},
		{StatusInReview, StatusDisputed},
		{StatusDisputed, StatusCompleted},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusFunding},
		{StatusDraft, StatusDisputed},
		{StatusActive, StatusFunded},
		{StatusFunding, StatusInReview},
		{StatusFunded, StatusCompleted},
		{StatusCompleted, StatusDisputed},
		{StatusCompleted, StatusActive},
		{StatusDisputed, StatusDisputed},
		{StatusDisputed, StatusFunded},
		{StatusInReview, StatusFunded},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestCompletionDue(t *testing.T) {
	if completionDue(false, false) || completionDue(true, false) || completionDue(false, true) {
		t.Errorf("completion requires both confirmations")
	}
	if !completionDue(true, true) {
		t.Errorf("both confirmations must complete")
	}
}

func TestAuthority_Transition_WritesAuditAndFact(t *testing.T) {
	repo := newFakeRepo()
	repo.deals["deal-1"] = Deal{ID: "deal-1", Status: StatusDraft, InitiatorID: "user-1"}
	rec := &fakeRecorder{}
	authority := NewAuthority(repo, rec)

	actor := "user-2"
	updated, err := authority.Transition(context.Background(), &fakeTx{}, TransitionParams{
		DealID:   "deal-1",
		To:       StatusActive,
		Cause:    "invite.claimed",
		ActorID:  &actor,
		Metadata: map[string]any{"email": "seller@example.com"},
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if updated.Status != StatusActive {
		t.Errorf("expected active, got %s", updated.Status)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(rec.entries))
	}
	entry := rec.entries[0]
	if entry.action != "invite.claimed" {
		t.Errorf("expected cause as action, got %s", entry.action)
	}
	if entry.metadata["from"] != "draft" || entry.metadata["to"] != "active" {
		t.Errorf("expected from/to in metadata, got %+v", entry.metadata)
	}
	if entry.metadata["email"] != "seller@example.com" {
		t.Errorf("expected caller metadata merged, got %+v", entry.metadata)
	}
	if len(rec.facts) != 1 || rec.facts[0].topic != "deal.status_changed" {
		t.Fatalf("expected one status_changed fact, got %+v", rec.facts)
	}
}

func TestAuthority_Transition_RejectsUnreachable(t *testing.T) {
	repo := newFakeRepo()
	repo.deals["deal-1"] = Deal{ID: "deal-1", Status: StatusDraft}
	authority := NewAuthority(repo, &fakeRecorder{})

	_, err := authority.Transition(context.Background(), &fakeTx{}, TransitionParams{
		DealID: "deal-1",
		To:     StatusFunded,
		Cause:  "fund.confirmed",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if repo.deals["deal-1"].Status != StatusDraft {
		t.Errorf("expected status untouched on rejection")
	}
}

func TestAuthority_Transition_UnknownDeal(t *testing.T) {
	authority := NewAuthority(newFakeRepo(), &fakeRecorder{})

	_, err := authority.Transition(context.Background(), &fakeTx{}, TransitionParams{
		DealID: "missing",
		To:     StatusActive,
		Cause:  "invite.claimed",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
