package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/deal"
)

func TestClaim_Success(t *testing.T) {
	pool := &fakePool{}
	invites := &fakeInviteRepo{
		byToken: map[string]Invitation{
			"tok-1": {ID: "inv-1", DealID: "deal-1", Email: "seller@example.com", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
	deals := newFakeDealRepo()
	deals.deals["deal-1"] = deal.Deal{ID: "deal-1", Status: deal.StatusDraft, InitiatorID: "buyer-1"}
	authority := &fakeAuthority{}
	svc := NewService(pool, invites, deals, authority)

	result, err := svc.Claim(context.Background(), "tok-1", "seller-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.AlreadyAccepted {
		t.Errorf("expected fresh claim")
	}
	if !invites.accepted["inv-1"] {
		t.Errorf("expected invitation marked accepted")
	}
	if invites.boundRecipient != "seller-1" {
		t.Errorf("expected recipient bound, got %q", invites.boundRecipient)
	}
	if authority.last.To != deal.StatusActive || authority.last.Cause != "invite.claimed" {
		t.Errorf("expected draft-to-active transition, got %+v", authority.last)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestClaim_AlreadyAcceptedIsTypedSuccess(t *testing.T) {
	pool := &fakePool{}
	invites := &fakeInviteRepo{
		byToken: map[string]Invitation{
			"tok-1": {ID: "inv-1", DealID: "deal-1", Token: "tok-1", Accepted: true, ExpiresAt: time.Now().Add(-time.Hour)},
		},
	}
	deals := newFakeDealRepo()
	deals.deals["deal-1"] = deal.Deal{ID: "deal-1", Status: deal.StatusActive, InitiatorID: "buyer-1"}
	svc := NewService(pool, invites, deals, &fakeAuthority{})

	result, err := svc.Claim(context.Background(), "tok-1", "seller-1")
	if err != nil {
		t.Fatalf("expected typed success on repeat claim, got %v", err)
	}
	if !result.AlreadyAccepted {
		t.Errorf("expected AlreadyAccepted")
	}
	if result.Deal.Status != deal.StatusActive {
		t.Errorf("expected current deal state returned, got %s", result.Deal.Status)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on repeat claim")
	}
}

func TestClaim_Expired(t *testing.T) {
	invites := &fakeInviteRepo{
		byToken: map[string]Invitation{
			"tok-1": {ID: "inv-1", DealID: "deal-1", Token: "tok-1", ExpiresAt: time.Now().Add(-time.Minute)},
		},
	}
	deals := newFakeDealRepo()
	deals.deals["deal-1"] = deal.Deal{ID: "deal-1", Status: deal.StatusDraft, InitiatorID: "buyer-1"}
	svc := NewService(&fakePool{}, invites, deals, &fakeAuthority{})

	if _, err := svc.Claim(context.Background(), "tok-1", "seller-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if len(invites.accepted) != 0 {
		t.Errorf("expected expired invitation left unaccepted")
	}
}

func TestClaim_UnknownToken(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeInviteRepo{}, newFakeDealRepo(), &fakeAuthority{})

	if _, err := svc.Claim(context.Background(), "nope", "seller-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Claim(context.Background(), "", "seller-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty token, got %v", err)
	}
}

func TestClaim_InitiatorCannotSelfClaim(t *testing.T) {
	invites := &fakeInviteRepo{
		byToken: map[string]Invitation{
			"tok-1": {ID: "inv-1", DealID: "deal-1", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
	deals := newFakeDealRepo()
	deals.deals["deal-1"] = deal.Deal{ID: "deal-1", Status: deal.StatusDraft, InitiatorID: "buyer-1"}
	svc := NewService(&fakePool{}, invites, deals, &fakeAuthority{})

	if _, err := svc.Claim(context.Background(), "tok-1", "buyer-1"); !errors.Is(err, deal.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for self-claim, got %v", err)
	}
}

type fakeInviteRepo struct {
	byToken        map[string]Invitation
	accepted       map[string]bool
	boundRecipient string
}

func (f *fakeInviteRepo) Mint(_ context.Context, _ pgx.Tx, _ string, _ string) (string, time.Time, error) {
	return "minted", time.Now().Add(ValidityWindow), nil
}

func (f *fakeInviteRepo) GetByTokenForUpdate(_ context.Context, _ pgx.Tx, token string) (Invitation, error) {
	inv, ok := f.byToken[token]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (f *fakeInviteRepo) MarkAccepted(_ context.Context, _ pgx.Tx, id string) error {
	if f.accepted == nil {
		f.accepted = map[string]bool{}
	}
	f.accepted[id] = true
	return nil
}

func (f *fakeInviteRepo) BindRecipient(_ context.Context, _ pgx.Tx, _ string, userID string) error {
	f.boundRecipient = userID
	return nil
}

type fakeAuthority struct {
	last deal.TransitionParams
	err  error
}

func (f *fakeAuthority) Transition(_ context.Context, _ pgx.Tx, p deal.TransitionParams) (deal.Deal, error) {
	f.last = p
	if f.err != nil {
		return deal.Deal{}, f.err
	}
	return deal.Deal{ID: p.DealID, Status: p.To}, nil
}

type fakeDealRepo struct {
	deals map[string]deal.Deal
}

func newFakeDealRepo() *fakeDealRepo {
	return &fakeDealRepo{deals: map[string]deal.Deal{}}
}

func (f *fakeDealRepo) Insert(_ context.Context, _ pgx.Tx, d deal.Deal) (deal.Deal, error) {
	f.deals[d.ID] = d
	return d, nil
}

func (f *fakeDealRepo) Get(_ context.Context, id string) (deal.Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	return d, nil
}

func (f *fakeDealRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (deal.Deal, error) {
	return f.Get(context.Background(), id)
}

func (f *fakeDealRepo) List(_ context.Context, _ deal.ListFilters) ([]deal.Deal, int, error) {
	return nil, 0, nil
}

func (f *fakeDealRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status deal.Status) (deal.Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	d.Status = status
	f.deals[id] = d
	return d, nil
}

func (f *fakeDealRepo) SetDeliveryConfirmed(_ context.Context, _ pgx.Tx, id string, status deal.Status) (deal.Deal, error) {
	return f.UpdateStatus(context.Background(), nil, id, status)
}

func (f *fakeDealRepo) SetReceiptConfirmed(_ context.Context, _ pgx.Tx, id string, status deal.Status) (deal.Deal, error) {
	return f.UpdateStatus(context.Background(), nil, id, status)
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
