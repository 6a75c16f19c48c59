package deal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestService_Create_Success(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	rec := &fakeRecorder{}
	svc := NewService(pool, repo, rec, &fakeMinter{token: "tok-1"}).
		WithIDGenerator(func() string { return "deal-1" })

	result, err := svc.Create(context.Background(), "user-1", CreateParams{
		Title:          "  Laptop sale  ",
		AmountCents:    150000,
		Currency:       CurrencyUSD,
		RecipientEmail: "Seller@Example.com",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if result.Deal.Status != StatusDraft {
		t.Errorf("expected draft status, got %s", result.Deal.Status)
	}
	if result.Deal.Title != "Laptop sale" {
		t.Errorf("expected trimmed title, got %q", result.Deal.Title)
	}
	if result.InvitationToken != "tok-1" {
		t.Errorf("expected invitation token, got %q", result.InvitationToken)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if len(rec.entries) != 1 || rec.entries[0].action != "deal.created" {
		t.Fatalf("expected one deal.created entry, got %+v", rec.entries)
	}
	if len(rec.facts) != 1 || rec.facts[0].topic != "invite.created" {
		t.Fatalf("expected one invite.created fact, got %+v", rec.facts)
	}
	if rec.facts[0].payload["email"] != "seller@example.com" {
		t.Errorf("expected lowercased email in fact, got %v", rec.facts[0].payload["email"])
	}
}

func TestService_Create_Validation(t *testing.T) {
	cases := map[string]CreateParams{
		"missing title":    {AmountCents: 100, Currency: CurrencyUSD, RecipientEmail: "a@b.c"},
		"zero amount":      {Title: "t", Currency: CurrencyUSD, RecipientEmail: "a@b.c"},
		"negative amount":  {Title: "t", AmountCents: -5, Currency: CurrencyUSD, RecipientEmail: "a@b.c"},
		"unknown currency": {Title: "t", AmountCents: 100, Currency: "GBP", RecipientEmail: "a@b.c"},
		"missing email":    {Title: "t", AmountCents: 100, Currency: CurrencyUSD},
	}

	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			pool := &fakePool{}
			svc := NewService(pool, newFakeRepo(), &fakeRecorder{}, &fakeMinter{})

			if _, err := svc.Create(context.Background(), "user-1", params); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if pool.tx != nil {
				t.Errorf("expected no transaction for rejected input")
			}
		})
	}
}

func TestService_Get_Forbidden(t *testing.T) {
	repo := newFakeRepo()
	repo.deals["deal-1"] = Deal{ID: "deal-1", InitiatorID: "user-1", Status: StatusActive}
	svc := NewService(&fakePool{}, repo, &fakeRecorder{}, &fakeMinter{})

	if _, err := svc.Get(context.Background(), "deal-1", "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestService_Get_NotFound(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeRepo(), &fakeRecorder{}, &fakeMinter{})

	if _, err := svc.Get(context.Background(), "missing", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeMinter struct {
	token string
	err   error
}

func (f *fakeMinter) Mint(_ context.Context, _ pgx.Tx, _ string, _ string) (string, time.Time, error) {
	return f.token, time.Now().Add(7 * 24 * time.Hour), f.err
}

type recordedEntry struct {
	dealID   string
	action   string
	actorID  *string
	metadata map[string]any
}

type recordedFact struct {
	topic   string
	payload map[string]any
}

type fakeRecorder struct {
	entries   []recordedEntry
	facts     []recordedFact
	appendErr error
}

func (f *fakeRecorder) Append(_ context.Context, _ pgx.Tx, dealID, action string, actorID *string, metadata map[string]any) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, recordedEntry{dealID: dealID, action: action, actorID: actorID, metadata: metadata})
	return nil
}

func (f *fakeRecorder) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	f.facts = append(f.facts, recordedFact{topic: topic, payload: payload})
	return nil
}

type fakeRepo struct {
	deals map[string]Deal
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{deals: map[string]Deal{}}
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, d Deal) (Deal, error) {
	if d.ID == "" {
		d.ID = "generated"
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	f.deals[d.ID] = d
	return d, nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Deal, error) {
	return f.Get(context.Background(), id)
}

func (f *fakeRepo) List(_ context.Context, filters ListFilters) ([]Deal, int, error) {
	var out []Deal
	for _, d := range f.deals {
		if !d.IsParticipant(filters.UserID) {
			continue
		}
		if filters.Status != "" && d.Status != filters.Status {
			continue
		}
		out = append(out, d)
	}
	return out, len(out), nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	d.Status = status
	f.deals[id] = d
	return d, nil
}

func (f *fakeRepo) SetDeliveryConfirmed(_ context.Context, _ pgx.Tx, id string, status Status) (Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	d.SellerConfirmedDelivered = true
	d.Status = status
	f.deals[id] = d
	return d, nil
}

func (f *fakeRepo) SetReceiptConfirmed(_ context.Context, _ pgx.Tx, id string, status Status) (Deal, error) {
	d, ok := f.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	d.BuyerConfirmedReceived = true
	d.Status = status
	f.deals[id] = d
	return d, nil
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
