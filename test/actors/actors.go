package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// transient reports errors the chaos goroutine manufactures by killing
// backends. Actors drop the transaction and try again on a fresh conn.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57P01" {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// Creator keeps feeding the pipeline: each iteration opens a funding deal
// between the seeded buyer and seller and attaches one pending escrow fund.
func Creator(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dealID string
		err = tx.QueryRow(ctx, `INSERT INTO deals (title, amount_cents, currency, status, initiator_id, recipient_id)
                                 VALUES ($1, 25000, 'USD', 'funding', $2, $3) RETURNING id`,
			fmt.Sprintf("Stress deal %d", rand.Int63()), buyerID, sellerID).Scan(&dealID)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO escrow_funds (deal_id, method, amount_cents, currency, external_ref)
                                    VALUES ($1, 'crypto', 25000, 'USD', $2)`,
				dealID, fmt.Sprintf("charge-%s-%d", dealID, rand.Int63()))
		}
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO activity_log (deal_id, actor_id, action) VALUES ($1, $2, 'deal.created')`, dealID, buyerID)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			if !uniqueViolation(err) && !transient(err) {
				return fmt.Errorf("creator: %w", err)
			}
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Reconciler plays the payment processor: it confirms one pending fund of a
// funding deal and flips the deal to funded in the same transaction. The
// partial unique index on confirmed funds is the last line of defence under
// redelivery, so a 23505 here is tolerated.
func Reconciler(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var fundID, dealID string
		err = tx.QueryRow(ctx, `SELECT f.id, f.deal_id FROM escrow_funds f
                                 JOIN deals d ON d.id = f.deal_id
                                 WHERE f.status = 'pending' AND d.status = 'funding'
                                 ORDER BY random() LIMIT 1
                                 FOR UPDATE OF f, d SKIP LOCKED`).Scan(&fundID, &dealID)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE escrow_funds SET status='confirmed', network='ethereum',
                                    tx_hash=md5(random()::text), confirmed_at=NOW() WHERE id=$1`, fundID)
		}
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE deals SET status='funded', updated_at=NOW() WHERE id=$1`, dealID)
		}
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO activity_log (deal_id, action, metadata)
                                    VALUES ($1, 'fund.confirmed', jsonb_build_object('fund_id', $2::text))`, dealID, fundID)
		}
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                    VALUES ('deal.status_changed', jsonb_build_object('deal_id', $1::text, 'next', 'funded'))`, dealID)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			if !errors.Is(err, pgx.ErrNoRows) && !uniqueViolation(err) && !transient(err) {
				return fmt.Errorf("reconciler: %w", err)
			}
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Confirmer races the delivery and receipt confirmations. Each iteration grabs
// one deal awaiting this side, sets the flag under the row lock, and completes
// the deal only when the opposite side already confirmed.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, column, actorID string, stop <-chan struct{}) error {
	if column != "seller_confirmed_delivered" && column != "buyer_confirmed_received" {
		return fmt.Errorf("confirmer: unknown column %q", column)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dealID string
		var sellerDone, buyerDone bool
		q := fmt.Sprintf(`SELECT id, seller_confirmed_delivered, buyer_confirmed_received FROM deals
                           WHERE status IN ('funded','in_review') AND NOT %s
                           ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, column)
		err = tx.QueryRow(ctx, q).Scan(&dealID, &sellerDone, &buyerDone)
		if err == nil {
			other := sellerDone || buyerDone
			if other {
				_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE deals SET %s=TRUE, status='completed', updated_at=NOW() WHERE id=$1`, column), dealID)
				if err == nil {
					_, err = tx.Exec(ctx, `INSERT INTO activity_log (deal_id, actor_id, action) VALUES ($1, $2, 'deal.completed')`, dealID, actorID)
				}
				if err == nil {
					_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                            VALUES ('deal.status_changed', jsonb_build_object('deal_id', $1::text, 'next', 'completed'))`, dealID)
				}
			} else {
				_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE deals SET %s=TRUE, status='in_review', updated_at=NOW() WHERE id=$1`, column), dealID)
			}
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			if !errors.Is(err, pgx.ErrNoRows) && !transient(err) {
				return fmt.Errorf("confirmer %s: %w", column, err)
			}
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Disputer occasionally freezes a live deal, then on a later pass resolves the
// open dispute. Opening and the status flip share one transaction so oracles
// never observe an open dispute on a non-disputed deal.
func Disputer(ctx context.Context, pool *pgxpool.Pool, userID, adminID string, stop <-chan struct{}) error {
	actions := []string{"release_seller", "refund_buyer", "release_seller"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(2) == 0 {
			if err := openOne(ctx, pool, userID); err != nil {
				return err
			}
		} else {
			if err := resolveOne(ctx, pool, adminID, actions[rand.Intn(len(actions))]); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

func openOne(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	var dealID string
	err = tx.QueryRow(ctx, `SELECT id FROM deals WHERE status IN ('funded','in_review')
                             ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&dealID)
	if err == nil {
		_, err = tx.Exec(ctx, `INSERT INTO disputes (deal_id, opened_by, reason)
                                VALUES ($1, $2, 'stress: goods not as described')`, dealID, userID)
	}
	if err == nil {
		_, err = tx.Exec(ctx, `UPDATE deals SET status='disputed', updated_at=NOW() WHERE id=$1`, dealID)
	}
	if err == nil {
		_, err = tx.Exec(ctx, `INSERT INTO activity_log (deal_id, actor_id, action) VALUES ($1, $2, 'dispute.opened')`, dealID, userID)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		if !errors.Is(err, pgx.ErrNoRows) && !uniqueViolation(err) && !transient(err) {
			return fmt.Errorf("disputer open: %w", err)
		}
		return nil
	}
	return tx.Commit(ctx)
}

func resolveOne(ctx context.Context, pool *pgxpool.Pool, adminID, action string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	var dispID, dealID string
	err = tx.QueryRow(ctx, `SELECT dp.id, dp.deal_id FROM disputes dp
                             JOIN deals d ON d.id = dp.deal_id
                             WHERE dp.status='open'
                             ORDER BY random() LIMIT 1
                             FOR UPDATE OF dp, d SKIP LOCKED`).Scan(&dispID, &dealID)
	if err == nil {
		_, err = tx.Exec(ctx, `UPDATE disputes SET status='resolved', action=$2, resolved_by=$3,
                                resolution='stress resolution', resolved_at=NOW() WHERE id=$1`, dispID, action, adminID)
	}
	if err == nil && action != "keep_disputed" {
		_, err = tx.Exec(ctx, `UPDATE deals SET status='completed', updated_at=NOW() WHERE id=$1`, dealID)
	}
	if err == nil {
		_, err = tx.Exec(ctx, `INSERT INTO activity_log (deal_id, actor_id, action, metadata)
                                VALUES ($1, $2, 'dispute.resolved', jsonb_build_object('action', $3::text))`, dealID, adminID, action)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		if !errors.Is(err, pgx.ErrNoRows) && !transient(err) {
			return fmt.Errorf("disputer resolve: %w", err)
		}
		return nil
	}
	return tx.Commit(ctx)
}

// OutboxWorker drains unpublished facts with SKIP LOCKED so concurrent workers
// never publish the same row twice. Random failures leave rows for a retry.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate a flaky downstream
			if rand.Intn(10) == 0 {
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
