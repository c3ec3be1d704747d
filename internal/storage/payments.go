package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beton-ads/beton/internal/gateway"
	"github.com/beton-ads/beton/internal/tonapi"
)

const paymentColumns = `id, payment_key, provider, user_id, notify_email, expected, currency,
	created_at, received_at, confirmed_at, tx_ref`

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var createdAt, receivedAt, confirmedAt int64

	err := row.Scan(&p.ID, &p.Key, &p.Provider, &p.UserID, &p.NotifyEmail, &p.Expected, &p.Currency,
		&createdAt, &receivedAt, &confirmedAt, &p.TxRef)
	if err != nil {
		return nil, err
	}

	p.CreatedAt = fromDB(createdAt)
	p.ReceivedAt = fromDB(receivedAt)
	p.ConfirmedAt = fromDB(confirmedAt)
	return &p, nil
}

// Checkout creates a payment and attaches the given unassigned orders to it.
// TON keys are stored in raw form, the form notifications arrive in.
func (s *Storage) Checkout(ctx context.Context, p *Payment, orderIDs []string) error {
	if p.Provider == string(gateway.ProviderTON) {
		p.Key = tonapi.NormalizeAddress(p.Key)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM payments WHERE payment_key = ?"), p.Key).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}

		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO payments (`+paymentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, p.Key, p.Provider, p.UserID, p.NotifyEmail, p.Expected, p.Currency,
			toDB(p.CreatedAt), toDB(p.ReceivedAt), toDB(p.ConfirmedAt), p.TxRef,
		)
		if err != nil {
			return err
		}

		for _, id := range orderIDs {
			result, err := tx.ExecContext(ctx, s.rebind(
				"UPDATE orders SET payment_key = ? WHERE id = ? AND user_id = ? AND payment_key = ''"),
				p.Key, id, p.UserID,
			)
			if err != nil {
				return err
			}
			rows, _ := result.RowsAffected()
			if rows == 0 {
				return fmt.Errorf("order %s: %w", id, ErrNotFound)
			}
		}
		return nil
	})
}

// PaymentByKey returns the payment for an address or invoice token
func (s *Storage) PaymentByKey(ctx context.Context, key string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+paymentColumns+" FROM payments WHERE payment_key = ?"), key)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// PaymentByID returns a payment by its ID
func (s *Storage) PaymentByID(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+paymentColumns+" FROM payments WHERE id = ?"), id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// MarkReceived moves an unseen payment to received. It returns false when
// the payment had already left the unseen state.
func (s *Storage) MarkReceived(ctx context.Context, key string, at time.Time, entry AuditEntry) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE payments SET received_at = ?
			 WHERE payment_key = ? AND received_at = ? AND confirmed_at = ?`),
			toDB(at), key, notYetMicro, notYetMicro,
		)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil
		}

		changed = true
		return s.insertAudit(ctx, tx, entry)
	})
	return changed, err
}

// ConfirmPayment marks the payment confirmed and activates those campaigns
// of its orders whose window contains at, in one transaction. A payment that
// was never seen as received gets received_at set to the same instant.
// Returns false when the payment was already confirmed, and ErrTxRefReused
// when txRef already settled another payment of the same provider.
func (s *Storage) ConfirmPayment(ctx context.Context, key string, at time.Time, txRef string, entry AuditEntry) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if txRef != "" {
			var count int
			err := tx.QueryRowContext(ctx, s.rebind(
				`SELECT COUNT(*) FROM payments o
				 JOIN payments p ON p.provider = o.provider
				 WHERE p.payment_key = ? AND o.payment_key <> ? AND o.tx_ref = ? AND o.provider <> ?`),
				key, key, txRef, string(gateway.ProviderElectrum),
			).Scan(&count)
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrTxRefReused
			}
		}

		result, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE payments SET
				confirmed_at = ?,
				received_at = CASE WHEN received_at = ? THEN ? ELSE received_at END,
				tx_ref = ?
			 WHERE payment_key = ? AND confirmed_at = ?`),
			toDB(at), notYetMicro, toDB(at), txRef, key, notYetMicro,
		)
		if isUniqueViolation(err) {
			return ErrTxRefReused
		}
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE campaigns SET active = ?
			 WHERE begins_at <= ? AND stops_at > ?
			   AND order_id IN (SELECT id FROM orders WHERE payment_key = ?)`),
			true, toDB(at), toDB(at), key,
		)
		if err != nil {
			return err
		}

		changed = true
		return s.insertAudit(ctx, tx, entry)
	})
	return changed, err
}

// MarkOrdersForCleanup schedules the orders of an unconfirmed payment for
// removal after the given time. Orders already scheduled keep their time.
func (s *Storage) MarkOrdersForCleanup(ctx context.Context, key string, after time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE orders SET cleanup_after = ?
		 WHERE payment_key = ? AND cleanup_after = ?
		   AND EXISTS (SELECT 1 FROM payments p WHERE p.payment_key = ? AND p.confirmed_at = ?)`),
		toDB(after), key, notYetMicro, key, notYetMicro,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PendingKeys returns keys of unconfirmed payments for a provider
func (s *Storage) PendingKeys(ctx context.Context, provider string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT payment_key FROM payments WHERE provider = ? AND confirmed_at = ? ORDER BY created_at"),
		provider, notYetMicro,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UnseenPaymentsBefore returns payments that saw no funds and were created before t.
func (s *Storage) UnseenPaymentsBefore(ctx context.Context, t time.Time) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+paymentColumns+` FROM payments
		 WHERE received_at = ? AND confirmed_at = ? AND created_at < ?
		 ORDER BY created_at`),
		notYetMicro, notYetMicro, toDB(t),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// DeleteUnpaidPayment removes an unseen payment that has no orders left.
func (s *Storage) DeleteUnpaidPayment(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM payments
		 WHERE payment_key = ? AND received_at = ? AND confirmed_at = ?
		   AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.payment_key = ?)`),
		key, notYetMicro, notYetMicro, key,
	)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}
