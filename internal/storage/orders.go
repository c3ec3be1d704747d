package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const orderColumns = `id, user_id, zone_id, banner_id, campaign_id, begins_at, stops_at,
	payment_key, created_at, cleanup_after`

const campaignColumns = `c.id, c.order_id, c.zone_id, c.begins_at, c.stops_at, c.active, c.linked_at,
	c.link_unknown_at`

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var beginsAt, stopsAt, createdAt, cleanupAfter int64

	err := row.Scan(&o.ID, &o.UserID, &o.ZoneID, &o.BannerID, &o.CampaignID, &beginsAt, &stopsAt,
		&o.PaymentKey, &createdAt, &cleanupAfter)
	if err != nil {
		return nil, err
	}

	o.BeginsAt = fromDB(beginsAt)
	o.StopsAt = fromDB(stopsAt)
	o.CreatedAt = fromDB(createdAt)
	o.CleanupAfter = fromDB(cleanupAfter)
	return &o, nil
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	var beginsAt, stopsAt, linkedAt, linkUnknownAt int64

	err := row.Scan(&c.ID, &c.OrderID, &c.ZoneID, &beginsAt, &stopsAt, &c.Active, &linkedAt, &linkUnknownAt)
	if err != nil {
		return nil, err
	}

	c.BeginsAt = fromDB(beginsAt)
	c.StopsAt = fromDB(stopsAt)
	c.LinkedAt = fromDB(linkedAt)
	c.LinkUnknownAt = fromDB(linkUnknownAt)
	return &c, nil
}

// CreateOrder stores an order together with its inactive campaign.
func (s *Storage) CreateOrder(ctx context.Context, o *Order) error {
	if !o.StopsAt.After(o.BeginsAt) {
		return ErrInvalidWindow
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM orders WHERE campaign_id = ?"), o.CampaignID).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}

		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			o.ID, o.UserID, o.ZoneID, o.BannerID, o.CampaignID, toDB(o.BeginsAt), toDB(o.StopsAt),
			o.PaymentKey, toDB(o.CreatedAt), toDB(o.CleanupAfter),
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO campaigns (id, order_id, zone_id, begins_at, stops_at, active, linked_at, link_unknown_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			o.CampaignID, o.ID, o.ZoneID, toDB(o.BeginsAt), toDB(o.StopsAt), false, notYetMicro, notYetMicro,
		)
		return err
	})
}

// OrderByID returns an order by its ID
func (s *Storage) OrderByID(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+orderColumns+" FROM orders WHERE id = ?"), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// OrdersByPayment returns all orders attached to a payment key
func (s *Storage) OrdersByPayment(ctx context.Context, key string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+orderColumns+" FROM orders WHERE payment_key = ? ORDER BY created_at, id"), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// RescheduleOrder changes the run window of an order. Orders whose payment
// is confirmed are locked.
func (s *Storage) RescheduleOrder(ctx context.Context, id string, beginsAt, stopsAt time.Time) error {
	if !stopsAt.After(beginsAt) {
		return ErrInvalidWindow
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE orders SET begins_at = ?, stops_at = ?
			 WHERE id = ? AND NOT EXISTS (
				SELECT 1 FROM payments p WHERE p.payment_key = orders.payment_key AND p.confirmed_at <> ?)`),
			toDB(beginsAt), toDB(stopsAt), id, notYetMicro,
		)
		if err != nil {
			return err
		}

		if rows, _ := result.RowsAffected(); rows == 0 {
			var count int
			err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM orders WHERE id = ?"), id).Scan(&count)
			if err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrOrderLocked
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			"UPDATE campaigns SET begins_at = ?, stops_at = ? WHERE order_id = ?"),
			toDB(beginsAt), toDB(stopsAt), id,
		)
		return err
	})
}

// CampaignsByPayment returns the campaigns of all orders attached to a payment
func (s *Storage) CampaignsByPayment(ctx context.Context, key string) ([]Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns c
		 JOIN orders o ON o.id = c.order_id
		 WHERE o.payment_key = ? ORDER BY c.id`, key)
}

// UnlinkedCampaigns returns campaigns of a payment that are not linked yet.
// Campaigns whose last link attempt has an unknown outcome are left out
// unless withUnknown is set.
func (s *Storage) UnlinkedCampaigns(ctx context.Context, key string, withUnknown bool) ([]Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns c
		 JOIN orders o ON o.id = c.order_id
		 WHERE o.payment_key = ? AND c.linked_at = ? AND (? OR c.link_unknown_at = ?)
		 ORDER BY c.id`,
		key, notYetMicro, withUnknown, notYetMicro)
}

// CampaignByID returns a campaign by its ad-server number
func (s *Storage) CampaignByID(ctx context.Context, id int64) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+campaignColumns+" FROM campaigns c WHERE c.id = ?"), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Storage) queryCampaigns(ctx context.Context, query string, args ...any) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// MarkCampaignLinked records that the campaign was linked into its zone.
func (s *Storage) MarkCampaignLinked(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE campaigns SET linked_at = ? WHERE id = ? AND linked_at = ?"),
		toDB(at), id, notYetMicro,
	)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// DeactivateFinished clears the active flag of campaigns whose window ended.
func (s *Storage) DeactivateFinished(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE campaigns SET active = ? WHERE active = ? AND stops_at <= ?"),
		false, true, toDB(now),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkCampaignLinkUnknown records a link call whose answer never arrived.
// The ad server may or may not have linked the campaign.
func (s *Storage) MarkCampaignLinkUnknown(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE campaigns SET link_unknown_at = ? WHERE id = ? AND linked_at = ?"),
		toDB(at), id, notYetMicro,
	)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ActivateStarted sets the active flag of paid campaigns whose window has
// begun and not yet ended.
func (s *Storage) ActivateStarted(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE campaigns SET active = ?
		 WHERE active = ? AND begins_at <= ? AND stops_at > ?
		   AND order_id IN (
			SELECT o.id FROM orders o
			JOIN payments p ON p.payment_key = o.payment_key
			WHERE p.confirmed_at <> ?)`),
		true, false, toDB(now), toDB(now), notYetMicro,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// StaleOrders returns orders of unconfirmed payments that are due for
// removal: scheduled for cleanup before now, or created before unpaidBefore
// without any funds seen.
func (s *Storage) StaleOrders(ctx context.Context, now, unpaidBefore time.Time) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT o.id, o.user_id, o.zone_id, o.banner_id, o.campaign_id, o.begins_at, o.stops_at,
			o.payment_key, o.created_at, o.cleanup_after
		 FROM orders o
		 LEFT JOIN payments p ON p.payment_key = o.payment_key
		 WHERE (p.id IS NULL OR p.confirmed_at = ?)
		   AND ((o.cleanup_after <> ? AND o.cleanup_after <= ?)
		        OR (o.created_at < ? AND (p.id IS NULL OR p.received_at = ?)))
		 ORDER BY o.created_at`),
		notYetMicro, notYetMicro, toDB(now), toDB(unpaidBefore), notYetMicro,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// DeleteOrder removes an order and its campaign unless its payment is confirmed.
func (s *Storage) DeleteOrder(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM orders WHERE id = ? AND NOT EXISTS (
				SELECT 1 FROM payments p WHERE p.payment_key = orders.payment_key AND p.confirmed_at <> ?)`),
			id, notYetMicro,
		)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil
		}

		deleted = true
		_, err = tx.ExecContext(ctx, s.rebind("DELETE FROM campaigns WHERE order_id = ?"), id)
		return err
	})
	return deleted, err
}
