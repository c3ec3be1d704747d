package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(DriverSQLite, filepath.Join(t.TempDir(), "beton.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// seed creates one order with campaign 42 in zone 7 and checks it out under key.
func seed(t *testing.T, s *Storage, key string) *Payment {
	t.Helper()
	ctx := context.Background()

	o := &Order{
		UserID:     1,
		ZoneID:     7,
		BannerID:   3,
		CampaignID: 42,
		BeginsAt:   t0,
		StopsAt:    t0.Add(7 * 24 * time.Hour),
		CreatedAt:  t0,
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	p := &Payment{
		Key:         key,
		Provider:    "electrum",
		UserID:      1,
		NotifyEmail: "ads@example.com",
		Expected:    decimal.RequireFromString("1.00000000"),
		Currency:    "BTC",
		CreatedAt:   t0,
	}
	require.NoError(t, s.Checkout(ctx, p, []string{o.ID}))
	return p
}

func TestCheckoutAndLookup(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	seed(t, s, "addr123")

	p, err := s.PaymentByKey(ctx, "addr123")
	require.NoError(err)
	require.Equal(StatusUnseen, p.Status())
	require.True(p.ReceivedAt.Equal(NotYet))
	require.True(p.ConfirmedAt.Equal(NotYet))
	require.True(p.Expected.Equal(decimal.RequireFromString("1")))
	require.Equal(t0, p.CreatedAt)

	byID, err := s.PaymentByID(ctx, p.ID)
	require.NoError(err)
	require.Equal(p.Key, byID.Key)

	_, err = s.PaymentByKey(ctx, "nope")
	require.ErrorIs(err, ErrNotFound)

	orders, err := s.OrdersByPayment(ctx, "addr123")
	require.NoError(err)
	require.Len(orders, 1)
	require.EqualValues(42, orders[0].CampaignID)

	err = s.Checkout(ctx, &Payment{Key: "addr123", Provider: "electrum", Expected: decimal.NewFromInt(1), Currency: "BTC"}, nil)
	require.ErrorIs(err, ErrAlreadyExists)
}

func TestCheckoutRejectsForeignOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	o := &Order{UserID: 2, ZoneID: 1, CampaignID: 9, BeginsAt: t0, StopsAt: t0.Add(time.Hour)}
	require.NoError(t, s.CreateOrder(ctx, o))

	err := s.Checkout(ctx, &Payment{Key: "k", Provider: "electrum", UserID: 1, Expected: decimal.NewFromInt(1), Currency: "BTC"}, []string{o.ID})
	require.ErrorIs(t, err, ErrNotFound)

	// the whole checkout rolled back
	_, err = s.PaymentByKey(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkReceivedIsConditional(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	changed, err := s.MarkReceived(ctx, "addr123", t0.Add(time.Minute), AuditEntry{UserID: 1, Message: "received"})
	require.NoError(err)
	require.True(changed)

	changed, err = s.MarkReceived(ctx, "addr123", t0.Add(2*time.Minute), AuditEntry{UserID: 1, Message: "received again"})
	require.NoError(err)
	require.False(changed)

	p, err := s.PaymentByKey(ctx, "addr123")
	require.NoError(err)
	require.Equal(StatusReceived, p.Status())
	require.Equal(t0.Add(time.Minute), p.ReceivedAt)

	entries, err := s.AuditForUser(ctx, 1, 10)
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal("received", entries[0].Message)
}

func TestConfirmPaymentFromUnseen(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	at := t0.Add(time.Hour)
	changed, err := s.ConfirmPayment(ctx, "addr123", at, "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)
	require.True(changed)

	p, err := s.PaymentByKey(ctx, "addr123")
	require.NoError(err)
	require.Equal(StatusConfirmed, p.Status())
	require.Equal(at, p.ReceivedAt)
	require.Equal(at, p.ConfirmedAt)
	require.Equal("tx1", p.TxRef)

	campaigns, err := s.CampaignsByPayment(ctx, "addr123")
	require.NoError(err)
	require.Len(campaigns, 1)
	require.True(campaigns[0].Active)
	require.False(campaigns[0].Linked())

	// confirmed is terminal
	changed, err = s.ConfirmPayment(ctx, "addr123", at.Add(time.Hour), "tx2", AuditEntry{UserID: 1, Message: "again"})
	require.NoError(err)
	require.False(changed)
	changed, err = s.MarkReceived(ctx, "addr123", at.Add(time.Hour), AuditEntry{UserID: 1, Message: "late"})
	require.NoError(err)
	require.False(changed)

	p, err = s.PaymentByKey(ctx, "addr123")
	require.NoError(err)
	require.Equal(at, p.ConfirmedAt)
	require.Equal("tx1", p.TxRef)

	entries, err := s.AuditEntries(ctx, 10)
	require.NoError(err)
	require.Len(entries, 1)
}

func TestConfirmKeepsReceivedTimestamp(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	_, err := s.MarkReceived(ctx, "addr123", t0.Add(time.Minute), AuditEntry{UserID: 1, Message: "received"})
	require.NoError(err)
	_, err = s.ConfirmPayment(ctx, "addr123", t0.Add(time.Hour), "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)

	p, err := s.PaymentByKey(ctx, "addr123")
	require.NoError(err)
	require.Equal(t0.Add(time.Minute), p.ReceivedAt)
	require.Equal(t0.Add(time.Hour), p.ConfirmedAt)
	require.False(p.ReceivedAt.After(p.ConfirmedAt))
}

func TestRescheduleOrderLockedAfterConfirm(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	orders, err := s.OrdersByPayment(ctx, "addr123")
	require.NoError(err)
	id := orders[0].ID

	require.NoError(s.RescheduleOrder(ctx, id, t0.Add(24*time.Hour), t0.Add(48*time.Hour)))
	c, err := s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.Equal(t0.Add(24*time.Hour), c.BeginsAt)

	require.ErrorIs(s.RescheduleOrder(ctx, id, t0.Add(48*time.Hour), t0), ErrInvalidWindow)

	_, err = s.ConfirmPayment(ctx, "addr123", t0.Add(time.Hour), "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)

	err = s.RescheduleOrder(ctx, id, t0.Add(72*time.Hour), t0.Add(96*time.Hour))
	require.ErrorIs(err, ErrOrderLocked)
	require.ErrorIs(s.RescheduleOrder(ctx, "missing", t0, t0.Add(time.Hour)), ErrNotFound)
}

func TestCampaignLinkAndDeactivate(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	_, err := s.ConfirmPayment(ctx, "addr123", t0, "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)

	unlinked, err := s.UnlinkedCampaigns(ctx, "addr123", false)
	require.NoError(err)
	require.Len(unlinked, 1)

	linked, err := s.MarkCampaignLinked(ctx, 42, t0.Add(time.Second))
	require.NoError(err)
	require.True(linked)
	linked, err = s.MarkCampaignLinked(ctx, 42, t0.Add(2*time.Second))
	require.NoError(err)
	require.False(linked)

	unlinked, err = s.UnlinkedCampaigns(ctx, "addr123", false)
	require.NoError(err)
	require.Empty(unlinked)

	c, err := s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.True(c.Running(t0.Add(time.Hour)))
	require.False(c.Running(t0.Add(-time.Hour)))

	n, err := s.DeactivateFinished(ctx, t0.Add(time.Hour))
	require.NoError(err)
	require.Zero(n)

	n, err = s.DeactivateFinished(ctx, t0.Add(8*24*time.Hour))
	require.NoError(err)
	require.EqualValues(1, n)

	c, err = s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.False(c.Active)
}

func TestConfirmActivatesOnlyStartedCampaigns(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	begins := t0.Add(30 * 24 * time.Hour)
	o := &Order{UserID: 1, ZoneID: 7, CampaignID: 42, BeginsAt: begins, StopsAt: begins.Add(7 * 24 * time.Hour), CreatedAt: t0}
	require.NoError(s.CreateOrder(ctx, o))
	require.NoError(s.Checkout(ctx, &Payment{Key: "later", Provider: "electrum", UserID: 1,
		Expected: decimal.NewFromInt(1), Currency: "BTC", CreatedAt: t0}, []string{o.ID}))

	// never checked out, so it stays inactive
	unpaid := &Order{UserID: 1, ZoneID: 7, CampaignID: 43, BeginsAt: t0, StopsAt: t0.Add(time.Hour), CreatedAt: t0}
	require.NoError(s.CreateOrder(ctx, unpaid))

	_, err := s.ConfirmPayment(ctx, "later", t0, "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)

	c, err := s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.False(c.Active)

	// confirmed campaigns are linked ahead of their window
	unlinked, err := s.UnlinkedCampaigns(ctx, "later", false)
	require.NoError(err)
	require.Len(unlinked, 1)

	n, err := s.ActivateStarted(ctx, t0.Add(24*time.Hour))
	require.NoError(err)
	require.Zero(n)

	n, err = s.ActivateStarted(ctx, begins)
	require.NoError(err)
	require.EqualValues(1, n)

	c, err = s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.True(c.Active)
	require.True(c.Running(begins))

	c, err = s.CampaignByID(ctx, 43)
	require.NoError(err)
	require.False(c.Active)

	// finished windows are not revived
	n, err = s.ActivateStarted(ctx, begins.Add(8*24*time.Hour))
	require.NoError(err)
	require.Zero(n)
}

func TestTxRefSettlesOnePayment(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()

	checkout := func(key, provider string, campaignID int64) {
		o := &Order{UserID: 1, ZoneID: 7, CampaignID: campaignID, BeginsAt: t0, StopsAt: t0.Add(time.Hour), CreatedAt: t0}
		require.NoError(s.CreateOrder(ctx, o))
		require.NoError(s.Checkout(ctx, &Payment{Key: key, Provider: provider, UserID: 1,
			Expected: decimal.NewFromInt(1), Currency: "BTC", CreatedAt: t0}, []string{o.ID}))
	}
	checkout("tok-a", "btcpay", 1)
	checkout("tok-b", "btcpay", 2)
	checkout("addr-a", "electrum", 3)
	checkout("addr-b", "electrum", 4)

	changed, err := s.ConfirmPayment(ctx, "tok-a", t0, "inv-paid", AuditEntry{UserID: 1, Message: "confirmed a"})
	require.NoError(err)
	require.True(changed)

	changed, err = s.ConfirmPayment(ctx, "tok-b", t0, "inv-paid", AuditEntry{UserID: 1, Message: "confirmed b"})
	require.ErrorIs(err, ErrTxRefReused)
	require.False(changed)

	p, err := s.PaymentByKey(ctx, "tok-b")
	require.NoError(err)
	require.Equal(StatusUnseen, p.Status())
	require.Empty(p.TxRef)

	c, err := s.CampaignByID(ctx, 2)
	require.NoError(err)
	require.False(c.Active)

	// one bitcoin transaction may pay several addresses
	_, err = s.ConfirmPayment(ctx, "addr-a", t0, "batched-tx", AuditEntry{UserID: 1, Message: "confirmed addr a"})
	require.NoError(err)
	_, err = s.ConfirmPayment(ctx, "addr-b", t0, "batched-tx", AuditEntry{UserID: 1, Message: "confirmed addr b"})
	require.NoError(err)

	entries, err := s.AuditEntries(ctx, 10)
	require.NoError(err)
	require.Len(entries, 3)
}

func TestTxRefUniqueIndex(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	insert := `INSERT INTO payments (` + paymentColumns + `) VALUES (?, ?, 'ton', 1, '', '1', 'TON', 0, 0, 0, 'tx-dup')`
	_, err := s.db.ExecContext(ctx, insert, "id-1", "key-1")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, insert, "id-2", "key-2")
	require.True(t, isUniqueViolation(err), "%v", err)
}

func TestLinkUnknownCampaigns(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	_, err := s.ConfirmPayment(ctx, "addr123", t0, "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)

	marked, err := s.MarkCampaignLinkUnknown(ctx, 42, t0.Add(time.Second))
	require.NoError(err)
	require.True(marked)

	c, err := s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.True(c.LinkUnknown())
	require.Equal(t0.Add(time.Second), c.LinkUnknownAt)

	unlinked, err := s.UnlinkedCampaigns(ctx, "addr123", false)
	require.NoError(err)
	require.Empty(unlinked)

	unlinked, err = s.UnlinkedCampaigns(ctx, "addr123", true)
	require.NoError(err)
	require.Len(unlinked, 1)

	_, err = s.MarkCampaignLinked(ctx, 42, t0.Add(time.Minute))
	require.NoError(err)
	c, err = s.CampaignByID(ctx, 42)
	require.NoError(err)
	require.False(c.LinkUnknown())

	marked, err = s.MarkCampaignLinkUnknown(ctx, 42, t0.Add(time.Hour))
	require.NoError(err)
	require.False(marked)
}

func TestCheckoutStoresRawTonAddress(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	p := &Payment{
		Key:      "EQCD39VS5jcptHL8vMjEXrzGaRcCVYto7HUn4bpAOg8xqB2N",
		Provider: "ton",
		UserID:   1,
		Expected: decimal.NewFromInt(5),
		Currency: "TON",
	}
	require.NoError(t, s.Checkout(ctx, p, nil))

	raw := "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8"
	require.Equal(t, raw, p.Key)
	_, err := s.PaymentByKey(ctx, raw)
	require.NoError(t, err)
}

func TestCleanupOfExpiredPayment(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	n, err := s.MarkOrdersForCleanup(ctx, "addr123", t0.Add(time.Hour))
	require.NoError(err)
	require.EqualValues(1, n)

	// not due yet, and too young to count as unpaid
	stale, err := s.StaleOrders(ctx, t0.Add(30*time.Minute), t0.Add(-time.Hour))
	require.NoError(err)
	require.Empty(stale)

	stale, err = s.StaleOrders(ctx, t0.Add(2*time.Hour), t0.Add(-time.Hour))
	require.NoError(err)
	require.Len(stale, 1)

	// payment still has an order
	deleted, err := s.DeleteUnpaidPayment(ctx, "addr123")
	require.NoError(err)
	require.False(deleted)

	deleted, err = s.DeleteOrder(ctx, stale[0].ID)
	require.NoError(err)
	require.True(deleted)
	_, err = s.CampaignByID(ctx, 42)
	require.ErrorIs(err, ErrNotFound)

	deleted, err = s.DeleteUnpaidPayment(ctx, "addr123")
	require.NoError(err)
	require.True(deleted)
}

func TestConfirmedOrdersAreNeverStale(t *testing.T) {
	require := require.New(t)
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	_, err := s.ConfirmPayment(ctx, "addr123", t0, "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(err)

	n, err := s.MarkOrdersForCleanup(ctx, "addr123", t0)
	require.NoError(err)
	require.Zero(n)

	stale, err := s.StaleOrders(ctx, t0.Add(365*24*time.Hour), t0.Add(365*24*time.Hour))
	require.NoError(err)
	require.Empty(stale)

	orders, err := s.OrdersByPayment(ctx, "addr123")
	require.NoError(err)
	deleted, err := s.DeleteOrder(ctx, orders[0].ID)
	require.NoError(err)
	require.False(deleted)
}

func TestPendingKeys(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seed(t, s, "addr123")

	keys, err := s.PendingKeys(ctx, "electrum")
	require.NoError(t, err)
	require.Equal(t, []string{"addr123"}, keys)

	keys, err = s.PendingKeys(ctx, "ton")
	require.NoError(t, err)
	require.Empty(t, keys)

	unseen, err := s.UnseenPaymentsBefore(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, unseen, 1)
}

func TestConfirmPaymentNoRowsRollsNothingForward(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db, DriverPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payments o`).
		WithArgs("addr123", "addr123", "tx1", "electrum").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`WHERE payment_key = \$5 AND confirmed_at = \$6`).
		WithArgs(sqlmock.AnyArg(), notYetMicro, sqlmock.AnyArg(), "tx1", "addr123", notYetMicro).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	changed, err := s.ConfirmPayment(context.Background(), "addr123", t0, "tx1", AuditEntry{UserID: 1, Message: "confirmed"})
	require.NoError(t, err)
	require.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := &Storage{driver: DriverPostgres}
	require.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &Storage{driver: DriverSQLite}
	require.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}
