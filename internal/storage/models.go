package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotYet is the sentinel stored in lifecycle timestamps that have not happened.
var NotYet = time.Time{}

// Status is the lifecycle state of a payment. It is derived from the
// timestamps and never stored.
type Status int

const (
	StatusUnseen Status = iota
	StatusReceived
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusReceived:
		return "received"
	case StatusConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Payment is one ledger row: a payment address or invoice awaiting funds
type Payment struct {
	ID          string
	Key         string // address or invoice token, unique
	Provider    string
	UserID      int64
	NotifyEmail string
	Expected    decimal.Decimal
	Currency    string
	CreatedAt   time.Time
	ReceivedAt  time.Time // NotYet until funds are seen
	ConfirmedAt time.Time // NotYet until funds are final
	TxRef       string
}

// Status derives the lifecycle state from the timestamps.
func (p *Payment) Status() Status {
	if !p.ConfirmedAt.Equal(NotYet) {
		return StatusConfirmed
	}
	if !p.ReceivedAt.Equal(NotYet) {
		return StatusReceived
	}
	return StatusUnseen
}

// Order is an advertiser's request to run a creative in a zone for a period
type Order struct {
	ID           string
	UserID       int64
	ZoneID       int64
	BannerID     int64
	CampaignID   int64 // ad-server campaign number
	BeginsAt     time.Time
	StopsAt      time.Time
	PaymentKey   string // empty until checkout
	CreatedAt    time.Time
	CleanupAfter time.Time // NotYet unless the payment expired
}

// Campaign mirrors the ad-server campaign created for an order
type Campaign struct {
	ID            int64 // ad-server campaign number
	OrderID       string
	ZoneID        int64
	BeginsAt      time.Time
	StopsAt       time.Time
	Active        bool
	LinkedAt      time.Time // NotYet until linked into the zone
	LinkUnknownAt time.Time // set when a link call got no answer
}

// Running reports whether the campaign should be served at now.
func (c *Campaign) Running(now time.Time) bool {
	return c.Active && !now.Before(c.BeginsAt) && now.Before(c.StopsAt)
}

// Linked reports whether the campaign was linked into its zone.
func (c *Campaign) Linked() bool {
	return !c.LinkedAt.Equal(NotYet)
}

// LinkUnknown reports whether the ad server may have linked the campaign
// without us hearing back.
func (c *Campaign) LinkUnknown() bool {
	return !c.Linked() && !c.LinkUnknownAt.Equal(NotYet)
}

// AuditEntry is one append-only line of the per-user audit log
type AuditEntry struct {
	ID       string
	UserID   int64
	LoggedAt time.Time
	Message  string
}
