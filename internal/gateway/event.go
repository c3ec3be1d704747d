package gateway

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownProvider  = errors.New("unknown provider")
	// ErrForeignReference is returned by verifiers when the provider record
	// named by a notification belongs to another payment.
	ErrForeignReference = errors.New("reference belongs to another payment")
)

// Provider names the payment service that sent a notification
type Provider string

const (
	ProviderElectrum Provider = "electrum"
	ProviderBTCPay   Provider = "btcpay"
	ProviderTON      Provider = "ton"
)

// ParseProvider maps a route segment to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderElectrum, ProviderBTCPay, ProviderTON:
		return p, nil
	}
	return "", ErrUnknownProvider
}

// Kind is the state a notification claims for its payment
type Kind int

const (
	// KindAck carries no state change; the provider only wants a 200.
	KindAck Kind = iota
	KindReceived
	KindConfirmed
	KindExpired
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindReceived:
		return "received"
	case KindConfirmed:
		return "confirmed"
	case KindExpired:
		return "expired"
	}
	return "unknown"
}

// Event is a notification in canonical form
type Event struct {
	Provider Provider
	Key      string
	Kind     Kind
	// Observed is the amount the payload reported, zero when it reported none.
	Observed  decimal.Decimal
	Reference string // invoice id, tx hash or status hash used for verification
	Raw       json.RawMessage
}

// Verification is the provider's own answer about a payment. It replaces
// whatever the notification claimed.
type Verification struct {
	Kind     Kind
	Observed decimal.Decimal
	TxRef    string
}
