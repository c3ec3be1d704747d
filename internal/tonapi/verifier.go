package tonapi

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/beton-ads/beton/internal/gateway"
)

const historyDepth = 100

// Verifier checks incoming TON transfers to a payment address
type Verifier struct {
	client *Client
}

// NewVerifier creates a Verifier backed by client
func NewVerifier(client *Client) *Verifier {
	return &Verifier{client: client}
}

// Verify sums the successful incoming transfers of the payment address. The
// notified transaction, if any, decides between received and confirmed.
func (v *Verifier) Verify(ctx context.Context, ev gateway.Event, currency string) (gateway.Verification, error) {
	pending := false
	if ev.Reference != "" {
		event, err := v.client.GetEventByHash(ctx, ev.Reference)
		if err != nil {
			return gateway.Verification{}, err
		}
		pending = event.InProgress
	}

	events, err := v.client.GetEvents(ctx, ev.Key, historyDepth)
	if err != nil {
		return gateway.Verification{}, err
	}

	total := decimal.Zero
	txRef := ""
	for _, e := range events {
		if e.IsScam {
			continue
		}

		amount := incoming(e, ev.Key)
		if amount.IsZero() {
			continue
		}
		if e.InProgress {
			pending = true
		} else if txRef == "" {
			txRef = e.EventID
		}
		total = total.Add(amount)
	}

	switch {
	case total.IsZero():
		return gateway.Verification{Kind: gateway.KindAck}, nil
	case pending:
		return gateway.Verification{Kind: gateway.KindReceived, Observed: total}, nil
	}
	return gateway.Verification{Kind: gateway.KindConfirmed, Observed: total, TxRef: txRef}, nil
}

// incoming returns the TON sent to account by successful transfers of e.
func incoming(e Event, account string) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range e.Actions {
		if a.Type != "TonTransfer" || a.TonTransfer == nil || a.Status != "ok" {
			continue
		}
		if NormalizeAddress(a.TonTransfer.Recipient.Address) != account {
			continue
		}
		sum = sum.Add(NanoToTON(a.TonTransfer.Amount))
	}
	return sum
}
