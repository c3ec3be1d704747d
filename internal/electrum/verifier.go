package electrum

import (
	"context"

	"github.com/beton-ads/beton/internal/gateway"
)

// Verifier asks the daemon for the real state of a payment address
type Verifier struct {
	client *Client
}

// NewVerifier creates a Verifier backed by client
func NewVerifier(client *Client) *Verifier {
	return &Verifier{client: client}
}

// Verify reports confirmed funds when the address has a confirmed balance,
// received funds when only an unconfirmed balance exists.
func (v *Verifier) Verify(ctx context.Context, ev gateway.Event, currency string) (gateway.Verification, error) {
	balance, err := v.client.GetAddressBalance(ctx, ev.Key)
	if err != nil {
		return gateway.Verification{}, err
	}

	switch {
	case balance.Confirmed.IsPositive():
		history, err := v.client.GetAddressHistory(ctx, ev.Key)
		if err != nil {
			return gateway.Verification{}, err
		}
		return gateway.Verification{
			Kind:     gateway.KindConfirmed,
			Observed: balance.Confirmed,
			TxRef:    confirmedTx(history),
		}, nil

	case balance.Unconfirmed.IsPositive():
		return gateway.Verification{Kind: gateway.KindReceived, Observed: balance.Unconfirmed}, nil

	case ev.Kind == gateway.KindExpired:
		return gateway.Verification{Kind: gateway.KindExpired}, nil
	}

	return gateway.Verification{Kind: gateway.KindAck}, nil
}

func confirmedTx(history []HistoryItem) string {
	for _, h := range history {
		if h.Height > 0 {
			return h.TxHash
		}
	}
	if len(history) > 0 {
		return history[0].TxHash
	}
	return ""
}
