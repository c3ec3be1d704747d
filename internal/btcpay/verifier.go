package btcpay

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/beton-ads/beton/internal/gateway"
)

// Verifier asks the BTCPay store for the real state of an invoice
type Verifier struct {
	client *Client
}

// NewVerifier creates a Verifier backed by client
func NewVerifier(client *Client) *Verifier {
	return &Verifier{client: client}
}

// Verify maps the invoice status to a kind and sums what was paid in currency.
// Invoices issued for another payment key are refused.
func (v *Verifier) Verify(ctx context.Context, ev gateway.Event, currency string) (gateway.Verification, error) {
	invoiceID := ev.Reference
	if invoiceID == "" {
		invoiceID = ev.Key
	}

	inv, err := v.client.GetInvoice(ctx, invoiceID)
	if err != nil {
		return gateway.Verification{}, err
	}
	if !inv.Belongs(ev.Key) {
		return gateway.Verification{}, fmt.Errorf("%w: invoice %s, payment %s", gateway.ErrForeignReference, inv.ID, ev.Key)
	}

	res := gateway.Verification{Kind: kindOf(inv.Status), TxRef: inv.ID}
	if res.Kind == gateway.KindAck || res.Kind == gateway.KindExpired {
		return res, nil
	}

	methods, err := v.client.GetPaymentMethods(ctx, invoiceID)
	if err != nil {
		return gateway.Verification{}, err
	}

	paid := decimal.Zero
	for _, m := range methods {
		if !strings.EqualFold(m.Code(), currency) {
			continue
		}
		paid = paid.Add(m.TotalPaid)
		for _, p := range m.Payments {
			if p.ID != "" {
				res.TxRef = p.ID
				break
			}
		}
	}
	res.Observed = paid
	return res, nil
}

func kindOf(status string) gateway.Kind {
	switch status {
	case StatusSettled:
		return gateway.KindConfirmed
	case StatusProcessing:
		return gateway.KindReceived
	case StatusExpired, StatusInvalid:
		return gateway.KindExpired
	}
	return gateway.KindAck
}
