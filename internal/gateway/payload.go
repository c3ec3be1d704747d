package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Payload is one of ElectrumPayload, BTCPayPayload or TonAPIPayload.
type Payload interface {
	provider() Provider
}

// ElectrumPayload is the polling-style callback of an Electrum merchant
// daemon: an address plus an opaque status. The status may be null, a
// keyword, an Electrum request code or a history hash.
type ElectrumPayload struct {
	Address string          `json:"address"`
	Status  json.RawMessage `json:"status"`
}

func (ElectrumPayload) provider() Provider { return ProviderElectrum }

// BTCPayPayload is the gateway-style IPN: an event code plus the invoice.
// Legacy notifications send the invoice fields at the top level and no event.
type BTCPayPayload struct {
	Event *BTCPayEvent  `json:"event"`
	Data  BTCPayInvoice `json:"data"`
}

func (BTCPayPayload) provider() Provider { return ProviderBTCPay }

type BTCPayEvent struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type BTCPayInvoice struct {
	ID       string           `json:"id"`
	PosData  json.RawMessage  `json:"posData"`
	Status   string           `json:"status"`
	BTCPaid  *decimal.Decimal `json:"btcPaid"`
	Currency string           `json:"currency"`
}

// token returns posData when the checkout stored a plain string token there.
func (i BTCPayInvoice) token() string {
	if len(i.PosData) == 0 || i.PosData[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(i.PosData, &s); err != nil {
		return ""
	}
	return s
}

// TonAPIPayload is the account-transaction webhook sent by TonAPI
type TonAPIPayload struct {
	EventType string `json:"event_type"`
	AccountID string `json:"account_id"`
	TxHash    string `json:"tx_hash"`
	Lt        int64  `json:"lt"`
}

func (TonAPIPayload) provider() Provider { return ProviderTON }

// Decode parses raw into the payload shape of provider.
func Decode(raw []byte, provider Provider) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedPayload)
	}

	switch provider {
	case ProviderElectrum:
		var p ElectrumPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return p, nil

	case ProviderBTCPay:
		var p BTCPayPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.Event == nil && p.Data.ID == "" {
			// legacy IPN
			if err := json.Unmarshal(raw, &p.Data); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
		}
		return p, nil

	case ProviderTON:
		var p TonAPIPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return p, nil
	}

	return nil, ErrUnknownProvider
}
