package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tonkeeper/tongo/ton"
)

// BTCPay IPN event codes
const (
	codeInvoiceCreated         = 1001
	codeInvoiceReceivedPayment = 1002
	codeInvoicePaidInFull      = 1003
	codeInvoiceExpired         = 1004
	codeInvoiceConfirmed       = 1005
	codeInvoiceCompleted       = 1006
	codeInvoiceRefundComplete  = 1007
	codeInvoiceExpiredPartial  = 1008
	codeInvoiceFailedToConfirm = 1013
	codeInvoiceLatePayment     = 1016
)

// Electrum payment request codes
const (
	electrumUnpaid      = 0
	electrumExpired     = 1
	electrumPaid        = 3
	electrumInflight    = 4
	electrumUnconfirmed = 7
)

var historyHash = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Normalize turns a raw notification body into a canonical Event. It
// performs no I/O.
func Normalize(raw []byte, provider Provider) (Event, error) {
	payload, err := Decode(raw, provider)
	if err != nil {
		return Event{}, err
	}

	var ev Event
	switch p := payload.(type) {
	case ElectrumPayload:
		ev, err = normalizeElectrum(p)
	case BTCPayPayload:
		ev, err = normalizeBTCPay(p)
	case TonAPIPayload:
		ev, err = normalizeTon(p)
	default:
		return Event{}, ErrUnknownProvider
	}
	if err != nil {
		return Event{}, err
	}

	ev.Provider = provider
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

func normalizeElectrum(p ElectrumPayload) (Event, error) {
	address := strings.TrimSpace(p.Address)
	if address == "" {
		return Event{}, fmt.Errorf("%w: missing address", ErrMalformedPayload)
	}

	ev := Event{Key: address, Kind: KindAck}
	status := strings.TrimSpace(string(p.Status))
	if status == "" || status == "null" {
		return ev, nil
	}

	if status[0] == '"' {
		var s string
		if err := json.Unmarshal(p.Status, &s); err != nil {
			return Event{}, fmt.Errorf("%w: status: %v", ErrMalformedPayload, err)
		}
		ev.Kind = electrumKeyword(s)
		if historyHash.MatchString(s) {
			ev.Reference = strings.ToLower(s)
		}
		return ev, nil
	}

	var code int
	if err := json.Unmarshal(p.Status, &code); err != nil {
		return Event{}, fmt.Errorf("%w: status: %v", ErrMalformedPayload, err)
	}
	switch code {
	case electrumPaid:
		ev.Kind = KindConfirmed
	case electrumUnconfirmed, electrumInflight:
		ev.Kind = KindReceived
	case electrumExpired:
		ev.Kind = KindExpired
	case electrumUnpaid:
		ev.Kind = KindAck
	}
	return ev, nil
}

func electrumKeyword(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unpaid", "new":
		return KindAck
	case "unconfirmed", "pending", "inflight", "mempool":
		return KindReceived
	case "paid", "confirmed":
		return KindConfirmed
	case "expired":
		return KindExpired
	}
	// a new history hash means the address saw a transaction
	if historyHash.MatchString(s) {
		return KindReceived
	}
	return KindAck
}

func normalizeBTCPay(p BTCPayPayload) (Event, error) {
	key := p.Data.token()
	if key == "" {
		key = strings.TrimSpace(p.Data.ID)
	}
	if key == "" {
		return Event{}, fmt.Errorf("%w: missing invoice id", ErrMalformedPayload)
	}

	ev := Event{Key: key, Reference: p.Data.ID}
	if p.Data.BTCPaid != nil {
		ev.Observed = *p.Data.BTCPaid
	}

	if p.Event != nil && p.Event.Code != 0 {
		ev.Kind = btcpayCode(p.Event.Code)
	} else {
		ev.Kind = btcpayStatus(p.Data.Status)
	}
	return ev, nil
}

func btcpayCode(code int) Kind {
	switch code {
	case codeInvoiceReceivedPayment, codeInvoicePaidInFull, codeInvoiceLatePayment:
		return KindReceived
	case codeInvoiceConfirmed, codeInvoiceCompleted:
		return KindConfirmed
	case codeInvoiceExpired, codeInvoiceExpiredPartial:
		return KindExpired
	case codeInvoiceCreated, codeInvoiceRefundComplete, codeInvoiceFailedToConfirm:
		return KindAck
	}
	return KindAck
}

func btcpayStatus(status string) Kind {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "processing":
		return KindReceived
	case "confirmed", "complete", "settled":
		return KindConfirmed
	case "expired", "invalid":
		return KindExpired
	}
	return KindAck
}

func normalizeTon(p TonAPIPayload) (Event, error) {
	if strings.TrimSpace(p.AccountID) == "" {
		return Event{}, fmt.Errorf("%w: missing account_id", ErrMalformedPayload)
	}

	account, err := ton.ParseAccountID(p.AccountID)
	if err != nil {
		return Event{}, fmt.Errorf("%w: account_id: %v", ErrMalformedPayload, err)
	}

	ev := Event{
		Key:       account.String(),
		Reference: p.TxHash,
		Observed:  decimal.Zero,
	}

	switch p.EventType {
	case "mempool_msg":
		ev.Kind = KindReceived
	case "", "account_tx":
		ev.Kind = KindConfirmed
		if p.TxHash == "" {
			ev.Kind = KindAck
		}
	default:
		ev.Kind = KindAck
	}
	return ev, nil
}
