package reconcile

import (
	"fmt"

	"github.com/beton-ads/beton/internal/storage"
)

// Result is the coarse classification of a reconciliation pass
type Result int

const (
	ResultApplied Result = iota
	ResultNoOp
	ResultRejected
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultNoOp:
		return "noop"
	case ResultRejected:
		return "rejected"
	}
	return "unknown"
}

// Reason explains a NoOp or Rejected outcome
type Reason string

const (
	ReasonAckOnly            Reason = "ack-only"
	ReasonUnknownPayment     Reason = "unknown-payment"
	ReasonAlreadyConfirmed   Reason = "already-confirmed"
	ReasonAlreadyReceived    Reason = "already-received"
	ReasonNothingToApply     Reason = "nothing-to-apply"
	ReasonNotConfirmed       Reason = "not-confirmed"
	ReasonLinkFailed         Reason = "link-failed"
	ReasonAmountMismatch     Reason = "amount-mismatch"
	ReasonProviderMismatch   Reason = "provider-mismatch"
	ReasonForeignReference   Reason = "foreign-reference"
	ReasonTxRefReused        Reason = "tx-ref-reused"
	ReasonVerificationFailed Reason = "verification-failed"
	ReasonLedgerError        Reason = "ledger-error"
)

// Outcome is what a reconciliation pass did
type Outcome struct {
	Result Result
	Reason Reason
	Key    string
	From   storage.Status
	To     storage.Status
	// Warnings lists non-fatal problems, such as campaigns that could not
	// be linked after the payment was confirmed.
	Warnings []string
}

func (o Outcome) String() string {
	if o.Result == ResultApplied {
		return fmt.Sprintf("applied %s->%s", o.From, o.To)
	}
	return fmt.Sprintf("%s (%s)", o.Result, o.Reason)
}

func applied(key string, from, to storage.Status) Outcome {
	return Outcome{Result: ResultApplied, Key: key, From: from, To: to}
}

func noop(key string, reason Reason) Outcome {
	return Outcome{Result: ResultNoOp, Reason: reason, Key: key}
}

func rejected(key string, reason Reason) Outcome {
	return Outcome{Result: ResultRejected, Reason: reason, Key: key}
}
