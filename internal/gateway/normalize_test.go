package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizeElectrum(t *testing.T) {
	t.Parallel()

	hash := "9a0364b9e99bb480dd25e1f0284c8555e6bb0e0d1bf7d4d21a3c1e8d8c7a9b11"
	tests := []struct {
		name string
		body string
		kind Kind
	}{
		{"null status", `{"address":"addr123","status":null}`, KindAck},
		{"missing status", `{"address":"addr123"}`, KindAck},
		{"empty status", `{"address":"addr123","status":""}`, KindAck},
		{"unconfirmed", `{"address":"addr123","status":"unconfirmed"}`, KindReceived},
		{"pending", `{"address":"addr123","status":"Pending"}`, KindReceived},
		{"paid", `{"address":"addr123","status":"paid"}`, KindConfirmed},
		{"confirmed", `{"address":"addr123","status":"confirmed"}`, KindConfirmed},
		{"expired", `{"address":"addr123","status":"expired"}`, KindExpired},
		{"history hash", `{"address":"addr123","status":"` + hash + `"}`, KindReceived},
		{"request paid code", `{"address":"addr123","status":3}`, KindConfirmed},
		{"request unconfirmed code", `{"address":"addr123","status":7}`, KindReceived},
		{"request expired code", `{"address":"addr123","status":1}`, KindExpired},
		{"unknown keyword", `{"address":"addr123","status":"weird"}`, KindAck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize([]byte(tt.body), ProviderElectrum)
			require.NoError(t, err)
			require.Equal(t, tt.kind, ev.Kind)
			require.Equal(t, "addr123", ev.Key)
			require.Equal(t, ProviderElectrum, ev.Provider)
			require.True(t, ev.Observed.IsZero())
		})
	}

	ev, err := Normalize([]byte(`{"address":"addr123","status":"`+hash+`"}`), ProviderElectrum)
	require.NoError(t, err)
	require.Equal(t, hash, ev.Reference)
}

func TestNormalizeBTCPay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		key      string
		kind     Kind
		observed string
	}{
		{
			name: "paid in full",
			body: `{"event":{"code":1003,"name":"invoice_paidInFull"},"data":{"id":"inv1","posData":"tok1","status":"paid","btcPaid":"0.5"}}`,
			key:  "tok1", kind: KindReceived, observed: "0.5",
		},
		{
			name: "confirmed",
			body: `{"event":{"code":1005,"name":"invoice_confirmed"},"data":{"id":"inv1","posData":"tok1","status":"confirmed","btcPaid":"1.00000000"}}`,
			key:  "tok1", kind: KindConfirmed, observed: "1",
		},
		{
			name: "completed without posData",
			body: `{"event":{"code":1006,"name":"invoice_completed"},"data":{"id":"inv1","status":"complete"}}`,
			key:  "inv1", kind: KindConfirmed, observed: "0",
		},
		{
			name: "expired",
			body: `{"event":{"code":1004,"name":"invoice_expired"},"data":{"id":"inv1","posData":"tok1"}}`,
			key:  "tok1", kind: KindExpired, observed: "0",
		},
		{
			name: "unknown code",
			body: `{"event":{"code":2999,"name":"something_new"},"data":{"id":"inv1","posData":"tok1","status":"confirmed"}}`,
			key:  "tok1", kind: KindAck, observed: "0",
		},
		{
			name: "object posData falls back to id",
			body: `{"event":{"code":1002},"data":{"id":"inv1","posData":{"a":1},"btcPaid":0.1}}`,
			key:  "inv1", kind: KindReceived, observed: "0.1",
		},
		{
			name: "legacy flat",
			body: `{"id":"inv2","posData":"tok2","status":"confirmed","btcPaid":"0.25"}`,
			key:  "tok2", kind: KindConfirmed, observed: "0.25",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize([]byte(tt.body), ProviderBTCPay)
			require.NoError(t, err)
			require.Equal(t, tt.key, ev.Key)
			require.Equal(t, tt.kind, ev.Kind)
			require.True(t, ev.Observed.Equal(decimal.RequireFromString(tt.observed)), ev.Observed.String())
		})
	}
}

func TestNormalizeTon(t *testing.T) {
	t.Parallel()

	raw := "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8"
	ev, err := Normalize([]byte(`{"account_id":"`+raw+`","lt":1,"tx_hash":"abc"}`), ProviderTON)
	require.NoError(t, err)
	require.Equal(t, raw, ev.Key)
	require.Equal(t, KindConfirmed, ev.Kind)
	require.Equal(t, "abc", ev.Reference)

	ev, err = Normalize([]byte(`{"event_type":"mempool_msg","account_id":"`+raw+`"}`), ProviderTON)
	require.NoError(t, err)
	require.Equal(t, KindReceived, ev.Kind)

	ev, err = Normalize([]byte(`{"event_type":"new_contract","account_id":"`+raw+`","tx_hash":"abc"}`), ProviderTON)
	require.NoError(t, err)
	require.Equal(t, KindAck, ev.Kind)
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		provider Provider
	}{
		{"empty body", ``, ProviderElectrum},
		{"not json", `address=addr123`, ProviderElectrum},
		{"array", `[1,2]`, ProviderElectrum},
		{"missing address", `{"status":"paid"}`, ProviderElectrum},
		{"bad status type", `{"address":"a","status":{"x":1}}`, ProviderElectrum},
		{"btcpay no id", `{"event":{"code":1005},"data":{"status":"confirmed"}}`, ProviderBTCPay},
		{"btcpay bad amount", `{"event":{"code":1005},"data":{"id":"i","btcPaid":"lots"}}`, ProviderBTCPay},
		{"ton missing account", `{"tx_hash":"abc"}`, ProviderTON},
		{"ton bad account", `{"account_id":"not-an-address","tx_hash":"abc"}`, ProviderTON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.body), tt.provider)
			require.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("btcpay")
	require.NoError(t, err)
	require.Equal(t, ProviderBTCPay, p)

	_, err = ParseProvider("paypal")
	require.ErrorIs(t, err, ErrUnknownProvider)
}
