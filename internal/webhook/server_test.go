package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/beton-ads/beton/internal/gateway"
	"github.com/beton-ads/beton/internal/reconcile"
)

type fakeReconciler struct {
	mu     sync.Mutex
	events []gateway.Event
	out    reconcile.Outcome
}

func (f *fakeReconciler) Reconcile(_ context.Context, ev gateway.Event) reconcile.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	out := f.out
	out.Key = ev.Key
	return out
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newRouter(t *testing.T, rec Reconciler, ledger Pinger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(rec, ledger, zaptest.NewLogger(t)).Router("beton-test")
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNotificationIsNormalizedAndReconciled(t *testing.T) {
	rec := &fakeReconciler{out: reconcile.Outcome{Result: reconcile.ResultApplied}}
	router := newRouter(t, rec, nil)

	w := post(router, "/ipn/electrum", `{"address":"addr123","status":"paid"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, rec.events, 1)
	assert.Equal(t, gateway.ProviderElectrum, rec.events[0].Provider)
	assert.Equal(t, gateway.KindConfirmed, rec.events[0].Kind)
	assert.Equal(t, "addr123", rec.events[0].Key)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "applied", body["result"])
	assert.Equal(t, "addr123", body["key"])
}

func TestLegacyRouteIsElectrum(t *testing.T) {
	rec := &fakeReconciler{out: reconcile.Outcome{Result: reconcile.ResultNoOp, Reason: reconcile.ReasonAckOnly}}
	router := newRouter(t, rec, nil)

	w := post(router, "/ipn", `{"address":"addr123","status":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, rec.events, 1)
	assert.Equal(t, gateway.ProviderElectrum, rec.events[0].Provider)
	assert.Equal(t, gateway.KindAck, rec.events[0].Kind)
}

func TestBTCPayRoute(t *testing.T) {
	rec := &fakeReconciler{out: reconcile.Outcome{Result: reconcile.ResultApplied}}
	router := newRouter(t, rec, nil)

	w := post(router, "/ipn/btcpay", `{"event":{"code":1005,"name":"invoice_confirmed"},"data":{"id":"inv1","status":"confirmed","btcPaid":"0.05"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, rec.events, 1)
	assert.Equal(t, gateway.ProviderBTCPay, rec.events[0].Provider)
	assert.Equal(t, "inv1", rec.events[0].Key)
}

func TestMalformedPayload(t *testing.T) {
	rec := &fakeReconciler{}
	router := newRouter(t, rec, nil)

	for _, body := range []string{`not json`, `{"status":"paid"}`} {
		w := post(router, "/ipn/electrum", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, rec.events)
}

func TestUnknownProvider(t *testing.T) {
	rec := &fakeReconciler{}
	router := newRouter(t, rec, nil)

	w := post(router, "/ipn/paypal", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, rec.events)
}

func TestOversizedPayload(t *testing.T) {
	rec := &fakeReconciler{}
	router := newRouter(t, rec, nil)

	body := `{"address":"` + strings.Repeat("a", maxPayloadBytes) + `"}`
	w := post(router, "/ipn/electrum", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, rec.events)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		out  reconcile.Outcome
		want int
	}{
		{reconcile.Outcome{Result: reconcile.ResultApplied}, http.StatusOK},
		{reconcile.Outcome{Result: reconcile.ResultNoOp, Reason: reconcile.ReasonUnknownPayment}, http.StatusOK},
		{reconcile.Outcome{Result: reconcile.ResultNoOp, Reason: reconcile.ReasonAlreadyConfirmed}, http.StatusOK},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonAmountMismatch}, http.StatusUnprocessableEntity},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonProviderMismatch}, http.StatusUnprocessableEntity},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonNotConfirmed}, http.StatusUnprocessableEntity},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonForeignReference}, http.StatusUnprocessableEntity},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonTxRefReused}, http.StatusUnprocessableEntity},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonLinkFailed}, http.StatusOK},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonVerificationFailed}, http.StatusServiceUnavailable},
		{reconcile.Outcome{Result: reconcile.ResultRejected, Reason: reconcile.ReasonLedgerError}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.out.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.out))
		})
	}
}

func TestHealth(t *testing.T) {
	router := newRouter(t, &fakeReconciler{}, fakePinger{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	router = newRouter(t, &fakeReconciler{}, fakePinger{err: errors.New("db gone")})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newRouter(t, &fakeReconciler{}, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
