// Package btcpay reads invoices from the BTCPay Server Greenfield API.
package btcpay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Invoice statuses reported by Greenfield
const (
	StatusNew        = "New"
	StatusProcessing = "Processing"
	StatusSettled    = "Settled"
	StatusExpired    = "Expired"
	StatusInvalid    = "Invalid"
)

// Client is a Greenfield API client scoped to one store
type Client struct {
	baseURL    string
	storeID    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Greenfield client
func NewClient(baseURL, storeID, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		storeID: storeID,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoice is the subset of a Greenfield invoice used for verification
type Invoice struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	AdditionalStatus string          `json:"additionalStatus"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Metadata         InvoiceMetadata `json:"metadata"`
}

// InvoiceMetadata carries what the checkout stored on the invoice
type InvoiceMetadata struct {
	OrderID string          `json:"orderId"`
	PosData json.RawMessage `json:"posData"`
}

// Belongs reports whether the invoice was created for the payment key.
// Checkouts store the key as orderId or as a plain string posData.
func (inv *Invoice) Belongs(key string) bool {
	if key == "" {
		return false
	}
	if inv.ID == key || inv.Metadata.OrderID == key {
		return true
	}
	var posData string
	if err := json.Unmarshal(inv.Metadata.PosData, &posData); err != nil {
		return false
	}
	return posData == key
}

// PaymentMethod is the per-currency payment summary of an invoice
type PaymentMethod struct {
	PaymentMethod   string          `json:"paymentMethod"`
	PaymentMethodID string          `json:"paymentMethodId"`
	CryptoCode      string          `json:"cryptoCode"`
	Currency        string          `json:"currency"`
	TotalPaid       decimal.Decimal `json:"totalPaid"`
	Payments        []Payment       `json:"payments"`
}

// Code returns the currency of the payment method across API versions.
func (m PaymentMethod) Code() string {
	if m.CryptoCode != "" {
		return m.CryptoCode
	}
	return m.Currency
}

// Payment is one on-chain payment toward an invoice
type Payment struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Value  decimal.Decimal `json:"value"`
}

func (c *Client) doRequest(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// GetInvoice returns an invoice of the store
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv Invoice
	path := fmt.Sprintf("/api/v1/stores/%s/invoices/%s", url.PathEscape(c.storeID), url.PathEscape(invoiceID))
	if err := c.doRequest(ctx, path, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetPaymentMethods returns the payment methods of an invoice
func (c *Client) GetPaymentMethods(ctx context.Context, invoiceID string) ([]PaymentMethod, error) {
	var methods []PaymentMethod
	path := fmt.Sprintf("/api/v1/stores/%s/invoices/%s/payment-methods", url.PathEscape(c.storeID), url.PathEscape(invoiceID))
	if err := c.doRequest(ctx, path, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}
