// Package electrum queries an Electrum merchant daemon over JSON-RPC.
package electrum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Client is an Electrum daemon JSON-RPC client
type Client struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a new Electrum JSON-RPC client
func NewClient(url, user, password string, timeout time.Duration) *Client {
	return &Client{
		url:      url,
		user:     user,
		password: password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error returned by the daemon
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
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
		return fmt.Errorf("electrum HTTP %d: %s", resp.StatusCode, string(data))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// Balance is the confirmed and unconfirmed balance of an address in BTC
type Balance struct {
	Confirmed   decimal.Decimal `json:"confirmed"`
	Unconfirmed decimal.Decimal `json:"unconfirmed"`
}

// HistoryItem is one transaction touching an address. Height is zero or
// negative while the transaction is unconfirmed.
type HistoryItem struct {
	Height int64  `json:"height"`
	TxHash string `json:"tx_hash"`
}

// GetAddressBalance returns the balance of an address
func (c *Client) GetAddressBalance(ctx context.Context, address string) (*Balance, error) {
	var b Balance
	if err := c.call(ctx, "getaddressbalance", map[string]string{"address": address}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetAddressHistory returns the transactions touching an address
func (c *Client) GetAddressHistory(ctx context.Context, address string) ([]HistoryItem, error) {
	var items []HistoryItem
	if err := c.call(ctx, "getaddresshistory", map[string]string{"address": address}, &items); err != nil {
		return nil, err
	}
	return items, nil
}
