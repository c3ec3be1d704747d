// Package revive talks to the Revive ad server over its XML-RPC API.
package revive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSessionExpired = errors.New("ad-server session expired")
	ErrLinkFailed     = errors.New("campaign link failed")
	// ErrLinkUnknown means the link call was sent but no answer came back,
	// so the ad server may have linked the campaign anyway.
	ErrLinkUnknown = errors.New("campaign link outcome unknown")
)

// Caller performs one XML-RPC call
type Caller interface {
	Call(ctx context.Context, method string, args []any, reply any) error
}

// StatusError is a non-2xx HTTP answer from the XML-RPC endpoint
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("xmlrpc: bad status code %d", e.StatusCode)
}

// httpCaller posts XML-RPC calls bound to the caller's context, so a
// cancelled context aborts the request in flight.
type httpCaller struct {
	url        string
	httpClient *http.Client
}

func (c *httpCaller) Call(ctx context.Context, method string, args []any, reply any) error {
	body, err := xmlrpc.EncodeMethodCall(method, args...)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	res := xmlrpc.Response(data)
	if err := res.Err(); err != nil {
		return err
	}
	return res.Unmarshal(reply)
}

// Client is a Revive XML-RPC client that keeps one session alive
type Client struct {
	rpc      Caller
	user     string
	password string
	sessions *sessionCache
	group    singleflight.Group
	log      *zap.Logger
}

// NewClient creates a client for the XML-RPC endpoint
func NewClient(endpoint, user, password string, timeout, sessionTTL time.Duration, log *zap.Logger) (*Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
		IdleConnTimeout:       90 * time.Second,
	}

	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("xmlrpc endpoint: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	rpc := &httpCaller{
		url:        endpoint,
		httpClient: &http.Client{Transport: transport, Jar: jar},
	}
	return NewWithCaller(rpc, user, password, sessionTTL, log), nil
}

// NewWithCaller creates a client on top of an existing transport
func NewWithCaller(rpc Caller, user, password string, sessionTTL time.Duration, log *zap.Logger) *Client {
	return &Client{
		rpc:      rpc,
		user:     user,
		password: password,
		sessions: newSessionCache(sessionTTL),
		log:      log,
	}
}

// LinkCampaign links a campaign into a zone. It reports whether the ad
// server accepted the link. A call that was sent but never answered wraps
// ErrLinkUnknown, any other failure wraps ErrLinkFailed.
func (c *Client) LinkCampaign(ctx context.Context, zoneID, campaignID int64) (bool, error) {
	var ok, sent bool
	err := c.withSession(ctx, func(session string) error {
		sent = true
		return c.rpc.Call(ctx, "ox.linkCampaign", []any{session, zoneID, campaignID}, &ok)
	})
	if err != nil && sent && unanswered(err) {
		return false, fmt.Errorf("%w: campaign %d zone %d: %w", ErrLinkUnknown, campaignID, zoneID, err)
	}
	if err != nil {
		return false, fmt.Errorf("%w: campaign %d zone %d: %w", ErrLinkFailed, campaignID, zoneID, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: campaign %d zone %d: refused by ad server", ErrLinkFailed, campaignID, zoneID)
	}
	return true, nil
}

// DeleteCampaign removes a campaign from the ad server
func (c *Client) DeleteCampaign(ctx context.Context, campaignID int64) (bool, error) {
	var ok bool
	err := c.withSession(ctx, func(session string) error {
		return c.rpc.Call(ctx, "ox.deleteCampaign", []any{session, campaignID}, &ok)
	})
	if err != nil {
		return false, fmt.Errorf("delete campaign %d: %w", campaignID, err)
	}
	return ok, nil
}

// Logoff ends the cached session, if there is one
func (c *Client) Logoff(ctx context.Context) error {
	session, ok := c.sessions.take()
	if !ok {
		return nil
	}

	var done bool
	if err := c.rpc.Call(ctx, "ox.logoff", []any{session}, &done); err != nil && !isSessionExpired(err) {
		return fmt.Errorf("logoff: %w", err)
	}
	return nil
}

// withSession runs fn with a valid session. When the server reports the
// session expired it logs in once more and retries fn a single time.
func (c *Client) withSession(ctx context.Context, fn func(session string) error) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}

	err = fn(session)
	if !isSessionExpired(err) {
		return err
	}

	c.log.Info("ad-server session expired, logging in again")
	c.sessions.invalidate(session)

	session, err = c.session(ctx)
	if err != nil {
		return err
	}

	err = fn(session)
	if isSessionExpired(err) {
		c.sessions.invalidate(session)
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

func (c *Client) session(ctx context.Context) (string, error) {
	if id, ok := c.sessions.get(); ok {
		return id, nil
	}

	v, err, _ := c.group.Do("logon", func() (any, error) {
		if id, ok := c.sessions.get(); ok {
			return id, nil
		}

		var id string
		if err := c.rpc.Call(ctx, "ox.logon", []any{c.user, c.password}, &id); err != nil {
			return "", fmt.Errorf("logon: %w", err)
		}
		if id == "" {
			return "", errors.New("logon: empty session id")
		}

		c.sessions.set(id)
		c.log.Debug("ad-server logon")
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// unanswered reports whether err means the request may have reached the
// server without its answer reaching us.
func unanswered(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isSessionExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return true
	}

	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		return strings.Contains(strings.ToLower(fault.String), "session")
	}
	var faultPtr *xmlrpc.FaultError
	if errors.As(err, &faultPtr) {
		return strings.Contains(strings.ToLower(faultPtr.String), "session")
	}
	return false
}
