package revive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	method string
	args   []any
}

// fakeRevive answers logons with numbered sessions and lets tests decide
// which sessions are still valid.
type fakeRevive struct {
	mu       sync.Mutex
	calls    []call
	logons   int
	valid    map[string]bool
	linkOK   bool
	linkErr  error
	logonErr error
	delay    time.Duration
}

func newFakeRevive() *fakeRevive {
	return &fakeRevive{valid: make(map[string]bool), linkOK: true}
}

func (f *fakeRevive) Call(ctx context.Context, method string, args []any, reply any) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method, args})

	switch method {
	case "ox.logon":
		if f.logonErr != nil {
			return f.logonErr
		}
		f.logons++
		id := fmt.Sprintf("sess-%d", f.logons)
		f.valid[id] = true
		*reply.(*string) = id
		return nil
	case "ox.linkCampaign", "ox.deleteCampaign", "ox.logoff":
		if !f.valid[args[0].(string)] {
			return xmlrpc.FaultError{Code: 3, String: "Session ID is invalid"}
		}
		if method == "ox.linkCampaign" && f.linkErr != nil {
			return f.linkErr
		}
		*reply.(*bool) = f.linkOK || method != "ox.linkCampaign"
		return nil
	}
	return fmt.Errorf("unexpected method %s", method)
}

func (f *fakeRevive) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeRevive) expire(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.valid, id)
}

func newTestClient(t *testing.T, f *fakeRevive) *Client {
	return NewWithCaller(f, "admin", "secret", 2*time.Minute, zaptest.NewLogger(t))
}

func TestLinkCampaignReusesSession(t *testing.T) {
	f := newFakeRevive()
	c := newTestClient(t, f)
	ctx := context.Background()

	ok, err := c.LinkCampaign(ctx, 7, 42)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.LinkCampaign(ctx, 7, 43)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 1, f.count("ox.logon"))
	require.Equal(t, 2, f.count("ox.linkCampaign"))
	require.Equal(t, []any{"sess-1", int64(7), int64(42)}, f.calls[1].args)
}

func TestLinkCampaignRetriesOnceAfterSessionExpiry(t *testing.T) {
	f := newFakeRevive()
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.LinkCampaign(ctx, 7, 42)
	require.NoError(t, err)

	f.expire("sess-1")

	ok, err := c.LinkCampaign(ctx, 7, 43)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, f.count("ox.logon"))
	require.Equal(t, 3, f.count("ox.linkCampaign"))
}

func TestLinkCampaignGivesUpAfterSecondExpiry(t *testing.T) {
	f := newFakeRevive()
	c := newTestClient(t, f)

	// every session dies immediately
	f.linkErr = xmlrpc.FaultError{Code: 3, String: "Session ID is invalid"}

	ok, err := c.LinkCampaign(context.Background(), 7, 42)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrLinkFailed)
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, 2, f.count("ox.logon"))
	require.Equal(t, 2, f.count("ox.linkCampaign"))
}

func TestLinkCampaignOtherFaultIsNotRetried(t *testing.T) {
	f := newFakeRevive()
	c := newTestClient(t, f)
	f.linkErr = xmlrpc.FaultError{Code: 1, String: "Unknown zoneId Error"}

	ok, err := c.LinkCampaign(context.Background(), 7, 42)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrLinkFailed)
	require.NotErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, 1, f.count("ox.logon"))
	require.Equal(t, 1, f.count("ox.linkCampaign"))
}

func TestLinkCampaignRefused(t *testing.T) {
	f := newFakeRevive()
	f.linkOK = false
	c := newTestClient(t, f)

	ok, err := c.LinkCampaign(context.Background(), 7, 42)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrLinkFailed)
}

func TestLogonFailureSurfaces(t *testing.T) {
	f := newFakeRevive()
	f.logonErr = errors.New("connection refused")
	c := newTestClient(t, f)

	_, err := c.LinkCampaign(context.Background(), 7, 42)
	require.ErrorIs(t, err, ErrLinkFailed)
	require.ErrorContains(t, err, "connection refused")
}

func TestConcurrentCallersShareOneLogon(t *testing.T) {
	f := newFakeRevive()
	f.delay = 5 * time.Millisecond
	c := newTestClient(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.LinkCampaign(context.Background(), 7, int64(i))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, f.count("ox.logon"))
}

func TestSessionCacheExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSessionCache(2 * time.Minute)
	s.now = func() time.Time { return now }

	s.set("a")
	id, ok := s.get()
	require.True(t, ok)
	require.Equal(t, "a", id)

	now = now.Add(2 * time.Minute)
	_, ok = s.get()
	require.False(t, ok)

	s.set("b")
	s.invalidate("a")
	id, ok = s.get()
	require.True(t, ok)
	require.Equal(t, "b", id)
}

func TestDeleteCampaignAndLogoff(t *testing.T) {
	f := newFakeRevive()
	c := newTestClient(t, f)
	ctx := context.Background()

	ok, err := c.DeleteCampaign(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Logoff(ctx))
	require.Equal(t, 1, f.count("ox.logoff"))

	// nothing cached anymore
	require.NoError(t, c.Logoff(ctx))
	require.Equal(t, 1, f.count("ox.logoff"))
}

func TestIsSessionExpired(t *testing.T) {
	require.True(t, isSessionExpired(xmlrpc.FaultError{String: "Session ID is invalid"}))
	require.True(t, isSessionExpired(fmt.Errorf("wrapped: %w", &xmlrpc.FaultError{String: "session expired"})))
	require.False(t, isSessionExpired(xmlrpc.FaultError{String: "Unknown zoneId"}))
	require.False(t, isSessionExpired(errors.New("session")))
	require.False(t, isSessionExpired(nil))
}

var methodRx = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)

const faultSession = `<?xml version="1.0"?><methodResponse><fault><value><struct>` +
	`<member><name>faultCode</name><value><int>3</int></value></member>` +
	`<member><name>faultString</name><value><string>Session ID is invalid</string></value></member>` +
	`</struct></value></fault></methodResponse>`

func xmlReply(value string) string {
	return `<?xml version="1.0"?><methodResponse><params><param><value>` + value + `</value></param></params></methodResponse>`
}

// reviveServer speaks just enough XML-RPC for logon and linkCampaign.
type reviveServer struct {
	linkDelay time.Duration
	staleOnce atomic.Bool
	logons    atomic.Int32
	links     atomic.Int32
}

func (s *reviveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m := methodRx.FindSubmatch(body)
	if m == nil {
		http.Error(w, "no method", http.StatusBadRequest)
		return
	}

	switch string(m[1]) {
	case "ox.logon":
		n := s.logons.Add(1)
		io.WriteString(w, xmlReply(fmt.Sprintf("<string>sess-%d</string>", n)))
	case "ox.linkCampaign":
		if s.staleOnce.CompareAndSwap(true, false) {
			io.WriteString(w, faultSession)
			return
		}
		// the link takes effect even if the caller stops waiting
		s.links.Add(1)
		time.Sleep(s.linkDelay)
		io.WriteString(w, xmlReply("<boolean>1</boolean>"))
	default:
		http.Error(w, "unknown method", http.StatusNotFound)
	}
}

func newHTTPClient(t *testing.T, srv *reviveServer) *Client {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL+"/www/api/v2/xmlrpc/", "admin", "secret", 5*time.Second, 2*time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestHTTPLinkCampaign(t *testing.T) {
	srv := &reviveServer{}
	c := newHTTPClient(t, srv)

	ok, err := c.LinkCampaign(context.Background(), 7, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, srv.logons.Load())
	require.EqualValues(t, 1, srv.links.Load())
}

func TestHTTPSessionFaultTriggersLogon(t *testing.T) {
	srv := &reviveServer{}
	c := newHTTPClient(t, srv)
	ctx := context.Background()

	_, err := c.LinkCampaign(ctx, 7, 42)
	require.NoError(t, err)

	srv.staleOnce.Store(true)
	ok, err := c.LinkCampaign(ctx, 7, 43)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, srv.logons.Load())
}

func TestHTTPLinkTimeoutIsUnknown(t *testing.T) {
	srv := &reviveServer{linkDelay: 300 * time.Millisecond}
	c := newHTTPClient(t, srv)

	// log on first so the deadline only covers the link call
	_, err := c.session(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok, err := c.LinkCampaign(ctx, 7, 42)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrLinkUnknown)
	require.NotErrorIs(t, err, ErrLinkFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestHTTPBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	caller := &httpCaller{url: ts.URL, httpClient: ts.Client()}
	var id string
	err := caller.Call(context.Background(), "ox.logon", []any{"admin", "secret"}, &id)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.False(t, unanswered(err))
}

func TestUnanswered(t *testing.T) {
	require.True(t, unanswered(context.DeadlineExceeded))
	require.True(t, unanswered(fmt.Errorf("post: %w", context.Canceled)))
	require.False(t, unanswered(xmlrpc.FaultError{Code: 1, String: "Unknown zoneId"}))
	require.False(t, unanswered(errors.New("refused")))
}
