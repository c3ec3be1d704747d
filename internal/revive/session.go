package revive

import (
	"sync"
	"time"
)

// sessionCache holds the current ad-server session. Sessions are reused
// until ttl passes or the server reports them expired.
type sessionCache struct {
	mu      sync.Mutex
	id      string
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newSessionCache(ttl time.Duration) *sessionCache {
	return &sessionCache{ttl: ttl, now: time.Now}
}

func (s *sessionCache) get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" || !s.now().Before(s.expires) {
		return "", false
	}
	return s.id, true
}

func (s *sessionCache) set(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = id
	s.expires = s.now().Add(s.ttl)
}

// invalidate forgets id unless another caller already replaced it.
func (s *sessionCache) invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == id {
		s.id = ""
	}
}

// take removes and returns the current session, if any.
func (s *sessionCache) take() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id
	s.id = ""
	return id, id != ""
}
