// Package session issues and validates the short-lived bearer tokens that
// gate sensitive kiosk actions. The table lives entirely in process memory;
// losing it on restart is accepted behavior.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"kiosk-auth/internal/identity"
	"kiosk-auth/internal/models"
	"kiosk-auth/internal/util"
)

const (
	// DefaultTTL is fixed at issuance; a session is never extended
	DefaultTTL = 30 * time.Minute

	// DefaultReaperInterval controls the background sweep of expired rows
	DefaultReaperInterval = 5 * time.Minute

	tokenBytes = 32
)

// Store is the in-memory session table. All methods are safe for
// concurrent use; consume-and-mark is atomic under the table lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration

	reaperOnce sync.Once
	stopReaper chan struct{}

	now func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		sessions:   make(map[string]*models.Session),
		ttl:        ttl,
		stopReaper: make(chan struct{}),
		now:        time.Now,
	}
}

// Create mints a session bound to the identity and returns it. Tokens carry
// 256 bits of entropy and are unique across the live table.
func (s *Store) Create(id identity.Identity, singleUse bool) (*models.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now()
	sess := &models.Session{
		Token:     token,
		Identity:  id,
		SingleUse: singleUse,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()

	return copySession(sess), nil
}

// Get returns the session for a token, or nil if the token is unknown or
// expired. Expired entries are evicted on the way out so no caller ever
// observes a stale session. Reading does not consume a single-use session.
func (s *Store) Get(token string) *models.Session {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil
	}
	if !now.Before(sess.ExpiresAt) {
		delete(s.sessions, token)
		return nil
	}
	return copySession(sess)
}

// Consume marks a single-use session used. It returns false when the token
// is unknown, expired, or already consumed; only the first consumer of a
// single-use session succeeds. Multi-use sessions consume successfully
// until they expire.
func (s *Store) Consume(token string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	if !now.Before(sess.ExpiresAt) {
		delete(s.sessions, token)
		return false
	}
	if sess.SingleUse {
		if sess.Used {
			return false
		}
		sess.Used = true
	}
	return true
}

// Revoke deletes a token; revoking an unknown token is a no-op
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Len reports the number of live entries, including not-yet-reaped expired ones
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartReaper launches the periodic sweep of expired entries. The sweep is
// purely a memory reclamation aid; Get and Consume already refuse expired
// tokens. Safe to call once; Close stops it.
func (s *Store) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	s.reaperOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if evicted := s.reap(); evicted > 0 {
						util.Debug("Expired sessions reaped", util.Int("evicted", evicted))
					}
				case <-s.stopReaper:
					return
				}
			}
		}()
	})
}

// Close stops the reaper goroutine if it is running
func (s *Store) Close() {
	select {
	case <-s.stopReaper:
	default:
		close(s.stopReaper)
	}
}

func (s *Store) reap() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for token, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, token)
			evicted++
		}
	}
	return evicted
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func copySession(sess *models.Session) *models.Session {
	dup := *sess
	return &dup
}
