package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpgate/pkg/logging"
)

// Session ID validation constants.
const (
	// MaxSessionIDLength caps session ID length so oversized IDs cannot be
	// used to exhaust memory.
	MaxSessionIDLength = 256

	// DefaultMaxSessions is the default maximum number of concurrent
	// sessions.
	DefaultMaxSessions = 10000

	// DefaultSessionTimeout is the idle duration after which a session is
	// cleaned up.
	DefaultSessionTimeout = 30 * time.Minute
)

// Session holds the per-conversation activation state: which downstream
// servers this MCP session has enabled and, for each, the ordered list of
// tool names discovered at activation time.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
	enabled      map[string][]string
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Enable records the activation of server with its discovered tool names.
func (s *Session) Enable(server string, tools []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[server] = append([]string(nil), tools...)
	s.lastActivity = time.Now()
}

// EnabledTools returns the tool list recorded for server, if activated.
func (s *Session) EnabledTools(server string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools, ok := s.enabled[server]
	if !ok {
		return nil, false
	}
	return append([]string(nil), tools...), true
}

// IsEnabled reports whether server is activated in this session.
func (s *Session) IsEnabled(server string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enabled[server]
	return ok
}

// EnabledServers returns the activated server names, sorted.
func (s *Session) EnabledServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear drops all activation entries.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = make(map[string][]string)
	s.lastActivity = time.Now()
}

// SessionRegistry manages per-session activation state.
//
// It maintains a thread-safe mapping of session IDs to their state, enforces
// ID validation and a session-count cap, and cleans up idle sessions in the
// background. Callers MUST call Stop when done to release the cleanup
// goroutine.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	sessionTimeout time.Duration
	maxSessions    int
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewSessionRegistry creates a session registry with default limits.
func NewSessionRegistry(sessionTimeout time.Duration) *SessionRegistry {
	return NewSessionRegistryWithLimits(sessionTimeout, DefaultMaxSessions)
}

// NewSessionRegistryWithLimits creates a session registry with a custom
// session cap (0 disables the cap).
func NewSessionRegistryWithLimits(sessionTimeout time.Duration, maxSessions int) *SessionRegistry {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	if maxSessions < 0 {
		maxSessions = DefaultMaxSessions
	}

	sr := &SessionRegistry{
		sessions:       make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		maxSessions:    maxSessions,
		stopCleanup:    make(chan struct{}),
	}

	go sr.cleanupLoop()

	return sr
}

// ValidateSessionID checks that a session ID is non-empty and within the
// length cap.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return &InvalidSessionIDError{Reason: "session ID cannot be empty"}
	}
	if len(sessionID) > MaxSessionIDLength {
		return &InvalidSessionIDError{Reason: fmt.Sprintf("session ID exceeds maximum length of %d", MaxSessionIDLength)}
	}
	return nil
}

// Create registers a fresh session under sessionID. Used when the transport
// assigns a new ID on initialize.
func (sr *SessionRegistry) Create(sessionID string) (*Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		logging.Warn("SessionRegistry", "Rejected invalid session ID: %v", err)
		return nil, err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if existing, ok := sr.sessions[sessionID]; ok {
		existing.Touch()
		return existing, nil
	}

	if sr.maxSessions > 0 && len(sr.sessions) >= sr.maxSessions {
		logging.Warn("SessionRegistry", "Session limit reached (%d), rejecting new session: %s",
			sr.maxSessions, logging.TruncateSessionID(sessionID))
		return nil, &SessionLimitExceededError{Limit: sr.maxSessions, Current: len(sr.sessions)}
	}

	now := time.Now()
	session := &Session{
		ID:           sessionID,
		CreatedAt:    now,
		lastActivity: now,
		enabled:      make(map[string][]string),
	}
	sr.sessions[sessionID] = session

	logging.Debug("SessionRegistry", "Created session %s (total: %d)",
		logging.TruncateSessionID(sessionID), len(sr.sessions))

	return session, nil
}

// Get returns the session for sessionID.
func (sr *SessionRegistry) Get(sessionID string) (*Session, bool) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, false
	}

	sr.mu.RLock()
	session, ok := sr.sessions[sessionID]
	sr.mu.RUnlock()

	if ok {
		session.Touch()
	}
	return session, ok
}

// Known reports whether sessionID belongs to a live session.
func (sr *SessionRegistry) Known(sessionID string) bool {
	_, ok := sr.Get(sessionID)
	return ok
}

// Delete removes a session entirely.
func (sr *SessionRegistry) Delete(sessionID string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, ok := sr.sessions[sessionID]; !ok {
		return
	}
	delete(sr.sessions, sessionID)
	logging.Debug("SessionRegistry", "Deleted session %s", logging.TruncateSessionID(sessionID))
}

// Reset clears the activation entries of one session, keeping the session
// itself alive.
func (sr *SessionRegistry) Reset(sessionID string) bool {
	session, ok := sr.Get(sessionID)
	if !ok {
		return false
	}
	session.Clear()
	logging.Debug("SessionRegistry", "Reset session %s", logging.TruncateSessionID(sessionID))
	return true
}

// ResetAll clears the activation entries of every session.
func (sr *SessionRegistry) ResetAll() {
	sr.mu.RLock()
	sessions := make([]*Session, 0, len(sr.sessions))
	for _, s := range sr.sessions {
		sessions = append(sessions, s)
	}
	sr.mu.RUnlock()

	for _, s := range sessions {
		s.Clear()
	}
	logging.Debug("SessionRegistry", "Reset all sessions (%d)", len(sessions))
}

// Count returns the number of live sessions.
func (sr *SessionRegistry) Count() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.sessions)
}

// Stop halts the cleanup goroutine and drops all sessions.
func (sr *SessionRegistry) Stop() {
	sr.stopOnce.Do(func() {
		close(sr.stopCleanup)
	})

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.sessions = make(map[string]*Session)
}

// minCleanupInterval bounds cleanup frequency for very short timeouts.
const minCleanupInterval = time.Second

func (sr *SessionRegistry) cleanupLoop() {
	interval := sr.sessionTimeout / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sr.cleanup()
		case <-sr.stopCleanup:
			return
		}
	}
}

func (sr *SessionRegistry) cleanup() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	now := time.Now()
	count := 0
	for id, session := range sr.sessions {
		if now.Sub(session.LastActivity()) > sr.sessionTimeout {
			delete(sr.sessions, id)
			count++
		}
	}

	if count > 0 {
		logging.Debug("SessionRegistry", "Cleaned up %d idle sessions", count)
	}
}
