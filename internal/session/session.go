// Package session issues and validates sync sessions. A session is
// created when a wallet connects, carries a capability set that starts
// read-only, and expires after a fixed TTL or on explicit invalidation.
// All state is in-memory; sessions are deliberately not persisted, so a
// restart forces wallet reconnection.
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is a capability a session may hold.
type Operation string

const (
	OpSyncWallet Operation = "syncWalletToProfile"
	OpSyncNFTs   Operation = "syncNFTCollection"
	OpSyncStats  Operation = "syncProfileStats"
	OpRead       Operation = "storage:read"
	OpWrite      Operation = "storage:write"
	OpDelete     Operation = "storage:delete"
)

// Validation failure reasons, compared verbatim by callers and tests.
const (
	ReasonNotFound = "Session not found"
	ReasonExpired  = "Session expired"
	ReasonInactive = "Session inactive"
)

const (
	// defaultTTL is the session lifetime when the config does not
	// override it.
	defaultTTL = 30 * time.Minute

	// gcInterval controls how often expired sessions are reaped. Expiry
	// is also checked lazily on every validation, so the sweep only
	// bounds memory growth.
	gcInterval = 5 * time.Minute
)

// ErrInvalidSession is returned by mutations against a session that does
// not exist or is no longer valid.
var ErrInvalidSession = errors.New("invalid session")

// Session is a sync session bound to one user and wallet address.
type Session struct {
	ID            string
	UserID        string
	WalletAddress string
	Permissions   map[Operation]struct{}
	IsActive      bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// HasPermission reports whether the session holds the capability. An
// expired or inactive session holds nothing, regardless of prior grants.
func (s *Session) HasPermission(op Operation, now time.Time) bool {
	if s == nil || !s.IsActive || now.After(s.ExpiresAt) {
		return false
	}
	_, ok := s.Permissions[op]
	return ok
}

// Validation is the result of checking a session.
type Validation struct {
	IsValid bool
	Session *Session
	Reason  string
}

// Manager owns all live sessions. A background goroutine reaps expired
// entries; call Stop to terminate it.
type Manager struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager with the given TTL (zero selects
// the default) and starts the reaper goroutine.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m := &Manager{
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		stopGC:   make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Stop terminates the reaper goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopGC) })
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.stopGC:
			return
		}
	}
}

func (m *Manager) reap() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}

// NormalizeAddress lower-cases and trims a wallet address. Every
// comparison against a session's bound address goes through this;
// skipping it is a classic source of ownership-check bugs.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CreateSession activates a new session for the user and wallet address
// with the minimal read-only permission set.
func (m *Manager) CreateSession(userID, walletAddress string) *Session {
	now := m.now()
	s := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		WalletAddress: NormalizeAddress(walletAddress),
		Permissions: map[Operation]struct{}{
			OpRead:       {},
			OpSyncWallet: {},
			OpSyncNFTs:   {},
			OpSyncStats:  {},
		},
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("session created",
		slog.String("sessionId", s.ID),
		slog.String("userId", userID),
	)
	return snapshot(s)
}

// ValidateSession checks a session lazily: existence, expiry, activity.
func (m *Manager) ValidateSession(id string) Validation {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return Validation{Reason: ReasonNotFound}
	}
	if m.now().After(s.ExpiresAt) {
		return Validation{Reason: ReasonExpired}
	}
	if !s.IsActive {
		return Validation{Reason: ReasonInactive}
	}
	return Validation{IsValid: true, Session: snapshot(s)}
}

// HasPermission reports whether the identified session currently holds
// the capability.
func (m *Manager) HasPermission(id string, op Operation) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id].HasPermission(op, m.now())
}

// GrantPermission extends a still-valid session's capability set.
func (m *Manager) GrantPermission(id string, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsActive || m.now().After(s.ExpiresAt) {
		return ErrInvalidSession
	}
	s.Permissions[op] = struct{}{}
	return nil
}

// InvalidateSession deactivates a session. Validations fail from this
// point; the entry is left for the reaper so late validations report
// "inactive" rather than "not found".
func (m *Manager) InvalidateSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.IsActive = false
	}
}

// snapshot copies a session so callers cannot mutate manager state.
func snapshot(s *Session) *Session {
	cp := *s
	cp.Permissions = make(map[Operation]struct{}, len(s.Permissions))
	for op := range s.Permissions {
		cp.Permissions[op] = struct{}{}
	}
	return &cp
}
