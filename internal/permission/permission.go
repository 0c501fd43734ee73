// Package permission authorizes sync operations before they run. A
// request passes through session validation, capability checks, and a
// sliding-window rate limit, in that order, failing closed at each step.
package permission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fastbreakhq/walletsync/internal/session"
)

// Authorization failure reasons. Callers and tests match on these.
const (
	ReasonInsufficientPermissions = "Insufficient permissions"
	ReasonRateLimitExceeded       = "Rate limit exceeded"
	ReasonWalletMismatch          = "Wallet address does not match session"
	ReasonUserMismatch            = "Session does not belong to user"
)

// RateLimit bounds how many requests one user may make for an operation
// within a sliding window.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// defaultRateLimit applies to operations with no explicit limit.
var defaultRateLimit = RateLimit{MaxRequests: 30, Window: time.Minute}

// Request describes one operation awaiting authorization.
type Request struct {
	UserID          string
	SessionID       string
	Operation       session.Operation
	Resource        string
	RequestedAction string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Authorized bool
	Reason     string
}

// Validator composes the session manager with per-operation rate
// limits. It holds no audit state itself; the secure storage layer
// records one audit event per call with the final outcome.
type Validator struct {
	sessions *session.Manager
	limits   map[session.Operation]RateLimit
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewValidator creates a validator. limits may be nil; operations
// without an entry use the default limit.
func NewValidator(sessions *session.Manager, limits map[session.Operation]RateLimit, logger *slog.Logger) *Validator {
	return &Validator{
		sessions: sessions,
		limits:   limits,
		logger:   logger,
		now:      time.Now,
		windows:  make(map[string][]time.Time),
	}
}

// ValidateSyncOperation authorizes a request. Order matters: an invalid
// session fails before permissions are consulted, and a rate-limited
// request fails without consuming anything.
func (v *Validator) ValidateSyncOperation(req Request) Decision {
	val := v.sessions.ValidateSession(req.SessionID)
	if !val.IsValid {
		return Decision{Reason: val.Reason}
	}
	if req.UserID != "" && val.Session.UserID != req.UserID {
		return Decision{Reason: ReasonUserMismatch}
	}

	if !val.Session.HasPermission(req.Operation, v.now()) {
		return Decision{Reason: ReasonInsufficientPermissions}
	}

	if !v.allow(req.UserID, req.Operation) {
		v.logger.Debug("rate limit exceeded",
			slog.String("userId", req.UserID),
			slog.String("operation", string(req.Operation)),
		)
		return Decision{Reason: ReasonRateLimitExceeded}
	}

	return Decision{Authorized: true}
}

// ValidateWalletOwnership checks that the claimed address matches the
// wallet bound to the session, case-insensitively. This is the boundary
// preventing one session from touching another wallet's profile.
func (v *Validator) ValidateWalletOwnership(userID, sessionID, claimedAddress string) Decision {
	val := v.sessions.ValidateSession(sessionID)
	if !val.IsValid {
		return Decision{Reason: val.Reason}
	}
	if val.Session.UserID != userID {
		return Decision{Reason: ReasonUserMismatch}
	}
	if val.Session.WalletAddress != session.NormalizeAddress(claimedAddress) {
		return Decision{Reason: ReasonWalletMismatch}
	}
	return Decision{Authorized: true}
}

// allow applies the sliding-window rate limit for (userID, operation).
// A denied request is not recorded, so being limited never extends the
// window.
func (v *Validator) allow(userID string, op session.Operation) bool {
	limit, ok := v.limits[op]
	if !ok {
		limit = defaultRateLimit
	}
	if limit.MaxRequests <= 0 {
		return true
	}

	key := userID + "|" + string(op)
	now := v.now()
	windowStart := now.Add(-limit.Window)

	v.mu.Lock()
	defer v.mu.Unlock()

	// Prune entries that fell out of the window.
	valid := v.windows[key][:0]
	for _, t := range v.windows[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	v.windows[key] = valid

	if len(valid) >= limit.MaxRequests {
		return false
	}
	v.windows[key] = append(valid, now)
	return true
}
