package syncerr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Env describes the runtime environment stamped into every classified
// error. OnlineFunc reports current device connectivity; when nil the
// classifier assumes online.
type Env struct {
	UserAgent  string
	URL        string
	OnlineFunc func() bool
}

// Classifier turns raw failures into SyncError values by applying an
// ordered rule list. It performs no I/O beyond reading the connectivity
// flag and is safe for concurrent use.
type Classifier struct {
	env Env
	now func() time.Time
}

// NewClassifier creates a classifier for the given environment.
func NewClassifier(env Env) *Classifier {
	return &Classifier{env: env, now: time.Now}
}

// Classify maps a raw error from the named operation to exactly one
// SyncError. The first matching rule wins; unmatched errors default to
// an API error (medium severity, retryable, automatic retry). A device
// that is currently offline forces a network classification regardless
// of any other signal.
func (c *Classifier) Classify(raw error, operation string) *SyncError {
	online := c.online()

	typ := c.classifyType(raw, online)
	p := profiles[typ]

	msg := "unknown error"
	if raw != nil {
		msg = raw.Error()
	}

	return &SyncError{
		ID:               newErrorID(c.now()),
		Type:             typ,
		Severity:         p.severity,
		Operation:        operation,
		Message:          msg,
		UserMessage:      p.userMessage,
		TechnicalDetails: fmt.Sprintf("operation=%s online=%t: %s", operation, online, msg),
		Retryable:        p.retryable,
		Strategy:         p.strategy,
		Context: Context{
			Online:    online,
			UserAgent: c.env.UserAgent,
			URL:       c.env.URL,
			Cause:     raw,
		},
		Timestamp: c.now(),
	}
}

func (c *Classifier) online() bool {
	if c.env.OnlineFunc == nil {
		return true
	}
	return c.env.OnlineFunc()
}

// classifyType applies the ordered rule list. Order matters: the offline
// override comes first, then structured signals (status codes, error
// codes), then keyword heuristics.
func (c *Classifier) classifyType(raw error, online bool) Type {
	if !online {
		return TypeNetwork
	}
	if raw == nil {
		return TypeAPI
	}

	// Already-classified errors keep their type.
	var se *SyncError
	if errors.As(raw, &se) {
		return se.Type
	}

	if errors.Is(raw, ErrCorrupted) {
		return TypeDataCorruption
	}

	if errors.Is(raw, context.DeadlineExceeded) {
		return TypeTimeout
	}

	var netErr net.Error
	if errors.As(raw, &netErr) {
		if netErr.Timeout() {
			return TypeTimeout
		}
		return TypeNetwork
	}

	var statusErr HTTPStatusError
	if errors.As(raw, &statusErr) {
		switch status := statusErr.HTTPStatus(); {
		case status == 401 || status == 403:
			return TypeAuthentication
		case status == 429:
			return TypeRateLimit
		case status >= 500:
			return TypeAPI
		}
	}

	var codeErr CodeError
	if errors.As(raw, &codeErr) {
		switch codeErr.Code() {
		case "TIMEOUT":
			return TypeTimeout
		case "RATE_LIMITED":
			return TypeRateLimit
		case "WALLET_DISCONNECTED", "USER_REJECTED":
			return TypeWallet
		case "INVALID_SESSION", "UNAUTHENTICATED":
			return TypeAuthentication
		}
	}

	return keywordType(raw.Error())
}

// keywordType is the last-resort heuristic over the error text.
func keywordType(msg string) Type {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "network", "fetch", "connection refused", "no such host", "offline"):
		return TypeNetwork
	case containsAny(lower, "timeout", "timed out", "deadline"):
		return TypeTimeout
	case containsAny(lower, "unauthorized", "authentication", "session expired"):
		return TypeAuthentication
	case containsAny(lower, "rate limit", "too many requests"):
		return TypeRateLimit
	case containsAny(lower, "blockchain", "transaction", "contract", "cadence"):
		return TypeBlockchain
	case containsAny(lower, "wallet", "signer", "account"):
		return TypeWallet
	case containsAny(lower, "validation", "invalid", "malformed"):
		return TypeValidation
	case containsAny(lower, "cache", "stale"):
		return TypeCache
	case containsAny(lower, "corrupt", "tampered", "integrity"):
		return TypeDataCorruption
	default:
		return TypeAPI
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ActionSteps returns the ordered user-facing steps for a classified
// error. Offline-specific steps are prepended when the device was
// offline at classification time; rate-limit steps are appended for
// rate-limit errors; high and critical severities end with a support
// affordance.
func ActionSteps(e *SyncError) []string {
	var steps []string

	if !e.Context.Online {
		steps = append(steps,
			"Check your internet connection",
			"Reconnect to Wi-Fi or mobile data",
		)
	}

	switch e.Type {
	case TypeNetwork:
		steps = append(steps, "Try again once your connection is stable")
	case TypeAuthentication:
		steps = append(steps, "Disconnect and reconnect your wallet", "Sign in again if prompted")
	case TypeWallet:
		steps = append(steps, "Open your wallet app and check its status", "Approve any pending connection request")
	case TypeValidation:
		steps = append(steps, "Review the highlighted fields and correct them")
	case TypeDataCorruption:
		steps = append(steps, "Clear the app's saved data and sync again")
	default:
		steps = append(steps, "Wait a moment and try again")
	}

	if e.Type == TypeRateLimit {
		steps = append(steps, "Wait at least a minute before retrying", "Avoid refreshing repeatedly")
	}

	if e.Severity >= SeverityHigh {
		steps = append(steps, "Contact support if the problem persists")
	}

	return steps
}

// newErrorID builds a collision-resistant identifier. The random suffix
// keeps IDs unique across rapid-fire classifications within the same
// millisecond.
func newErrorID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; treat failure
		// as a programmer/platform error.
		panic("syncerr: crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("sync_error_%d_%s", now.UnixMilli(), hex.EncodeToString(buf))
}
