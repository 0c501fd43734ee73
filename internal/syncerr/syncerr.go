// Package syncerr classifies raw sync failures into typed, severity-ranked
// errors carrying a recovery strategy. Classification is deterministic and
// total: every input maps to exactly one type, and unknown failures fall
// back to an API error rather than escaping unclassified.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies the failure category of a classified sync error.
type Type string

const (
	TypeNetwork        Type = "NETWORK_ERROR"
	TypeAuthentication Type = "AUTHENTICATION_ERROR"
	TypeAPI            Type = "API_ERROR"
	TypeBlockchain     Type = "BLOCKCHAIN_ERROR"
	TypeWallet         Type = "WALLET_ERROR"
	TypeValidation     Type = "VALIDATION_ERROR"
	TypeCache          Type = "CACHE_ERROR"
	TypeTimeout        Type = "TIMEOUT_ERROR"
	TypeRateLimit      Type = "RATE_LIMIT_ERROR"
	TypeDataCorruption Type = "DATA_CORRUPTION_ERROR"
)

// Severity ranks how serious a classified error is for the user.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the upper-case severity label used in logs and exports.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// Strategy is the recovery action attached to a classified error.
type Strategy string

const (
	RetryAutomatic      Strategy = "RETRY_AUTOMATIC"
	RetryManual         Strategy = "RETRY_MANUAL"
	FallbackCache       Strategy = "FALLBACK_CACHE"
	FallbackPartial     Strategy = "FALLBACK_PARTIAL"
	RequireReconnection Strategy = "REQUIRE_RECONNECTION"
	RequireUserAction   Strategy = "REQUIRE_USER_ACTION"
	NoRecovery          Strategy = "NO_RECOVERY"
)

// Context captures the environment at classification time for diagnostics.
type Context struct {
	Online    bool
	UserAgent string
	URL       string
	Cause     error
}

// SyncError is an immutable classified sync failure. It satisfies error
// and unwraps to the original cause.
type SyncError struct {
	ID               string
	Type             Type
	Severity         Severity
	Operation        string
	Message          string
	UserMessage      string
	TechnicalDetails string
	Retryable        bool
	Strategy         Strategy
	Context          Context
	Timestamp        time.Time
}

// Error returns the internal (non user-facing) message.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %s", e.Operation, e.Type, e.Severity, e.Message)
}

// Unwrap exposes the original failure for errors.Is/As chains.
func (e *SyncError) Unwrap() error {
	return e.Context.Cause
}

// profile holds the fixed metadata attached to each error type.
type profile struct {
	severity    Severity
	retryable   bool
	strategy    Strategy
	userMessage string
}

var profiles = map[Type]profile{
	TypeNetwork: {SeverityMedium, true, RetryAutomatic,
		"Connection problem. Check your internet connection and try again."},
	TypeAuthentication: {SeverityHigh, false, RequireReconnection,
		"Your wallet session has expired. Please reconnect your wallet."},
	TypeAPI: {SeverityMedium, true, RetryAutomatic,
		"The service is having trouble right now. We'll retry automatically."},
	TypeBlockchain: {SeverityHigh, true, RetryAutomatic,
		"The blockchain network is busy. Your data will sync shortly."},
	TypeWallet: {SeverityHigh, false, RequireUserAction,
		"There's a problem with your wallet connection. Please check your wallet."},
	TypeValidation: {SeverityMedium, false, RequireUserAction,
		"Some of your data couldn't be validated. Please review and try again."},
	TypeCache: {SeverityLow, true, FallbackCache,
		"Using saved data while we refresh your profile."},
	TypeTimeout: {SeverityMedium, true, RetryAutomatic,
		"The request took too long. Retrying with a longer timeout."},
	TypeRateLimit: {SeverityMedium, true, RetryManual,
		"Too many requests. Please wait a moment before trying again."},
	TypeDataCorruption: {SeverityCritical, false, NoRecovery,
		"Your saved data appears damaged and could not be read. Please contact support."},
}

// Profile returns the fixed severity/retryable/strategy triple for a type.
// Exposed so the recovery layer can consult defaults without classifying.
func Profile(t Type) (Severity, bool, Strategy) {
	p := profiles[t]
	return p.severity, p.retryable, p.strategy
}

// HTTPStatusError is implemented by transport errors that carry an HTTP
// status code. The ownership client returns errors satisfying this.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// CodeError is implemented by errors carrying an explicit machine code
// (for example "TIMEOUT" or "WALLET_DISCONNECTED").
type CodeError interface {
	error
	Code() string
}

// ErrCorrupted marks payloads that failed integrity or envelope checks.
// The envelope codec wraps all decrypt failures with this sentinel so
// classification lands on TypeDataCorruption.
var ErrCorrupted = errors.New("stored data is corrupted")
