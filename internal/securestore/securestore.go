// Package securestore persists profile data through a single
// authorize→encrypt→persist→audit pipeline. Authorization always runs
// before any encryption or storage work, and every call produces exactly
// one audit event carrying the final outcome.
package securestore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fastbreakhq/walletsync/internal/audit"
	"github.com/fastbreakhq/walletsync/internal/envelope"
	"github.com/fastbreakhq/walletsync/internal/permission"
	"github.com/fastbreakhq/walletsync/internal/session"
	"github.com/fastbreakhq/walletsync/internal/state"
)

// defaultMaxAge bounds how old a stored envelope may be before retrieval
// reports it as expired.
const defaultMaxAge = 24 * time.Hour

// Key addresses one stored item inside a user's namespace.
type Key struct {
	UserID     string
	Category   string // "profile", "nft", "stats", ...
	Identifier string
}

// storageKey derives the flat key the envelope is persisted under.
func (k Key) storageKey() string {
	return fmt.Sprintf("sync_%s_user_%s_%s", k.Category, k.UserID, k.Identifier)
}

// userMarker matches any of the user's keys regardless of category.
func userMarker(userID string) string {
	return "_user_" + userID + "_"
}

// Result is the outcome of a store, retrieve, or clear call. Failures
// carry a message instead of raising; nothing in this layer panics into
// the caller.
type Result struct {
	Success bool
	Error   string
	Removed int // populated by ClearUserData
}

// Store composes the permission validator, envelope codec, state DB, and
// audit logger.
type Store struct {
	db        *state.DB
	codec     *envelope.Codec
	validator *permission.Validator
	auditor   *audit.Logger
	logger    *slog.Logger
	maxAge    time.Duration
	now       func() time.Time
}

// New creates a secure store. maxAge of zero selects the default
// retrieval freshness bound.
func New(db *state.DB, codec *envelope.Codec, validator *permission.Validator, auditor *audit.Logger, maxAge time.Duration, logger *slog.Logger) *Store {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Store{
		db:        db,
		codec:     codec,
		validator: validator,
		auditor:   auditor,
		logger:    logger,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Put encrypts data under the user's key and persists the envelope. The
// audit event is CREATE for a new key and UPDATE for an overwrite.
func (s *Store) Put(key Key, data any, sessionID string) Result {
	start := s.now()

	decision := s.validator.ValidateSyncOperation(permission.Request{
		UserID:          key.UserID,
		SessionID:       sessionID,
		Operation:       session.OpWrite,
		Resource:        key.Category,
		RequestedAction: string(audit.ActionCreate),
	})
	if !decision.Authorized {
		return s.deny(key, sessionID, "store", audit.ActionCreate, decision.Reason, start)
	}

	action := audit.ActionCreate
	if existing, err := s.db.Get(state.StorageBucket, key.storageKey()); err == nil && existing != nil {
		action = audit.ActionUpdate
	}

	opaque, err := s.codec.Encrypt(data, key.UserID)
	if err != nil {
		return s.fail(key, sessionID, "store", action, fmt.Sprintf("encrypting data: %v", err), start)
	}

	if err := s.db.Put(state.StorageBucket, key.storageKey(), []byte(opaque)); err != nil {
		return s.fail(key, sessionID, "store", action, fmt.Sprintf("persisting envelope: %v", err), start)
	}

	s.audit(key.UserID, sessionID, "store", key.Category, action, audit.ResultSuccess, nil, start)
	return Result{Success: true}
}

// Get authorizes a read, decrypts the envelope, and validates its
// freshness before unmarshaling into out. Expired data is reported as
// unavailable, never returned as fresh.
func (s *Store) Get(key Key, sessionID string, out any) Result {
	start := s.now()

	decision := s.validator.ValidateSyncOperation(permission.Request{
		UserID:          key.UserID,
		SessionID:       sessionID,
		Operation:       session.OpRead,
		Resource:        key.Category,
		RequestedAction: string(audit.ActionRead),
	})
	if !decision.Authorized {
		return s.deny(key, sessionID, "retrieve", audit.ActionRead, decision.Reason, start)
	}

	raw, err := s.db.Get(state.StorageBucket, key.storageKey())
	if err != nil {
		return s.fail(key, sessionID, "retrieve", audit.ActionRead, fmt.Sprintf("reading envelope: %v", err), start)
	}
	if raw == nil {
		return s.fail(key, sessionID, "retrieve", audit.ActionRead, "not found", start)
	}

	opaque := string(raw)
	if s.codec.IsExpired(opaque, s.maxAge) {
		return s.fail(key, sessionID, "retrieve", audit.ActionRead, "data expired", start)
	}

	if err := s.codec.Decrypt(opaque, key.UserID, out); err != nil {
		return s.fail(key, sessionID, "retrieve", audit.ActionRead, fmt.Sprintf("decrypting data: %v", err), start)
	}

	s.audit(key.UserID, sessionID, "retrieve", key.Category, audit.ActionRead, audit.ResultSuccess, nil, start)
	return Result{Success: true}
}

// ClearUserData removes every stored item in the user's namespace across
// all categories. Used on disconnect cleanup and erasure requests.
func (s *Store) ClearUserData(userID, sessionID string) Result {
	start := s.now()
	key := Key{UserID: userID, Category: "all"}

	decision := s.validator.ValidateSyncOperation(permission.Request{
		UserID:          userID,
		SessionID:       sessionID,
		Operation:       session.OpDelete,
		Resource:        "all",
		RequestedAction: string(audit.ActionDelete),
	})
	if !decision.Authorized {
		return s.deny(key, sessionID, "clear", audit.ActionDelete, decision.Reason, start)
	}

	marker := userMarker(userID)
	var keys []string
	err := s.db.ForEachPrefix(state.StorageBucket, "sync_", func(k string, _ []byte) error {
		if strings.Contains(k, marker) {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return s.fail(key, sessionID, "clear", audit.ActionDelete, fmt.Sprintf("enumerating keys: %v", err), start)
	}
	for _, k := range keys {
		if err := s.db.Delete(state.StorageBucket, k); err != nil {
			return s.fail(key, sessionID, "clear", audit.ActionDelete, fmt.Sprintf("deleting %s: %v", k, err), start)
		}
	}

	s.audit(userID, sessionID, "clear", "all", audit.ActionDelete, audit.ResultSuccess,
		map[string]string{"removed": fmt.Sprint(len(keys))}, start)
	return Result{Success: true, Removed: len(keys)}
}

// deny records an authorization failure and returns the caller-facing
// result. The pipeline never reached encryption or storage.
func (s *Store) deny(key Key, sessionID, operation string, action audit.Action, reason string, start time.Time) Result {
	s.audit(key.UserID, sessionID, operation, key.Category, action, audit.ResultFailure,
		map[string]string{"reason": reason}, start)
	return Result{Error: "Permission denied: " + reason}
}

// fail records a post-authorization failure.
func (s *Store) fail(key Key, sessionID, operation string, action audit.Action, msg string, start time.Time) Result {
	s.audit(key.UserID, sessionID, operation, key.Category, action, audit.ResultFailure,
		map[string]string{"reason": msg}, start)
	return Result{Error: msg}
}

func (s *Store) audit(userID, sessionID, operation, resource string, action audit.Action, result audit.Result, metadata map[string]string, start time.Time) {
	err := s.auditor.LogSyncOperation(userID, sessionID, operation, resource, action, result, metadata, s.now().Sub(start))
	if err != nil {
		s.logger.Warn("audit write failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
	}
}
