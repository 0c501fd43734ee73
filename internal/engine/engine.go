// Package engine orchestrates wallet-profile synchronization. It owns
// the connection state machine, runs the three sync operations through
// the resilience and recovery layers, and publishes lifecycle events on
// a typed bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fastbreakhq/walletsync/internal/audit"
	"github.com/fastbreakhq/walletsync/internal/metrics"
	"github.com/fastbreakhq/walletsync/internal/ownership"
	"github.com/fastbreakhq/walletsync/internal/permission"
	"github.com/fastbreakhq/walletsync/internal/recovery"
	"github.com/fastbreakhq/walletsync/internal/resilience"
	"github.com/fastbreakhq/walletsync/internal/securestore"
	"github.com/fastbreakhq/walletsync/internal/session"
	"github.com/fastbreakhq/walletsync/internal/syncerr"
)

// State is the orchestrator's connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateIdle         State = "IDLE"
	StateSyncing      State = "SYNCING"
)

const (
	defaultSyncInterval = 5 * time.Minute
	defaultStaleness    = 5 * time.Minute
)

// ErrNoWallet is returned by sync triggers when no wallet is connected.
var ErrNoWallet = errors.New("no wallet connected")

// OwnershipClient fetches a wallet's verified NFT collection.
type OwnershipClient interface {
	FetchCollection(ctx context.Context, address string) (*ownership.Ownership, error)
}

// SyncStatus is the observable sync state for the connected wallet.
type SyncStatus struct {
	State            State
	IsActive         bool
	LastSync         time.Time
	NextSync         time.Time
	FailureCount     int
	CurrentOperation string
}

// SyncResult is the outcome of one sync operation.
type SyncResult struct {
	Operation string
	Address   string
	Success   bool
	Skipped   bool // fresh enough, coalesced, or discarded as stale
	Recovered bool // served by the recovery layer after a failure
	Moments   int
	Duration  time.Duration
	Error     *syncerr.SyncError
}

// ProfileStats is the aggregate stored by the stats sync.
type ProfileStats struct {
	TotalMoments int   `json:"totalMoments"`
	Eligible     bool  `json:"eligible"`
	SyncedAt     int64 `json:"syncedAt"`
}

// opSpec describes one sync operation for the shared template.
type opSpec struct {
	name      session.Operation
	category  string
	started   EventType
	completed EventType
	payload   func(*ownership.Ownership, time.Time) any
}

var (
	profileOp = opSpec{
		name:      session.OpSyncWallet,
		category:  "profile",
		started:   EventProfileSyncStarted,
		completed: EventProfileSyncCompleted,
		payload:   func(o *ownership.Ownership, _ time.Time) any { return o },
	}
	nftOp = opSpec{
		name:      session.OpSyncNFTs,
		category:  "nft",
		started:   EventNFTSyncStarted,
		completed: EventNFTCollectionUpdated,
		payload:   func(o *ownership.Ownership, _ time.Time) any { return o.Moments },
	}
	statsOp = opSpec{
		name:      session.OpSyncStats,
		category:  "stats",
		started:   EventStatsSyncStarted,
		completed: EventStatsSyncCompleted,
		payload: func(o *ownership.Ownership, now time.Time) any {
			return ProfileStats{
				TotalMoments: int(o.TotalCount),
				Eligible:     o.Eligible,
				SyncedAt:     now.UnixMilli(),
			}
		},
	}
)

// Deps are the collaborators the engine orchestrates.
type Deps struct {
	Classifier *syncerr.Classifier
	Resilience *resilience.Manager
	Recovery   *recovery.Manager
	Sessions   *session.Manager
	Validator  *permission.Validator
	Auditor    *audit.Logger
	Store      *securestore.Store
	Ownership  OwnershipClient
	Metrics    *metrics.Metrics // optional
}

// Options tunes engine behavior.
type Options struct {
	// AutoSync enables the periodic background sync.
	AutoSync bool

	// SyncInterval is the periodic sync cadence. Zero selects the default.
	SyncInterval time.Duration

	// StalenessThreshold is how old lastSync may be before focus and
	// activity triggers re-sync. Zero selects the default.
	StalenessThreshold time.Duration
}

// Engine is the sync orchestrator. One engine serves one connected
// wallet at a time; sync triggers for the connected address are
// coalesced so a second trigger joins the in-flight sync instead of
// queuing a duplicate.
type Engine struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	bus    *Bus
	now    func() time.Time

	flight singleflight.Group

	mu        sync.Mutex
	state     State
	userID    string
	address   string
	sessionID string
	status    SyncStatus
	paused    bool

	unsubscribeConn func()
	stop            chan struct{}
	stopOnce        sync.Once
}

// New creates an engine in the disconnected state.
func New(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = defaultStaleness
	}

	e := &Engine{
		deps:   deps,
		opts:   opts,
		logger: logger,
		bus:    NewBus(),
		now:    time.Now,
		state:  StateDisconnected,
		stop:   make(chan struct{}),
	}

	e.unsubscribeConn = deps.Resilience.OnConnectionChange(func(online bool) {
		if e.deps.Metrics != nil {
			v := 0.0
			if online {
				v = 1
			}
			e.deps.Metrics.Online.Set(v)
		}
	})

	return e
}

// Subscribe registers an event handler; the returned function removes
// it.
func (e *Engine) Subscribe(t EventType, fn func(Event)) (unsubscribe func()) {
	return e.bus.Subscribe(t, fn)
}

// Start launches the periodic sync loop. It runs until ctx is cancelled
// or Close is called.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

// Close tears down the periodic loop and detaches from the connection
// monitor.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.unsubscribeConn != nil {
		e.unsubscribeConn()
	}
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.periodicTick(ctx)
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		}
	}
}

// periodicTick runs one scheduled sync when auto-sync is on, a wallet
// is connected, and the app is not backgrounded.
func (e *Engine) periodicTick(ctx context.Context) {
	if !e.opts.AutoSync {
		return
	}

	e.mu.Lock()
	connected := e.state == StateIdle || e.state == StateSyncing
	paused := e.paused
	address := e.address
	e.mu.Unlock()

	if !connected || paused {
		return
	}
	if _, err := e.SyncWalletToProfile(ctx, address, false); err != nil {
		e.logger.Warn("periodic sync failed", slog.String("error", err.Error()))
	}
}

// --- wallet lifecycle ---

// OnWalletConnect creates a session for the wallet, grants it the
// storage capabilities syncs need, and kicks off a forced profile sync.
func (e *Engine) OnWalletConnect(ctx context.Context, userID, address string) (*session.Session, error) {
	normalized := session.NormalizeAddress(address)

	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return nil, fmt.Errorf("wallet already connected")
	}
	e.state = StateConnecting
	e.mu.Unlock()

	s := e.deps.Sessions.CreateSession(userID, normalized)
	for _, op := range []session.Operation{session.OpWrite, session.OpDelete} {
		if err := e.deps.Sessions.GrantPermission(s.ID, op); err != nil {
			return nil, fmt.Errorf("granting %s: %w", op, err)
		}
	}

	if err := e.deps.Auditor.LogWalletConnection(userID, s.ID, normalized, "connect", audit.ResultSuccess); err != nil {
		e.logger.Warn("auditing wallet connect failed", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	e.state = StateIdle
	e.userID = userID
	e.address = normalized
	e.sessionID = s.ID
	e.status = SyncStatus{}
	e.mu.Unlock()

	e.logger.Info("wallet connected",
		slog.String("userId", userID),
		slog.String("sessionId", s.ID),
	)
	e.bus.publish(Event{Type: EventWalletConnected, Address: normalized, Timestamp: e.now()})

	if _, err := e.SyncWalletToProfile(ctx, normalized, true); err != nil {
		e.logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// OnWalletDisconnect invalidates the session and clears all in-memory
// sync state. In-flight syncs for the old address discard their results
// when they land.
func (e *Engine) OnWalletDisconnect(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	userID, sessionID, address := e.userID, e.sessionID, e.address
	e.state = StateDisconnected
	e.userID = ""
	e.address = ""
	e.sessionID = ""
	e.status = SyncStatus{}
	e.paused = false
	e.mu.Unlock()

	e.deps.Sessions.InvalidateSession(sessionID)
	if err := e.deps.Auditor.LogWalletConnection(userID, sessionID, address, "disconnect", audit.ResultSuccess); err != nil {
		e.logger.Warn("auditing wallet disconnect failed", slog.String("error", err.Error()))
	}

	e.logger.Info("wallet disconnected", slog.String("userId", userID))
	e.bus.publish(Event{Type: EventWalletDisconnected, Address: address, Timestamp: e.now()})
}

// OnNFTCollectionChange re-syncs the NFT collection without forcing a
// full profile sync. Changes for a wallet other than the connected one
// are ignored.
func (e *Engine) OnNFTCollectionChange(ctx context.Context, address string) {
	normalized := session.NormalizeAddress(address)

	e.mu.Lock()
	current := e.address
	e.mu.Unlock()

	if current == "" || current != normalized {
		e.logger.Debug("ignoring collection change for unconnected wallet",
			slog.String("address", normalized))
		return
	}
	if _, err := e.SyncNFTCollection(ctx, normalized); err != nil {
		e.logger.Warn("collection change sync failed", slog.String("error", err.Error()))
	}
}

// OnAppFocus resumes periodic syncing and re-syncs if the profile has
// gone stale while backgrounded.
func (e *Engine) OnAppFocus(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.syncIfStale(ctx)
}

// OnAppBlur pauses periodic syncing. In-flight syncs finish normally.
func (e *Engine) OnAppBlur() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// OnUserActivity re-syncs if the profile has gone stale.
func (e *Engine) OnUserActivity(ctx context.Context) {
	e.syncIfStale(ctx)
}

func (e *Engine) syncIfStale(ctx context.Context) {
	e.mu.Lock()
	connected := e.state == StateIdle || e.state == StateSyncing
	address := e.address
	lastSync := e.status.LastSync
	e.mu.Unlock()

	if !connected {
		return
	}
	if !lastSync.IsZero() && e.now().Sub(lastSync) < e.opts.StalenessThreshold {
		return
	}
	if _, err := e.SyncWalletToProfile(ctx, address, false); err != nil {
		e.logger.Warn("staleness sync failed", slog.String("error", err.Error()))
	}
}

// ManualSync runs a user-triggered profile sync for the connected
// wallet.
func (e *Engine) ManualSync(ctx context.Context, force bool) (*SyncResult, error) {
	e.mu.Lock()
	connected := e.state == StateIdle || e.state == StateSyncing
	address := e.address
	e.mu.Unlock()

	if !connected {
		return nil, ErrNoWallet
	}
	return e.SyncWalletToProfile(ctx, address, force)
}

// GetSyncStatus returns a snapshot of the current sync state.
func (e *Engine) GetSyncStatus() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := e.status
	status.State = e.state
	return status
}

// --- sync operations ---

// SyncWalletToProfile syncs the wallet's full profile. force bypasses
// the staleness check.
func (e *Engine) SyncWalletToProfile(ctx context.Context, address string, force bool) (*SyncResult, error) {
	return e.sync(ctx, profileOp, address, force)
}

// SyncNFTCollection syncs only the NFT moment collection.
func (e *Engine) SyncNFTCollection(ctx context.Context, address string) (*SyncResult, error) {
	return e.sync(ctx, nftOp, address, true)
}

// SyncProfileStats syncs the aggregate profile statistics.
func (e *Engine) SyncProfileStats(ctx context.Context, address string) (*SyncResult, error) {
	return e.sync(ctx, statsOp, address, true)
}

// sync is the shared template. Concurrent triggers for the same address
// and operation coalesce onto one in-flight sync.
func (e *Engine) sync(ctx context.Context, spec opSpec, address string, force bool) (*SyncResult, error) {
	e.mu.Lock()
	if e.sessionID == "" {
		e.mu.Unlock()
		return nil, ErrNoWallet
	}
	userID, sessionID := e.userID, e.sessionID
	current := e.address
	lastSync := e.status.LastSync
	e.mu.Unlock()

	normalized := session.NormalizeAddress(address)
	if normalized == "" {
		normalized = current
	}

	if own := e.deps.Validator.ValidateWalletOwnership(userID, sessionID, normalized); !own.Authorized {
		return nil, fmt.Errorf("validating wallet ownership: %s", own.Reason)
	}

	if !force && !lastSync.IsZero() && e.now().Sub(lastSync) < e.opts.StalenessThreshold {
		return &SyncResult{Operation: string(spec.name), Address: normalized, Success: true, Skipped: true}, nil
	}

	v, err, _ := e.flight.Do(normalized+"|"+string(spec.name), func() (any, error) {
		return e.doSync(ctx, spec, userID, sessionID, normalized)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (e *Engine) doSync(ctx context.Context, spec opSpec, userID, sessionID, address string) (*SyncResult, error) {
	decision := e.deps.Validator.ValidateSyncOperation(permission.Request{
		UserID:    userID,
		SessionID: sessionID,
		Operation: spec.name,
		Resource:  spec.category,
	})
	if !decision.Authorized {
		se := e.deps.Classifier.Classify(errors.New(decision.Reason), string(spec.name))
		return e.failSync(spec, address, se, e.now()), nil
	}

	e.setSyncing(string(spec.name))
	defer e.setIdle()

	start := e.now()
	e.bus.publish(Event{Type: spec.started, Address: address, Timestamp: start})

	fetch := func(ctx context.Context) (*ownership.Ownership, error) {
		return e.deps.Ownership.FetchCollection(ctx, address)
	}

	own, err := resilience.ExecuteWithRetry(ctx, e.deps.Resilience, resilience.PolicyDefault, fetch)
	if err == nil {
		return e.completeSync(spec, userID, sessionID, address, own, start, false), nil
	}

	se := e.deps.Classifier.Classify(err, string(spec.name))
	if e.deps.Metrics != nil {
		e.deps.Metrics.ErrorsTotal.WithLabelValues(string(se.Type)).Inc()
	}
	e.logger.Warn("sync failed",
		slog.String("operation", string(spec.name)),
		slog.String("errorId", se.ID),
		slog.String("type", string(se.Type)),
	)

	var refetched *ownership.Ownership
	rec := e.deps.Recovery.RecoverFromError(ctx, se, func(ctx context.Context) error {
		o, ferr := fetch(ctx)
		if ferr == nil {
			refetched = o
		}
		return ferr
	})
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveRecovery(string(rec.Strategy), rec.Success)
	}

	if rec.Success {
		recovered := refetched
		if recovered == nil {
			if cached, ok := rec.Data.(*ownership.Ownership); ok {
				recovered = cached
			}
		}
		if recovered != nil {
			return e.completeSync(spec, userID, sessionID, address, recovered, start, true), nil
		}
	}

	return e.failSync(spec, address, se, start), nil
}

// completeSync persists the fetched data, updates status, and publishes
// the completion event. A result landing after disconnect or a wallet
// switch is discarded.
func (e *Engine) completeSync(spec opSpec, userID, sessionID, address string, own *ownership.Ownership, start time.Time, recovered bool) *SyncResult {
	e.mu.Lock()
	stale := e.address != address
	e.mu.Unlock()
	if stale {
		e.logger.Debug("discarding stale sync result", slog.String("operation", string(spec.name)))
		return &SyncResult{Operation: string(spec.name), Address: address, Skipped: true}
	}

	now := e.now()
	key := securestore.Key{UserID: userID, Category: spec.category, Identifier: "current"}
	if res := e.deps.Store.Put(key, spec.payload(own, now), sessionID); !res.Success {
		se := e.deps.Classifier.Classify(errors.New(res.Error), string(spec.name))
		return e.failSync(spec, address, se, start)
	}

	e.deps.Recovery.SetCachedData(string(spec.name), own)

	e.mu.Lock()
	e.status.LastSync = now
	e.status.FailureCount = 0
	if e.opts.AutoSync {
		e.status.NextSync = now.Add(e.opts.SyncInterval)
	}
	e.mu.Unlock()

	result := &SyncResult{
		Operation: string(spec.name),
		Address:   address,
		Success:   true,
		Recovered: recovered,
		Moments:   len(own.Moments),
		Duration:  now.Sub(start),
	}
	e.observeSync(string(spec.name), true, result.Duration)
	e.bus.publish(Event{Type: spec.completed, Address: address, Payload: result, Timestamp: now})
	return result
}

// failSync records the failure and publishes SYNC_ERROR.
func (e *Engine) failSync(spec opSpec, address string, se *syncerr.SyncError, start time.Time) *SyncResult {
	now := e.now()

	e.mu.Lock()
	if e.address == address {
		e.status.FailureCount++
	}
	e.mu.Unlock()

	result := &SyncResult{
		Operation: string(spec.name),
		Address:   address,
		Duration:  now.Sub(start),
		Error:     se,
	}
	e.observeSync(string(spec.name), false, result.Duration)
	e.bus.publish(Event{Type: EventSyncError, Address: address, Payload: se, Timestamp: now})
	return result
}

func (e *Engine) setSyncing(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		e.state = StateSyncing
	}
	e.status.IsActive = true
	e.status.CurrentOperation = operation
}

func (e *Engine) setIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSyncing {
		e.state = StateIdle
	}
	e.status.IsActive = false
	e.status.CurrentOperation = ""
}

func (e *Engine) observeSync(operation string, success bool, d time.Duration) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveSync(operation, success, d.Seconds())
	}
}
