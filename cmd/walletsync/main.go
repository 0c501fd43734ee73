package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fastbreakhq/walletsync/internal/audit"
	"github.com/fastbreakhq/walletsync/internal/config"
	"github.com/fastbreakhq/walletsync/internal/engine"
	"github.com/fastbreakhq/walletsync/internal/envelope"
	"github.com/fastbreakhq/walletsync/internal/logging"
	"github.com/fastbreakhq/walletsync/internal/metrics"
	"github.com/fastbreakhq/walletsync/internal/ownership"
	"github.com/fastbreakhq/walletsync/internal/permission"
	"github.com/fastbreakhq/walletsync/internal/recovery"
	"github.com/fastbreakhq/walletsync/internal/resilience"
	"github.com/fastbreakhq/walletsync/internal/securestore"
	"github.com/fastbreakhq/walletsync/internal/session"
	"github.com/fastbreakhq/walletsync/internal/state"
	"github.com/fastbreakhq/walletsync/internal/syncerr"
	"github.com/fastbreakhq/walletsync/internal/walletfeed"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("walletsync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("autoSync", cfg.AutoSync),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer db.Close()

	sessions := session.NewManager(cfg.SessionTTL(), logger)
	defer sessions.Stop()

	auditor := audit.NewLogger(db, audit.Config{
		RetentionDays:     cfg.AuditRetentionDays,
		HashSensitiveData: cfg.HashAuditData,
	}, logger)
	defer auditor.Stop()

	syncLimit := permission.RateLimit{MaxRequests: cfg.RateLimitPerMinute, Window: time.Minute}
	validator := permission.NewValidator(sessions, map[session.Operation]permission.RateLimit{
		session.OpSyncWallet: syncLimit,
		session.OpSyncNFTs:   syncLimit,
		session.OpSyncStats:  syncLimit,
	}, logger)
	codec := envelope.NewCodec(cfg.AllowAnonymousKey)
	store := securestore.New(db, codec, validator, auditor, cfg.StorageMaxAge(), logger)
	client := ownership.NewClient(cfg.APIBaseURL, 0, logger)

	monitor := resilience.NewMonitor(apiProbe(cfg.APIBaseURL), 0, logger)
	defer monitor.Close()
	monitor.Start(ctx)

	queue, err := resilience.NewOfflineQueue(db, logger)
	if err != nil {
		return fmt.Errorf("restoring offline queue: %w", err)
	}

	res := resilience.NewManager(ctx, monitor, queue, resilience.Options{
		CacheTTL: cfg.CacheTTL(),
	}, logger)
	defer res.Close()

	rec := recovery.NewManager(res, recovery.Options{MaxRetries: cfg.MaxRecoveryRetries}, logger)
	classifier := syncerr.NewClassifier(syncerr.Env{
		UserAgent:  "walletsync/" + Version,
		URL:        cfg.APIBaseURL,
		OnlineFunc: monitor.IsOnline,
	})

	mets := metrics.New()

	eng := engine.New(engine.Deps{
		Classifier: classifier,
		Resilience: res,
		Recovery:   rec,
		Sessions:   sessions,
		Validator:  validator,
		Auditor:    auditor,
		Store:      store,
		Ownership:  client,
		Metrics:    mets,
	}, engine.Options{
		AutoSync:           cfg.AutoSync,
		SyncInterval:       cfg.SyncInterval(),
		StalenessThreshold: cfg.StalenessThreshold(),
	}, logger)
	defer eng.Close()
	eng.Start(ctx)

	// Syncs queued while offline replay through the engine when
	// connectivity returns.
	queue.RegisterHandler("manual_sync", func(ctx context.Context, _ resilience.Action) error {
		_, err := eng.ManualSync(ctx, true)
		return err
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WalletFeedURL != "" {
		feed := walletfeed.NewListener(cfg.WalletFeedURL, eng, logger)
		g.Go(func() error {
			return feed.Listen(gctx)
		})
	} else {
		logger.Info("wallet feed disabled; syncing on timer and manual triggers only")
	}

	if cfg.MetricsListenAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsListenAddr, mets, logger)
		})
	}

	g.Go(func() error {
		return gaugeLoop(gctx, queue, mets)
	})

	return g.Wait()
}

// apiProbe measures one round trip to the platform API for connection
// quality sampling.
func apiProbe(baseURL string) resilience.Probe {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return time.Since(start), nil
	}
}

func serveMetrics(ctx context.Context, addr string, mets *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mets.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return ctx.Err()
}

// gaugeLoop keeps the queue depth gauge current.
func gaugeLoop(ctx context.Context, queue *resilience.OfflineQueue, mets *metrics.Metrics) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mets.OfflineQueueSize.Set(float64(queue.Len()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
