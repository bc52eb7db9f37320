package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/feedgrab/internal/config"
	"github.com/hitoshi/feedgrab/internal/downloader"
	"github.com/hitoshi/feedgrab/internal/events"
	"github.com/hitoshi/feedgrab/internal/handler"
	"github.com/hitoshi/feedgrab/internal/metrics"
	"github.com/hitoshi/feedgrab/internal/model"
	"github.com/hitoshi/feedgrab/internal/pipeline"
	"github.com/hitoshi/feedgrab/internal/security"
	"github.com/hitoshi/feedgrab/internal/store"
	"github.com/hitoshi/feedgrab/internal/worker/cleanup"
	"github.com/hitoshi/feedgrab/internal/worker/fetch"
	"github.com/hitoshi/feedgrab/internal/worker/scheduler"
)

const (
	lockFileName      = "feedgrab.lock"
	shutdownTimeout   = 30 * time.Second
	downloaderTimeout = 30 * time.Second
	retryMaxInterval  = 30 * time.Second
)

// ErrDataDirLocked は別プロセスが同じデータディレクトリを使用中であることを示す。
var ErrDataDirLocked = errors.New("データディレクトリは別のプロセスが使用中です")

// daemon はrunコマンドで起動するコンポーネント一式を保持する。
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	lock      *flock.Flock
	store     *store.Store
	manager   *downloader.Manager
	scheduler *scheduler.Scheduler
	server    *http.Server
	listener  net.Listener
	serveErr  chan error
}

// acquireStore はデータディレクトリを作成し、プロセス間ロックを取得する。
func acquireStore(dataDir string, logger *slog.Logger) (*store.Store, *flock.Flock, error) {
	st := store.New(dataDir, logger)
	if err := st.EnsureLayout(); err != nil {
		return nil, nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dataDir)
	}
	return st, lock, nil
}

// newDaemon は全依存関係をワイヤリングする。HTTPサーバーとスケジューラはstartで起動する。
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	st, lock, err := acquireStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	if err := applyDefaultInterval(st, cfg.CheckIntervalMinutes); err != nil {
		lock.Unlock()
		return nil, err
	}

	// メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)
	publisher := events.NewLogPublisher(logger)

	// フェッチ
	guard := security.NewGuard(cfg.AllowPrivateHosts)
	fetcher := fetch.NewFetcher(guard, logger, fetch.Options{
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
		Retry: fetch.RetryPolicy{
			MaxAttempts:     cfg.FetchMaxAttempts,
			InitialInterval: cfg.FetchRetryInterval,
			MaxInterval:     retryMaxInterval,
		},
		PageRateLimit: cfg.PageRateLimit,
	})

	// ダウンローダー
	client := downloader.NewHTTPClient(&http.Client{Timeout: downloaderTimeout}, cfg.DownloaderURL, logger)
	manager := downloader.NewManager(client, config.EnvCredentials{}, st, publisher, collector, logger, downloader.Options{})

	runner := pipeline.NewRunner(st, fetcher, manager, security.NewTitleSanitizer(), publisher, collector, logger,
		pipeline.Options{BatchSize: cfg.ArticleBatchSize})

	cleanupJob := cleanup.NewCleanupJob(st, collector, logger)
	cleanupJob.RetentionDays = cfg.RetentionDays

	sched := scheduler.NewScheduler(st, runner, cleanupJob, publisher, collector, logger, scheduler.Options{
		TickInterval:      cfg.TickInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HealthThreshold:   cfg.HealthThreshold,
		RunTimeout:        cfg.RunTimeout,
		MaxConcurrent:     cfg.MaxConcurrentFeeds,
		MaintenanceSpec:   cfg.MaintenanceSchedule,
	})

	router := handler.NewRouter(&handler.RouterDeps{
		Health:     sched,
		Downloader: manager,
		Stats:      st,
		Gatherer:   reg,
		Logger:     logger,
	})

	return &daemon{
		cfg:       cfg,
		logger:    logger,
		lock:      lock,
		store:     st,
		manager:   manager,
		scheduler: sched,
		server: &http.Server{
			Addr:         ":" + cfg.ServerPort,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		serveErr: make(chan error, 1),
	}, nil
}

// applyDefaultInterval は設定ファイルがなければ作成し、間隔未設定のフィードに既定の間隔を適用する。
func applyDefaultInterval(st *store.Store, minutes int) error {
	defaults := func() model.Settings {
		s := model.DefaultSettings()
		s.CheckIntervalMinutes = minutes
		return s
	}
	var settings model.Settings
	err := store.Update(st, store.CollectionSettings, defaults, func(s model.Settings) (model.Settings, error) {
		if s.CheckIntervalMinutes < 1 {
			s.CheckIntervalMinutes = minutes
		}
		settings = s
		return s, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	for _, f := range st.Feeds() {
		if f.IntervalMinutes >= 1 {
			continue
		}
		if _, err := st.UpdateFeed(f.ID, func(feed *model.Feed) {
			feed.IntervalMinutes = settings.CheckIntervalMinutes
		}); err != nil {
			return fmt.Errorf("failed to apply default interval: %w", err)
		}
	}
	return nil
}

// start はHTTPサーバーとスケジューラを起動する。
func (d *daemon) start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.server.Addr, err)
	}
	d.listener = ln
	d.logger.Info("ops server starting", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.serveErr <- err
		}
	}()

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	d.logger.Info("daemon started",
		slog.String("data_dir", d.cfg.DataDir),
		slog.Int("feeds", len(d.store.Feeds())),
		slog.Int("max_concurrent", d.cfg.MaxConcurrentFeeds),
	)
	return nil
}

// wait はctxの終了またはHTTPサーバーの異常終了まで待機する。
func (d *daemon) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-d.serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
}

// shutdown はスケジューラを停止して実行中のパイプラインを待ち、
// ダウンローダーのセッションとHTTPサーバーを閉じてロックを解放する。
func (d *daemon) shutdown(ctx context.Context) error {
	d.logger.Info("shutting down daemon...")
	d.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		d.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("実行中のパイプラインの完了を待たずに終了します")
	}

	var errs []error
	if err := d.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("downloader disconnect failed: %w", err))
	}
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := d.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.logger.Info("daemon stopped gracefully")
	return nil
}

// addr はリッスン中のアドレスを返す。start前は空文字列。
func (d *daemon) addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}
