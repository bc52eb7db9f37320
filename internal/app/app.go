package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/feedgrab/internal/config"
	"github.com/hitoshi/feedgrab/internal/logger"
	"github.com/hitoshi/feedgrab/internal/metrics"
	"github.com/hitoshi/feedgrab/internal/store"
	"github.com/hitoshi/feedgrab/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にもログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel)), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMでグレースフルシャットダウンする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("data_dir", cfg.DataDir),
		slog.String("downloader_url", cfg.DownloaderURL),
	)

	switch cmd {
	case CommandCleanup:
		return runCleanup(ctx, cfg, log)
	case CommandClear:
		return runWipe(cfg, log, "履歴と統計を初期化しました", (*store.Store).ClearEntries)
	case CommandReset:
		return runWipe(cfg, log, "全データを初期化しました", (*store.Store).ResetAll)
	default:
		return runDaemon(ctx, cfg, log)
	}
}

// runDaemon はスケジューラと運用HTTPサーバーを起動し、ctxが終了するまでブロックする。
func runDaemon(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}

	startErr := d.start(ctx)
	if startErr == nil {
		startErr = d.wait(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.shutdown(shutdownCtx); err != nil {
		if startErr != nil {
			return fmt.Errorf("%w (shutdown: %v)", startErr, err)
		}
		return err
	}
	return startErr
}

// runCleanup は保持期間を超えたエントリを1回だけ削除する。
// デーモンの実行中はデータディレクトリのロックを取得できずエラーとなる。
func runCleanup(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, lock, err := acquireStore(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	job := cleanup.NewCleanupJob(st, metrics.Nop{}, log)
	job.RetentionDays = cfg.RetentionDays
	return job.Run(ctx)
}

// runWipe はロックを取得してストアの一括初期化を実行する。デーモン停止中のみ実行できる。
func runWipe(cfg *config.Config, log *slog.Logger, done string, wipe func(*store.Store) error) error {
	st, lock, err := acquireStore(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := wipe(st); err != nil {
		return fmt.Errorf("failed to wipe store: %w", err)
	}
	log.Info(done, slog.String("data_dir", cfg.DataDir))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
