// Package cleanup は保持期間を超えたエントリの自動削除ジョブを提供する。
// 保持期間（デフォルト60日）より古いログ、抽出アイテム、取得履歴、処理済みURLを
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedgrab/internal/metrics"
	"github.com/hitoshi/feedgrab/internal/model"
	"github.com/hitoshi/feedgrab/internal/store"
)

// Store はクリーンアップに必要なストア操作を抽象化するインターフェース。
type Store interface {
	Cleanup(maxAge time.Duration) (store.CleanupResult, error)
	AddLog(level model.LogLevel, message, source string) (model.LogEntry, error)
}

// logSource はアクティビティログのソースタグ。
const logSource = "maintenance"

// CleanupJob は保持期間を超過したエントリの自動削除ジョブ。
// 削除対象がない場合もエラーにならない。
type CleanupJob struct {
	store         Store
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	RetentionDays int // エントリの保持日数（デフォルト: 60）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は60日。
func NewCleanupJob(st Store, collector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:         st,
		metrics:       collector,
		logger:        logger,
		RetentionDays: 60,
	}
}

// Run はRetentionDays日より古いエントリを削除し、結果をアクティビティログに記録する。
// ストアはI/Oを同期的に行うため、開始前にのみコンテキストを確認する。
func (j *CleanupJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("クリーンアップが開始前に中断されました: %w", err)
	}
	start := time.Now()

	maxAge := time.Duration(j.RetentionDays) * 24 * time.Hour
	result, err := j.store.Cleanup(maxAge)
	j.record(result)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		if _, logErr := j.store.AddLog(model.LogLevelError, fmt.Sprintf("クリーンアップに失敗しました: %v", err), logSource); logErr != nil {
			j.logger.Error("アクティビティログの保存に失敗しました", slog.String("error", logErr.Error()))
		}
		return fmt.Errorf("クリーンアップの実行に失敗: %w", err)
	}

	if result.Total() > 0 {
		msg := fmt.Sprintf("%d日より古いエントリを %d 件削除しました", j.RetentionDays, result.Total())
		if _, err := j.store.AddLog(model.LogLevelInfo, msg, logSource); err != nil {
			j.logger.Error("アクティビティログの保存に失敗しました", slog.String("error", err.Error()))
		}
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int("deleted_count", result.Total()),
		slog.Int("deleted_logs", result.Logs),
		slog.Int("deleted_extracted", result.Extracted),
		slog.Int("deleted_grabbed", result.Grabbed),
		slog.Int("deleted_processed", result.Processed),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) record(r store.CleanupResult) {
	j.metrics.RecordCleanupDeleted(string(store.CollectionLogs), r.Logs)
	j.metrics.RecordCleanupDeleted(string(store.CollectionExtracted), r.Extracted)
	j.metrics.RecordCleanupDeleted(string(store.CollectionGrabbed), r.Grabbed)
	j.metrics.RecordCleanupDeleted(string(store.CollectionProcessed), r.Processed)
}
