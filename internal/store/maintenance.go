package store

import (
	"fmt"
	"time"

	"github.com/hitoshi/feedgrab/internal/model"
)

// CleanupResult はコレクションごとの削除件数。
type CleanupResult struct {
	Logs      int `json:"logs"`
	Extracted int `json:"extracted"`
	Grabbed   int `json:"grabbed"`
	Processed int `json:"processed"`
}

// Total は削除件数の合計を返す。
func (r CleanupResult) Total() int {
	return r.Logs + r.Extracted + r.Grabbed + r.Processed
}

// Cleanup はmaxAgeより厳密に古いエントリをログ、抽出アイテム、取得履歴、
// 処理済みURL台帳から削除する。maxAgeが0以下の場合はDefaultCleanupAgeを使用する。
// 各コレクションは個別にロックされ、途中で失敗した場合はそれまでの結果とエラーを返す。
func (s *Store) Cleanup(maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	cutoff := s.now().Add(-maxAge)
	var result CleanupResult

	err := Update(s, CollectionLogs, noLogs, func(items []model.LogEntry) ([]model.LogEntry, error) {
		kept := keepNewer(items, cutoff, func(e model.LogEntry) time.Time { return e.Timestamp })
		result.Logs = len(items) - len(kept)
		return kept, nil
	})
	if err != nil {
		return result, fmt.Errorf("ログのクリーンアップに失敗: %w", err)
	}

	err = Update(s, CollectionExtracted, noExtracted, func(items []model.ExtractedItem) ([]model.ExtractedItem, error) {
		kept := keepNewer(items, cutoff, func(e model.ExtractedItem) time.Time { return e.Timestamp })
		result.Extracted = len(items) - len(kept)
		return kept, nil
	})
	if err != nil {
		return result, fmt.Errorf("抽出アイテムのクリーンアップに失敗: %w", err)
	}

	err = Update(s, CollectionGrabbed, noGrabbed, func(items []model.GrabbedItem) ([]model.GrabbedItem, error) {
		kept := keepNewer(items, cutoff, func(e model.GrabbedItem) time.Time { return e.Timestamp })
		result.Grabbed = len(items) - len(kept)
		return kept, nil
	})
	if err != nil {
		return result, fmt.Errorf("取得履歴のクリーンアップに失敗: %w", err)
	}

	err = s.WithLock(CollectionProcessed, func() error {
		items := load(s, CollectionProcessed, noProcessed, decodeProcessedFor(s.now()))
		kept := keepNewer(items, cutoff, func(e model.ProcessedURL) time.Time { return e.Timestamp })
		result.Processed = len(items) - len(kept)
		return save(s, CollectionProcessed, kept)
	})
	if err != nil {
		return result, fmt.Errorf("処理済みURLのクリーンアップに失敗: %w", err)
	}

	return result, nil
}

// keepNewer はcutoff以降（cutoffと同時刻を含む）のエントリのみを返す。
func keepNewer[T any](items []T, cutoff time.Time, ts func(T) time.Time) []T {
	kept := make([]T, 0, len(items))
	for _, it := range items {
		if ts(it).Before(cutoff) {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// ClearEntries はログ、統計、処理済みURL、抽出アイテム、取得履歴を初期状態に戻す。
// フィード、設定、スケジュールは保持される。
func (s *Store) ClearEntries() error {
	if err := Write(s, CollectionLogs, noLogs()); err != nil {
		return err
	}
	if err := Write(s, CollectionStats, zeroStats()); err != nil {
		return err
	}
	if err := Write(s, CollectionProcessed, noProcessed()); err != nil {
		return err
	}
	if err := Write(s, CollectionExtracted, noExtracted()); err != nil {
		return err
	}
	return Write(s, CollectionGrabbed, noGrabbed())
}

// ResetAll は全コレクションをデフォルト値で上書きする。
func (s *Store) ResetAll() error {
	if err := s.ClearEntries(); err != nil {
		return err
	}
	if err := Write(s, CollectionFeeds, noFeeds()); err != nil {
		return err
	}
	if err := Write(s, CollectionSchedule, noSchedule()); err != nil {
		return err
	}
	return Write(s, CollectionSettings, model.DefaultSettings())
}
