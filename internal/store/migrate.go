package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/feedgrab/internal/model"
)

// decodeProcessedFor は処理済みURL台帳のバージョン付きデコーダを返す。
// 旧形式（URL文字列の配列）は読み込み時刻をタイムスタンプとして
// {url, timestamp} 形式に変換し、migrated=true を返す。
func decodeProcessedFor(now time.Time) decodeFunc[[]model.ProcessedURL] {
	return func(data []byte) ([]model.ProcessedURL, bool, error) {
		var records []model.ProcessedURL
		recordErr := json.Unmarshal(data, &records)
		if recordErr == nil {
			return records, false, nil
		}

		var legacy []string
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, false, fmt.Errorf("処理済みURLのデコードに失敗: %w", recordErr)
		}
		return upgradeLegacyProcessed(legacy, now), true, nil
	}
}

// upgradeLegacyProcessed は旧形式のURL配列を重複を除いてレコード形式へ変換する。
func upgradeLegacyProcessed(urls []string, now time.Time) []model.ProcessedURL {
	seen := make(map[string]struct{}, len(urls))
	records := make([]model.ProcessedURL, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		records = append(records, model.ProcessedURL{URL: u, Timestamp: now})
	}
	return records
}
