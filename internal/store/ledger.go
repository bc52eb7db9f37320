package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/feedgrab/internal/model"
)

// --- 処理済みURL台帳 ---

// ProcessedURLs は処理済みURL台帳を古い順に返す。
// 旧形式で保存されている場合は初回読み込み時に変換して書き戻す。
func (s *Store) ProcessedURLs() []model.ProcessedURL {
	var records []model.ProcessedURL
	_ = s.WithLock(CollectionProcessed, func() error {
		records = load(s, CollectionProcessed, noProcessed, decodeProcessedFor(s.now()))
		return nil
	})
	return records
}

// ProcessedSet は処理済みURLの集合を返す。
func (s *Store) ProcessedSet() map[string]struct{} {
	records := s.ProcessedURLs()
	set := make(map[string]struct{}, len(records))
	for _, r := range records {
		set[r.URL] = struct{}{}
	}
	return set
}

// MarkProcessed はURLを処理済みとして記録する。
// 既に記録済みのURLは初回のタイムスタンプを保持し、重複エントリは作らない。
// 記録後、最新MaxProcessedURLs件を超えた古いエントリを削除する。
func (s *Store) MarkProcessed(urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	return s.WithLock(CollectionProcessed, func() error {
		now := s.now()
		records := load(s, CollectionProcessed, noProcessed, decodeProcessedFor(now))

		seen := make(map[string]struct{}, len(records)+len(urls))
		for _, r := range records {
			seen[r.URL] = struct{}{}
		}
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

		if over := len(records) - MaxProcessedURLs; over > 0 {
			records = records[over:]
		}
		return save(s, CollectionProcessed, records)
	})
}

// --- 抽出アイテム ---

// ExtractedItems は抽出アイテムを新しい順に返す。
func (s *Store) ExtractedItems() []model.ExtractedItem {
	return Read(s, CollectionExtracted, noExtracted)
}

// AddExtracted は抽出アイテムを先頭に追加する。IDが空の場合はUUIDを採番する。
func (s *Store) AddExtracted(item model.ExtractedItem) (model.ExtractedItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = s.now()
	}
	err := Update(s, CollectionExtracted, noExtracted, func(items []model.ExtractedItem) ([]model.ExtractedItem, error) {
		return prepend(items, item, MaxExtractedItems), nil
	})
	return item, err
}

// MarkSubmitted は抽出アイテムを送信済みにする。送信済みから未送信へ戻ることはない。
func (s *Store) MarkSubmitted(id string) error {
	return Update(s, CollectionExtracted, noExtracted, func(items []model.ExtractedItem) ([]model.ExtractedItem, error) {
		for i := range items {
			if items[i].ID == id {
				items[i].Submitted = true
				return items, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", model.ErrExtractedItemNotFound, id)
	})
}

// --- 取得履歴 ---

// GrabbedItems は取得履歴を新しい順に返す。
func (s *Store) GrabbedItems() []model.GrabbedItem {
	return Read(s, CollectionGrabbed, noGrabbed)
}

// AddGrabbed は取得履歴を先頭に追加する。
func (s *Store) AddGrabbed(item model.GrabbedItem) (model.GrabbedItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = s.now()
	}
	err := Update(s, CollectionGrabbed, noGrabbed, func(items []model.GrabbedItem) ([]model.GrabbedItem, error) {
		return prepend(items, item, MaxGrabbedItems), nil
	})
	return item, err
}
