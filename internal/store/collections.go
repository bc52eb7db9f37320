package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/feedgrab/internal/model"
)

func noFeeds() []model.Feed              { return []model.Feed{} }
func noLogs() []model.LogEntry           { return []model.LogEntry{} }
func noSchedule() []model.ScheduleEntry  { return []model.ScheduleEntry{} }
func zeroStats() model.Stats             { return model.Stats{} }
func noProcessed() []model.ProcessedURL  { return []model.ProcessedURL{} }
func noExtracted() []model.ExtractedItem { return []model.ExtractedItem{} }
func noGrabbed() []model.GrabbedItem     { return []model.GrabbedItem{} }

// --- フィード ---

// Feeds は登録済みフィードの一覧を返す。
func (s *Store) Feeds() []model.Feed {
	return Read(s, CollectionFeeds, noFeeds)
}

// Feed は指定IDのフィードを返す。
func (s *Store) Feed(id string) (model.Feed, bool) {
	for _, f := range s.Feeds() {
		if f.ID == id {
			return f, true
		}
	}
	return model.Feed{}, false
}

// AddFeed はフィードを追加する。IDが空の場合はUUIDを採番する。
func (s *Store) AddFeed(feed model.Feed) (model.Feed, error) {
	if feed.ID == "" {
		feed.ID = uuid.New().String()
	}
	if feed.Status == "" {
		feed.Status = model.FeedStatusIdle
	}
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = s.now()
	}

	err := Update(s, CollectionFeeds, noFeeds, func(feeds []model.Feed) ([]model.Feed, error) {
		for _, f := range feeds {
			if f.ID == feed.ID {
				return nil, fmt.Errorf("フィードIDが重複しています: %s", feed.ID)
			}
		}
		return append(feeds, feed), nil
	})
	if err != nil {
		return model.Feed{}, err
	}
	return feed, nil
}

// UpdateFeed はロック下で指定フィードにfnを適用し、更新後の値を返す。
func (s *Store) UpdateFeed(id string, fn func(*model.Feed)) (model.Feed, error) {
	var updated model.Feed
	err := Update(s, CollectionFeeds, noFeeds, func(feeds []model.Feed) ([]model.Feed, error) {
		for i := range feeds {
			if feeds[i].ID == id {
				fn(&feeds[i])
				updated = feeds[i]
				return feeds, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", model.ErrFeedNotFound, id)
	})
	return updated, err
}

// RemoveFeed は指定フィードを削除する。
func (s *Store) RemoveFeed(id string) error {
	return Update(s, CollectionFeeds, noFeeds, func(feeds []model.Feed) ([]model.Feed, error) {
		for i := range feeds {
			if feeds[i].ID == id {
				return append(feeds[:i], feeds[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", model.ErrFeedNotFound, id)
	})
}

// --- スケジュール ---

// ScheduleEntries は永続化されたスケジュールを返す。
func (s *Store) ScheduleEntries() []model.ScheduleEntry {
	return Read(s, CollectionSchedule, noSchedule)
}

// ScheduleEntry は指定フィードのスケジュールを返す。
func (s *Store) ScheduleEntry(feedID string) (model.ScheduleEntry, bool) {
	for _, e := range s.ScheduleEntries() {
		if e.FeedID == feedID {
			return e, true
		}
	}
	return model.ScheduleEntry{}, false
}

// PutScheduleEntry はフィードのスケジュールを追加または置き換える。
func (s *Store) PutScheduleEntry(entry model.ScheduleEntry) error {
	return Update(s, CollectionSchedule, noSchedule, func(entries []model.ScheduleEntry) ([]model.ScheduleEntry, error) {
		for i := range entries {
			if entries[i].FeedID == entry.FeedID {
				entries[i] = entry
				return entries, nil
			}
		}
		return append(entries, entry), nil
	})
}

// RemoveScheduleEntry は指定フィードのスケジュールを削除する。存在しない場合は何もしない。
func (s *Store) RemoveScheduleEntry(feedID string) error {
	return Update(s, CollectionSchedule, noSchedule, func(entries []model.ScheduleEntry) ([]model.ScheduleEntry, error) {
		kept := entries[:0]
		for _, e := range entries {
			if e.FeedID != feedID {
				kept = append(kept, e)
			}
		}
		return kept, nil
	})
}

// --- 設定 ---

// Settings は現在の設定を返す。
func (s *Store) Settings() model.Settings {
	return Read(s, CollectionSettings, model.DefaultSettings)
}

// SaveSettings は設定を保存する。
func (s *Store) SaveSettings(settings model.Settings) error {
	return Write(s, CollectionSettings, settings)
}

// --- 統計 ---

// Stats は累積カウンタを返す。
func (s *Store) Stats() model.Stats {
	return Read(s, CollectionStats, zeroStats)
}

// IncrementStat はカウンタをn増加させ、更新後の値を返す。
func (s *Store) IncrementStat(field model.StatField, n int64) (model.Stats, error) {
	var updated model.Stats
	err := Update(s, CollectionStats, zeroStats, func(st model.Stats) (model.Stats, error) {
		switch field {
		case model.StatItemsSeen:
			st.ItemsSeen += n
		case model.StatLinksExtracted:
			st.LinksExtracted += n
		case model.StatItemsSubmitted:
			st.ItemsSubmitted += n
		default:
			return st, fmt.Errorf("不明な統計フィールドです: %s", field)
		}
		updated = st
		return st, nil
	})
	return updated, err
}

// --- アクティビティログ ---

// Logs はアクティビティログを新しい順に返す。
func (s *Store) Logs() []model.LogEntry {
	return Read(s, CollectionLogs, noLogs)
}

// AddLog はログを先頭に追加し、MaxLogEntries件を超えた古いものを削除する。
func (s *Store) AddLog(level model.LogLevel, message, source string) (model.LogEntry, error) {
	entry := model.LogEntry{
		ID:        uuid.New().String(),
		Timestamp: s.now(),
		Level:     level,
		Message:   message,
		Source:    source,
	}
	err := Update(s, CollectionLogs, noLogs, func(logs []model.LogEntry) ([]model.LogEntry, error) {
		return prepend(logs, entry, MaxLogEntries), nil
	})
	return entry, err
}

// prepend はvを先頭に追加し、limit件に切り詰めた新しいスライスを返す。
func prepend[T any](items []T, v T, limit int) []T {
	out := make([]T, 0, min(len(items)+1, limit))
	out = append(out, v)
	for _, it := range items {
		if len(out) >= limit {
			break
		}
		out = append(out, it)
	}
	return out
}
