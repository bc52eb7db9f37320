// Package model はドメインモデルを定義する。
package model

import "time"

// Feed は監視対象のRSS/Atomフィードを表す。
type Feed struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	IntervalMinutes int        `json:"interval"`
	Filter          string     `json:"filter,omitempty"`
	LastChecked     *time.Time `json:"lastChecked"`
	Status          FeedStatus `json:"status"`
	FoundCount      int        `json:"foundCount"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Interval はポーリング間隔をtime.Durationで返す。
// 1分未満の値は1分として扱う。
func (f Feed) Interval() time.Duration {
	if f.IntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(f.IntervalMinutes) * time.Minute
}

// FeedStatus はフィードの処理状態を表す。
type FeedStatus string

const (
	// FeedStatusIdle は待機中。
	FeedStatusIdle FeedStatus = "idle"
	// FeedStatusRunning はパイプライン実行中。
	FeedStatusRunning FeedStatus = "running"
	// FeedStatusError は直近の実行がエラーで終了した状態。
	FeedStatusError FeedStatus = "error"
)

// ScheduleEntry はフィードごとの次回実行予定を表す。
// 再起動時に期限切れの実行を復旧できるよう永続化される。
type ScheduleEntry struct {
	FeedID          string `json:"feedId"`
	NextRunAt       int64  `json:"nextRunAt"` // epoch ms
	IntervalMinutes int    `json:"intervalMinutes"`
}

// NextRunTime はNextRunAtをtime.Timeで返す。
func (e ScheduleEntry) NextRunTime() time.Time {
	return time.UnixMilli(e.NextRunAt)
}

// Due は指定時刻に実行期限を迎えているかを返す。
func (e ScheduleEntry) Due(now time.Time) bool {
	return now.UnixMilli() >= e.NextRunAt
}

// NewScheduleEntry はfromを起点に次回実行予定を計算したエントリを返す。
func NewScheduleEntry(feed Feed, from time.Time) ScheduleEntry {
	return ScheduleEntry{
		FeedID:          feed.ID,
		NextRunAt:       from.Add(feed.Interval()).UnixMilli(),
		IntervalMinutes: feed.IntervalMinutes,
	}
}

// Settings はデーモンの実行時設定を表す。
type Settings struct {
	CheckIntervalMinutes int    `json:"checkInterval"`
	DeviceName           string `json:"deviceName,omitempty"`
	Autostart            bool   `json:"autostart"`
}

// DefaultSettings はデフォルト設定を返す。
func DefaultSettings() Settings {
	return Settings{
		CheckIntervalMinutes: 15,
		Autostart:            true,
	}
}
