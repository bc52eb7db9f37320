// Package events はデーモンからライブ更新チャネルへ送るイベントを定義する。
// 配信保証は行わず、Publishはブロックしないことが期待される。
package events

import (
	"log/slog"
	"sync"
)

// Type はイベントの種別。
type Type string

const (
	TypeHeartbeat  Type = "heartbeat"
	TypeFeedStatus Type = "feedStatus"
	TypeStats      Type = "stats"
	TypeGrabbed    Type = "grabbed"
	TypeExtracted  Type = "extracted"
)

// Event はライブ更新チャネルへ送るメッセージ。
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Publisher はイベントの送信先。
type Publisher interface {
	Publish(Event)
}

// HeartbeatData はheartbeatイベントのペイロード。
type HeartbeatData struct {
	Feeds         int `json:"feeds"`
	ScheduledJobs int `json:"scheduledJobs"`
	RunningJobs   int `json:"runningJobs"`
}

// FeedStatusData はfeedStatusイベントのペイロード。
type FeedStatusData struct {
	FeedID string `json:"feedId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// LogPublisher はイベントを構造化ログとして出力する。
// プッシュチャネルが接続されていない場合のデフォルト実装。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher はLogPublisherの新しいインスタンスを生成する。
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish はイベントをDebugレベルで出力する。
func (p *LogPublisher) Publish(e Event) {
	p.logger.Debug("イベントを送信しました",
		slog.String("event_type", string(e.Type)),
		slog.Any("data", e.Data),
	)
}

// Nop は全てのイベントを破棄する。
type Nop struct{}

func (Nop) Publish(Event) {}

// Recorder は受け取ったイベントを保持する。テストで使用する。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish はイベントを記録する。
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events は記録されたイベントのコピーを返す。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType は指定種別のイベントのみを返す。
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
