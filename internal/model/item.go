package model

import "time"

// LogLevel はアクティビティログの重要度。
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
)

// LogEntry はダッシュボードに表示されるアクティビティログの1行。
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"type"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// Stats は単調増加する累積カウンタ。
type Stats struct {
	ItemsSeen      int64 `json:"itemsSeen"`
	LinksExtracted int64 `json:"linksExtracted"`
	ItemsSubmitted int64 `json:"itemsSubmitted"`
}

// StatField はStatsのカウンタを識別する。
type StatField string

const (
	StatItemsSeen      StatField = "itemsSeen"
	StatLinksExtracted StatField = "linksExtracted"
	StatItemsSubmitted StatField = "itemsSubmitted"
)

// ProcessedURL は処理済み記事URLの台帳エントリ。
type ProcessedURL struct {
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtractedItem は記事から抽出されたダウンロードリンク。
// Submittedはfalseからtrueへの一方向にのみ遷移する。
type ExtractedItem struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feedId"`
	Title       string    `json:"title"`
	ArticleURL  string    `json:"articleUrl"`
	DownloadURL string    `json:"downloadUrl"`
	Host        string    `json:"host"`
	Timestamp   time.Time `json:"timestamp"`
	Submitted   bool      `json:"submitted"`
}

// GrabbedItem は抽出の成否にかかわらず記録される記事の取得履歴。
type GrabbedItem struct {
	ID          string     `json:"id"`
	FeedID      string     `json:"feedId"`
	FeedName    string     `json:"feedName"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	PubDate     *time.Time `json:"pubDate"`
	HasDownload bool       `json:"hasDownload"`
	Timestamp   time.Time  `json:"timestamp"`
}
