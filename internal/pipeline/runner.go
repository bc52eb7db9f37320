// Package pipeline はフィード1件分の取り込み処理を提供する。
// フィード取得、処理済み判定、タイトルフィルタ、記事ページからのリンク抽出、
// ダウンローダーへの送信までを1回の実行として扱う。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/feedgrab/internal/events"
	"github.com/hitoshi/feedgrab/internal/extract"
	"github.com/hitoshi/feedgrab/internal/metrics"
	"github.com/hitoshi/feedgrab/internal/model"
	"github.com/hitoshi/feedgrab/internal/store"
	"github.com/hitoshi/feedgrab/internal/worker/fetch"
)

// DefaultBatchSize は1回の実行で記事ページを取得する新着記事の上限。
const DefaultBatchSize = 10

// 実行結果のラベル。
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// FeedFetcher はフィード文書と記事ページの取得インターフェース。
type FeedFetcher interface {
	FetchFeed(ctx context.Context, feedURL string) (*fetch.Document, error)
	FetchPage(ctx context.Context, pageURL string) (string, error)
}

// Submitter は抽出したリンクをダウンローダーへ送信する。
type Submitter interface {
	Submit(ctx context.Context, itemID, link, title string) error
}

// Sanitizer は記事タイトルからマークアップを除去する。
type Sanitizer interface {
	Sanitize(s string) string
}

// Options はRunnerの設定。
type Options struct {
	BatchSize int
}

// Runner はフィード単位の取り込みパイプラインを実行する。
type Runner struct {
	store     *store.Store
	fetcher   FeedFetcher
	submitter Submitter
	sanitizer Sanitizer
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	batchSize int
}

// NewRunner はRunnerの新しいインスタンスを生成する。
func NewRunner(
	st *store.Store,
	fetcher FeedFetcher,
	submitter Submitter,
	sanitizer Sanitizer,
	publisher events.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Runner{
		store:     st,
		fetcher:   fetcher,
		submitter: submitter,
		sanitizer: sanitizer,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
		batchSize: opts.BatchSize,
	}
}

// Run は指定フィードのパイプラインを1回実行する。
// 実行中のエラーはフィードをerror状態にして返す。いずれの場合もfeedStatusイベントを送信する。
func (r *Runner) Run(ctx context.Context, feedID string) error {
	feed, ok := r.store.Feed(feedID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrFeedNotFound, feedID)
	}

	start := time.Now()
	runErr := r.run(ctx, feed)

	status := model.FeedStatusIdle
	runStatus := RunStatusSuccess
	if runErr != nil {
		status = model.FeedStatusError
		runStatus = RunStatusError
		r.activity(model.LogLevelError, feed, fmt.Sprintf("エラーが発生しました: %v", runErr))
		r.logger.Error("パイプラインの実行に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
			slog.String("error", runErr.Error()),
		)
	}

	if _, err := r.store.UpdateFeed(feed.ID, func(f *model.Feed) { f.Status = status }); err != nil {
		r.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}

	data := events.FeedStatusData{FeedID: feed.ID, Status: string(status)}
	if runErr != nil {
		data.Error = runErr.Error()
	}
	r.publisher.Publish(events.Event{Type: events.TypeFeedStatus, Data: data})

	duration := time.Since(start)
	r.metrics.RecordRun(runStatus, duration)
	r.logger.Info("パイプラインの実行が完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("status", string(status)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return runErr
}

func (r *Runner) run(ctx context.Context, feed model.Feed) error {
	now := time.Now()
	if _, err := r.store.UpdateFeed(feed.ID, func(f *model.Feed) {
		f.Status = model.FeedStatusRunning
		f.LastChecked = &now
	}); err != nil {
		return fmt.Errorf("フィード状態の更新に失敗: %w", err)
	}
	r.publisher.Publish(events.Event{
		Type: events.TypeFeedStatus,
		Data: events.FeedStatusData{FeedID: feed.ID, Status: string(model.FeedStatusRunning)},
	})
	r.activity(model.LogLevelInfo, feed, "チェックを開始しました")

	doc, err := r.fetcher.FetchFeed(ctx, feed.URL)
	if err != nil {
		var fe *fetch.FetchError
		if errors.As(err, &fe) {
			r.metrics.RecordFetchFailure(fe.Kind.String())
		}
		if fetch.IsFormatError(err) {
			return fmt.Errorf("フィードとして解釈できません（HTMLページの可能性があります）: %w", err)
		}
		return fmt.Errorf("フィードの取得に失敗: %w", err)
	}

	if len(doc.Items) == 0 {
		r.activity(model.LogLevelInfo, feed, "記事がありません")
		return nil
	}

	items := lo.UniqBy(lo.Filter(doc.Items, func(it fetch.Item, _ int) bool {
		return it.Link != ""
	}), func(it fetch.Item) string { return it.Link })

	processed := r.store.ProcessedSet()
	fresh, seen := lo.FilterReject(items, func(it fetch.Item, _ int) bool {
		_, done := processed[it.Link]
		return !done
	})
	matched := filterByTitle(fresh, feed.Filter)
	r.activity(model.LogLevelInfo, feed, fmt.Sprintf("新着 %d 件、フィルタ除外 %d 件、処理済み %d 件",
		len(fresh), len(fresh)-len(matched), len(seen)))

	if len(matched) == 0 {
		r.activity(model.LogLevelInfo, feed, "新しい記事はありません")
		return nil
	}

	// 件数はバッチ上限前の新着数。バッチに入らなかった記事は処理済みにならず、次回の実行で再び数える。
	stats, err := r.store.IncrementStat(model.StatItemsSeen, int64(len(matched)))
	if err != nil {
		return fmt.Errorf("統計の更新に失敗: %w", err)
	}
	if _, err := r.store.UpdateFeed(feed.ID, func(f *model.Feed) { f.FoundCount += len(matched) }); err != nil {
		return fmt.Errorf("検出件数の更新に失敗: %w", err)
	}
	r.publisher.Publish(events.Event{Type: events.TypeStats, Data: stats})
	r.metrics.RecordItemsSeen(len(matched))

	batch := matched
	if len(batch) > r.batchSize {
		batch = batch[:r.batchSize]
	}
	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("実行が中断されました: %w", err)
		}
		r.processItem(ctx, feed, item)
	}

	r.activity(model.LogLevelSuccess, feed, fmt.Sprintf("%d 件の記事を処理しました", len(batch)))
	return nil
}

// processItem は記事1件を処理する。失敗は記録するのみで、URLは必ず処理済みにする。
func (r *Runner) processItem(ctx context.Context, feed model.Feed, item fetch.Item) {
	defer func() {
		if err := r.store.MarkProcessed(item.Link); err != nil {
			r.logger.Error("処理済みURLの記録に失敗しました",
				slog.String("url", item.Link),
				slog.String("error", err.Error()),
			)
		}
	}()

	title := strings.TrimSpace(r.sanitizer.Sanitize(item.Title))

	page, err := r.fetcher.FetchPage(ctx, item.Link)
	if err != nil {
		var fe *fetch.FetchError
		if errors.As(err, &fe) {
			r.metrics.RecordFetchFailure(fe.Kind.String())
		}
		r.activity(model.LogLevelWarn, feed, fmt.Sprintf("記事ページの取得に失敗しました: %s", title))
		r.logger.Warn("記事ページの取得に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("url", item.Link),
			slog.String("error", err.Error()),
		)
	}

	var links []string
	if err == nil {
		links, err = extract.Links(item.Link, page)
		if err != nil {
			r.logger.Warn("リンク抽出に失敗しました",
				slog.String("url", item.Link),
				slog.String("error", err.Error()),
			)
		}
	}

	grabbed, err := r.store.AddGrabbed(model.GrabbedItem{
		FeedID:      feed.ID,
		FeedName:    feed.Name,
		Title:       title,
		Link:        item.Link,
		PubDate:     item.PubDate,
		HasDownload: len(links) > 0,
	})
	if err != nil {
		r.logger.Error("取得履歴の保存に失敗しました",
			slog.String("url", item.Link),
			slog.String("error", err.Error()),
		)
	}
	r.publisher.Publish(events.Event{Type: events.TypeGrabbed, Data: grabbed})

	if len(links) == 0 {
		return
	}

	preferred, _ := extract.Preferred(links)
	extracted, err := r.store.AddExtracted(model.ExtractedItem{
		FeedID:      feed.ID,
		Title:       title,
		ArticleURL:  item.Link,
		DownloadURL: preferred,
		Host:        extract.Host(preferred),
	})
	if err != nil {
		r.logger.Error("抽出アイテムの保存に失敗しました",
			slog.String("url", item.Link),
			slog.String("error", err.Error()),
		)
		return
	}

	stats, err := r.store.IncrementStat(model.StatLinksExtracted, 1)
	if err != nil {
		r.logger.Error("統計の更新に失敗しました", slog.String("error", err.Error()))
	}
	r.publisher.Publish(events.Event{Type: events.TypeExtracted, Data: extracted})
	r.publisher.Publish(events.Event{Type: events.TypeStats, Data: stats})
	r.metrics.RecordLinksExtracted(1)
	r.activity(model.LogLevelSuccess, feed, fmt.Sprintf("リンクを抽出しました: %s (%s)", title, extracted.Host))

	if err := r.submitter.Submit(ctx, extracted.ID, preferred, title); err != nil {
		r.activity(model.LogLevelError, feed, fmt.Sprintf("ダウンローダーへの送信に失敗しました: %s", title))
	}
}

// activity はダッシュボード向けのアクティビティログを記録する。sourceはフィード名。
func (r *Runner) activity(level model.LogLevel, feed model.Feed, message string) {
	if _, err := r.store.AddLog(level, message, feed.Name); err != nil {
		r.logger.Error("アクティビティログの保存に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}
}

// filterByTitle はタイトルに大文字小文字を区別せずfilterを含む記事のみを返す。
// filterが空の場合は全件を返す。
func filterByTitle(items []fetch.Item, filter string) []fetch.Item {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return items
	}
	needle := strings.ToLower(filter)
	return lo.Filter(items, func(it fetch.Item, _ int) bool {
		return strings.Contains(strings.ToLower(it.Title), needle)
	})
}
