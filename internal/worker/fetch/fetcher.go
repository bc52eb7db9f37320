// Package fetch はフィード文書と記事ページのHTTP取得を提供する。
// SSRF検証、ステータス分類、指数バックオフによる再試行、記事ページのレート制限を含む。
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"
)

const userAgent = "Feedgrab/1.0 (+https://github.com/hitoshi/feedgrab)"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Item はフィード文書中の1記事。
type Item struct {
	Title   string
	Link    string
	PubDate *time.Time
}

// Document はパース済みのフィード文書。
type Document struct {
	Title string
	Items []Item
}

// Options はFetcherの設定。
type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
	Retry       RetryPolicy
	// PageRateLimit は記事ページ取得の毎秒リクエスト数。0以下で無制限。
	PageRateLimit float64
}

// Fetcher はフィード文書と記事ページを取得する。
type Fetcher struct {
	guard   SSRFValidator
	client  *http.Client
	logger  *slog.Logger
	opts    Options
	limiter *rate.Limiter
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(guard SSRFValidator, logger *slog.Logger, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 5 * 1024 * 1024
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.PageRateLimit > 0 {
		burst := int(opts.PageRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PageRateLimit), burst)
	}

	return &Fetcher{
		guard:   guard,
		client:  guard.NewSafeClient(opts.Timeout, opts.MaxBodySize),
		logger:  logger,
		opts:    opts,
		limiter: limiter,
	}
}

// FetchFeed はフィード文書を取得してパースする。
// 一時的なエラーは再試行し、HTMLなどフィードでない応答はKindFormatのFetchErrorとして即座に返す。
func (f *Fetcher) FetchFeed(ctx context.Context, feedURL string) (*Document, error) {
	if err := f.guard.ValidateURL(feedURL); err != nil {
		return nil, &FetchError{Kind: KindStatus, URL: feedURL, Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	start := time.Now()
	var doc *Document
	err := withRetry(ctx, f.opts.Retry, f.logger, feedURL, func() error {
		body, _, err := f.get(ctx, feedURL,
			"application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
		if err != nil {
			return err
		}
		parsed, err := parseFeed(body)
		if err != nil {
			return &FetchError{Kind: KindFormat, URL: feedURL, Err: err}
		}
		doc = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("フィードを取得しました",
		slog.String("feed_url", feedURL),
		slog.Int("items_total", len(doc.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return doc, nil
}

// FetchPage は記事ページのHTMLを取得する。
// 全体のレート制限を待ってから取得し、一時的なエラーは再試行する。
func (f *Fetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	if err := f.guard.ValidateURL(pageURL); err != nil {
		return "", &FetchError{Kind: KindStatus, URL: pageURL, Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	var page string
	err := withRetry(ctx, f.opts.Retry, f.logger, pageURL, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return &FetchError{Kind: KindStatus, URL: pageURL, Err: err}
		}
		body, contentType, err := f.get(ctx, pageURL, "text/html, application/xhtml+xml, */*")
		if err != nil {
			return err
		}
		page = f.decodePage(body, contentType, pageURL)
		return nil
	})
	return page, err
}

// decodePage はContent-Typeとmetaタグから文字コードを判定してUTF-8に変換する。
// 変換できない場合は元のバイト列をそのまま返す。
func (f *Fetcher) decodePage(body []byte, contentType, pageURL string) string {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		f.logger.Debug("文字コードを判定できないため変換せずに使用します",
			slog.String("url", pageURL),
			slog.String("content_type", contentType),
		)
		return string(body)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

// get は1回のGETリクエストを実行し、本文とContent-Typeを返す。
// 失敗時はステータスに応じたFetchErrorを返す。
func (f *Fetcher) get(ctx context.Context, target, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", &FetchError{Kind: KindStatus, URL: target, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{Kind: KindTransient, URL: target, Err: err}
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultBackoff:
		return nil, "", &FetchError{Kind: KindTransient, URL: target, StatusCode: resp.StatusCode}
	default:
		return nil, "", &FetchError{Kind: KindStatus, URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodySize))
	if err != nil {
		return nil, "", &FetchError{Kind: KindTransient, URL: target, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// errHTMLDocument はフィードの代わりにHTMLが返された場合のエラー。
var errHTMLDocument = errors.New("HTML文書が返されました")

// parseFeed はレスポンスボディをgofeedでパースする。
func parseFeed(body []byte) (*Document, error) {
	if looksLikeHTML(body) {
		return nil, errHTMLDocument
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Title: parsed.Title,
		Items: convertGofeedItems(parsed.Items),
	}
	return doc, nil
}

// looksLikeHTML は先頭部分からHTML文書かを判定する。
func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// convertGofeedItems はgofeedの記事をItemに変換する。
func convertGofeedItems(items []*gofeed.Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}

		converted := Item{
			Title: strings.TrimSpace(item.Title),
			Link:  strings.TrimSpace(item.Link),
		}

		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			converted.PubDate = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			converted.PubDate = &t
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if converted.Link == "" &&
			(strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			converted.Link = item.GUID
		}

		out = append(out, converted)
	}
	return out
}
