package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultBackoff は再試行が必要なステータス（408/429/5xx）。
	FetchResultBackoff
	// FetchResultStop は再試行しても回復しないステータス（その他の4xx等）。
	FetchResultStop
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 408 || statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultStop
	}
}

// ErrorKind はフェッチエラーの分類。
type ErrorKind int

const (
	// KindTransient はタイムアウト、DNS失敗、429/5xx等の一時的なエラー。再試行対象。
	KindTransient ErrorKind = iota
	// KindFormat はレスポンスがフィードとして解釈できないエラー。再試行しない。
	KindFormat
	// KindStatus は再試行しても回復しないHTTPステータス。
	KindStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFormat:
		return "format"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// FetchError はフェッチ失敗の詳細。
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindFormat:
		return fmt.Sprintf("フィード形式ではありません (%s): %v", e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("HTTPステータス %d (%s)", e.StatusCode, e.URL)
	default:
		return fmt.Sprintf("フェッチに失敗 (%s): %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable は再試行で回復し得るエラーかを返す。
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTransient
}

// IsFormatError はerrがフィード形式エラーかを返す。
func IsFormatError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindFormat
}

// RetryPolicy は再試行回数と指数バックオフの初期間隔を表す。
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy は3回試行、初回1秒の指数バックオフ。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// withRetry はopを指数バックオフで再試行する。
// 再試行対象外のFetchErrorは即座に返す。待機中もctxのキャンセルを尊重する。
func withRetry(ctx context.Context, p RetryPolicy, logger *slog.Logger, target string, op func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("フェッチに失敗したため再試行します",
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return backoff.RetryNotify(operation, p.newBackOff(ctx), notify)
}
