// Package downloader はリモートのダウンロードマネージャーサービスとの接続を管理する。
// 薄いJSON over HTTPクライアントと、単一セッションを保持する接続マネージャーを含む。
package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Device はリンク送信先のデバイス。
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Package はデバイス上のダウンロードパッケージ。
type Package struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	BytesTotal int64  `json:"bytesTotal"`
	Finished   bool   `json:"finished"`
}

// Client はダウンローダーサービスのクライアント契約。
type Client interface {
	Connect(ctx context.Context, email, password string) error
	ListDevices(ctx context.Context) ([]Device, error)
	AddLinks(ctx context.Context, deviceID string, links []string, autostart bool) error
	QueryPackages(ctx context.Context, deviceID string) ([]Package, error)
	Disconnect(ctx context.Context) error
}

// ErrNotConnected はセッション確立前にAPIを呼び出した場合のエラー。
var ErrNotConnected = errors.New("ダウンローダーに接続されていません")

// APIError はダウンローダーAPIがエラーステータスを返した場合のエラー。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ダウンローダーAPIがステータス %d を返しました", e.StatusCode)
	}
	return fmt.Sprintf("ダウンローダーAPIがステータス %d を返しました: %s", e.StatusCode, e.Message)
}

// HTTPClient はClientのJSON over HTTP実装。
// Connectで取得したセッショントークンをBearerヘッダーで送信する。
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string

	mu    sync.Mutex
	token string
}

// NewHTTPClient はHTTPClientの新しいインスタンスを生成する。
func NewHTTPClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   strings.TrimRight(endpoint, "/"),
	}
}

type sessionRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	SessionToken string `json:"sessionToken"`
}

type addLinksRequest struct {
	Links     []string `json:"links"`
	Autostart bool     `json:"autostart"`
}

// Connect は認証してセッショントークンを取得する。
func (c *HTTPClient) Connect(ctx context.Context, email, password string) error {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/session", sessionRequest{Email: email, Password: password}, &resp, false); err != nil {
		return fmt.Errorf("ダウンローダーへの認証に失敗: %w", err)
	}
	if resp.SessionToken == "" {
		return errors.New("ダウンローダーがセッショントークンを返しませんでした")
	}

	c.mu.Lock()
	c.token = resp.SessionToken
	c.mu.Unlock()
	return nil
}

// ListDevices は利用可能なデバイスの一覧を取得する。
func (c *HTTPClient) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &devices, true); err != nil {
		return nil, fmt.Errorf("デバイス一覧の取得に失敗: %w", err)
	}
	return devices, nil
}

// AddLinks はデバイスにリンクを追加する。
func (c *HTTPClient) AddLinks(ctx context.Context, deviceID string, links []string, autostart bool) error {
	p := "/devices/" + url.PathEscape(deviceID) + "/links"
	if err := c.do(ctx, http.MethodPost, p, addLinksRequest{Links: links, Autostart: autostart}, nil, true); err != nil {
		return fmt.Errorf("リンクの追加に失敗: %w", err)
	}
	return nil
}

// QueryPackages はデバイス上のパッケージ一覧を取得する。
func (c *HTTPClient) QueryPackages(ctx context.Context, deviceID string) ([]Package, error) {
	var packages []Package
	p := "/devices/" + url.PathEscape(deviceID) + "/packages"
	if err := c.do(ctx, http.MethodGet, p, nil, &packages, true); err != nil {
		return nil, fmt.Errorf("パッケージ一覧の取得に失敗: %w", err)
	}
	return packages, nil
}

// Disconnect はセッションを破棄する。未接続の場合は何もしない。
func (c *HTTPClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.token != ""
	c.mu.Unlock()
	if !connected {
		return nil
	}

	err := c.do(ctx, http.MethodDelete, "/session", nil, nil, true)

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("セッションの破棄に失敗: %w", err)
	}
	return nil
}

// do はJSONリクエストを送信し、レスポンスをoutにデコードする。
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any, auth bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストのシリアライズに失敗しました: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			return ErrNotConnected
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ダウンローダーAPIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("ダウンローダーAPIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
