package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/feedgrab/internal/events"
	"github.com/hitoshi/feedgrab/internal/metrics"
	"github.com/hitoshi/feedgrab/internal/model"
)

var (
	// ErrBackoff は直近の接続失敗後のバックオフ期間中であることを示す。
	ErrBackoff = errors.New("接続失敗後のバックオフ期間中です")
	// ErrNoDevices はアカウントにデバイスが存在しないことを示す。
	ErrNoDevices = errors.New("利用可能なデバイスがありません")
	// ErrNotConfigured は認証情報が設定されていないことを示す。
	ErrNotConfigured = errors.New("ダウンローダーの認証情報が設定されていません")
)

const (
	defaultInitialBackoff = 30 * time.Second
	defaultMaxBackoff     = 10 * time.Minute
)

// Credentials はダウンローダーの認証情報。
type Credentials struct {
	Email    string
	Password string
	// Device は送信先デバイスの名前またはID。空の場合は先頭のデバイスを使用する。
	Device string
}

// Configured はメールアドレスとパスワードの両方が設定されているかを返す。
func (c Credentials) Configured() bool {
	return c.Email != "" && c.Password != ""
}

// CredentialsProvider は呼び出しごとに最新の認証情報を返す。
type CredentialsProvider interface {
	Credentials() Credentials
}

// Ledger は送信結果を永続化するストア操作。
type Ledger interface {
	IncrementStat(field model.StatField, n int64) (model.Stats, error)
	MarkSubmitted(id string) error
	Settings() model.Settings
}

// Options はManagerのバックオフ設定。
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ConnectionStatus はAPI層へ公開する接続状態。
type ConnectionStatus struct {
	Configured  bool   `json:"configured"`
	Connected   bool   `json:"connected"`
	MaskedEmail string `json:"maskedEmail,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
}

// TestResult は接続テストの結果。
type TestResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	DeviceName   string `json:"deviceName,omitempty"`
	PackageCount *int   `json:"packageCount,omitempty"`
}

// connState はメモリ上の接続状態。永続化しない。
type connState struct {
	connected   bool
	device      Device
	attempts    int
	lastFailure time.Time
}

// Manager はダウンローダーとの単一の論理セッションを所有する。
// Disconnected から接続とデバイス解決に成功すると Connected{deviceId} へ遷移し、
// いずれかの失敗で Disconnected へ完全にリセットされる。
type Manager struct {
	client    Client
	creds     CredentialsProvider
	ledger    Ledger
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      Options

	// connMu は接続処理を直列化する。muは状態の読み書きのみを保護する。
	connMu sync.Mutex
	mu     sync.Mutex
	state  connState

	now func() time.Time
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(
	client Client,
	creds CredentialsProvider,
	ledger Ledger,
	publisher events.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Manager{
		client:    client,
		creds:     creds,
		ledger:    ledger,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// backoffWindow は失敗回数に応じた待機時間を返す。初回30秒から倍増し最大10分。
func (m *Manager) backoffWindow(attempts int) time.Duration {
	window := m.opts.InitialBackoff
	for i := 1; i < attempts; i++ {
		window *= 2
		if window >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	return min(window, m.opts.MaxBackoff)
}

// EnsureConnection は接続済みのデバイスを返す。
// バックオフ期間中はネットワークI/Oを行わずErrBackoffを返す。
func (m *Manager) EnsureConnection(ctx context.Context) (Device, error) {
	return m.ensure(ctx, true)
}

func (m *Manager) ensure(ctx context.Context, respectBackoff bool) (Device, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	if st.connected {
		return st.device, nil
	}
	if respectBackoff && st.attempts > 0 {
		window := m.backoffWindow(st.attempts)
		if elapsed := m.now().Sub(st.lastFailure); elapsed < window {
			return Device{}, fmt.Errorf("%w: 残り %s", ErrBackoff, (window - elapsed).Round(time.Second))
		}
	}

	creds := m.creds.Credentials()
	if !creds.Configured() {
		return Device{}, ErrNotConfigured
	}

	if err := m.client.Connect(ctx, creds.Email, creds.Password); err != nil {
		return Device{}, m.fail(ctx, err)
	}
	devices, err := m.client.ListDevices(ctx)
	if err != nil {
		return Device{}, m.fail(ctx, err)
	}
	if len(devices) == 0 {
		return Device{}, m.fail(ctx, ErrNoDevices)
	}

	want := m.ledger.Settings().DeviceName
	if want == "" {
		want = creds.Device
	}
	device := m.selectDevice(devices, want)

	m.mu.Lock()
	m.state = connState{connected: true, device: device}
	m.mu.Unlock()
	m.metrics.SetDownloaderConnected(true)

	m.logger.Info("ダウンローダーに接続しました",
		slog.String("device_id", device.ID),
		slog.String("device_name", device.Name),
	)
	return device, nil
}

// selectDevice は名前またはIDが一致するデバイスを大文字小文字を区別せずに選択する。
// 一致しない場合は先頭のデバイスを使用する。
func (m *Manager) selectDevice(devices []Device, want string) Device {
	if want != "" {
		for _, d := range devices {
			if strings.EqualFold(d.Name, want) || strings.EqualFold(d.ID, want) {
				return d
			}
		}
		m.logger.Warn("指定されたデバイスが見つからないため先頭のデバイスを使用します",
			slog.String("wanted", want),
			slog.String("device_name", devices[0].Name),
		)
	}
	return devices[0]
}

// fail は接続状態を完全にリセットし、失敗時刻と回数を記録する。
func (m *Manager) fail(ctx context.Context, cause error) error {
	m.mu.Lock()
	attempts := m.state.attempts + 1
	m.state = connState{attempts: attempts, lastFailure: m.now()}
	m.mu.Unlock()

	_ = m.client.Disconnect(ctx)
	m.metrics.SetDownloaderConnected(false)

	m.logger.Error("ダウンローダーへの接続に失敗しました",
		slog.Int("attempts", attempts),
		slog.Duration("backoff", m.backoffWindow(attempts)),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("ダウンローダーへの接続に失敗: %w", cause)
}

// reset はセッションを破棄して Disconnected に戻す。バックオフは記録しない。
func (m *Manager) reset(ctx context.Context) {
	m.mu.Lock()
	m.state.connected = false
	m.state.device = Device{}
	m.mu.Unlock()

	_ = m.client.Disconnect(ctx)
	m.metrics.SetDownloaderConnected(false)
}

// Submit はリンクをautostart付きでダウンローダーへ追加する。
// 認証情報がない場合は警告を出して何もしない。失敗時はセッションを破棄し、同じ送信内では再試行しない。
func (m *Manager) Submit(ctx context.Context, itemID, link, title string) error {
	if !m.creds.Credentials().Configured() {
		m.logger.Warn("認証情報が未設定のためダウンローダーへの送信をスキップします",
			slog.String("item_id", itemID),
			slog.String("title", title),
		)
		m.metrics.RecordSubmission(metrics.SubmitSkipped)
		return nil
	}

	device, err := m.EnsureConnection(ctx)
	if err != nil {
		m.metrics.RecordSubmission(metrics.SubmitFailure)
		return fmt.Errorf("送信前の接続確認に失敗: %w", err)
	}

	autostart := m.ledger.Settings().Autostart
	if err := m.client.AddLinks(ctx, device.ID, []string{link}, autostart); err != nil {
		m.reset(ctx)
		m.metrics.RecordSubmission(metrics.SubmitFailure)
		m.logger.Error("ダウンローダーへのリンク送信に失敗しました",
			slog.String("item_id", itemID),
			slog.String("device_id", device.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("リンク送信に失敗: %w", err)
	}

	stats, err := m.ledger.IncrementStat(model.StatItemsSubmitted, 1)
	if err != nil {
		m.logger.Error("送信数の更新に失敗しました", slog.String("error", err.Error()))
	}
	if err := m.ledger.MarkSubmitted(itemID); err != nil {
		m.logger.Error("抽出アイテムの送信済み更新に失敗しました",
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}
	m.publisher.Publish(events.Event{Type: events.TypeStats, Data: stats})
	m.metrics.RecordSubmission(metrics.SubmitSuccess)

	m.logger.Info("ダウンローダーにリンクを送信しました",
		slog.String("item_id", itemID),
		slog.String("title", title),
		slog.String("device_name", device.Name),
		slog.Bool("autostart", autostart),
	)
	return nil
}

// Status は現在の接続状態を返す。
func (m *Manager) Status() ConnectionStatus {
	creds := m.creds.Credentials()

	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	status := ConnectionStatus{
		Configured: creds.Configured(),
		Connected:  st.connected,
	}
	if creds.Email != "" {
		status.MaskedEmail = MaskEmail(creds.Email)
	}
	if st.connected {
		status.DeviceName = st.device.Name
	}
	return status
}

// TestConnection はバックオフ期間を無視して接続し、選択デバイスのパッケージ数を取得する。
func (m *Manager) TestConnection(ctx context.Context) TestResult {
	device, err := m.ensure(ctx, false)
	if err != nil {
		return TestResult{Error: err.Error()}
	}

	packages, err := m.client.QueryPackages(ctx, device.ID)
	if err != nil {
		m.reset(ctx)
		return TestResult{Error: err.Error(), DeviceName: device.Name}
	}

	count := len(packages)
	return TestResult{Success: true, DeviceName: device.Name, PackageCount: &count}
}

// Close はセッションを破棄する。シャットダウン時に呼び出す。
func (m *Manager) Close(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	connected := m.state.connected
	m.state = connState{}
	m.mu.Unlock()

	if !connected {
		return nil
	}
	m.metrics.SetDownloaderConnected(false)
	return m.client.Disconnect(ctx)
}

// MaskEmail はメールアドレスのローカル部を先頭2文字以外伏せ字にする。
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	keep := 2
	if len(local) <= keep {
		keep = 1
	}
	if len(local) == 0 {
		keep = 0
	}
	return local[:keep] + "***@" + domain
}
