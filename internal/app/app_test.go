package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/hitoshi/feedgrab/internal/model"
	"github.com/hitoshi/feedgrab/internal/store"
)

func setTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("SERVER_PORT", "0")
	t.Setenv("DOWNLOADER_EMAIL", "")
	t.Setenv("DOWNLOADER_PASSWORD", "")
	t.Setenv("LOG_LEVEL", "info")
	return dir
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	dir := setTestEnv(t)
	t.Setenv("LOG_LEVEL", "debug")

	var buf bytes.Buffer
	cfg, log, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil || log == nil {
		t.Fatal("expected non-nil config and logger")
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}

	// LOG_LEVELがグローバルロガーに反映されること
	slog.Default().Debug("init test")
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" || entry["level"] != "DEBUG" {
		t.Errorf("unexpected log entry: %v", entry)
	}
}

func TestInit_WithInvalidConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DOWNLOADER_EMAIL", "user@example.com")

	var buf bytes.Buffer
	cfg, _, err := Init(&buf)
	if err == nil {
		t.Fatal("認証情報の片方のみの場合はエラーを返すべき")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestRun_WithInvalidConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("MAX_CONCURRENT_FEEDS", "-1")

	var buf bytes.Buffer
	if err := run(context.Background(), &buf, []string{"run"}); err == nil {
		t.Fatal("不正な設定ではエラーを返すべき")
	}
}

func TestRun_DaemonStopsWhenContextCanceled(t *testing.T) {
	dir := setTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if err := run(ctx, &buf, nil); err != nil {
		t.Fatalf("run() がエラーを返した: %v\nlogs: %s", err, buf.String())
	}
	for _, msg := range []string{"daemon started", "daemon stopped gracefully"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("ログに %q が含まれるべき", msg)
		}
	}

	// 終了後はロックが解放されていること
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Errorf("終了後はロックを取得できるべき: locked=%v err=%v", locked, err)
	}
	lock.Unlock()
}

func TestRun_Cleanup(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := run(context.Background(), &buf, []string{"cleanup"}); err != nil {
		t.Fatalf("cleanup がエラーを返した: %v", err)
	}
	if !strings.Contains(buf.String(), "クリーンアップジョブが完了しました") {
		t.Errorf("完了ログが出力されていない: %s", buf.String())
	}
}

func TestRun_ClearKeepsFeedsAndResetRemovesThem(t *testing.T) {
	dir := setTestEnv(t)
	var buf bytes.Buffer
	st := store.New(dir, newTestLogger(&buf))
	if err := st.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddFeed(model.Feed{Name: "keep", URL: "https://example.com/feed"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddLog(model.LogLevelInfo, "old", "test"); err != nil {
		t.Fatal(err)
	}

	if err := run(context.Background(), &buf, []string{"clear"}); err != nil {
		t.Fatalf("clear がエラーを返した: %v", err)
	}
	if len(st.Logs()) != 0 {
		t.Error("clear後はログが空であるべき")
	}
	if len(st.Feeds()) != 1 {
		t.Error("clearはフィードを保持するべき")
	}

	if err := run(context.Background(), &buf, []string{"reset"}); err != nil {
		t.Fatalf("reset がエラーを返した: %v", err)
	}
	if len(st.Feeds()) != 0 {
		t.Error("reset後はフィードが空であるべき")
	}
}

func TestRun_CleanupFailsWhileDaemonHoldsLock(t *testing.T) {
	dir := setTestEnv(t)

	lock := flock.New(filepath.Join(dir, lockFileName))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("テスト用ロックの取得に失敗: ok=%v err=%v", ok, err)
	}
	defer lock.Unlock()

	var buf bytes.Buffer
	err := run(context.Background(), &buf, []string{"cleanup"})
	if !errors.Is(err, ErrDataDirLocked) {
		t.Errorf("ErrDataDirLocked が返るべき: got %v", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unhealthy", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			err = runHealthcheck(u.Port())
			if (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunHealthcheck_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()

	if err := runHealthcheck(u.Port()); err == nil {
		t.Error("接続できない場合はエラーを返すべき")
	}
}
