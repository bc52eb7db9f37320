package store

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedgrab/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testClock はテスト用の時計。呼び出しごとにstepだけ進む。
type testClock struct {
	mu   sync.Mutex
	cur  time.Time
	step time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.cur
	c.cur = c.cur.Add(c.step)
	return t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = t
}

func newTestStore(t *testing.T) (*Store, *testClock, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	clock := &testClock{
		cur:  time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		step: time.Millisecond,
	}
	s := New(t.TempDir(), newTestLogger(&buf))
	s.now = clock.Now
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout が失敗した: %v", err)
	}
	return s, clock, &buf
}

func TestEnsureLayout_CreatesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := New(dir, newTestLogger(&bytes.Buffer{}))

	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout が失敗した: %v", err)
	}
	for _, p := range []string{dir, filepath.Join(dir, "backups")} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("%s が作成されていない: %v", p, err)
		}
		if !info.IsDir() {
			t.Errorf("%s はディレクトリであるべき", p)
		}
	}
}

func TestEnsureLayout_FailsWhenDirIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(file, newTestLogger(&bytes.Buffer{}))

	if err := s.EnsureLayout(); err == nil {
		t.Error("ファイルと同名のデータディレクトリはエラーになるべき")
	}
}

func TestRead_MissingFileReturnsDefault(t *testing.T) {
	s, _, _ := newTestStore(t)

	settings := s.Settings()
	if settings != model.DefaultSettings() {
		t.Errorf("設定が存在しない場合はデフォルト値を返すべき: got %+v", settings)
	}
	if feeds := s.Feeds(); len(feeds) != 0 {
		t.Errorf("フィードが存在しない場合は空であるべき: got %d", len(feeds))
	}
}

func TestWriteThenRead_RoundTripsSettings(t *testing.T) {
	s, _, _ := newTestStore(t)

	want := model.Settings{CheckIntervalMinutes: 30, DeviceName: "nas", Autostart: false}
	if err := s.SaveSettings(want); err != nil {
		t.Fatalf("SaveSettings が失敗した: %v", err)
	}

	reopened := New(s.Dir(), newTestLogger(&bytes.Buffer{}))
	if got := reopened.Settings(); got != want {
		t.Errorf("再オープン後の設定が一致しない: got %+v, want %+v", got, want)
	}
}

func TestAddFeed_AssignsIDAndDefaults(t *testing.T) {
	s, _, _ := newTestStore(t)

	feed, err := s.AddFeed(model.Feed{Name: "News", URL: "https://example.com/rss", IntervalMinutes: 15})
	if err != nil {
		t.Fatalf("AddFeed が失敗した: %v", err)
	}
	if feed.ID == "" {
		t.Error("IDが採番されるべき")
	}
	if feed.Status != model.FeedStatusIdle {
		t.Errorf("初期ステータスはidleであるべき: got %q", feed.Status)
	}
	if feed.CreatedAt.IsZero() {
		t.Error("CreatedAt が設定されるべき")
	}

	got, ok := s.Feed(feed.ID)
	if !ok {
		t.Fatal("追加したフィードが取得できない")
	}
	if got.URL != feed.URL {
		t.Errorf("URLが一致しない: got %q", got.URL)
	}
}

func TestAddFeed_RejectsDuplicateID(t *testing.T) {
	s, _, _ := newTestStore(t)

	if _, err := s.AddFeed(model.Feed{ID: "f1", URL: "https://a.example/rss"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddFeed(model.Feed{ID: "f1", URL: "https://b.example/rss"}); err == nil {
		t.Error("重複IDはエラーになるべき")
	}
	if n := len(s.Feeds()); n != 1 {
		t.Errorf("フィード数は1であるべき: got %d", n)
	}
}

func TestUpdateFeed_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.UpdateFeed("missing", func(f *model.Feed) { f.Status = model.FeedStatusRunning })
	if !errors.Is(err, model.ErrFeedNotFound) {
		t.Errorf("ErrFeedNotFound が返るべき: got %v", err)
	}
}

func TestUpdateFeed_AppliesMutation(t *testing.T) {
	s, _, _ := newTestStore(t)
	feed, _ := s.AddFeed(model.Feed{URL: "https://example.com/rss"})

	updated, err := s.UpdateFeed(feed.ID, func(f *model.Feed) {
		f.Status = model.FeedStatusError
		f.FoundCount = 3
	})
	if err != nil {
		t.Fatalf("UpdateFeed が失敗した: %v", err)
	}
	if updated.Status != model.FeedStatusError || updated.FoundCount != 3 {
		t.Errorf("戻り値に更新内容が反映されていない: %+v", updated)
	}
	got, _ := s.Feed(feed.ID)
	if got.Status != model.FeedStatusError || got.FoundCount != 3 {
		t.Errorf("永続化された内容に更新が反映されていない: %+v", got)
	}
}

func TestRemoveFeed(t *testing.T) {
	s, _, _ := newTestStore(t)
	a, _ := s.AddFeed(model.Feed{URL: "https://a.example/rss"})
	b, _ := s.AddFeed(model.Feed{URL: "https://b.example/rss"})

	if err := s.RemoveFeed(a.ID); err != nil {
		t.Fatalf("RemoveFeed が失敗した: %v", err)
	}
	feeds := s.Feeds()
	if len(feeds) != 1 || feeds[0].ID != b.ID {
		t.Errorf("残りのフィードが不正: %+v", feeds)
	}
	if err := s.RemoveFeed(a.ID); !errors.Is(err, model.ErrFeedNotFound) {
		t.Errorf("削除済みフィードの再削除は ErrFeedNotFound であるべき: got %v", err)
	}
}

func TestScheduleEntries_PutReplacesByFeedID(t *testing.T) {
	s, _, _ := newTestStore(t)

	if err := s.PutScheduleEntry(model.ScheduleEntry{FeedID: "f1", NextRunAt: 100, IntervalMinutes: 15}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutScheduleEntry(model.ScheduleEntry{FeedID: "f1", NextRunAt: 200, IntervalMinutes: 15}); err != nil {
		t.Fatal(err)
	}
	entries := s.ScheduleEntries()
	if len(entries) != 1 {
		t.Fatalf("同じフィードのエントリは1件であるべき: got %d", len(entries))
	}
	if entries[0].NextRunAt != 200 {
		t.Errorf("NextRunAt が置き換えられていない: got %d", entries[0].NextRunAt)
	}

	if err := s.RemoveScheduleEntry("f1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ScheduleEntry("f1"); ok {
		t.Error("削除したエントリが残っている")
	}
	if err := s.RemoveScheduleEntry("f1"); err != nil {
		t.Errorf("存在しないエントリの削除はエラーにならないべき: %v", err)
	}
}

func TestIncrementStat(t *testing.T) {
	s, _, _ := newTestStore(t)

	if _, err := s.IncrementStat(model.StatItemsSeen, 4); err != nil {
		t.Fatal(err)
	}
	st, err := s.IncrementStat(model.StatItemsSeen, 2)
	if err != nil {
		t.Fatal(err)
	}
	if st.ItemsSeen != 6 {
		t.Errorf("ItemsSeen は6であるべき: got %d", st.ItemsSeen)
	}
	if _, err := s.IncrementStat(model.StatField("bogus"), 1); err == nil {
		t.Error("不明なフィールドはエラーになるべき")
	}
	if got := s.Stats(); got.ItemsSeen != 6 || got.LinksExtracted != 0 {
		t.Errorf("永続化された統計が不正: %+v", got)
	}
}

func TestIncrementStat_ConcurrentUpdatesAreNotLost(t *testing.T) {
	s, _, _ := newTestStore(t)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementStat(model.StatLinksExtracted, 1); err != nil {
				t.Errorf("IncrementStat が失敗した: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.Stats().LinksExtracted; got != workers {
		t.Errorf("並行更新が失われた: got %d, want %d", got, workers)
	}
}

func TestAddLog_NewestFirstAndCapped(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < 600; i++ {
		level := model.LogLevelInfo
		if i == 599 {
			level = model.LogLevelSuccess
		}
		if _, err := s.AddLog(level, "message", "test"); err != nil {
			t.Fatalf("AddLog が失敗した: %v", err)
		}
	}

	logs := s.Logs()
	if len(logs) != MaxLogEntries {
		t.Fatalf("ログは%d件に制限されるべき: got %d", MaxLogEntries, len(logs))
	}
	if logs[0].Level != model.LogLevelSuccess {
		t.Errorf("最新のログが先頭であるべき: got %q", logs[0].Level)
	}
	if !logs[0].Timestamp.After(logs[len(logs)-1].Timestamp) {
		t.Error("ログは新しい順に並ぶべき")
	}
}

func TestPrepend(t *testing.T) {
	got := prepend([]int{1, 2, 3}, 0, 3)
	want := []int{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("長さが不正: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCollectionsDoNotBlockEachOther(t *testing.T) {
	s, _, _ := newTestStore(t)

	done := make(chan struct{})
	err := s.WithLock(CollectionFeeds, func() error {
		go func() {
			defer close(done)
			_, _ = s.AddLog(model.LogLevelInfo, "while feeds locked", "test")
		}()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("別コレクションの操作がブロックされた")
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}
