package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedgrab/internal/model"
)

func TestMarkProcessed_IsIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)

	if err := s.MarkProcessed("https://example.com/a"); err != nil {
		t.Fatal(err)
	}
	first := s.ProcessedURLs()[0].Timestamp

	if err := s.MarkProcessed("https://example.com/a", "https://example.com/a"); err != nil {
		t.Fatal(err)
	}
	records := s.ProcessedURLs()
	if len(records) != 1 {
		t.Fatalf("同じURLは1件のみ記録されるべき: got %d", len(records))
	}
	if !records[0].Timestamp.Equal(first) {
		t.Error("再記録で初回のタイムスタンプが変わってはならない")
	}
}

func TestMarkProcessed_KeepsNewestThousand(t *testing.T) {
	s, _, _ := newTestStore(t)

	urls := make([]string, 1500)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	// 複数回に分けて記録する
	for i := 0; i < len(urls); i += 250 {
		if err := s.MarkProcessed(urls[i : i+250]...); err != nil {
			t.Fatal(err)
		}
	}

	records := s.ProcessedURLs()
	if len(records) != MaxProcessedURLs {
		t.Fatalf("台帳は%d件に制限されるべき: got %d", MaxProcessedURLs, len(records))
	}
	if records[0].URL != "https://example.com/500" {
		t.Errorf("最も古い500件が削除されるべき: 先頭 %q", records[0].URL)
	}
	if records[len(records)-1].URL != "https://example.com/1499" {
		t.Errorf("最新のURLが末尾であるべき: 末尾 %q", records[len(records)-1].URL)
	}

	set := s.ProcessedSet()
	if _, ok := set["https://example.com/0"]; ok {
		t.Error("削除されたURLが集合に含まれている")
	}
	if _, ok := set["https://example.com/1499"]; !ok {
		t.Error("最新のURLが集合に含まれていない")
	}
}

func TestProcessedURLs_MigratesLegacyFormat(t *testing.T) {
	s, clock, buf := newTestStore(t)
	migratedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(migratedAt)

	legacy := `["https://example.com/a","https://example.com/b","https://example.com/a",""]`
	if err := os.WriteFile(s.path(CollectionProcessed), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	records := s.ProcessedURLs()
	if len(records) != 2 {
		t.Fatalf("重複と空文字を除いて2件に変換されるべき: got %d", len(records))
	}
	if !records[0].Timestamp.Equal(migratedAt) {
		t.Errorf("変換時刻がタイムスタンプになるべき: got %v", records[0].Timestamp)
	}

	data, err := os.ReadFile(s.path(CollectionProcessed))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"url": "https://example.com/a"`) {
		t.Errorf("新形式で書き戻されるべき: %s", data)
	}
	if !strings.Contains(buf.String(), "コレクションを旧形式から変換しました") {
		t.Errorf("変換ログが出力されていない: %s", buf.String())
	}
}

func TestProcessedURLs_RejectsUnknownShape(t *testing.T) {
	s, _, _ := newTestStore(t)

	if err := os.WriteFile(s.path(CollectionProcessed), []byte(`{"url":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.ProcessedURLs(); len(got) != 0 {
		t.Errorf("解釈できない形式は空の台帳になるべき: got %d", len(got))
	}
}

func TestAddExtracted_CappedAndNewestFirst(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < MaxExtractedItems+20; i++ {
		if _, err := s.AddExtracted(model.ExtractedItem{FeedID: "f1", Title: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	items := s.ExtractedItems()
	if len(items) != MaxExtractedItems {
		t.Fatalf("抽出アイテムは%d件に制限されるべき: got %d", MaxExtractedItems, len(items))
	}
	if items[0].Title != fmt.Sprintf("t%d", MaxExtractedItems+19) {
		t.Errorf("最新が先頭であるべき: got %q", items[0].Title)
	}
}

func TestMarkSubmitted(t *testing.T) {
	s, _, _ := newTestStore(t)

	item, err := s.AddExtracted(model.ExtractedItem{FeedID: "f1", DownloadURL: "https://nfile.cc/x"})
	if err != nil {
		t.Fatal(err)
	}
	if item.Submitted {
		t.Fatal("追加直後は未送信であるべき")
	}
	if err := s.MarkSubmitted(item.ID); err != nil {
		t.Fatal(err)
	}
	if !s.ExtractedItems()[0].Submitted {
		t.Error("送信済みになるべき")
	}
	if err := s.MarkSubmitted("missing"); !errors.Is(err, model.ErrExtractedItemNotFound) {
		t.Errorf("ErrExtractedItemNotFound が返るべき: got %v", err)
	}
}

func TestAddGrabbed_Capped(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < MaxGrabbedItems+5; i++ {
		if _, err := s.AddGrabbed(model.GrabbedItem{FeedID: "f1", Link: fmt.Sprintf("https://example.com/%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(s.GrabbedItems()); n != MaxGrabbedItems {
		t.Errorf("取得履歴は%d件に制限されるべき: got %d", MaxGrabbedItems, n)
	}
}
