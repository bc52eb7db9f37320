package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/feedgrab/internal/model"
)

func TestCommit_InterruptedRenameKeepsPreviousContent(t *testing.T) {
	s, _, _ := newTestStore(t)

	first := model.Settings{CheckIntervalMinutes: 10, Autostart: true}
	if err := s.SaveSettings(first); err != nil {
		t.Fatal(err)
	}

	// rename直前のクラッシュを模擬する
	s.rename = func(oldpath, newpath string) error {
		return errors.New("simulated crash")
	}
	if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: 99}); err == nil {
		t.Fatal("rename失敗時はエラーが返るべき")
	}
	s.rename = os.Rename

	if got := s.Settings(); got != first {
		t.Errorf("中断された書き込みの後は旧内容が残るべき: got %+v", got)
	}
	if _, err := os.Stat(s.path(CollectionSettings) + ".tmp"); !os.IsNotExist(err) {
		t.Error("一時ファイルが残っている")
	}
}

func TestLoad_CorruptFileRestoredFromNewestValidBackup(t *testing.T) {
	s, _, buf := newTestStore(t)

	for _, n := range []int{1, 2, 3} {
		if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: n}); err != nil {
			t.Fatal(err)
		}
	}
	// 現在: live=3, backups=[2, 1]
	if err := os.WriteFile(s.path(CollectionSettings), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := s.Settings()
	if got.CheckIntervalMinutes != 2 {
		t.Errorf("最新の有効なバックアップから復元されるべき: got %d", got.CheckIntervalMinutes)
	}

	data, err := os.ReadFile(s.path(CollectionSettings))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"checkInterval": 2`) {
		t.Errorf("ライブファイルが復元されていない: %s", data)
	}
	if !strings.Contains(buf.String(), "バックアップからコレクションを復元しました") {
		t.Errorf("復元ログが出力されていない: %s", buf.String())
	}
}

func TestLoad_SkipsCorruptBackups(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, n := range []int{1, 2, 3} {
		if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: n}); err != nil {
			t.Fatal(err)
		}
	}
	backups, err := s.listBackups(CollectionSettings)
	if err != nil || len(backups) != 2 {
		t.Fatalf("バックアップは2件あるべき: %v %v", backups, err)
	}
	// 最新バックアップ(2)を壊す
	if err := os.WriteFile(backups[0], []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path(CollectionSettings), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := s.Settings(); got.CheckIntervalMinutes != 1 {
		t.Errorf("壊れたバックアップを飛ばして次に新しいものを使うべき: got %d", got.CheckIntervalMinutes)
	}
}

func TestLoad_NoValidBackupFallsBackToDefault(t *testing.T) {
	s, _, buf := newTestStore(t)

	if err := os.WriteFile(s.path(CollectionSettings), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.Settings(); got != model.DefaultSettings() {
		t.Errorf("復旧不能時はデフォルト値を返すべき: got %+v", got)
	}
	if !strings.Contains(buf.String(), "有効なバックアップがないためデフォルト値を使用します") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestLoad_EmptyFileTreatedAsCorrupt(t *testing.T) {
	s, _, _ := newTestStore(t)

	if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: 8}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path(CollectionSettings), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.Settings(); got.CheckIntervalMinutes != 7 {
		t.Errorf("空ファイルは破損として扱いバックアップから復元するべき: got %d", got.CheckIntervalMinutes)
	}
}

func TestBackup_RotationKeepsFive(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 1; i <= 12; i++ {
		if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: i}); err != nil {
			t.Fatal(err)
		}
	}

	backups, err := s.listBackups(CollectionSettings)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != maxBackups {
		t.Fatalf("バックアップは%d件に制限されるべき: got %d", maxBackups, len(backups))
	}
	newest, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(newest), `"checkInterval": 11`) {
		t.Errorf("最新バックアップは直前の内容であるべき: %s", newest)
	}
}

func TestRecover_DoesNotRotateBackups(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, n := range []int{1, 2, 3} {
		if err := s.SaveSettings(model.Settings{CheckIntervalMinutes: n}); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := s.listBackups(CollectionSettings)
	if err := os.WriteFile(s.path(CollectionSettings), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = s.Settings()

	after, _ := s.listBackups(CollectionSettings)
	if len(after) != len(before) {
		t.Errorf("復元時にバックアップが増減してはならない: before %d, after %d", len(before), len(after))
	}
}

func TestBackup_FilesLiveUnderBackupDir(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < 2; i++ {
		if _, err := s.AddLog(model.LogLevelInfo, "x", "test"); err != nil {
			t.Fatal(err)
		}
	}
	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "backups", "logs.*.json"))
	if len(matches) != 1 {
		t.Errorf("2回目の書き込みで1件のバックアップが作られるべき: got %d", len(matches))
	}
}
