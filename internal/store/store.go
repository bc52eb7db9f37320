// Package store はJSONファイルベースの永続化層を提供する。
// コレクション単位の排他制御、アトミック書き込み、バックアップローテーション、
// 破損時の自動復旧、保持件数によるトリミングを担う。
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Collection は永続化されるコレクションの名前。ファイル名にも使用される。
type Collection string

const (
	CollectionFeeds     Collection = "feeds"
	CollectionLogs      Collection = "logs"
	CollectionStats     Collection = "stats"
	CollectionSettings  Collection = "settings"
	CollectionProcessed Collection = "processed"
	CollectionExtracted Collection = "extracted"
	CollectionGrabbed   Collection = "grabbed"
	CollectionSchedule  Collection = "schedule"
)

// AllCollections は管理対象の全コレクション。
var AllCollections = []Collection{
	CollectionFeeds,
	CollectionLogs,
	CollectionStats,
	CollectionSettings,
	CollectionProcessed,
	CollectionExtracted,
	CollectionGrabbed,
	CollectionSchedule,
}

const (
	// maxBackups はコレクションごとに保持するバックアップ数。
	maxBackups = 5
	// MaxProcessedURLs は処理済みURL台帳の上限件数。
	MaxProcessedURLs = 1000
	// MaxExtractedItems は抽出アイテムの上限件数。
	MaxExtractedItems = 500
	// MaxGrabbedItems は取得履歴の上限件数。
	MaxGrabbedItems = 500
	// MaxLogEntries はアクティビティログの上限件数。
	MaxLogEntries = 100
	// DefaultCleanupAge は経過日数クリーンアップのデフォルト閾値（60日）。
	DefaultCleanupAge = 60 * 24 * time.Hour
)

// Store はデータディレクトリ配下のコレクションファイルを管理する。
// 同一コレクションへのread-modify-writeはコレクション単位のロックで直列化され、
// 異なるコレクションの操作は互いにブロックしない。
type Store struct {
	dir       string
	backupDir string
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[Collection]*sync.Mutex

	// テストでクラッシュや時刻を差し替えるためのフック
	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// New はStoreの新しいインスタンスを生成する。
// ディレクトリの作成はEnsureLayoutで行う。
func New(dir string, logger *slog.Logger) *Store {
	s := &Store{
		dir:       dir,
		backupDir: filepath.Join(dir, "backups"),
		logger:    logger,
		locks:     make(map[Collection]*sync.Mutex, len(AllCollections)),
		now:       time.Now,
		rename:    os.Rename,
	}
	for _, c := range AllCollections {
		s.locks[c] = &sync.Mutex{}
	}
	return s
}

// Dir はデータディレクトリのパスを返す。
func (s *Store) Dir() string {
	return s.dir
}

// EnsureLayout はデータディレクトリとバックアップディレクトリを作成する。
// ここでの失敗はデーモン起動を中止させる唯一の致命的エラーである。
func (s *Store) EnsureLayout() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("データディレクトリの作成に失敗: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("バックアップディレクトリの作成に失敗: %w", err)
	}
	return nil
}

// WithLock はコレクションの排他ロックを取得した状態でfnを実行する。
// fnの中から同じコレクションのロック付き操作を呼び出してはならない。
func (s *Store) WithLock(c Collection, fn func() error) error {
	l := s.lockFor(c)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (s *Store) lockFor(c Collection) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[c]
	if !ok {
		l = &sync.Mutex{}
		s.locks[c] = l
	}
	return l
}

func (s *Store) path(c Collection) string {
	return filepath.Join(s.dir, string(c)+".json")
}

// Read はコレクションを読み込む。ファイルが存在しない場合や復旧不能な場合はdefを返す。
// 読み込みがエラーを呼び出し元に返すことはない。
func Read[T any](s *Store, c Collection, def func() T) T {
	var v T
	_ = s.WithLock(c, func() error {
		v = load(s, c, def, decodeJSON[T])
		return nil
	})
	return v
}

// Write はコレクション全体をアトミックに置き換える。
func Write[T any](s *Store, c Collection, v T) error {
	return s.WithLock(c, func() error {
		return save(s, c, v)
	})
}

// Update はロック下でコレクションを読み込み、fnの戻り値で置き換える。
// fnがエラーを返した場合は書き込みを行わない。
func Update[T any](s *Store, c Collection, def func() T, fn func(T) (T, error)) error {
	return s.WithLock(c, func() error {
		cur := load(s, c, def, decodeJSON[T])
		next, err := fn(cur)
		if err != nil {
			return err
		}
		return save(s, c, next)
	})
}
