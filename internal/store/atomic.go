package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// backupTimeLayout はバックアップファイル名の時刻部分。固定幅のため辞書順が時系列順になる。
const backupTimeLayout = "20060102T150405.000000000"

// decodeFunc はファイル内容をコレクションの値にデコードする。
// migratedがtrueの場合、旧形式から変換されたため書き戻しが必要であることを示す。
type decodeFunc[T any] func(data []byte) (v T, migrated bool, err error)

func decodeJSON[T any](data []byte) (T, bool, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, false, err
}

// load はロック取得済みの前提でコレクションを読み込む。
// パースに失敗した場合はバックアップを新しい順に試し、最初に読めたものを復元する。
func load[T any](s *Store, c Collection, def func() T, decode decodeFunc[T]) T {
	data, err := os.ReadFile(s.path(c))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return def()
		}
		s.logger.Error("コレクションファイルの読み込みに失敗しました",
			slog.String("collection", string(c)),
			slog.String("error", err.Error()),
		)
	} else {
		v, migrated, decodeErr := decodeContent(data, decode)
		if decodeErr == nil {
			if migrated {
				s.persistMigration(c, v)
			}
			return v
		}
		s.logger.Warn("コレクションファイルの破損を検出しました",
			slog.String("collection", string(c)),
			slog.String("error", decodeErr.Error()),
		)
	}

	if v, ok := recoverFromBackups(s, c, decode); ok {
		return v
	}

	s.logger.Error("有効なバックアップがないためデフォルト値を使用します",
		slog.String("collection", string(c)),
	)
	return def()
}

func decodeContent[T any](data []byte, decode decodeFunc[T]) (T, bool, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		var zero T
		return zero, false, errors.New("空のファイル")
	}
	return decode(data)
}

func (s *Store) persistMigration(c Collection, v any) {
	if err := save(s, c, v); err != nil {
		s.logger.Warn("旧形式から変換したコレクションの書き戻しに失敗しました",
			slog.String("collection", string(c)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("コレクションを旧形式から変換しました",
		slog.String("collection", string(c)),
	)
}

// recoverFromBackups は有効な最新バックアップをライブファイルとして復元する。
// 復元時はバックアップのローテーションを行わない。
func recoverFromBackups[T any](s *Store, c Collection, decode decodeFunc[T]) (T, bool) {
	var zero T
	backups, err := s.listBackups(c)
	if err != nil {
		s.logger.Error("バックアップ一覧の取得に失敗しました",
			slog.String("collection", string(c)),
			slog.String("error", err.Error()),
		)
		return zero, false
	}

	for _, path := range backups {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v, migrated, err := decodeContent(data, decode)
		if err != nil {
			s.logger.Warn("バックアップも破損しています",
				slog.String("collection", string(c)),
				slog.String("backup", filepath.Base(path)),
			)
			continue
		}
		if err := s.commit(c, data, false); err != nil {
			s.logger.Error("バックアップからの復元に失敗しました",
				slog.String("collection", string(c)),
				slog.String("backup", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Warn("バックアップからコレクションを復元しました",
				slog.String("collection", string(c)),
				slog.String("backup", filepath.Base(path)),
			)
		}
		if migrated {
			s.persistMigration(c, v)
		}
		return v, true
	}
	return zero, false
}

// save はロック取得済みの前提で値をシリアライズしてアトミックに書き込む。
func save(s *Store, c Collection, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%s のシリアライズに失敗: %w", c, err)
	}
	return s.commit(c, data, true)
}

// commit は一時ファイルへ書き込み、読み戻して検証した後にrenameで置き換える。
// rename前にクラッシュした場合、既存ファイルはそのまま残る。
func (s *Store) commit(c Collection, data []byte, rotate bool) error {
	target := s.path(c)
	tmp := target + ".tmp"

	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%s の一時ファイル書き込みに失敗: %w", c, err)
	}

	written, err := os.ReadFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%s の一時ファイル読み戻しに失敗: %w", c, err)
	}
	if !json.Valid(written) {
		_ = os.Remove(tmp)
		return fmt.Errorf("%s の一時ファイルが不正なJSONです", c)
	}

	if rotate {
		if err := s.backup(c); err != nil {
			s.logger.Warn("バックアップの作成に失敗しました",
				slog.String("collection", string(c)),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%s のrenameに失敗: %w", c, err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// backup は現在のライブファイルをタイムスタンプ付きでバックアップし、古いものを削除する。
func (s *Store) backup(c Collection) error {
	current, err := os.ReadFile(s.path(c))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%s.json", c, s.now().UTC().Format(backupTimeLayout))
	if err := os.WriteFile(filepath.Join(s.backupDir, name), current, 0o644); err != nil {
		return err
	}

	backups, err := s.listBackups(c)
	if err != nil {
		return err
	}
	for _, old := range backups[min(len(backups), maxBackups):] {
		if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// listBackups はコレクションのバックアップを新しい順に返す。
func (s *Store) listBackups(c Collection) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.backupDir, string(c)+".*.json"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}
