package model

import "errors"

// ErrFeedNotFound は指定IDのフィードが存在しないことを示す。
var ErrFeedNotFound = errors.New("フィードが見つかりません")

// ErrExtractedItemNotFound は指定IDの抽出アイテムが存在しないことを示す。
var ErrExtractedItemNotFound = errors.New("抽出アイテムが見つかりません")
