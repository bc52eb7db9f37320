// Command feedgrab はフィードを監視し、記事から抽出したダウンロードリンクを
// リモートのダウンローダーへ送信するデーモン。
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/feedgrab/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
