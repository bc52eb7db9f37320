package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun はデーモンと運用HTTPサーバーを起動することを示す。
	CommandRun Command = "run"
	// CommandCleanup は保持期間を超えたエントリを1回だけ削除することを示す。
	CommandCleanup Command = "cleanup"
	// CommandClear はフィードと設定を残して履歴と統計を初期化することを示す。
	CommandClear Command = "clear"
	// CommandReset は全コレクションを初期化することを示す。
	CommandReset Command = "reset"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch args[0] {
	case "run":
		return CommandRun
	case "cleanup":
		return CommandCleanup
	case "clear":
		return CommandClear
	case "reset":
		return CommandReset
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandRun
	}
}
