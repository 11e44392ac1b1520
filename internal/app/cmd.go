package app

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/kbsync/internal/model"
	"github.com/hitoshi/kbsync/internal/worker/orchestrator"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandSync は同期を1回だけ実行して終了することを示す。
	CommandSync Command = "sync"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "sync":
		return CommandSync
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// ParseSyncArgs は sync サブコマンドの引数を同期要求に変換する。
//
//	kbsync sync full|delta_window|delta_surgical [daysBack]
func ParseSyncArgs(args []string) (orchestrator.RunRequest, error) {
	if len(args) == 0 {
		return orchestrator.RunRequest{}, fmt.Errorf("%w: mode is required (full|delta_window|delta_surgical)", model.ErrInvalidSyncMode)
	}
	if len(args) > 2 {
		return orchestrator.RunRequest{}, fmt.Errorf("too many arguments: %v", args)
	}

	mode, err := model.ParseSyncMode(args[0])
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	req := orchestrator.RunRequest{Mode: mode, Trigger: model.SyncTriggerManual}

	if len(args) == 2 {
		days, err := strconv.Atoi(args[1])
		if err != nil || days < 1 {
			return orchestrator.RunRequest{}, fmt.Errorf("%w: daysBack must be a positive integer: %q", model.ErrInvalidSyncConfig, args[1])
		}
		req.DaysBack = &days
	}
	return req, nil
}
