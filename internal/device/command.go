package device

import (
	"context"
	"os/exec"
	"time"
)

// CommandRunner は外部コマンドを実行して標準出力を返す
// テストでは固定の出力を返す関数に差し替える
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner はtimeout付きでコマンドを実行するCommandRunnerを作成する
func ExecRunner(timeout time.Duration) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return exec.CommandContext(ctx, name, args...).Output()
	}
}
