package motor

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port はコントローラーとの接続
// Read はタイムアウト時に 0, nil を返してよい
type Port io.ReadWriteCloser

// Opener はポートを開く
type Opener func(path string) (Port, error)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// SerialOpener は go.bug.st/serial でシリアルポートを開くOpenerを作成する
func SerialOpener(baudRate int, readTimeout time.Duration) Opener {
	return func(path string) (Port, error) {
		port, err := serial.Open(path, &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("シリアルポート %s を開けません: %w", path, err)
		}
		if err := port.SetReadTimeout(readTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("読み込みタイムアウトの設定に失敗: %w", err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("入力バッファのクリアに失敗: %w", err)
		}
		return port, nil
	}
}
