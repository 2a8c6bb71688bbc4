package motor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"enkaku/internal/device"
)

// Prober はシリアルポートにSTATUSを送ってコントローラーかどうかを調べる
type Prober struct {
	opener Opener
	settle time.Duration
}

// NewProber は新しいProberを作成する
func NewProber(opener Opener, settle time.Duration) *Prober {
	return &Prober{opener: opener, settle: settle}
}

// Probe は ctx の期限まで応答を待つ
// 電圧付きの応答があれば motor_controller、それ以外の有効な応答だけなら generic
func (p *Prober) Probe(ctx context.Context, path string) (device.ProbeResult, error) {
	port, err := p.opener(path)
	if err != nil {
		return device.ProbeResult{}, err
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-probeCtx.Done()
		_ = port.Close()
	}()
	defer func() {
		cancel()
		<-closed
	}()

	messages := make(chan Message, 8)
	go readMessages(port, messages)

	sleepCtx(probeCtx, p.settle)
	if d, ok := port.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(time.Second))
	}
	if _, err := port.Write(Command{Kind: CommandStatus}.Encode()); err != nil {
		return device.ProbeResult{}, fmt.Errorf("%s へのSTATUS送信に失敗: %w", path, err)
	}

	var sawAny bool
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				if sawAny {
					return device.ProbeResult{ControllerType: device.ControllerGeneric}, nil
				}
				return device.ProbeResult{}, fmt.Errorf("%s が応答せずに閉じました", path)
			}
			if msg.HasVoltage {
				return device.ProbeResult{ControllerType: device.ControllerMotor, Voltage: msg.Voltage}, nil
			}
			sawAny = true
		case <-probeCtx.Done():
			if sawAny {
				return device.ProbeResult{ControllerType: device.ControllerGeneric}, nil
			}
			return device.ProbeResult{}, fmt.Errorf("%s の応答待ち: %w", path, ErrHandshakeTimeout)
		}
	}
}

// readMessages はポートが閉じるまで有効な行を送る
func readMessages(port Port, out chan<- Message) {
	defer close(out)
	buf := make([]byte, 256)
	var line []byte
	for {
		n, err := port.Read(buf)
		if err != nil {
			return
		}
		data := buf[:n]
		for len(data) > 0 {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				line = append(line, data...)
				break
			}
			line = append(line, data[:i]...)
			data = data[i+1:]
			if msg, err := ParseLine(line); err == nil {
				select {
				case out <- msg:
				default:
				}
			}
			line = line[:0]
		}
		if len(line) > maxLineLength {
			line = line[:0]
		}
	}
}
