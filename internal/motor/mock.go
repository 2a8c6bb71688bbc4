package motor

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrFakeRefused はFakeControllerが接続を拒否している
var ErrFakeRefused = errors.New("ポートを開けません")

// FakeController はテスト用のモーターコントローラー
// net.Pipe の片側でファームウェアの応答を模擬する
type FakeController struct {
	mu        sync.Mutex
	voltage   float64
	current   float64
	ina219    bool
	refuse    bool
	silent    bool
	heartbeat time.Duration
	received  []string
	conn      net.Conn
	opens     int
}

// NewFakeController は新しいFakeControllerを作成する
func NewFakeController() *FakeController {
	return &FakeController{voltage: 12.0, current: 0.8, ina219: true}
}

// Opener はFakeControllerに繋がるOpenerを返す
func (f *FakeController) Opener() Opener {
	return func(path string) (Port, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.refuse {
			return nil, fmt.Errorf("%s: %w", path, ErrFakeRefused)
		}
		client, server := net.Pipe()
		f.conn = server
		f.opens++
		go f.serve(server, f.silent, f.heartbeat)
		return client, nil
	}
}

// SetRefuse は接続を拒否するかどうかを設定する
func (f *FakeController) SetRefuse(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = v
}

// SetSilent は次の接続から応答しないようにする
func (f *FakeController) SetSilent(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = v
}

// SetHeartbeat は次の接続からハートビートを送る間隔を設定する
func (f *FakeController) SetHeartbeat(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat = d
}

// SetVoltage は報告する電圧を設定する
func (f *FakeController) SetVoltage(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voltage = v
}

// Disconnect は現在の接続を切る（USBの抜けを模擬）
func (f *FakeController) Disconnect() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Emit は任意の行をリンクに送る
func (f *FakeController) Emit(line string) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("未接続")
	}
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

// Received は受信したコマンドを順に返す
func (f *FakeController) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// Count は指定コマンドの受信回数を返す
func (f *FakeController) Count(cmd string) int {
	n := 0
	for _, r := range f.Received() {
		if r == cmd {
			n++
		}
	}
	return n
}

// Opens は接続された回数を返す
func (f *FakeController) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *FakeController) serve(conn net.Conn, silent bool, heartbeat time.Duration) {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write([]byte(s + "\n"))
		return err
	}

	done := make(chan struct{})
	defer close(done)

	if !silent {
		go func() {
			f.mu.Lock()
			ina := f.ina219
			f.mu.Unlock()
			_ = write(fmt.Sprintf(`{"boot":true,"ina219":%t}`, ina))
		}()
		if heartbeat > 0 {
			go func() {
				ticker := time.NewTicker(heartbeat)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if write(f.statusLine()) != nil {
							return
						}
					}
				}
			}()
		}
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		f.mu.Lock()
		f.received = append(f.received, line)
		v := f.voltage
		f.mu.Unlock()

		if silent {
			continue
		}
		if err := write(f.respond(line, v)); err != nil {
			return
		}
	}
}

func (f *FakeController) respond(line string, voltage float64) string {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 3 && fields[0] == "PWM":
		left, errL := strconv.Atoi(fields[1])
		right, errR := strconv.Atoi(fields[2])
		if errL != nil || errR != nil {
			break
		}
		return fmt.Sprintf(`{"ack":"PWM","L":%d,"R":%d,"voltage":%.2f}`, left, right, voltage)
	case line == "STOP":
		return fmt.Sprintf(`{"ack":"STOP","voltage":%.2f}`, voltage)
	case line == "STATUS":
		return f.statusLine()
	}
	return fmt.Sprintf(`{"err":"bad_cmd","voltage":%.2f}`, voltage)
}

func (f *FakeController) statusLine() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf(`{"ok":true,"voltage":%.2f,"current":%.2f,"ts":%d}`,
		f.voltage, f.current, time.Now().UnixMilli())
}
