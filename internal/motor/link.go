package motor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConnState は接続状態
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateRunning      ConnState = "running"
	StateDisconnected ConnState = "disconnected"
	StateStopped      ConnState = "stopped"
)

// SafetyState はデッドマンタイマーの状態
type SafetyState string

const (
	SafetyIdle    SafetyState = "idle"         // 停止中
	SafetyArmed   SafetyState = "armed"        // 走行中、タイマー有効
	SafetyTimeout SafetyState = "idle_timeout" // 無操作で自律停止した
)

var (
	ErrHandshakeTimeout = errors.New("ハンドシェイクがタイムアウトしました")
	ErrNoPort           = errors.New("シリアルポートが指定されていません")
	errPortChanged      = errors.New("ポートが変更されました")
)

const maxLineLength = 4096

// Telemetry は最新のテレメトリ
type Telemetry struct {
	Voltage        float64   `json:"voltage"`
	Current        float64   `json:"current"`
	Timestamp      time.Time `json:"timestamp"`
	ControllerTS   int64     `json:"controller_ts,omitempty"`
	BatteryPercent int       `json:"battery_percent"`
	Valid          bool      `json:"valid"`
}

// DriveResult は走行指示の受付結果
type DriveResult struct {
	Left    int  `json:"left"`
	Right   int  `json:"right"`
	Clamped bool `json:"clamped"`
	// Queued は送信待ちに入ったか。切断中は受け付けるだけで送らない
	Queued bool `json:"queued"`
}

// Counters はリンクの累積カウンター
type Counters struct {
	CommandsSent        uint64 `json:"commands_sent"`
	DroppedDisconnected uint64 `json:"dropped_disconnected"`
	AutonomousStops     uint64 `json:"autonomous_stops"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
	Reconnects          uint64 `json:"reconnects"`
	Heartbeats          uint64 `json:"heartbeats"`
}

// BootInfo はコントローラー起動時の通知
type BootInfo struct {
	Seen   bool      `json:"seen"`
	INA219 bool      `json:"ina219"`
	At     time.Time `json:"at,omitempty"`
}

// Status はリンクの状態
type Status struct {
	State       ConnState   `json:"state"`
	Safety      SafetyState `json:"safety"`
	Port        string      `json:"port"`
	Left        int         `json:"left"`
	Right       int         `json:"right"`
	LastCommand time.Time   `json:"last_command"`
	LastAck     string      `json:"last_ack,omitempty"`
	Telemetry   Telemetry   `json:"telemetry"`
	Counters    Counters    `json:"counters"`
	LastError   string      `json:"last_error,omitempty"`
	Boot        BootInfo    `json:"boot"`
}

// Options はリンクの構成
type Options struct {
	Opener Opener
	Logger zerolog.Logger

	MaxSpeed         int
	DeadmanTimeout   time.Duration
	SafetyInterval   time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	SettleDelay      time.Duration
	StatusInterval   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxSpeed <= 0 {
		o.MaxSpeed = 255
	}
	if o.DeadmanTimeout <= 0 {
		o.DeadmanTimeout = time.Second
	}
	if o.SafetyInterval <= 0 {
		o.SafetyInterval = 100 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = time.Second
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 2 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 2 * time.Second
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = 30 * time.Second
	}
}

// Link はモーターコントローラーとの接続を所有する
type Link struct {
	opts   Options
	logger zerolog.Logger

	telemetry atomic.Pointer[Telemetry]
	wake      chan struct{}
	portCh    chan struct{}
	writeMu   sync.Mutex

	mu            sync.Mutex
	port          string
	state         ConnState
	safety        SafetyState
	armed         bool
	connected     bool
	everConnected bool
	left, right   int
	lastCommand   time.Time
	lastRx        time.Time
	lastAck       string
	lastErr       string
	counters      Counters
	boot          BootInfo

	// 送信待ち。STOPは未送信の走行指示を追い越して破棄する
	stopPending   bool
	drivePending  *Command
	statusPending bool
}

// NewLink は新しいLinkを作成する
func NewLink(port string, opts Options) *Link {
	opts.setDefaults()
	return &Link{
		opts:   opts,
		logger: opts.Logger,
		wake:   make(chan struct{}, 1),
		portCh: make(chan struct{}, 1),
		port:   port,
		state:  StateDisconnected,
		safety: SafetyIdle,
	}
}

// Drive は左右の速度を指示する
// 0以外の速度はデッドマンタイマーを有効にし、(0,0)は停止中の車体を再び有効にしない
func (l *Link) Drive(left, right int) DriveResult {
	cl, cr := clamp(left, l.opts.MaxSpeed), clamp(right, l.opts.MaxSpeed)
	result := DriveResult{Left: cl, Right: cr, Clamped: cl != left || cr != right}

	l.mu.Lock()
	if !l.connected {
		l.counters.DroppedDisconnected++
		l.mu.Unlock()
		return result
	}
	l.left, l.right = cl, cr
	l.lastCommand = time.Now()
	if cl != 0 || cr != 0 {
		l.armed = true
		l.safety = SafetyArmed
	} else {
		l.armed = false
		if l.safety == SafetyArmed {
			l.safety = SafetyIdle
		}
	}
	l.drivePending = &Command{Kind: CommandPWM, Left: cl, Right: cr}
	l.mu.Unlock()

	l.signal()
	result.Queued = true
	return result
}

// Stop は車体を止める。未送信の走行指示は破棄する
func (l *Link) Stop() {
	l.stop(false)
}

func (l *Link) stop(autonomous bool) {
	l.mu.Lock()
	queued := l.stopLocked(autonomous)
	l.mu.Unlock()

	if queued {
		l.signal()
	}
}

// stopLocked はmuを保持した状態で停止を予約する。送信待ちに入れたらtrue
func (l *Link) stopLocked(autonomous bool) bool {
	l.left, l.right = 0, 0
	l.armed = false
	if autonomous {
		l.safety = SafetyTimeout
		l.counters.AutonomousStops++
	} else {
		l.safety = SafetyIdle
		l.lastCommand = time.Now()
	}
	if !l.connected {
		if !autonomous {
			l.counters.DroppedDisconnected++
		}
		return false
	}
	l.stopPending = true
	l.drivePending = nil
	return true
}

// requestStatus はSTATUSの送信を予約する
func (l *Link) requestStatus() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.statusPending = true
	l.mu.Unlock()
	l.signal()
}

func (l *Link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// takeNext は次に送るコマンドを取り出す
// STOP、走行指示、STATUS の順
func (l *Link) takeNext() (Command, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.stopPending:
		l.stopPending = false
		return Command{Kind: CommandStop}, true
	case l.drivePending != nil:
		cmd := *l.drivePending
		l.drivePending = nil
		return cmd, true
	case l.statusPending:
		l.statusPending = false
		return Command{Kind: CommandStatus}, true
	}
	return Command{}, false
}

// Telemetry は最新のテレメトリを返す。未取得なら Valid=false
func (l *Link) Telemetry() Telemetry {
	if t := l.telemetry.Load(); t != nil {
		return *t
	}
	return Telemetry{}
}

// Status は現在の状態を返す
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:       l.state,
		Safety:      l.safety,
		Port:        l.port,
		Left:        l.left,
		Right:       l.right,
		LastCommand: l.lastCommand,
		LastAck:     l.lastAck,
		Telemetry:   l.Telemetry(),
		Counters:    l.counters,
		LastError:   l.lastErr,
		Boot:        l.boot,
	}
}

// Port は現在のポートを返す
func (l *Link) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// SetPort は接続先を変更する。接続中なら切断して新しいポートに繋ぎ直す
func (l *Link) SetPort(path string) {
	l.mu.Lock()
	if l.port == path {
		l.mu.Unlock()
		return
	}
	l.port = path
	l.mu.Unlock()

	l.logger.Info().Str("port", path).Msg("モーターのポートを変更")
	select {
	case l.portCh <- struct{}{}:
	default:
	}
}

// Run は接続・再接続とデッドマンタイマーを ctx が終わるまで動かす
func (l *Link) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.safetyLoop(gctx) })
	g.Go(func() error { return l.connectLoop(gctx) })
	err := g.Wait()

	l.mu.Lock()
	l.state = StateStopped
	l.connected = false
	l.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Link) connectLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.ReconnectInitial
	bo.MaxInterval = l.opts.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		path := l.Port()
		var err error
		if path == "" {
			err = ErrNoPort
			l.setDisconnected(err)
		} else {
			var established bool
			established, err = l.session(ctx, path)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errPortChanged) {
				bo.Reset()
				continue
			}
			if established {
				bo.Reset()
			}
		}

		// ポートが無い場合は変更されるまで待つ
		var (
			retry <-chan time.Time
			timer *time.Timer
		)
		if path != "" {
			delay := bo.NextBackOff()
			l.logger.Warn().Err(err).Str("port", path).Dur("retry_in", delay).Msg("モーターとの接続が切れました")
			timer = time.NewTimer(delay)
			retry = timer.C
		}

		select {
		case <-ctx.Done():
		case <-l.portCh:
			bo.Reset()
		case <-retry:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// session は1回分の接続を扱う。ハンドシェイクまで進んだかを返す
func (l *Link) session(ctx context.Context, path string) (bool, error) {
	l.mu.Lock()
	l.state = StateConnecting
	l.mu.Unlock()

	port, err := l.opts.Opener(path)
	if err != nil {
		l.setDisconnected(err)
		return false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sessCtx)

	// ポートを閉じて読み込みを解除する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-gctx.Done()
		if ctx.Err() != nil {
			// 終了時は止めてから閉じる
			_ = l.write(port, Command{Kind: CommandStop})
		}
		_ = port.Close()
	}()
	defer func() {
		cancel()
		<-closed
	}()

	handshake := make(chan struct{})
	g.Go(func() error { return l.readLoop(gctx, port, handshake) })

	established, err := l.handshake(gctx, port, handshake)
	if err != nil {
		cancel()
		_ = g.Wait()
		l.setDisconnected(err)
		return false, err
	}

	l.setConnected(path)
	g.Go(func() error { return l.writeLoop(gctx, port) })
	g.Go(func() error { return l.statusLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-l.portCh:
			return errPortChanged
		}
	})

	err = g.Wait()
	if ctx.Err() == nil {
		l.setDisconnected(err)
	}
	return established, err
}

// handshake は接続直後にSTOPとSTATUSを送り、応答を待つ
func (l *Link) handshake(ctx context.Context, port Port, received <-chan struct{}) (bool, error) {
	sleepCtx(ctx, l.opts.SettleDelay)

	if err := l.write(port, Command{Kind: CommandStop}); err != nil {
		return false, fmt.Errorf("STOPの送信に失敗: %w", err)
	}
	if err := l.write(port, Command{Kind: CommandStatus}); err != nil {
		return false, fmt.Errorf("STATUSの送信に失敗: %w", err)
	}

	timer := time.NewTimer(l.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-received:
		return true, nil
	case <-timer.C:
		return false, ErrHandshakeTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *Link) setConnected(path string) {
	l.mu.Lock()
	if l.everConnected {
		l.counters.Reconnects++
	}
	l.everConnected = true
	l.connected = true
	l.state = StateRunning
	l.lastErr = ""
	// 接続前の指示は送らない。接続時のSTOPで車体は止まっている
	l.stopPending = false
	l.drivePending = nil
	l.statusPending = false
	l.left, l.right = 0, 0
	l.armed = false
	if l.safety == SafetyArmed {
		l.safety = SafetyIdle
	}
	l.mu.Unlock()

	l.logger.Info().Str("port", path).Msg("モーターコントローラーに接続")
}

func (l *Link) setDisconnected(err error) {
	l.mu.Lock()
	l.connected = false
	l.state = StateDisconnected
	if err != nil {
		l.lastErr = err.Error()
	}
	l.mu.Unlock()
}

func (l *Link) writeLoop(ctx context.Context, port Port) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			cmd, ok := l.takeNext()
			if !ok {
				break
			}
			if err := l.write(port, cmd); err != nil {
				return fmt.Errorf("%s の送信に失敗: %w", cmd, err)
			}
		}
	}
}

func (l *Link) write(port Port, cmd Command) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if d, ok := port.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	}
	if _, err := port.Write(cmd.Encode()); err != nil {
		return err
	}

	l.mu.Lock()
	l.counters.CommandsSent++
	l.mu.Unlock()
	l.logger.Debug().Str("command", cmd.String()).Msg("送信")
	return nil
}

// readLoop は改行ごとに応答を処理する。最初の有効な行で received を閉じる
func (l *Link) readLoop(ctx context.Context, port Port, received chan<- struct{}) error {
	buf := make([]byte, 256)
	var line []byte
	var once sync.Once
	discarding := false // 長すぎる行の残りを次の改行まで捨てる

	for {
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("シリアル読み込みに失敗: %w", err)
		}
		if n == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		data := buf[:n]
		for len(data) > 0 {
			i := bytes.IndexByte(data, '\n')
			if discarding {
				if i < 0 {
					break
				}
				data = data[i+1:]
				discarding = false
				continue
			}
			if i < 0 {
				line = append(line, data...)
				if len(line) > maxLineLength {
					l.protocolError(fmt.Errorf("%w: 行が長すぎます", ErrMalformedLine))
					line = line[:0]
					discarding = true
				}
				break
			}
			line = append(line, data[:i]...)
			data = data[i+1:]
			if len(line) > maxLineLength {
				l.protocolError(fmt.Errorf("%w: 行が長すぎます", ErrMalformedLine))
				line = line[:0]
				continue
			}

			if l.handleLine(line) {
				once.Do(func() { close(received) })
			}
			line = line[:0]
		}
	}
}

// handleLine は1行を処理し、有効なメッセージならtrueを返す
func (l *Link) handleLine(line []byte) bool {
	if len(bytes.TrimSpace(line)) == 0 {
		return false
	}
	msg, err := ParseLine(line)
	if err != nil {
		l.protocolError(err)
		return false
	}

	now := time.Now()
	if msg.HasVoltage {
		prev := l.Telemetry()
		t := &Telemetry{
			Voltage:        msg.Voltage,
			Current:        prev.Current,
			Timestamp:      now,
			ControllerTS:   msg.TS,
			BatteryPercent: BatteryPercent(msg.Voltage),
			Valid:          true,
		}
		if msg.HasCurrent {
			t.Current = msg.Current
		}
		l.telemetry.Store(t)
	}

	l.mu.Lock()
	l.lastRx = now
	switch msg.Kind {
	case MessageAck:
		l.lastAck = msg.Ack
	case MessageStatus:
		l.counters.Heartbeats++
	case MessageBoot:
		l.boot = BootInfo{Seen: true, INA219: msg.INA219, At: now}
	case MessageError:
		l.counters.ProtocolErrors++
		l.lastErr = "controller: " + msg.Err
	}
	l.mu.Unlock()

	switch msg.Kind {
	case MessageBoot:
		l.logger.Info().Bool("ina219", msg.INA219).Msg("コントローラーが起動しました")
	case MessageError:
		l.logger.Warn().Str("err", msg.Err).Msg("コントローラーがコマンドを拒否しました")
	}
	return true
}

func (l *Link) protocolError(err error) {
	l.mu.Lock()
	l.counters.ProtocolErrors++
	l.mu.Unlock()
	l.logger.Debug().Err(err).Msg("応答を破棄")
}

// statusLoop はハートビートが途絶えている間STATUSを送る
func (l *Link) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.mu.Lock()
			silent := time.Since(l.lastRx) >= l.opts.StatusInterval
			l.mu.Unlock()
			if silent {
				l.requestStatus()
			}
		}
	}
}

// safetyLoop はデッドマンタイマー
// 最後の指示から閾値を超えたら1回だけ自律停止する
func (l *Link) safetyLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.SafetyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.checkDeadman(now)
		}
	}
}

func (l *Link) checkDeadman(now time.Time) {
	l.mu.Lock()
	idle := now.Sub(l.lastCommand)
	if !l.armed || idle <= l.opts.DeadmanTimeout {
		l.mu.Unlock()
		return
	}
	queued := l.stopLocked(true)
	l.mu.Unlock()

	l.logger.Warn().Dur("idle", idle).Msg("無操作のため自律停止")
	if queued {
		l.signal()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
