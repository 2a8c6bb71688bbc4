package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"enkaku/internal/bandwidth"
	"enkaku/internal/device"
)

// Stats は音声セッションの状態と統計
type Stats struct {
	Active    bool      `json:"active"`
	Mode      Mode      `json:"mode,omitempty"`
	Requested Mode      `json:"requested_mode"`
	Fallback  bool      `json:"fallback"`
	SessionID string    `json:"session_id,omitempty"`
	Format    string    `json:"format,omitempty"`
	Device    string    `json:"device,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`

	ChunksSent uint64 `json:"chunks_sent"`
	BytesSent  uint64 `json:"bytes_sent"`
	Errors     uint64 `json:"errors"`
	Restarts   int    `json:"restarts"`
	LastError  string `json:"last_error,omitempty"`
}

// Options はMultiplexerの設定
type Options struct {
	Launcher   Launcher
	Transports TransportFactory
	Counter    *bandwidth.Counter
	Logger     zerolog.Logger

	ChunkSize    int
	RestartLimit int           // 同一モードでの再起動回数。超えると下位モードへ
	RestartDelay time.Duration // 再起動前の待ち時間
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8192
	}
	if o.RestartLimit < 0 {
		o.RestartLimit = 0
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 500 * time.Millisecond
	}
}

// Multiplexer はマイクを1つのセッションで占有し、モードごとの符号化と伝送を切り替える
// 同時に動くセッションは常に高々1つ
type Multiplexer struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	requested Mode
	mic       device.Profile
	sess      *session
	last      Stats
	lastErr   error
}

// NewMultiplexer は新しいMultiplexerを作成する。起動はStartで行う
func NewMultiplexer(mic device.Profile, mode Mode, opts Options) *Multiplexer {
	opts.setDefaults()
	parsed, err := ParseMode(string(mode))
	if err != nil {
		parsed = ModeStandard
	}
	mode = parsed
	return &Multiplexer{
		opts:      opts,
		logger:    opts.Logger,
		requested: mode,
		mic:       mic,
	}
}

// SelectMode は使用するモードを変える
// 動作中なら今のセッションを止めてから新しいモードで開始し、実際に有効になったモードを返す
func (m *Multiplexer) SelectMode(ctx context.Context, mode Mode) (Mode, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.requested
	m.requested = mode
	if !m.activeLocked() {
		m.logger.Info().Str("mode", string(mode)).Msg("音声モードを選択しました")
		return mode, nil
	}

	m.logger.Info().Str("from", string(prev)).Str("to", string(mode)).Msg("音声モードを切り替えます")
	m.stopLocked()
	return m.startLocked(ctx)
}

// Start は選択中のモードでセッションを開始する
// 既に動作中なら何もせずに現在のモードを返す
func (m *Multiplexer) Start(ctx context.Context) (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() {
		return m.sess.currentMode(), nil
	}
	return m.startLocked(ctx)
}

// Stop はセッションを止め、マイクと伝送路を解放する。複数回呼んでもよい
func (m *Multiplexer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		m.stopLocked()
		m.logger.Info().Msg("音声ストリーミングを停止しました")
	}
	return nil
}

// StopIfWebSocket はWebSocketで配信中のセッションだけを止める
// 受信者が居なくなったときに呼ぶ。RTPのセッションは送信先が別なので残す
func (m *Multiplexer) StopIfWebSocket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activeLocked() || !m.sess.currentMode().OverWebSocket() {
		return false
	}
	m.stopLocked()
	m.logger.Info().Msg("受信者が居なくなったので音声ストリーミングを停止しました")
	return true
}

// SetDevice はマイクを差し替える
// 動作中にデバイスが変わった場合は同じモードで開始し直す
func (m *Multiplexer) SetDevice(ctx context.Context, mic device.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := m.mic.Path != mic.Path || m.mic.Available() != mic.Available()
	m.mic = mic
	if !changed || !m.activeLocked() {
		return nil
	}

	m.logger.Info().Str("device", mic.Path).Msg("マイクが変わったため音声を再開します")
	m.stopLocked()
	if !mic.Available() {
		m.lastErr = ErrDeviceAbsent
		return ErrDeviceAbsent
	}
	_, err := m.startLocked(ctx)
	return err
}

// Run はctxが終わるまで待ち、セッションを止める
func (m *Multiplexer) Run(ctx context.Context) error {
	<-ctx.Done()
	return m.Stop()
}

// Stats は現在の状態を返す。停止中は最後のセッションの統計を返す
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	if m.sess != nil {
		st = m.sess.stats()
		if m.sess.finished() {
			st.Active = false
		}
	} else {
		st = m.last
		st.Active = false
	}
	st.Requested = m.requested
	st.Fallback = st.Active && st.Mode != m.requested
	if st.LastError == "" && m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Mode は選択中のモードを返す
func (m *Multiplexer) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// activeLocked は動作中のセッションがあるか返す
// 自力で終了したセッションはここで片付ける
func (m *Multiplexer) activeLocked() bool {
	if m.sess == nil {
		return false
	}
	if m.sess.finished() {
		m.retireLocked()
		return false
	}
	return true
}

func (m *Multiplexer) retireLocked() {
	s := m.sess
	m.sess = nil
	m.last = s.stats()
	m.last.Active = false
	if err := s.failure(); err != nil {
		m.lastErr = err
	}
}

func (m *Multiplexer) stopLocked() {
	s := m.sess
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
	m.retireLocked()
}

func (m *Multiplexer) startLocked(ctx context.Context) (Mode, error) {
	if !m.mic.Available() {
		m.lastErr = ErrDeviceAbsent
		return "", ErrDeviceAbsent
	}

	id := uuid.NewString()
	mode, enc, tr, err := m.activate(ctx, m.mic, m.requested.Fallbacks(), id)
	if err != nil {
		m.lastErr = err
		m.logger.Error().Err(err).Str("mode", string(m.requested)).Msg("音声ストリーミングを開始できません")
		return "", err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        id,
		mic:       m.mic,
		startedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		mode:      mode,
		enc:       enc,
		tr:        tr,
	}
	m.sess = s
	m.lastErr = nil
	go m.supervise(s)

	ev := m.logger.Info().Str("session_id", id).Str("mode", string(mode)).Str("device", m.mic.Path)
	if mode != m.requested {
		ev = ev.Str("requested", string(m.requested))
	}
	ev.Msg("音声ストリーミングを開始しました")
	return mode, nil
}

// activate は候補のモードを順に試し、最初に起動できたものを返す
// マイクが使用中・不在の場合は他のモードでも同じなのでそこで諦める
func (m *Multiplexer) activate(ctx context.Context, mic device.Profile, candidates []Mode, session string) (Mode, Encoder, Transport, error) {
	var lastErr error
	for _, mode := range candidates {
		if !supportedBy(mode, mic.Capabilities) {
			lastErr = fmt.Errorf("%w: %s は %s に未対応", ErrEncoderUnavailable, mic.Name, mode.Format().Encoder)
			m.logger.Warn().Str("mode", string(mode)).Msg("対応していないモードを飛ばします")
			continue
		}

		tr, err := m.opts.Transports.OpenTransport(ctx, mode, session)
		if err != nil {
			lastErr = err
			m.logger.Warn().Err(err).Str("mode", string(mode)).Msg("伝送路を開けません")
			continue
		}

		enc, err := m.opts.Launcher.Launch(ctx, EncoderSpec{
			Mode:      mode,
			Device:    mic.Path,
			ChunkSize: m.opts.ChunkSize,
		})
		if err != nil {
			_ = tr.Close()
			if errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrDeviceAbsent) || ctx.Err() != nil {
				return "", nil, nil, err
			}
			lastErr = err
			m.logger.Warn().Err(err).Str("mode", string(mode)).Msg("エンコーダを起動できません")
			continue
		}
		return mode, enc, tr, nil
	}

	if lastErr == nil {
		lastErr = ErrEncoderUnavailable
	}
	return "", nil, nil, lastErr
}

// supervise はセッションのチャンクを送り続け、エンコーダが落ちたら再起動する
func (m *Multiplexer) supervise(s *session) {
	defer close(s.done)
	defer s.release()

	for {
		err := m.pump(s)
		if s.ctx.Err() != nil {
			return
		}
		s.errors.Add(1)
		m.logger.Warn().Err(err).Str("session_id", s.id).Str("mode", string(s.currentMode())).Msg("エンコーダが終了しました")
		if !m.restart(s, err) {
			return
		}
	}
}

func (m *Multiplexer) pump(s *session) error {
	s.mu.Lock()
	enc, tr := s.enc, s.tr
	s.mu.Unlock()

	for {
		chunk, err := enc.ReadChunk(s.ctx)
		if err != nil {
			return err
		}

		n, err := tr.Send(chunk)
		if err != nil {
			s.errors.Add(1)
			m.logger.Debug().Err(err).Str("session_id", s.id).Msg("チャンクの送信に失敗しました")
		}
		if m.opts.Counter != nil {
			m.opts.Counter.AddAudio(n)
		}
		s.chunks.Add(1)
		s.bytes.Add(uint64(len(chunk)))
	}
}

// restart は同じモードで再起動し、回数を使い切ったら下位モードへ落とす
func (m *Multiplexer) restart(s *session, cause error) bool {
	s.release()

	for {
		s.mu.Lock()
		mode := s.mode
		attempt := s.restarts < m.opts.RestartLimit
		if attempt {
			s.restarts++
			s.restartN++
		}
		n := s.restarts
		s.mu.Unlock()

		var candidates []Mode
		if attempt {
			timer := time.NewTimer(m.opts.RestartDelay)
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				return false
			}
			m.logger.Info().Str("session_id", s.id).Str("mode", string(mode)).Int("attempt", n).Msg("エンコーダを再起動します")
			candidates = []Mode{mode}
		} else {
			candidates = mode.Fallbacks()[1:]
			if len(candidates) == 0 {
				s.fail(fmt.Errorf("再起動の上限に達しました: %w", cause))
				m.logger.Error().Err(cause).Str("session_id", s.id).Msg("音声ストリーミングを停止します")
				return false
			}
			m.logger.Warn().Str("session_id", s.id).Str("from", string(mode)).Msg("再起動の上限に達したため下位モードへ切り替えます")
		}

		next, enc, tr, err := m.activate(s.ctx, s.mic, candidates, s.id)
		if s.ctx.Err() != nil {
			if err == nil {
				_ = enc.Stop()
				_ = tr.Close()
			}
			return false
		}
		if err != nil {
			cause = err
			if attempt {
				continue
			}
			s.fail(err)
			m.logger.Error().Err(err).Str("session_id", s.id).Msg("音声ストリーミングを停止します")
			return false
		}

		s.mu.Lock()
		if next != mode {
			s.restarts = 0
		}
		s.mode, s.enc, s.tr = next, enc, tr
		s.mu.Unlock()
		return true
	}
}

// session は開始から停止までの1回の配信
type session struct {
	id        string
	mic       device.Profile
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	chunks atomic.Uint64
	bytes  atomic.Uint64
	errors atomic.Uint64

	mu       sync.Mutex
	mode     Mode
	enc      Encoder
	tr       Transport
	restarts int
	restartN int // 累計の再起動回数
	err      error
}

func (s *session) currentMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// release はエンコーダと伝送路を閉じる
func (s *session) release() {
	s.mu.Lock()
	enc, tr := s.enc, s.tr
	s.enc, s.tr = nil, nil
	s.mu.Unlock()

	if enc != nil {
		_ = enc.Stop()
	}
	if tr != nil {
		_ = tr.Close()
	}
}

func (s *session) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Active:     true,
		Mode:       s.mode,
		SessionID:  s.id,
		Format:     s.mode.Format().Label,
		Device:     s.mic.Path,
		StartedAt:  s.startedAt,
		ChunksSent: s.chunks.Load(),
		BytesSent:  s.bytes.Load(),
		Errors:     s.errors.Load(),
		Restarts:   s.restartN,
	}
	if s.err != nil {
		st.LastError = s.err.Error()
	}
	return st
}
