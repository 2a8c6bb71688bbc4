package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"enkaku/internal/bandwidth"
	"enkaku/internal/device"
)

// Options はパイプラインの構成
type Options struct {
	Capturer Capturer
	Counter  *bandwidth.Counter
	Logger   zerolog.Logger

	FailureThreshold    int
	GraceWindow         time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	OpenTimeout         time.Duration
	ReadTimeout         time.Duration
	PlaceholderInterval time.Duration
	FailurePause        time.Duration // 取得失敗後に次を試すまでの待ち
}

func (o *Options) setDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 30 * time.Second
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.PlaceholderInterval <= 0 {
		o.PlaceholderInterval = time.Second
	}
	if o.FailurePause <= 0 {
		o.FailurePause = 10 * time.Millisecond
	}
}

// Pipeline はカメラ1台のキャプチャループと共有フレームを管理する
type Pipeline struct {
	opts   Options
	logger zerolog.Logger
	buffer FrameBuffer
	seq    atomic.Uint64

	rebindCh chan struct{}

	mu         sync.Mutex
	profile    device.Profile
	mode       Mode
	pending    *Mode
	health     Health
	lastChange time.Time
	hasGood    bool
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}

	fpsWindowStart time.Time
	fpsCount       int
}

// NewPipeline は新しいPipelineを作成する
// 開始前でも Frame() がプレースホルダーを返せるようにしておく
func NewPipeline(profile device.Profile, mode Mode, opts Options) *Pipeline {
	opts.setDefaults()
	p := &Pipeline{
		opts:     opts,
		logger:   opts.Logger,
		rebindCh: make(chan struct{}, 1),
		profile:  profile,
		mode:     mode,
		health:   Health{State: StateStopped},
	}
	p.publishPlaceholder()
	return p
}

// Start はデバイスを開いてキャプチャループを開始する
// 開けなくてもループは動かし、DEGRADED から復旧を試みる。その場合は開けなかった理由を返す
func (p *Pipeline) Start(ctx context.Context, mode Mode) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	resized := mode.Width != p.mode.Width || mode.Height != p.mode.Height
	p.mode = mode
	p.pending = nil
	p.health = Health{State: StateStarting}
	p.fpsWindowStart = time.Now()
	p.fpsCount = 0
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	if resized && !p.hasGoodFrame() {
		p.publishPlaceholder()
	}

	bo := p.newBackOff()
	src, err := p.open(loopCtx)
	if err != nil {
		p.degrade(err, bo.NextBackOff())
		err = fmt.Errorf("カメラの初期化に失敗: %w", err)
	} else {
		p.setRunning()
		p.logger.Info().Str("device", p.devicePath()).Str("mode", mode.Name).Msg("カメラを開始")
	}

	go p.run(loopCtx, src, bo)
	return err
}

// Stop はキャプチャループを止めてデバイスを閉じる
func (p *Pipeline) Stop() {
	p.mu.Lock()
	started, cancel, done := p.started, p.cancel, p.done
	p.mu.Unlock()

	if started {
		cancel()
		<-done
	}

	p.mu.Lock()
	p.started = false
	p.health.State = StateStopped
	p.health.NextRetry = 0
	p.mu.Unlock()
}

// Frame は最新フレームを返す。ハードウェアには触れない
func (p *Pipeline) Frame() Frame {
	f, _ := p.buffer.Load()
	return f
}

// Health は現在の健全性を返す
func (p *Pipeline) Health() Health {
	p.mu.Lock()
	h := p.health
	h.Device = p.profile.Path
	h.Mode = p.mode.Name
	p.mu.Unlock()
	h.NextRetryMS = h.NextRetry.Milliseconds()

	if f, ok := p.buffer.Load(); ok {
		h.Placeholder = f.Placeholder
	}
	return h
}

// Mode は現在適用されている解像度を返す
func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetResolution は解像度の変更を予約する
// 変更はループが RUNNING の時に適用する
func (p *Pipeline) SetResolution(mode Mode) error {
	if mode.Width <= 0 || mode.Height <= 0 || mode.FPS <= 0 {
		return fmt.Errorf("%w: %+v", ErrUnknownMode, mode)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.profile.Capabilities.SupportsResolution(mode.Resolution()) {
		return fmt.Errorf("%w: %s", ErrUnsupportedResolution, mode.Resolution())
	}

	if !p.started {
		p.mode = mode
		return nil
	}
	if p.pending == nil && p.mode == mode {
		return nil
	}
	p.pending = &mode
	p.logger.Info().Str("mode", mode.Name).Msg("解像度変更を予約")
	return nil
}

// Rebind は再検出されたデバイスに切り替える
// パスが変わった場合や動作中でない場合は復旧サイクルを起こす
func (p *Pipeline) Rebind(profile device.Profile) {
	p.mu.Lock()
	samePath := profile.Path == p.profile.Path
	running := p.health.State == StateRunning
	p.profile = profile
	started := p.started
	p.mu.Unlock()

	if !started || (samePath && running) {
		return
	}

	p.logger.Info().Str("device", profile.Path).Msg("カメラを再バインド")
	select {
	case p.rebindCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.BackoffInitial
	bo.MaxInterval = p.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

func (p *Pipeline) run(ctx context.Context, src FrameSource, bo *backoff.ExponentialBackOff) {
	defer close(p.done)
	defer func() {
		if src != nil {
			_ = src.Close()
		}
		p.logger.Info().Msg("カメラを停止")
	}()

	for ctx.Err() == nil {
		switch p.state() {
		case StateRunning:
			src = p.stepRunning(ctx, src, bo)
		case StateDegraded:
			p.waitRetry(ctx)
		case StateRecovering:
			src = p.recover(ctx, bo)
		default:
			return
		}
	}
}

// stepRunning は1フレーム取得する。閉じた場合はnilを返す
func (p *Pipeline) stepRunning(ctx context.Context, src FrameSource, bo *backoff.ExponentialBackOff) FrameSource {
	select {
	case <-p.rebindCh:
		_ = src.Close()
		p.setState(StateRecovering)
		return nil
	default:
	}

	if mode, ok := p.takePending(); ok {
		return p.applyMode(ctx, src, mode, bo)
	}

	readCtx, cancel := context.WithTimeout(ctx, p.opts.ReadTimeout)
	data, err := src.ReadFrame(readCtx)
	cancel()
	if ctx.Err() != nil {
		return src
	}
	if err == nil && len(data) > 0 {
		p.publish(data)
		return src
	}
	if err == nil {
		err = errors.New("空のフレーム")
	}

	if p.recordFailure(err) {
		_ = src.Close()
		p.degrade(err, bo.NextBackOff())
		return nil
	}
	sleepCtx(ctx, p.opts.FailurePause)
	return src
}

// applyMode はデバイスを新しい解像度で開き直す。失敗したら元の解像度に戻す
func (p *Pipeline) applyMode(ctx context.Context, src FrameSource, mode Mode, bo *backoff.ExponentialBackOff) FrameSource {
	_ = src.Close()

	p.mu.Lock()
	previous := p.mode
	p.mode = mode
	p.lastChange = time.Now()
	p.mu.Unlock()

	next, err := p.open(ctx)
	if err == nil {
		p.logger.Info().Str("mode", mode.Name).Msg("解像度を変更")
		return next
	}

	p.logger.Warn().Err(err).Str("mode", mode.Name).Msg("解像度の変更に失敗、元に戻します")
	p.mu.Lock()
	p.mode = previous
	p.health.LastError = err.Error()
	p.mu.Unlock()

	next, err = p.open(ctx)
	if err == nil {
		return next
	}
	p.degrade(err, bo.NextBackOff())
	return nil
}

// recordFailure は取得失敗を記録し、しきい値に達したらtrueを返す
func (p *Pipeline) recordFailure(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health.LastError = err.Error()
	if !p.lastChange.IsZero() && time.Since(p.lastChange) < p.opts.GraceWindow {
		return false
	}
	p.health.ConsecutiveFailures++
	p.logger.Debug().Err(err).Int("failures", p.health.ConsecutiveFailures).Msg("フレーム取得に失敗")
	return p.health.ConsecutiveFailures >= p.opts.FailureThreshold
}

// degrade は DEGRADED に遷移し、次の再初期化までの待ち時間を設定する
func (p *Pipeline) degrade(err error, delay time.Duration) {
	p.mu.Lock()
	p.health.State = StateDegraded
	p.health.NextRetry = delay
	if err != nil {
		p.health.LastError = err.Error()
	}
	failures := p.health.ConsecutiveFailures
	hasGood := p.hasGood
	p.mu.Unlock()

	if !hasGood {
		p.publishPlaceholder()
	}
	p.logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("カメラが縮退状態になりました")
}

// waitRetry は再初期化の時刻まで待つ。再バインド要求があれば即座に抜ける
func (p *Pipeline) waitRetry(ctx context.Context) {
	p.mu.Lock()
	delay := p.health.NextRetry
	p.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	ticker := time.NewTicker(p.opts.PlaceholderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rebindCh:
			p.setState(StateRecovering)
			return
		case <-timer.C:
			p.setState(StateRecovering)
			return
		case <-ticker.C:
			// 映像が無い間もストリームが止まらないようにする
			if !p.hasGoodFrame() {
				p.publishPlaceholder()
			}
		}
	}
}

func (p *Pipeline) recover(ctx context.Context, bo *backoff.ExponentialBackOff) FrameSource {
	p.mu.Lock()
	p.health.RecoveryAttempts++
	attempt := p.health.RecoveryAttempts
	p.mu.Unlock()

	src, err := p.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.degrade(err, bo.NextBackOff())
		return nil
	}

	bo.Reset()
	p.setRunning()
	p.logger.Info().Int("attempt", attempt).Str("device", p.devicePath()).Msg("カメラが復旧しました")
	return src
}

func (p *Pipeline) open(ctx context.Context) (FrameSource, error) {
	p.mu.Lock()
	path := p.profile.Path
	available := p.profile.Available()
	mode := p.mode
	p.mu.Unlock()

	if !available {
		return nil, ErrNoDevice
	}

	openCtx, cancel := context.WithTimeout(ctx, p.opts.OpenTimeout)
	defer cancel()
	return p.opts.Capturer.Open(openCtx, path, mode)
}

func (p *Pipeline) publish(data []byte) {
	now := time.Now()

	p.mu.Lock()
	mode := p.mode
	p.hasGood = true
	p.health.ConsecutiveFailures = 0
	p.health.LastSuccess = now
	p.health.FramesCaptured++
	p.fpsCount++
	if elapsed := now.Sub(p.fpsWindowStart); elapsed >= time.Second {
		p.health.MeasuredFPS = float64(p.fpsCount) / elapsed.Seconds()
		p.fpsCount = 0
		p.fpsWindowStart = now
	}
	p.mu.Unlock()

	p.buffer.Store(&Frame{
		Data:      data,
		Seq:       p.seq.Add(1),
		Timestamp: now,
		Size:      len(data),
		Width:     mode.Width,
		Height:    mode.Height,
		FPS:       mode.FPS,
	})
	if p.opts.Counter != nil {
		p.opts.Counter.AddVideo(len(data))
	}
}

func (p *Pipeline) publishPlaceholder() {
	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()

	data, err := Placeholder(mode.Width, mode.Height)
	if err != nil {
		p.logger.Error().Err(err).Msg("プレースホルダーを生成できません")
		return
	}
	p.buffer.Store(&Frame{
		Data:        data,
		Seq:         p.seq.Add(1),
		Timestamp:   time.Now(),
		Size:        len(data),
		Width:       mode.Width,
		Height:      mode.Height,
		FPS:         mode.FPS,
		Placeholder: true,
	})
}

func (p *Pipeline) takePending() (Mode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Mode{}, false
	}
	mode := *p.pending
	p.pending = nil
	return mode, true
}

func (p *Pipeline) setRunning() {
	p.mu.Lock()
	p.health.State = StateRunning
	p.health.ConsecutiveFailures = 0
	p.health.NextRetry = 0
	p.health.LastError = ""
	p.mu.Unlock()
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.health.State = s
	p.mu.Unlock()
}

func (p *Pipeline) state() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health.State
}

func (p *Pipeline) hasGoodFrame() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasGood
}

func (p *Pipeline) devicePath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile.Path
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
