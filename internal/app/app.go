// Package app は設定から各コンポーネントを組み立て、1つのerrgroupで動かす
//
// 起動時にデバイスを検出して カメラ・モーター・音声 に割り当て、
// 以降は rescan_interval ごとに再検出して差し替わったデバイスを付け直す。
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enkaku/internal/audio"
	"enkaku/internal/bandwidth"
	"enkaku/internal/camera"
	"enkaku/internal/config"
	"enkaku/internal/device"
	"enkaku/internal/logger"
	"enkaku/internal/motor"
)

// Hardware は実機に触れる部分。テストでは偽物に差し替える
type Hardware struct {
	Video      device.VideoScanner
	Audio      device.AudioScanner
	Serial     device.SerialScanner
	Prober     device.SerialProber
	Store      device.Store
	Getenv     func(string) string
	Capturer   camera.Capturer
	Opener     motor.Opener
	Launcher   audio.Launcher
	Transports audio.TransportFactory // nilならHubとRTPの既定実装
}

// DefaultHardware は実機用のHardwareを作成する
func DefaultHardware(cfg *config.Config) Hardware {
	run := device.ExecRunner(cfg.Devices.CommandTimeout)
	opener := motor.SerialOpener(cfg.Motor.BaudRate, cfg.Motor.ReadTimeout)

	var launcher audio.Launcher = audio.NewFFmpegLauncher(cfg.Audio.StartTimeout, logger.WithComponent("audio"))
	if cfg.Audio.TestTone {
		launcher = audio.NewToneLauncher()
	}

	var store device.Store
	if cfg.Devices.StatePath != "" {
		store = device.NewFileStore(cfg.Devices.StatePath)
	}

	return Hardware{
		Video:    device.NewV4L2Scanner(run),
		Audio:    device.NewALSAScanner(run),
		Serial:   device.NewGlobSerialScanner(),
		Prober:   motor.NewProber(opener, cfg.Motor.SettleDelay),
		Store:    store,
		Capturer: camera.NewFFmpegCapturer(cfg.Camera.Quality, logger.WithComponent("camera")),
		Opener:   opener,
		Launcher: launcher,
	}
}

// App は実行中のコンポーネント一式
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	Counter  *bandwidth.Counter
	Registry *device.Registry
	Camera   *camera.Pipeline
	Motor    *motor.Link
	Audio    *audio.Multiplexer
	Hub      *audio.Hub

	cameraMode camera.Mode
	rescanCh   chan struct{}
	startedAt  time.Time
}

// New はコンポーネントを組み立てる。ハードウェアにはまだ触れない
func New(cfg *config.Config, hw Hardware) (*App, error) {
	mode, err := camera.ParseMode(cfg.Camera.Resolution)
	if err != nil {
		return nil, err
	}
	if cfg.Camera.FPS > 0 {
		mode.FPS = cfg.Camera.FPS
	}
	audioMode, err := audio.ParseMode(cfg.Audio.Mode)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		logger:     logger.WithComponent("app"),
		Counter:    bandwidth.NewCounter(),
		Hub:        audio.NewHub(logger.WithComponent("audio")),
		cameraMode: mode,
		rescanCh:   make(chan struct{}, 1),
		startedAt:  time.Now(),
	}

	a.Motor = motor.NewLink("", motor.Options{
		Opener:           hw.Opener,
		Logger:           logger.WithComponent("motor"),
		MaxSpeed:         cfg.Motor.MaxSpeed,
		DeadmanTimeout:   cfg.Motor.DeadmanTimeout,
		SafetyInterval:   cfg.Motor.SafetyInterval,
		WriteTimeout:     cfg.Motor.WriteTimeout,
		HandshakeTimeout: cfg.Motor.HandshakeTimeout,
		SettleDelay:      cfg.Motor.SettleDelay,
		StatusInterval:   cfg.Motor.StatusInterval,
		ReconnectInitial: cfg.Motor.ReconnectInitial,
		ReconnectMax:     cfg.Motor.ReconnectMax,
	})

	var prober device.SerialProber
	if hw.Prober != nil {
		prober = &linkAwareProber{link: a.Motor, inner: hw.Prober}
	}
	a.Registry = device.NewRegistry(device.Options{
		Video:        hw.Video,
		Audio:        hw.Audio,
		Serial:       hw.Serial,
		Prober:       prober,
		Store:        hw.Store,
		Hints:        cfg.Devices.HardwareHints,
		ProbeTimeout: cfg.Devices.ProbeTimeout,
		Getenv:       hw.Getenv,
		Logger:       logger.WithComponent("device"),
	})

	current := a.Registry.Current()
	a.Camera = camera.NewPipeline(current.Camera, mode, camera.Options{
		Capturer:            hw.Capturer,
		Counter:             a.Counter,
		Logger:              logger.WithComponent("camera"),
		FailureThreshold:    cfg.Camera.FailureThreshold,
		GraceWindow:         cfg.Camera.GraceWindow,
		BackoffInitial:      cfg.Camera.BackoffInitial,
		BackoffMax:          cfg.Camera.BackoffMax,
		OpenTimeout:         cfg.Camera.OpenTimeout,
		ReadTimeout:         cfg.Camera.ReadTimeout,
		PlaceholderInterval: cfg.Camera.PlaceholderInterval,
	})

	transports := hw.Transports
	if transports == nil {
		transports = &audio.Transports{
			Hub:            a.Hub,
			RealtimeTarget: cfg.Audio.RealtimeTarget,
			Logger:         logger.WithComponent("audio"),
		}
	}
	a.Audio = audio.NewMultiplexer(current.Microphone, audioMode, audio.Options{
		Launcher:     hw.Launcher,
		Transports:   transports,
		Counter:      a.Counter,
		Logger:       logger.WithComponent("audio"),
		ChunkSize:    cfg.Audio.ChunkSize,
		RestartLimit: cfg.Audio.RestartLimit,
	})
	// 最後の受信者が切断したらマイクを解放する
	a.Hub.OnIdle(func() { a.Audio.StopIfWebSocket() })

	return a, nil
}

// Run はデバイスを検出してから全ループを動かし、ctxが終わるまで戻らない
func (a *App) Run(ctx context.Context) error {
	profiles := a.Registry.Detect(ctx)
	a.logger.Info().Msg(a.Registry.Summary())
	a.bind(ctx, profiles)

	if err := a.Camera.Start(ctx, a.cameraMode); err != nil {
		// 復旧はパイプラインが続ける
		a.logger.Warn().Err(err).Msg("カメラは代替画像で開始します")
	}
	if a.cfg.Audio.AutoStart {
		if _, err := a.Audio.Start(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("音声ストリーミングを開始できません")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Motor.Run(gctx) })
	g.Go(func() error { return a.Hub.Run(gctx) })
	g.Go(func() error { return a.Audio.Run(gctx) })
	g.Go(func() error { return a.watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.Camera.Stop()
		return nil
	})

	err := g.Wait()
	a.logger.Info().Msg("全てのループが停止しました")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RequestRescan は次の再検出を前倒しする
func (a *App) RequestRescan() {
	select {
	case a.rescanCh <- struct{}{}:
	default:
	}
}

// Rescan はデバイスを再検出して各コンポーネントに付け直す
func (a *App) Rescan(ctx context.Context) device.Profiles {
	profiles := a.Registry.Rescan(ctx)
	a.bind(ctx, profiles)
	return profiles
}

// Current は現在割り当てているデバイスを返す
func (a *App) Current() device.Profiles {
	return a.Registry.Current()
}

// Uptime は起動からの経過時間を返す
func (a *App) Uptime() time.Duration {
	return time.Since(a.startedAt)
}

// StartedAt は起動時刻を返す
func (a *App) StartedAt() time.Time {
	return a.startedAt
}

// watch は一定間隔で検出し、要求があったときは明示的に再検出する
func (a *App) watch(ctx context.Context) error {
	var tick <-chan time.Time
	if a.cfg.Devices.RescanInterval > 0 {
		ticker := time.NewTicker(a.cfg.Devices.RescanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			// 定期検出では見失ったデバイスを不在にしない
			a.bind(ctx, a.Registry.Detect(ctx))
		case <-a.rescanCh:
			a.Rescan(ctx)
		}
	}
}

// bind は選択結果を各コンポーネントへ反映する
// 変化が無ければ各コンポーネント側で何もしない
func (a *App) bind(ctx context.Context, profiles device.Profiles) {
	a.Camera.Rebind(profiles.Camera)

	if profiles.Serial.Available() {
		a.Motor.SetPort(profiles.Serial.Path)
	} else {
		a.Motor.SetPort("")
	}

	if err := a.Audio.SetDevice(ctx, profiles.Microphone); err != nil {
		a.logger.Warn().Err(err).Msg("マイクの付け直しに失敗しました")
	}
}

// linkAwareProber はリンクに割り当て済みのポートには触れずに結果を返す
// 接続中・ハンドシェイク中・再接続待ちのどれでもポートはリンクが所有する
// 他のポートは通常どおり調べる
type linkAwareProber struct {
	link  *motor.Link
	inner device.SerialProber
}

func (p *linkAwareProber) Probe(ctx context.Context, path string) (device.ProbeResult, error) {
	if path != "" && path == p.link.Port() {
		return device.ProbeResult{
			ControllerType: device.ControllerMotor,
			Voltage:        p.link.Telemetry().Voltage,
		}, nil
	}
	return p.inner.Probe(ctx, path)
}
