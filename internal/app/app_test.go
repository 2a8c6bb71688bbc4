package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enkaku/internal/audio"
	"enkaku/internal/camera"
	"enkaku/internal/config"
	"enkaku/internal/device"
	"enkaku/internal/motor"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type rig struct {
	app        *App
	scanner    *device.MockScanner
	capturer   *camera.FakeCapturer
	controller *motor.FakeController
	launcher   *audio.FakeLauncher
	transports *audio.FakeTransports
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Devices.StatePath = ""
	cfg.Devices.RescanInterval = 0 // 要求時のみ
	cfg.Devices.ProbeTimeout = 200 * time.Millisecond
	cfg.Camera.Resolution = "480p"
	cfg.Camera.BackoffInitial = 20 * time.Millisecond
	cfg.Camera.BackoffMax = 100 * time.Millisecond
	cfg.Camera.ReadTimeout = 200 * time.Millisecond
	cfg.Camera.OpenTimeout = 500 * time.Millisecond
	cfg.Camera.PlaceholderInterval = 50 * time.Millisecond
	cfg.Motor.DeadmanTimeout = 300 * time.Millisecond
	cfg.Motor.SafetyInterval = 20 * time.Millisecond
	cfg.Motor.HandshakeTimeout = 300 * time.Millisecond
	cfg.Motor.SettleDelay = 0
	cfg.Motor.ReconnectInitial = 20 * time.Millisecond
	cfg.Motor.ReconnectMax = 100 * time.Millisecond
	cfg.Audio.ChunkSize = 128
	return cfg
}

func newRig(t *testing.T, cfg *config.Config) *rig {
	t.Helper()

	r := &rig{
		scanner:    device.NewMockScanner(),
		capturer:   camera.NewFakeCapturer(512, 10*time.Millisecond),
		controller: motor.NewFakeController(),
		launcher:   audio.NewFakeLauncher(5 * time.Millisecond),
		transports: audio.NewFakeTransports(),
	}
	r.scanner.Update(func(m *device.MockScanner) {
		m.Cameras = []device.Profile{{
			Class: device.ClassCamera, Path: "/dev/video0", Name: "USB Camera", Status: device.StatusAvailable,
		}}
		m.Microphones = []device.Profile{{
			Class: device.ClassMicrophone, Path: "plughw:1,0", Name: "USB Audio", Status: device.StatusAvailable, Priority: 1,
		}}
		m.Encoders = []string{device.EncoderPCM, device.EncoderOpus}
		m.Ports = []string{"/dev/ttyUSB0"}
		m.Responders["/dev/ttyUSB0"] = device.ProbeResult{ControllerType: device.ControllerMotor, Voltage: 12.0}
	})

	a, err := New(cfg, Hardware{
		Video:      r.scanner,
		Audio:      r.scanner,
		Serial:     r.scanner,
		Prober:     r.scanner,
		Store:      device.NewMemoryStore(),
		Getenv:     func(string) string { return "" },
		Capturer:   r.capturer,
		Opener:     r.controller.Opener(),
		Launcher:   r.launcher,
		Transports: r.transports,
	})
	require.NoError(t, err)
	r.app = a
	return r
}

func (r *rig) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("Runが終了しません")
		}
	})
}

func TestApp_BindsDetectedDevices(t *testing.T) {
	r := newRig(t, testConfig())
	r.run(t)

	require.Eventually(t, func() bool {
		return r.app.Camera.Health().State == camera.StateRunning
	}, waitFor, tick)
	path, mode := r.capturer.LastOpen()
	assert.Equal(t, "/dev/video0", path)
	assert.Equal(t, "480p", mode.Name)

	require.Eventually(t, func() bool {
		st := r.app.Motor.Status()
		return st.State == motor.StateRunning && st.Port == "/dev/ttyUSB0"
	}, waitFor, tick)

	mode2, err := r.app.Audio.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audio.ModeStandard, mode2)
	assert.Equal(t, "plughw:1,0", r.app.Audio.Stats().Device)

	// 映像と音声の転送量が積算される
	require.Eventually(t, func() bool {
		s := r.app.Counter.Snapshot()
		return s.VideoBytes > 0 && s.AudioBytes > 0
	}, waitFor, tick)
}

func TestApp_AutoStartAudio(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.AutoStart = true
	cfg.Audio.Mode = "optimized"
	r := newRig(t, cfg)
	r.run(t)

	require.Eventually(t, func() bool { return r.app.Audio.Stats().Active }, waitFor, tick)
	assert.Equal(t, audio.ModeOptimized, r.app.Audio.Stats().Mode)
}

func TestApp_RescanRebindsCamera(t *testing.T) {
	r := newRig(t, testConfig())
	r.run(t)

	require.Eventually(t, func() bool {
		return r.app.Camera.Health().State == camera.StateRunning
	}, waitFor, tick)

	// 別のポートに挿し直された
	r.scanner.Update(func(m *device.MockScanner) {
		m.Cameras = []device.Profile{{
			Class: device.ClassCamera, Path: "/dev/video2", Name: "USB Camera", Status: device.StatusAvailable,
		}}
	})
	r.app.RequestRescan()

	require.Eventually(t, func() bool {
		path, _ := r.capturer.LastOpen()
		return path == "/dev/video2" && r.app.Camera.Health().State == camera.StateRunning
	}, waitFor, tick)
	assert.Equal(t, "/dev/video2", r.app.Registry.Current().Camera.Path)
}

func TestApp_RescanDoesNotProbeLivePort(t *testing.T) {
	r := newRig(t, testConfig())
	r.run(t)

	require.Eventually(t, func() bool {
		return r.app.Motor.Status().State == motor.StateRunning
	}, waitFor, tick)
	probedBefore := len(r.scanner.Probed())
	opensBefore := r.controller.Opens()

	profiles := r.app.Rescan(context.Background())

	// 接続中のポートは開き直さずにモーターとして扱う
	assert.Equal(t, "/dev/ttyUSB0", profiles.Serial.Path)
	assert.Equal(t, device.ControllerMotor, profiles.Serial.Capabilities.ControllerType)
	assert.Len(t, r.scanner.Probed(), probedBefore)
	assert.Equal(t, opensBefore, r.controller.Opens())
	assert.Equal(t, motor.StateRunning, r.app.Motor.Status().State)
}

func TestApp_PeriodicScanKeepsSelection(t *testing.T) {
	cfg := testConfig()
	cfg.Devices.RescanInterval = 50 * time.Millisecond
	r := newRig(t, cfg)
	r.run(t)

	require.Eventually(t, func() bool {
		return r.app.Camera.Health().State == camera.StateRunning
	}, waitFor, tick)

	// 一時的に何も見えなくなった
	r.scanner.Update(func(m *device.MockScanner) {
		m.Cameras = nil
		m.Microphones = nil
	})
	time.Sleep(300 * time.Millisecond)

	current := r.app.Current()
	assert.Equal(t, "/dev/video0", current.Camera.Path)
	assert.True(t, current.Camera.Available())
	assert.Equal(t, "plughw:1,0", current.Microphone.Path)
	assert.True(t, current.Microphone.Available())
	assert.Equal(t, "/dev/video0", r.app.Camera.Health().Device)
	assert.Equal(t, camera.StateRunning, r.app.Camera.Health().State)

	// 明示的な再検出なら不在になる
	r.app.RequestRescan()
	require.Eventually(t, func() bool {
		return !r.app.Current().Camera.Available()
	}, waitFor, tick)
}

func TestApp_RescanDoesNotProbeLinkPortBeforeHandshake(t *testing.T) {
	r := newRig(t, testConfig())
	// 応答しないので connecting と disconnected を繰り返す
	r.controller.SetSilent(true)
	r.run(t)

	require.Eventually(t, func() bool {
		return r.app.Motor.Port() == "/dev/ttyUSB0" && r.controller.Opens() >= 1
	}, waitFor, tick)
	probedBefore := len(r.scanner.Probed())

	states := map[motor.ConnState]bool{}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !(states[motor.StateConnecting] && states[motor.StateDisconnected]) {
		states[r.app.Motor.Status().State] = true
		profiles := r.app.Rescan(context.Background())
		assert.Equal(t, "/dev/ttyUSB0", profiles.Serial.Path)
		assert.Equal(t, device.ControllerMotor, profiles.Serial.Capabilities.ControllerType)
		time.Sleep(5 * time.Millisecond)
	}

	assert.Len(t, r.scanner.Probed(), probedBefore, "リンクのポートを開いてはいけない")
	assert.NotEqual(t, motor.StateRunning, r.app.Motor.Status().State)
}

func TestApp_MicrophoneRemovedStopsAudio(t *testing.T) {
	r := newRig(t, testConfig())
	r.run(t)

	// カメラが動いていれば検出結果は割り当て済み
	require.Eventually(t, func() bool {
		return r.app.Camera.Health().State == camera.StateRunning
	}, waitFor, tick)
	_, err := r.app.Audio.Start(context.Background())
	require.NoError(t, err)

	r.scanner.Update(func(m *device.MockScanner) { m.Microphones = nil })
	r.app.Rescan(context.Background())

	assert.False(t, r.app.Audio.Stats().Active)
	assert.Equal(t, 0, r.launcher.Live())
	assert.Equal(t, 0, r.transports.Live())
}

func TestNew_RejectsUnknownModes(t *testing.T) {
	cfg := testConfig()
	cfg.Camera.Resolution = "4k"
	_, err := New(cfg, Hardware{})
	assert.ErrorIs(t, err, camera.ErrUnknownMode)

	cfg = testConfig()
	cfg.Audio.Mode = "lossless"
	_, err = New(cfg, Hardware{})
	assert.ErrorIs(t, err, audio.ErrUnknownMode)
}
