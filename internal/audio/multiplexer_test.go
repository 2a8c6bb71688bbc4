package audio

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enkaku/internal/bandwidth"
	"enkaku/internal/device"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testMic() device.Profile {
	return device.Profile{
		Class:  device.ClassMicrophone,
		Path:   "plughw:1,0",
		Name:   "USB Audio",
		Status: device.StatusAvailable,
		Capabilities: device.Capabilities{
			Encoders: []string{device.EncoderPCM, device.EncoderOpus, device.EncoderMuLaw},
		},
	}
}

type harness struct {
	mux        *Multiplexer
	launcher   *FakeLauncher
	transports *FakeTransports
	counter    *bandwidth.Counter
}

func newHarness(t *testing.T, mic device.Profile, mode Mode) *harness {
	t.Helper()
	h := &harness{
		launcher:   NewFakeLauncher(5 * time.Millisecond),
		transports: NewFakeTransports(),
		counter:    bandwidth.NewCounter(),
	}
	h.mux = NewMultiplexer(mic, mode, Options{
		Launcher:     h.launcher,
		Transports:   h.transports,
		Counter:      h.counter,
		Logger:       zerolog.Nop(),
		ChunkSize:    256,
		RestartLimit: 3,
		RestartDelay: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = h.mux.Stop() })
	return h
}

func TestMultiplexer_StartStreams(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)

	mode, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeStandard, mode)

	require.Eventually(t, func() bool { return h.mux.Stats().ChunksSent >= 3 }, waitFor, tick)

	st := h.mux.Stats()
	assert.True(t, st.Active)
	assert.Equal(t, ModeStandard, st.Mode)
	assert.False(t, st.Fallback)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, "plughw:1,0", st.Device)
	assert.Equal(t, "pcm_s16le_44100_mono", st.Format)

	// 送った分だけ音声の転送量に加算される
	assert.Positive(t, h.counter.Snapshot().AudioBytes)
	assert.Equal(t, 1, h.launcher.Live())
	assert.Equal(t, 1, h.transports.Live())
}

func TestMultiplexer_StartTwiceKeepsSession(t *testing.T) {
	h := newHarness(t, testMic(), ModeOptimized)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	id := h.mux.Stats().SessionID

	mode, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeOptimized, mode)
	assert.Equal(t, id, h.mux.Stats().SessionID)
	assert.Len(t, h.launcher.Launches(), 1)
}

func TestMultiplexer_StopReleasesHandles(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.mux.Stats().ChunksSent > 0 }, waitFor, tick)

	require.NoError(t, h.mux.Stop())
	require.NoError(t, h.mux.Stop())

	assert.Equal(t, 0, h.launcher.Live())
	assert.Equal(t, 0, h.transports.Live())

	st := h.mux.Stats()
	assert.False(t, st.Active)
	// 停止後も最後のセッションの統計が残る
	assert.Positive(t, st.ChunksSent)
	assert.Equal(t, st.ChunksSent*256, st.BytesSent)
	assert.Equal(t, int(st.BytesSent), h.transports.Bytes())
}

func TestMultiplexer_ModeSwitchesLeaveOneSession(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)

	modes := []Mode{ModeOptimized, ModeRealtime, ModeStandard, ModeRealtime, ModeOptimized, ModeStandard, ModeOptimized}
	for _, want := range modes {
		got, err := h.mux.SelectMode(context.Background(), want)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, 1, h.launcher.Live(), "エンコーダは常に1つ")
		assert.Equal(t, 1, h.transports.Live(), "伝送路は常に1つ")
	}

	st := h.mux.Stats()
	assert.True(t, st.Active)
	assert.Equal(t, ModeOptimized, st.Mode)
	assert.Len(t, h.launcher.Launches(), len(modes)+1)
}

func TestMultiplexer_SelectModeWhileInactive(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)

	got, err := h.mux.SelectMode(context.Background(), ModeRealtime)
	require.NoError(t, err)
	assert.Equal(t, ModeRealtime, got)
	assert.Empty(t, h.launcher.Launches(), "停止中は起動しない")
	assert.Equal(t, ModeRealtime, h.mux.Mode())

	_, err = h.mux.SelectMode(context.Background(), Mode("lossless"))
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, ModeRealtime, h.mux.Mode())
}

func TestMultiplexer_ModeNameIsNormalized(t *testing.T) {
	h := newHarness(t, testMic(), Mode(" Standard "))
	assert.Equal(t, ModeStandard, h.mux.Mode())

	got, err := h.mux.SelectMode(context.Background(), Mode("Optimized"))
	require.NoError(t, err)
	assert.Equal(t, ModeOptimized, got)
	assert.Equal(t, ModeOptimized, h.mux.Mode())

	started, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeOptimized, started)
	assert.False(t, h.mux.Stats().Fallback)
}

func TestMultiplexer_FallbackOrder(t *testing.T) {
	testCases := []struct {
		name    string
		setup   func(h *harness)
		mic     func(p *device.Profile)
		request Mode
		want    Mode
	}{
		{
			name:    "RTPの送信先が無ければoptimizedへ",
			setup:   func(h *harness) { h.transports.SetError(ModeRealtime, ErrTransportUnavailable) },
			request: ModeRealtime,
			want:    ModeOptimized,
		},
		{
			name: "Opusも無ければstandardへ",
			setup: func(h *harness) {
				h.transports.SetError(ModeRealtime, ErrTransportUnavailable)
				h.launcher.SetError(ModeOptimized, ErrEncoderUnavailable)
			},
			request: ModeRealtime,
			want:    ModeStandard,
		},
		{
			name:    "能力表に無いエンコーダは試さない",
			mic:     func(p *device.Profile) { p.Capabilities.Encoders = []string{device.EncoderPCM} },
			request: ModeOptimized,
			want:    ModeStandard,
		},
		{
			name:    "能力表が空なら全て試す",
			mic:     func(p *device.Profile) { p.Capabilities.Encoders = nil },
			request: ModeRealtime,
			want:    ModeRealtime,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mic := testMic()
			if tc.mic != nil {
				tc.mic(&mic)
			}
			h := newHarness(t, mic, tc.request)
			if tc.setup != nil {
				tc.setup(h)
			}

			got, err := h.mux.Start(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			st := h.mux.Stats()
			assert.Equal(t, tc.want, st.Mode)
			assert.Equal(t, tc.request, st.Requested)
			assert.Equal(t, tc.want != tc.request, st.Fallback)
			assert.Equal(t, 1, h.launcher.Live())
			assert.Equal(t, 1, h.transports.Live())
		})
	}
}

func TestMultiplexer_FailedStartLeavesNothingOpen(t *testing.T) {
	testCases := []struct {
		name  string
		mic   func(p *device.Profile)
		setup func(h *harness)
		want  error
	}{
		{
			name: "マイクが使用中",
			setup: func(h *harness) {
				h.launcher.SetError(ModeStandard, ErrDeviceBusy)
			},
			want: ErrDeviceBusy,
		},
		{
			name: "エンコーダが無い",
			setup: func(h *harness) {
				h.launcher.SetError(ModeStandard, ErrEncoderUnavailable)
			},
			want: ErrEncoderUnavailable,
		},
		{
			name: "伝送路が無い",
			setup: func(h *harness) {
				h.transports.SetError(ModeStandard, ErrTransportUnavailable)
			},
			want: ErrTransportUnavailable,
		},
		{
			name: "マイクが無い",
			mic:  func(p *device.Profile) { *p = device.Unavailable(device.ClassMicrophone) },
			want: ErrDeviceAbsent,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mic := testMic()
			if tc.mic != nil {
				tc.mic(&mic)
			}
			h := newHarness(t, mic, ModeStandard)
			if tc.setup != nil {
				tc.setup(h)
			}

			_, err := h.mux.Start(context.Background())
			require.ErrorIs(t, err, tc.want)

			st := h.mux.Stats()
			assert.False(t, st.Active)
			assert.NotEmpty(t, st.LastError)
			assert.Equal(t, 0, h.launcher.Live())
			assert.Equal(t, 0, h.transports.Live())
		})
	}
}

func TestMultiplexer_BusyDeviceStopsFallback(t *testing.T) {
	h := newHarness(t, testMic(), ModeRealtime)
	h.launcher.SetError(ModeRealtime, ErrDeviceBusy)

	_, err := h.mux.Start(context.Background())
	require.ErrorIs(t, err, ErrDeviceBusy)
	// 使用中のマイクは下位モードでも開けないので試さない
	assert.Equal(t, []Mode{ModeRealtime}, h.launcher.Launches())
}

func TestMultiplexer_RestartsCrashedEncoder(t *testing.T) {
	h := newHarness(t, testMic(), ModeOptimized)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	id := h.mux.Stats().SessionID

	first := h.launcher.Last()
	first.Crash()

	require.Eventually(t, func() bool {
		return h.launcher.Last() != first && h.mux.Stats().Restarts == 1
	}, waitFor, tick)

	st := h.mux.Stats()
	assert.True(t, st.Active)
	assert.Equal(t, ModeOptimized, st.Mode)
	assert.Equal(t, id, st.SessionID, "再起動しても同じセッション")
	assert.Positive(t, st.Errors)
	assert.Equal(t, 1, h.launcher.Live())
	assert.Equal(t, 1, h.transports.Live())
}

func TestMultiplexer_DegradesAfterRestartLimit(t *testing.T) {
	h := newHarness(t, testMic(), ModeOptimized)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)

	// 3回の再起動を使い切るまで落とし続ける
	for i := 0; i < 4; i++ {
		enc := h.launcher.Last()
		require.Equal(t, ModeOptimized, enc.Spec().Mode)
		enc.Crash()
		require.Eventually(t, func() bool { return h.launcher.Last() != enc }, waitFor, tick)
	}

	require.Eventually(t, func() bool { return h.mux.Stats().Mode == ModeStandard }, waitFor, tick)
	st := h.mux.Stats()
	assert.True(t, st.Active)
	assert.True(t, st.Fallback)
	assert.Equal(t, 1, h.launcher.Live())
	assert.Equal(t, 1, h.transports.Live())
}

func TestMultiplexer_GivesUpAtLowestMode(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)

	// 再起動も失敗させる
	h.launcher.SetError(ModeStandard, ErrEncoderUnavailable)
	h.launcher.Last().Crash()

	require.Eventually(t, func() bool { return !h.mux.Stats().Active }, waitFor, tick)
	assert.NotEmpty(t, h.mux.Stats().LastError)
	assert.Equal(t, 0, h.launcher.Live())
	assert.Equal(t, 0, h.transports.Live())

	// 復旧後は開始し直せる
	h.launcher.SetError(ModeStandard, nil)
	mode, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeStandard, mode)
}

func TestMultiplexer_SetDeviceRestartsSession(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)

	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)

	mic := testMic()
	mic.Path = "plughw:2,0"
	require.NoError(t, h.mux.SetDevice(context.Background(), mic))

	assert.Equal(t, "plughw:2,0", h.launcher.Last().Spec().Device)
	assert.Equal(t, "plughw:2,0", h.mux.Stats().Device)
	assert.Equal(t, 1, h.launcher.Live())

	// 同じデバイスなら何もしない
	before := len(h.launcher.Launches())
	require.NoError(t, h.mux.SetDevice(context.Background(), mic))
	assert.Len(t, h.launcher.Launches(), before)

	// 取り外されたら止まる
	err = h.mux.SetDevice(context.Background(), device.Unavailable(device.ClassMicrophone))
	assert.ErrorIs(t, err, ErrDeviceAbsent)
	assert.False(t, h.mux.Stats().Active)
	assert.Equal(t, 0, h.launcher.Live())
}

func TestMultiplexer_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, testMic(), ModeStandard)
	_, err := h.mux.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mux.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Runが終了しません")
	}
	assert.Equal(t, 0, h.launcher.Live())
}

func TestMultiplexer_StopIfWebSocket(t *testing.T) {
	testCases := []struct {
		name    string
		mode    Mode
		stopped bool
	}{
		{name: "standard はHub配信", mode: ModeStandard, stopped: true},
		{name: "optimized はHub配信", mode: ModeOptimized, stopped: true},
		{name: "realtime はRTPなので残す", mode: ModeRealtime, stopped: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testMic(), tc.mode)
			_, err := h.mux.Start(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tc.stopped, h.mux.StopIfWebSocket())
			assert.Equal(t, !tc.stopped, h.mux.Stats().Active)
			if tc.stopped {
				assert.Equal(t, 0, h.launcher.Live())
				assert.Equal(t, 0, h.transports.Live())
			}
		})
	}

	h := newHarness(t, testMic(), ModeStandard)
	assert.False(t, h.mux.StopIfWebSocket(), "停止中は何もしない")
}
