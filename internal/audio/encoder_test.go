package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Realtime ")
	require.NoError(t, err)
	assert.Equal(t, ModeRealtime, m)

	_, err = ParseMode("flac")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestMode_Fallbacks(t *testing.T) {
	assert.Equal(t, []Mode{ModeRealtime, ModeOptimized, ModeStandard}, ModeRealtime.Fallbacks())
	assert.Equal(t, []Mode{ModeOptimized, ModeStandard}, ModeOptimized.Fallbacks())
	assert.Equal(t, []Mode{ModeStandard}, ModeStandard.Fallbacks())
	assert.Nil(t, Mode("unknown").Fallbacks())

	// 返したスライスを書き換えても順序表は変わらない
	fb := ModeRealtime.Fallbacks()
	fb[0] = ModeStandard
	assert.Equal(t, ModeRealtime, ModeRealtime.Fallbacks()[0])
}

func TestFFmpegArgs(t *testing.T) {
	testCases := []struct {
		mode Mode
		want []string
	}{
		{ModeStandard, []string{"-c:a pcm_s16le", "-ar 44100", "-f s16le -"}},
		{ModeOptimized, []string{"-c:a libopus", "-b:a 24k", "-ar 48000", "-f ogg -"}},
		{ModeRealtime, []string{"-c:a pcm_mulaw", "-ar 8000", "-f mulaw -"}},
	}

	for _, tc := range testCases {
		t.Run(string(tc.mode), func(t *testing.T) {
			args := strings.Join(FFmpegArgs(EncoderSpec{Mode: tc.mode, Device: "plughw:1,0"}), " ")
			assert.Contains(t, args, "-f alsa -i plughw:1,0")
			assert.Contains(t, args, "-ac 1")
			assert.Contains(t, args, "-nostdin")
			for _, w := range tc.want {
				assert.Contains(t, args, w)
			}
		})
	}
}

func TestClassifyExit(t *testing.T) {
	exitErr := errors.New("exit status 1")
	testCases := []struct {
		name   string
		stderr string
		want   error
	}{
		{"使用中", "[alsa @ 0x1] cannot open audio device plughw:1,0 (Device or resource busy)", ErrDeviceBusy},
		{"不在", "[alsa @ 0x1] cannot open audio device plughw:3,0 (No such file or directory)", ErrDeviceAbsent},
		{"エンコーダ無し", "Unknown encoder 'libopus'", ErrEncoderUnavailable},
		{"その他", "something went wrong", ErrEncoderUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyExit(tc.stderr, exitErr, io.EOF)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// 正常終了はEOF
	assert.ErrorIs(t, classifyExit("", nil, io.EOF), io.EOF)
}

func TestFFmpegLauncher_MissingBinary(t *testing.T) {
	l := NewFFmpegLauncher(100*time.Millisecond, zerolog.Nop())
	l.Binary = "enkaku-ffmpeg-does-not-exist"

	_, err := l.Launch(context.Background(), EncoderSpec{Mode: ModeStandard, Device: "plughw:1,0"})
	assert.ErrorIs(t, err, ErrEncoderUnavailable)

	_, err = l.Launch(context.Background(), EncoderSpec{Mode: ModeStandard})
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestToneChunk(t *testing.T) {
	chunk := ToneChunk(440, 0.3, 44100, 0, 100)
	require.Len(t, chunk, 200)

	// 最初のサンプルは0
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(chunk[0:])))

	peak := 0.0
	for i := 0; i < 100; i++ {
		v := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		peak = math.Max(peak, math.Abs(float64(v)))
	}
	assert.LessOrEqual(t, peak, 32767*0.3+1)
	assert.Greater(t, peak, 32767*0.2)
}

func TestToneLauncher(t *testing.T) {
	l := NewToneLauncher()

	_, err := l.Launch(context.Background(), EncoderSpec{Mode: ModeOptimized})
	assert.ErrorIs(t, err, ErrEncoderUnavailable)

	enc, err := l.Launch(context.Background(), EncoderSpec{Mode: ModeStandard, ChunkSize: 441})
	require.NoError(t, err)

	chunk, err := enc.ReadChunk(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk, 440, "2バイト境界に揃える")

	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Stop())
	_, err = enc.ReadChunk(context.Background())
	assert.ErrorIs(t, err, ErrEncoderStopped)
	assert.ErrorIs(t, enc.Err(), ErrEncoderStopped)
}

func TestToneLauncher_DrivesMultiplexer(t *testing.T) {
	h := newHarness(t, testMic(), ModeRealtime)
	h.mux.opts.Launcher = NewToneLauncher()

	// トーンはPCMのみなので standard まで落ちる
	mode, err := h.mux.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeStandard, mode)
	require.Eventually(t, func() bool { return h.mux.Stats().ChunksSent > 0 }, waitFor, tick)
}
