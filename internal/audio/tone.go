package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// ToneLauncher はマイクの代わりに正弦波を出すエンコーダを起動する
// 伝送路と受信側の確認用。出力は standard と同じ PCM s16le 44.1kHz モノラル
type ToneLauncher struct {
	Frequency float64
	Volume    float64 // 0.0 - 1.0
}

// NewToneLauncher は440Hz、音量30%のToneLauncherを作成する
func NewToneLauncher() *ToneLauncher {
	return &ToneLauncher{Frequency: 440, Volume: 0.3}
}

// Launch は standard 以外では ErrEncoderUnavailable を返す
func (l *ToneLauncher) Launch(ctx context.Context, spec EncoderSpec) (Encoder, error) {
	if spec.Mode != ModeStandard {
		return nil, fmt.Errorf("%w: テストトーンは %s のみ対応", ErrEncoderUnavailable, ModeStandard)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunkSize := spec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 8192
	}
	chunkSize &^= 1 // 2バイト境界

	rate := ModeStandard.Format().SampleRate
	samples := chunkSize / 2
	return &toneEncoder{
		freq:     l.Frequency,
		volume:   l.Volume,
		rate:     rate,
		samples:  samples,
		interval: time.Duration(samples) * time.Second / time.Duration(rate),
		done:     make(chan struct{}),
	}, nil
}

type toneEncoder struct {
	freq     float64
	volume   float64
	rate     int
	samples  int
	interval time.Duration

	mu   sync.Mutex
	pos  int
	next time.Time
	once sync.Once
	done chan struct{}
}

// ReadChunk は実時間に合わせて次のチャンクを返す
func (e *toneEncoder) ReadChunk(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	wait := time.Until(e.next)
	e.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.done:
			return nil, ErrEncoderStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case <-e.done:
		return nil, ErrEncoderStopped
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next.IsZero() {
		e.next = time.Now()
	}
	e.next = e.next.Add(e.interval)
	chunk := ToneChunk(e.freq, e.volume, e.rate, e.pos, e.samples)
	e.pos += e.samples
	return chunk, nil
}

func (e *toneEncoder) Done() <-chan struct{} {
	return e.done
}

func (e *toneEncoder) Err() error {
	select {
	case <-e.done:
		return ErrEncoderStopped
	default:
		return nil
	}
}

func (e *toneEncoder) Stop() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// ToneChunk は開始位置 offset から n サンプル分の正弦波を s16le で返す
func ToneChunk(freq, volume float64, rate, offset, n int) []byte {
	out := make([]byte, n*2)
	amp := 32767 * volume
	for i := 0; i < n; i++ {
		t := float64(offset+i) / float64(rate)
		v := int16(amp * math.Sin(2*math.Pi*freq*t))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
