package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFakeCrash はFakeEncoderが異常終了したことを表す
var ErrFakeCrash = errors.New("エンコーダが異常終了しました")

// FakeLauncher はテスト用のLauncher
// 起動中のエンコーダ数を数え、モードごとに起動失敗を注入できる
type FakeLauncher struct {
	mu       sync.Mutex
	interval time.Duration
	errs     map[Mode]error
	launches []Mode
	live     int
	encoders []*FakeEncoder
}

// NewFakeLauncher は interval ごとにチャンクを出すFakeLauncherを作成する
func NewFakeLauncher(interval time.Duration) *FakeLauncher {
	return &FakeLauncher{interval: interval, errs: make(map[Mode]error)}
}

// SetError はモードの起動を err で失敗させる。nilで解除
func (f *FakeLauncher) SetError(mode Mode, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, mode)
		return
	}
	f.errs[mode] = err
}

func (f *FakeLauncher) Launch(ctx context.Context, spec EncoderSpec) (Encoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.launches = append(f.launches, spec.Mode)
	if err := f.errs[spec.Mode]; err != nil {
		return nil, err
	}

	size := spec.ChunkSize
	if size <= 0 {
		size = 1024
	}
	enc := &FakeEncoder{
		launcher: f,
		spec:     spec,
		size:     size,
		interval: f.interval,
		done:     make(chan struct{}),
	}
	f.live++
	f.encoders = append(f.encoders, enc)
	return enc, nil
}

// Live は停止されていないエンコーダの数を返す
func (f *FakeLauncher) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Launches は起動を試みたモードを順に返す
func (f *FakeLauncher) Launches() []Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Mode, len(f.launches))
	copy(out, f.launches)
	return out
}

// Last は最後に起動したエンコーダを返す
func (f *FakeLauncher) Last() *FakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

// FakeEncoder はテスト用のEncoder
type FakeEncoder struct {
	launcher *FakeLauncher
	spec     EncoderSpec
	size     int
	interval time.Duration

	mu      sync.Mutex
	seq     byte
	err     error
	stopped bool
	done    chan struct{}
}

// Spec は起動条件を返す
func (e *FakeEncoder) Spec() EncoderSpec {
	return e.spec
}

// Crash はプロセスの異常終了を模擬する
func (e *FakeEncoder) Crash() {
	e.finish(ErrFakeCrash)
}

func (e *FakeEncoder) ReadChunk(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(e.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.done:
		return nil, e.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.seq++
	chunk := make([]byte, e.size)
	for i := range chunk {
		chunk[i] = e.seq
	}
	return chunk, nil
}

func (e *FakeEncoder) Done() <-chan struct{} {
	return e.done
}

func (e *FakeEncoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *FakeEncoder) Stop() error {
	e.finish(ErrEncoderStopped)

	e.mu.Lock()
	first := !e.stopped
	e.stopped = true
	e.mu.Unlock()

	if first {
		e.launcher.mu.Lock()
		e.launcher.live--
		e.launcher.mu.Unlock()
	}
	return nil
}

func (e *FakeEncoder) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	e.err = err
	close(e.done)
}

// FakeTransports はテスト用のTransportFactory
type FakeTransports struct {
	mu     sync.Mutex
	errs   map[Mode]error
	opened []Mode
	live   int
	bytes  int
}

// NewFakeTransports は新しいFakeTransportsを作成する
func NewFakeTransports() *FakeTransports {
	return &FakeTransports{errs: make(map[Mode]error)}
}

// SetError はモードの伝送路を開けなくする。nilで解除
func (f *FakeTransports) SetError(mode Mode, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, mode)
		return
	}
	f.errs[mode] = err
}

func (f *FakeTransports) OpenTransport(ctx context.Context, mode Mode, session string) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[mode]; err != nil {
		return nil, err
	}
	f.opened = append(f.opened, mode)
	f.live++
	return &fakeTransport{owner: f}, nil
}

// Live は閉じられていない伝送路の数を返す
func (f *FakeTransports) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Opened は開いた伝送路のモードを順に返す
func (f *FakeTransports) Opened() []Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Mode, len(f.opened))
	copy(out, f.opened)
	return out
}

// Bytes は送られたバイト数の合計を返す
func (f *FakeTransports) Bytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes
}

type fakeTransport struct {
	owner  *FakeTransports
	closed bool
}

func (t *fakeTransport) Send(chunk []byte) (int, error) {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.closed {
		return 0, ErrTransportUnavailable
	}
	t.owner.bytes += len(chunk)
	return len(chunk), nil
}

func (t *fakeTransport) Close() error {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.owner.live--
	}
	return nil
}
