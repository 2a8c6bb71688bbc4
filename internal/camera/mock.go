package camera

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFakeUnplugged はFakeCapturerでデバイスが抜かれた状態を表す
var ErrFakeUnplugged = errors.New("デバイスが取り外されました")

// FakeCapturer はテスト用のCapturer
// 一定サイズのフレームを一定間隔で返し、失敗を外から注入できる
type FakeCapturer struct {
	mu sync.Mutex

	frameSize     int
	interval      time.Duration
	unplugged     bool
	openErr       error
	failAfterOpen int // 次に開いた直後に失敗させる読み取り回数
	failNext      int // 開いているソースで次に失敗させる読み取り回数

	opens     int
	closes    int
	lastPath  string
	lastMode  Mode
	failCount int
	seq       byte
}

// NewFakeCapturer は新しいFakeCapturerを作成する
func NewFakeCapturer(frameSize int, interval time.Duration) *FakeCapturer {
	return &FakeCapturer{frameSize: frameSize, interval: interval}
}

// SetUnplugged はデバイスの抜き差しを模擬する
// 抜かれている間は Open も ReadFrame も失敗する
func (f *FakeCapturer) SetUnplugged(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unplugged = v
}

// SetOpenError は Open が返すエラーを設定する
func (f *FakeCapturer) SetOpenError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// FailReadsAfterOpen は次に開いたデバイスの最初のn回の読み取りを失敗させる
func (f *FakeCapturer) FailReadsAfterOpen(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfterOpen = n
}

// FailNextReads は開いているソースの次のn回の読み取りを失敗させる
func (f *FakeCapturer) FailNextReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// Opens は Open の成功回数を返す
func (f *FakeCapturer) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// OpenSources は閉じられていないソースの数を返す
func (f *FakeCapturer) OpenSources() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens - f.closes
}

// LastOpen は最後に開いたパスと解像度を返す
func (f *FakeCapturer) LastOpen() (string, Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPath, f.lastMode
}

// ReadFailures は失敗させた読み取りの回数を返す
func (f *FakeCapturer) ReadFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failCount
}

func (f *FakeCapturer) Open(ctx context.Context, path string, mode Mode) (FrameSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unplugged {
		return nil, ErrFakeUnplugged
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	f.lastPath = path
	f.lastMode = mode
	src := &fakeSource{owner: f, failing: f.failAfterOpen}
	f.failAfterOpen = 0
	return src, nil
}

type fakeSource struct {
	owner   *FakeCapturer
	failing int
	closed  bool
	once    sync.Once
}

func (s *fakeSource) ReadFrame(ctx context.Context) ([]byte, error) {
	f := s.owner

	f.mu.Lock()
	interval := f.interval
	f.mu.Unlock()

	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ErrReadTimeout
	case <-t.C:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	switch {
	case f.unplugged:
		f.failCount++
		return nil, ErrFakeUnplugged
	case s.failing > 0:
		s.failing--
		f.failCount++
		return nil, ErrFakeUnplugged
	case f.failNext > 0:
		f.failNext--
		f.failCount++
		return nil, ErrReadTimeout
	}

	f.seq++
	data := make([]byte, f.frameSize)
	for i := range data {
		data[i] = f.seq
	}
	return data, nil
}

func (s *fakeSource) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		s.closed = true
		s.owner.closes++
		s.owner.mu.Unlock()
	})
	return nil
}
