package camera

import "sync/atomic"

// FrameBuffer は最新フレームを1つだけ保持する
// 書き込みは1つのループのみ、読み取りは何本でもロックなしで行える
type FrameBuffer struct {
	current atomic.Pointer[Frame]
}

// Store はフレームを差し替える
func (b *FrameBuffer) Store(f *Frame) {
	b.current.Store(f)
}

// Load は最新フレームのコピーを返す。未公開なら ok=false
func (b *FrameBuffer) Load() (Frame, bool) {
	f := b.current.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}
