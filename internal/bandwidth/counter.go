// Package bandwidth はプロセス起動からの転送量を映像・音声別に積算する
package bandwidth

import (
	"sync/atomic"
	"time"
)

// Counter は映像・音声の累積転送バイト数を保持する
// 単調増加のみ。リセットはプロセス再起動時だけ
type Counter struct {
	video   atomic.Uint64
	audio   atomic.Uint64
	started time.Time
}

// Snapshot はある時点の転送量
type Snapshot struct {
	VideoBytes uint64    `json:"video_bytes"`
	AudioBytes uint64    `json:"audio_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	Since      time.Time `json:"since"`
}

// NewCounter は新しいCounterを作成する
func NewCounter() *Counter {
	return &Counter{started: time.Now()}
}

// AddVideo は映像の転送量を加算する
func (c *Counter) AddVideo(n int) {
	if n > 0 {
		c.video.Add(uint64(n))
	}
}

// AddAudio は音声の転送量を加算する
func (c *Counter) AddAudio(n int) {
	if n > 0 {
		c.audio.Add(uint64(n))
	}
}

// Snapshot は現在値を返す
func (c *Counter) Snapshot() Snapshot {
	v := c.video.Load()
	a := c.audio.Load()
	return Snapshot{
		VideoBytes: v,
		AudioBytes: a,
		TotalBytes: v + a,
		Since:      c.started,
	}
}
