package audio

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog"
)

const (
	// PayloadTypePCMU は G.711 µ-law の静的ペイロードタイプ
	PayloadTypePCMU = 0

	rtpClockRate = 8000
	rtpMTU       = 1200

	// 20msごとに1パケット。µ-lawは1サンプル1バイト
	rtpPacketSamples = rtpClockRate * 20 / 1000
)

// RTPTransport はµ-lawのバイト列を20msごとのRTPパケットにしてUDPで送る
type RTPTransport struct {
	conn       net.Conn
	packetizer rtp.Packetizer
	ssrc       uint32

	mu      sync.Mutex
	pending []byte
	packets uint64
	closed  bool

	logger zerolog.Logger
}

// DialRTP は送信先へのUDPソケットを用意する
func DialRTP(ctx context.Context, target string, logger zerolog.Logger) (*RTPTransport, error) {
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransportUnavailable, target, err)
	}
	return NewRTPTransport(conn, logger), nil
}

// NewRTPTransport は接続済みのconnでRTPTransportを作成する
func NewRTPTransport(conn net.Conn, logger zerolog.Logger) *RTPTransport {
	ssrc := rand.Uint32()
	return &RTPTransport{
		conn: conn,
		packetizer: rtp.NewPacketizer(
			rtpMTU,
			PayloadTypePCMU,
			ssrc,
			&codecs.G711Payloader{},
			rtp.NewRandomSequencer(),
			rtpClockRate,
		),
		ssrc:   ssrc,
		logger: logger,
	}
}

// Send はチャンクを溜め、20ms分たまるごとに1パケット送る
func (t *RTPTransport) Send(chunk []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, fmt.Errorf("%w: RTPは閉じられています", ErrTransportUnavailable)
	}

	t.pending = append(t.pending, chunk...)
	written := 0
	for len(t.pending) >= rtpPacketSamples {
		payload := t.pending[:rtpPacketSamples]
		for _, pkt := range t.packetizer.Packetize(payload, rtpPacketSamples) {
			data, err := pkt.Marshal()
			if err != nil {
				return written, fmt.Errorf("RTPパケットの生成に失敗: %w", err)
			}
			n, err := t.conn.Write(data)
			written += n
			if err != nil {
				// 受信側が居ないだけなら次のパケットで回復する
				t.pending = t.pending[rtpPacketSamples:]
				return written, fmt.Errorf("RTPの送信に失敗: %w", err)
			}
			t.packets++
		}
		t.pending = t.pending[rtpPacketSamples:]
	}

	// 消費済みの先頭を詰める
	if len(t.pending) == 0 {
		t.pending = t.pending[:0:0]
	}
	return written, nil
}

// Packets は送ったパケット数を返す
func (t *RTPTransport) Packets() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets
}

// SSRC は送信ストリームの識別子を返す
func (t *RTPTransport) SSRC() uint32 {
	return t.ssrc
}

func (t *RTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.logger.Debug().Uint64("packets", t.packets).Msg("RTP送信を終了しました")
	return t.conn.Close()
}
