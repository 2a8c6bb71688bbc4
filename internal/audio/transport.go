package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Transport は符号化済みチャンクを操縦側へ運ぶ
type Transport interface {
	// Send はチャンクを送る。回線へ出たバイト数を返す
	Send(chunk []byte) (int, error)
	Close() error
}

// TransportFactory はモードに応じた伝送路を開く
type TransportFactory interface {
	OpenTransport(ctx context.Context, mode Mode, session string) (Transport, error)
}

// Transports は既定の伝送路
// standard / optimized はWebSocketのHub、realtime はRTP/UDP
type Transports struct {
	Hub            *Hub
	RealtimeTarget string
	Logger         zerolog.Logger
}

// OpenTransport はモードの伝送路を開く
func (t *Transports) OpenTransport(ctx context.Context, mode Mode, session string) (Transport, error) {
	switch mode {
	case ModeRealtime:
		if t.RealtimeTarget == "" {
			return nil, fmt.Errorf("%w: RTPの送信先が設定されていません", ErrTransportUnavailable)
		}
		return DialRTP(ctx, t.RealtimeTarget, t.Logger)
	case ModeStandard, ModeOptimized:
		if t.Hub == nil {
			return nil, fmt.Errorf("%w: WebSocketのHubがありません", ErrTransportUnavailable)
		}
		return newHubTransport(t.Hub, mode, session), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// hubTransport はHubへチャンクを流す
// 開始と終了をクライアントへ通知する
type hubTransport struct {
	hub     *Hub
	mode    Mode
	session string
	once    sync.Once
}

func newHubTransport(hub *Hub, mode Mode, session string) *hubTransport {
	t := &hubTransport{hub: hub, mode: mode, session: session}
	hub.Announce(StatusMessage{
		Status:  "started",
		Mode:    mode,
		Format:  mode.Format().Label,
		Session: session,
	})
	return t
}

func (t *hubTransport) Send(chunk []byte) (int, error) {
	// クライアントが居なくても止めない
	n := t.hub.Broadcast(chunk)
	return n * len(chunk), nil
}

func (t *hubTransport) Close() error {
	t.once.Do(func() {
		t.hub.Announce(StatusMessage{Status: "stopped", Mode: t.mode, Session: t.session})
	})
	return nil
}
