package audio

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// 1メッセージの書き込み上限
	writeWait = 10 * time.Second

	// pongを待つ時間
	pongWait = 60 * time.Second

	// pingの送信間隔。pongWaitより短くする
	pingPeriod = (pongWait * 9) / 10

	// クライアントから受け取るメッセージの上限。制御用のテキストのみ
	maxMessageSize = 4 * 1024

	// クライアントごとの送信キュー
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	// 操縦画面は同一LAN/VPN内からのみ接続される
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// StatusMessage はクライアントへ送るテキストの通知
type StatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Mode    Mode   `json:"mode,omitempty"`
	Format  string `json:"format,omitempty"`
	Session string `json:"session_id,omitempty"`
	Message string `json:"message,omitempty"`
}

type outbound struct {
	kind    int
	payload []byte
}

// Hub は音声を受け取るWebSocketクライアントを管理し、チャンクを配信する
type Hub struct {
	clients map[string]*wsClient
	mu      sync.RWMutex

	register   chan *wsClient
	unregister chan *wsClient
	quit       chan struct{}

	dropped uint64 // 送信キューが詰まって捨てたメッセージ数 (mu保護)
	onIdle  func() // 最後のクライアントが切断したときに呼ぶ (mu保護)

	logger zerolog.Logger
}

// NewHub は新しいHubを作成する
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// OnIdle は最後のクライアントが切断したときに呼ぶ関数を登録する
// 呼び出しはRunとは別のゴルーチンで、その時点でまだ誰も居ない場合だけ行う
func (h *Hub) OnIdle(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onIdle = fn
}

// Run はクライアントの登録と解除を処理する。ctxが終わると全員を切断する
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", c.id).Int("clients", n).Msg("音声クライアントが接続しました")

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c.id]
			if ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			onIdle := h.onIdle
			h.mu.Unlock()
			if !ok {
				continue
			}
			h.logger.Info().Str("client_id", c.id).Int("clients", n).Msg("音声クライアントが切断しました")
			if n == 0 && onIdle != nil {
				go func() {
					if h.Clients() == 0 {
						onIdle()
					}
				}()
			}

		case <-ctx.Done():
			close(h.quit)
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return nil
		}
	}
}

// ServeWS はHTTP接続をWebSocketに昇格してクライアントとして登録する
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocketへの昇格に失敗しました")
		return err
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan outbound, sendQueueSize),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- c:
	case <-h.quit:
		_ = conn.Close()
		return context.Canceled
	case <-r.Context().Done():
		_ = conn.Close()
		return r.Context().Err()
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// Clients は接続中のクライアント数を返す
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped は送信キューが詰まって捨てたメッセージ数を返す
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Broadcast はバイナリメッセージを全クライアントへ送る
// 送れたクライアント数を返す。遅いクライアントの分は捨てる
func (h *Hub) Broadcast(payload []byte) int {
	return h.send(outbound{kind: websocket.BinaryMessage, payload: payload})
}

// Announce は状態通知をJSONテキストで全クライアントへ送る
func (h *Hub) Announce(msg StatusMessage) int {
	if msg.Type == "" {
		msg.Type = "audio_status"
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("状態通知のエンコードに失敗しました")
		return 0
	}
	return h.send(outbound{kind: websocket.TextMessage, payload: data})
}

func (h *Hub) send(msg outbound) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, c := range h.clients {
		select {
		case c.send <- msg:
			delivered++
		default:
			h.dropped++
		}
	}
	return delivered
}

// wsClient はWebSocket接続1本とHubの仲介役
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outbound
	id   string
}

// readPump は切断の検出とpongの受信だけを行う
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocketが予期せず閉じられました")
			}
			return
		}
	}
}

// writePump は送信キューとpingを書き出す
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hubが閉じた
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.kind, msg.payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
