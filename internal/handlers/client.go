package handlers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mio-quiz/mio/backend/api-server/internal/service"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second    // 1回の書き込みの制限時間
	pongWait       = 60 * time.Second    // pongを待つ時間
	pingPeriod     = (pongWait * 9) / 10 // pingの送信間隔
	sendBufferSize = 64                  // 送信キューの長さ
)

// Client は1つのWebSocket接続を表します
// 受信したメッセージは読み取りループで1つずつ順番に処理され、
// 送信はキュー経由で書き込みループが行います
type Client struct {
	sid       string          // 接続ID
	conn      *websocket.Conn // WebSocket接続（テストではnil）
	send      chan WebSocketMessage
	done      chan struct{}
	closeOnce sync.Once
	chat      *rate.Limiter // チャットの送信レート制限
	authed    atomic.Bool

	// 以下は読み取りループからのみ触る
	caller      *service.Caller // 認証済みなら非nil
	userName    string
	createdRoom bool // create-room を使用済み
	issuedUser  bool // issue-uid を使用済み
}

func newClient(sid string, conn *websocket.Conn, chatLimit rate.Limit, chatBurst int) *Client {
	return &Client{
		sid:  sid,
		conn: conn,
		send: make(chan WebSocketMessage, sendBufferSize),
		done: make(chan struct{}),
		chat: rate.NewLimiter(chatLimit, chatBurst),
	}
}

// enqueue は送信キューにメッセージを積みます
// キューが溢れた接続は配信全体を止めないように切断します
func (c *Client) enqueue(msg WebSocketMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.close()
		return false
	}
}

// close は接続を閉じます。何度呼んでも安全です
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// writePump は送信キューの内容とpingを接続に書き込みます
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
