package handlers

import (
	"sync"

	"github.com/rs/zerolog"
)

// RoomHub は認証済み接続の配信グループを管理します
// グループは2種類: ルーム全体（ルームID）と、ユーザー個別（ユーザーID）
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type RoomHub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{} // ルームIDをキーとした接続の集合
	users map[string]map[*Client]struct{} // ユーザーIDをキーとした接続の集合
	log   zerolog.Logger
}

func newRoomHub(log zerolog.Logger) *RoomHub {
	return &RoomHub{
		rooms: make(map[string]map[*Client]struct{}),
		users: make(map[string]map[*Client]struct{}),
		log:   log,
	}
}

// join は接続をルームとユーザー個別のグループに追加します
func (hub *RoomHub) join(c *Client, roomId, userId string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	addMember(hub.rooms, roomId, c)
	addMember(hub.users, userId, c)
}

// leave は接続を両方のグループから外します
// 空になったグループは削除します
func (hub *RoomHub) leave(c *Client, roomId, userId string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	removeMember(hub.rooms, roomId, c)
	removeMember(hub.users, userId, c)
}

// broadcastToRoom はルーム内の全接続にメッセージを送信します（送信者自身も含む）
func (hub *RoomHub) broadcastToRoom(roomId string, msg WebSocketMessage) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	hub.deliver(hub.rooms[roomId], msg)
}

// sendToUser はユーザー個別のグループにのみメッセージを送信します
func (hub *RoomHub) sendToUser(userId string, msg WebSocketMessage) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	hub.deliver(hub.users[userId], msg)
}

func (hub *RoomHub) deliver(members map[*Client]struct{}, msg WebSocketMessage) {
	for c := range members {
		if !c.enqueue(msg) {
			hub.log.Warn().Str("sid", c.sid).Str("type", msg.Type).Msg("dropped message for slow or closed connection")
		}
	}
}

func (hub *RoomHub) roomSize(roomId string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.rooms[roomId])
}

func addMember(groups map[string]map[*Client]struct{}, key string, c *Client) {
	g, ok := groups[key]
	if !ok {
		g = make(map[*Client]struct{})
		groups[key] = g
	}
	g[c] = struct{}{}
}

func removeMember(groups map[string]map[*Client]struct{}, key string, c *Client) {
	g, ok := groups[key]
	if !ok {
		return
	}
	delete(g, c)
	if len(g) == 0 {
		delete(groups, key)
	}
}
