package repo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
)

type memRoom struct {
	room      models.Room
	users     map[string]*models.User
	expiresAt time.Time // ゼロ値なら期限なし
}

// MemoryQuizRepo はプロセス内で完結するQuizRepoの実装です
// 単一のミューテックスで全操作を直列化するため、各操作はアトミックです
type MemoryQuizRepo struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
	now   func() time.Time
}

func NewMemoryQuizRepo() *MemoryQuizRepo {
	return &MemoryQuizRepo{rooms: make(map[string]*memRoom), now: time.Now}
}

// lookup は期限切れのルームを取り除いてから返します。mu を保持して呼び出すこと
func (m *MemoryQuizRepo) lookup(roomId string) (*memRoom, bool) {
	r, ok := m.rooms[roomId]
	if !ok {
		return nil, false
	}
	if !r.expiresAt.IsZero() && !m.now().Before(r.expiresAt) {
		delete(m.rooms, roomId)
		return nil, false
	}
	return r, true
}

func (m *MemoryQuizRepo) expiry(ttlSec int) time.Time {
	if ttlSec <= 0 {
		return time.Time{}
	}
	return m.now().Add(sec(ttlSec))
}

func (m *MemoryQuizRepo) user(roomId, userId string) (*models.User, bool) {
	r, ok := m.lookup(roomId)
	if !ok {
		return nil, false
	}
	u, ok := r.users[userId]
	return u, ok
}

func (m *MemoryQuizRepo) CreateRoom(_ context.Context, room models.Room, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(room.RoomId); ok {
		return ErrRoomAlreadyExists
	}
	m.rooms[room.RoomId] = &memRoom{
		room:      room,
		users:     make(map[string]*models.User),
		expiresAt: m.expiry(ttlSec),
	}
	return nil
}

func (m *MemoryQuizRepo) GetRoom(_ context.Context, roomId string) (models.Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomId)
	if !ok {
		return models.Room{}, false, nil
	}
	return r.room, true, nil
}

func (m *MemoryQuizRepo) ExistsRoom(_ context.Context, roomId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(roomId)
	return ok, nil
}

func (m *MemoryQuizRepo) TouchRoom(_ context.Context, roomId string, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.lookup(roomId); ok && ttlSec > 0 {
		r.expiresAt = m.expiry(ttlSec)
	}
	return nil
}

func (m *MemoryQuizRepo) DeleteRoomIfEmpty(_ context.Context, roomId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomId)
	if !ok {
		return true, nil
	}
	for _, u := range r.users {
		if u.Online() {
			return false, nil
		}
	}
	delete(m.rooms, roomId)
	return true, nil
}

func (m *MemoryQuizRepo) CreateUser(_ context.Context, user models.User, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(user.RoomId)
	if !ok {
		return ErrRoomNotFound
	}
	u := user
	r.users[user.UserId] = &u
	if ttlSec > 0 {
		r.expiresAt = m.expiry(ttlSec)
	}
	return nil
}

func (m *MemoryQuizRepo) GetUser(_ context.Context, roomId, userId string) (models.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(roomId, userId)
	if !ok {
		return models.User{}, false, nil
	}
	return *u, true, nil
}

func (m *MemoryQuizRepo) GetUserName(_ context.Context, roomId, userId string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(roomId, userId)
	if !ok {
		return "", false, nil
	}
	return u.UserName, true, nil
}

func (m *MemoryQuizRepo) ListUsers(_ context.Context, roomId string) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomId)
	if !ok {
		return []models.User{}, nil
	}
	res := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		res = append(res, *u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserId < res[j].UserId })
	return res, nil
}

func (m *MemoryQuizRepo) BindConnectionIfUnbound(_ context.Context, roomId, userId, password, sid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(roomId, userId)
	if !ok || u.Password != password || u.Online() {
		return false, nil
	}
	u.Sid = sid
	return true, nil
}

func (m *MemoryQuizRepo) UnbindConnection(_ context.Context, roomId, userId, sid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(roomId, userId)
	if !ok || u.Sid != sid {
		return false, nil
	}
	u.Sid = ""
	return true, nil
}

func (m *MemoryQuizRepo) GetConnectionOfUser(_ context.Context, roomId, userId string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(roomId, userId)
	if !ok {
		return "", nil
	}
	return u.Sid, nil
}

func (m *MemoryQuizRepo) IsRoomInStage(_ context.Context, roomId string, stages ...models.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomId)
	return ok && slices.Contains(stages, r.room.Stage), nil
}

// transition は現在のステージがfromのいずれかであればtoへ遷移させます。mu を保持して呼び出すこと
func (m *MemoryQuizRepo) transition(roomId string, to models.Stage, from []models.Stage) (*memRoom, bool) {
	r, ok := m.lookup(roomId)
	if !ok || !slices.Contains(from, r.room.Stage) {
		return nil, false
	}
	r.room.Stage = to
	return r, true
}

func (m *MemoryQuizRepo) TransitionStage(_ context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transition(roomId, to, from)
	return ok, nil
}

func (m *MemoryQuizRepo) StartRound(_ context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.transition(roomId, to, from)
	if !ok {
		return false, nil
	}
	r.room.Round++
	return true, nil
}

func (m *MemoryQuizRepo) ApplyResult(_ context.Context, roomId string, deltas []ScoreDelta, to models.Stage, from ...models.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.transition(roomId, to, from)
	if !ok {
		return false, nil
	}
	for _, d := range deltas {
		if u, ok := r.users[d.UserId]; ok {
			u.Maru += d.Maru
			u.Peke += d.Peke
		}
	}
	return true, nil
}

func (m *MemoryQuizRepo) GetMasterId(_ context.Context, roomId string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomId)
	if !ok {
		return "", ErrRoomNotFound
	}
	return r.room.MasterId, nil
}

func (m *MemoryQuizRepo) SetUserScore(_ context.Context, roomId, userId string, maru, peke *int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(roomId, userId)
	if !ok {
		return false, nil
	}
	if maru != nil {
		u.Maru = *maru
	}
	if peke != nil {
		u.Peke = *peke
	}
	return true, nil
}
