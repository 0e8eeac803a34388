package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisQuizRepo struct{ rdb *redis.Client }

func NewRedisQuizRepo(rdb *redis.Client) *RedisQuizRepo {
	return &RedisQuizRepo{rdb: rdb}
}

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}
func usersKey(id string) string {
	return fmt.Sprintf("rooms:%s:users", id)
}
func userKey(rid, uid string) string {
	return fmt.Sprintf("users:%s:%s", rid, uid)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

var createRoomScript = redis.NewScript(`
	local room_key = KEYS[1]
	local ttl = tonumber(ARGV[1])

	if redis.call('EXISTS', room_key) == 1 then
		return 0
	end

	redis.call('HSET', room_key,
		'stage', ARGV[2], 'master', ARGV[3], 'round', ARGV[4],
		'correctPoint', ARGV[5], 'wrongPoint', ARGV[6], 'createdAt', ARGV[7])
	if ttl > 0 then
		redis.call('EXPIRE', room_key, ttl)
	end
	return 1
`)

func (rr *RedisQuizRepo) CreateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	n, err := createRoomScript.Run(ctx, rr.rdb, []string{roomKey(room.RoomId)},
		ttlSec, int(room.Stage), room.MasterId, room.Round,
		room.CorrectPoint, room.WrongPoint, room.CreatedAt).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrRoomAlreadyExists
	}
	return nil
}

func (rr *RedisQuizRepo) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	vals, err := rr.rdb.HGetAll(ctx, roomKey(roomId)).Result()
	if err != nil {
		return models.Room{}, false, err
	}
	if len(vals) == 0 { // データがない
		return models.Room{}, false, nil
	}
	r := models.Room{RoomId: roomId, MasterId: vals["master"]}
	stage, err := strconv.Atoi(vals["stage"])
	if err != nil {
		return models.Room{}, false, fmt.Errorf("decode stage: %w", err)
	}
	r.Stage = models.Stage(stage)
	if !r.Stage.Valid() {
		return models.Room{}, false, fmt.Errorf("decode stage: unknown value %d", stage)
	}
	if r.Round, err = atoiOrZero(vals["round"]); err != nil {
		return models.Room{}, false, err
	}
	if r.CorrectPoint, err = atoiOrZero(vals["correctPoint"]); err != nil {
		return models.Room{}, false, err
	}
	if r.WrongPoint, err = atoiOrZero(vals["wrongPoint"]); err != nil {
		return models.Room{}, false, err
	}
	if v := vals["createdAt"]; v != "" {
		if r.CreatedAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return models.Room{}, false, err
		}
	}
	return r, true, nil
}

func (rr *RedisQuizRepo) ExistsRoom(ctx context.Context, roomId string) (bool, error) {
	n, err := rr.rdb.Exists(ctx, roomKey(roomId)).Result()
	return n == 1, err
}

func (rr *RedisQuizRepo) TouchRoom(ctx context.Context, roomId string, ttlSec int) error {
	if ttlSec <= 0 {
		return nil
	}
	// Luaスクリプトでアトミックに処理
	script := `
		local room_key = KEYS[1]
		local users_key = KEYS[2]
		local ttl = tonumber(ARGV[1])
		local room_id = ARGV[2]

		redis.call('EXPIRE', room_key, ttl)
		redis.call('EXPIRE', users_key, ttl)

		local user_ids = redis.call('SMEMBERS', users_key)
		for _, uid in ipairs(user_ids) do
			local user_key = 'users:' .. room_id .. ':' .. uid
			redis.call('EXPIRE', user_key, ttl)
		end

		return 'OK'
	`

	return rr.rdb.Eval(ctx, script, []string{roomKey(roomId), usersKey(roomId)}, ttlSec, roomId).Err()
}

var deleteIfEmptyScript = redis.NewScript(`
	local room_key = KEYS[1]
	local users_key = KEYS[2]
	local room_id = ARGV[1]

	local user_ids = redis.call('SMEMBERS', users_key)

	-- オンラインのユーザーが残っていれば削除しない
	for _, uid in ipairs(user_ids) do
		local sid = redis.call('HGET', 'users:' .. room_id .. ':' .. uid, 'sid')
		if sid and sid ~= '' then
			return 0
		end
	end

	local keys_to_delete = {room_key, users_key}
	for _, uid in ipairs(user_ids) do
		table.insert(keys_to_delete, 'users:' .. room_id .. ':' .. uid)
	end
	redis.call('DEL', unpack(keys_to_delete))

	return 1
`)

func (rr *RedisQuizRepo) DeleteRoomIfEmpty(ctx context.Context, roomId string) (bool, error) {
	n, err := deleteIfEmptyScript.Run(ctx, rr.rdb, []string{roomKey(roomId), usersKey(roomId)}, roomId).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var createUserScript = redis.NewScript(`
	local room_key = KEYS[1]
	local users_key = KEYS[2]
	local user_key = KEYS[3]
	local ttl = tonumber(ARGV[1])

	-- ルームが消えていればユーザーを作らない
	if redis.call('EXISTS', room_key) == 0 then
		return 0
	end

	redis.call('HSET', user_key,
		'name', ARGV[3], 'password', ARGV[4], 'sid', ARGV[5],
		'maru', ARGV[6], 'peke', ARGV[7])
	redis.call('SADD', users_key, ARGV[2])
	if ttl > 0 then
		redis.call('EXPIRE', user_key, ttl)
		redis.call('EXPIRE', users_key, ttl)
		redis.call('EXPIRE', room_key, ttl)
	end
	return 1
`)

func (rr *RedisQuizRepo) CreateUser(ctx context.Context, user models.User, ttlSec int) error {
	keys := []string{roomKey(user.RoomId), usersKey(user.RoomId), userKey(user.RoomId, user.UserId)}
	n, err := createUserScript.Run(ctx, rr.rdb, keys,
		ttlSec, user.UserId, user.UserName, user.Password, user.Sid, user.Maru, user.Peke).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrRoomNotFound
	}
	return nil
}

func (rr *RedisQuizRepo) GetUser(ctx context.Context, roomId, userId string) (models.User, bool, error) {
	vals, err := rr.rdb.HGetAll(ctx, userKey(roomId, userId)).Result()
	if err != nil {
		return models.User{}, false, err
	}
	if len(vals) == 0 {
		return models.User{}, false, nil
	}
	u, err := decodeUser(roomId, userId, vals)
	if err != nil {
		return models.User{}, false, err
	}
	return u, true, nil
}

func (rr *RedisQuizRepo) GetUserName(ctx context.Context, roomId, userId string) (string, bool, error) {
	name, err := rr.rdb.HGet(ctx, userKey(roomId, userId), "name").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (rr *RedisQuizRepo) ListUsers(ctx context.Context, roomId string) ([]models.User, error) {
	ids, err := rr.rdb.SMembers(ctx, usersKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.User{}, nil
	}

	pipe := rr.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, userKey(roomId, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	res := make([]models.User, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		u, err := decodeUser(roomId, ids[i], vals)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserId < res[j].UserId })
	return res, nil
}

var bindScript = redis.NewScript(`
	local user_key = KEYS[1]

	if redis.call('EXISTS', user_key) == 0 then
		return 0
	end
	if redis.call('HGET', user_key, 'password') ~= ARGV[1] then
		return 0
	end
	local sid = redis.call('HGET', user_key, 'sid')
	if sid and sid ~= '' then
		return 0
	end
	redis.call('HSET', user_key, 'sid', ARGV[2])
	return 1
`)

func (rr *RedisQuizRepo) BindConnectionIfUnbound(ctx context.Context, roomId, userId, password, sid string) (bool, error) {
	n, err := bindScript.Run(ctx, rr.rdb, []string{userKey(roomId, userId)}, password, sid).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var unbindScript = redis.NewScript(`
	local user_key = KEYS[1]

	if redis.call('HGET', user_key, 'sid') == ARGV[1] then
		redis.call('HSET', user_key, 'sid', '')
		return 1
	end
	return 0
`)

func (rr *RedisQuizRepo) UnbindConnection(ctx context.Context, roomId, userId, sid string) (bool, error) {
	n, err := unbindScript.Run(ctx, rr.rdb, []string{userKey(roomId, userId)}, sid).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (rr *RedisQuizRepo) GetConnectionOfUser(ctx context.Context, roomId, userId string) (string, error) {
	sid, err := rr.rdb.HGet(ctx, userKey(roomId, userId), "sid").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return sid, err
}

func (rr *RedisQuizRepo) IsRoomInStage(ctx context.Context, roomId string, stages ...models.Stage) (bool, error) {
	v, err := rr.rdb.HGet(ctx, roomKey(roomId), "stage").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, st := range stages {
		if v == strconv.Itoa(int(st)) {
			return true, nil
		}
	}
	return false, nil
}

// stageArgs はスクリプト引数 [遷移先, 遷移元の数, 遷移元...] を組み立てます
func stageArgs(to models.Stage, from []models.Stage) []any {
	args := make([]any, 0, len(from)+2)
	args = append(args, int(to), len(from))
	for _, f := range from {
		args = append(args, int(f))
	}
	return args
}

// transitionBody は ARGV を stageArgs の形式として現在のステージを判定し、遷移させます
// 遷移しなかった場合は 0 を返してスクリプトを終了します
const transitionBody = `
	local room_key = KEYS[1]
	local n_from = tonumber(ARGV[2])

	local stage = redis.call('HGET', room_key, 'stage')
	if not stage then
		return 0
	end
	local matched = false
	for i = 3, 2 + n_from do
		if stage == ARGV[i] then
			matched = true
			break
		end
	end
	if not matched then
		return 0
	end
	redis.call('HSET', room_key, 'stage', ARGV[1])
`

var transitionScript = redis.NewScript(transitionBody + `
	return 1
`)

func (rr *RedisQuizRepo) TransitionStage(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	return rr.runTransition(ctx, transitionScript, roomId, stageArgs(to, from))
}

var startRoundScript = redis.NewScript(transitionBody + `
	redis.call('HINCRBY', room_key, 'round', 1)
	return 1
`)

func (rr *RedisQuizRepo) StartRound(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	return rr.runTransition(ctx, startRoundScript, roomId, stageArgs(to, from))
}

// 遷移元の後ろに [ユーザーID, maru差分, peke差分] を並べる
var applyResultScript = redis.NewScript(transitionBody + `
	local room_id = ARGV[3 + n_from]
	for i = 4 + n_from, #ARGV, 3 do
		local user_key = 'users:' .. room_id .. ':' .. ARGV[i]
		if redis.call('EXISTS', user_key) == 1 then
			redis.call('HINCRBY', user_key, 'maru', ARGV[i + 1])
			redis.call('HINCRBY', user_key, 'peke', ARGV[i + 2])
		end
	end
	return 1
`)

func (rr *RedisQuizRepo) ApplyResult(ctx context.Context, roomId string, deltas []ScoreDelta, to models.Stage, from ...models.Stage) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := append(stageArgs(to, from), roomId)
	for _, d := range deltas {
		args = append(args, d.UserId, d.Maru, d.Peke)
	}
	return rr.runTransition(ctx, applyResultScript, roomId, args)
}

func (rr *RedisQuizRepo) runTransition(ctx context.Context, script *redis.Script, roomId string, args []any) (bool, error) {
	n, err := script.Run(ctx, rr.rdb, []string{roomKey(roomId)}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (rr *RedisQuizRepo) GetMasterId(ctx context.Context, roomId string) (string, error) {
	v, err := rr.rdb.HGet(ctx, roomKey(roomId), "master").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRoomNotFound
	}
	return v, err
}

var setScoreScript = redis.NewScript(`
	local user_key = KEYS[1]

	if redis.call('EXISTS', user_key) == 0 then
		return 0
	end
	if ARGV[1] ~= '' then
		redis.call('HSET', user_key, 'maru', ARGV[1])
	end
	if ARGV[2] ~= '' then
		redis.call('HSET', user_key, 'peke', ARGV[2])
	end
	return 1
`)

func (rr *RedisQuizRepo) SetUserScore(ctx context.Context, roomId, userId string, maru, peke *int) (bool, error) {
	n, err := setScoreScript.Run(ctx, rr.rdb, []string{userKey(roomId, userId)}, optInt(maru), optInt(peke)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func decodeUser(roomId, userId string, vals map[string]string) (models.User, error) {
	u := models.User{
		UserId:   userId,
		RoomId:   roomId,
		UserName: vals["name"],
		Password: vals["password"],
		Sid:      vals["sid"],
	}
	var err error
	if u.Maru, err = atoiOrZero(vals["maru"]); err != nil {
		return models.User{}, err
	}
	if u.Peke, err = atoiOrZero(vals["peke"]); err != nil {
		return models.User{}, err
	}
	return u, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
