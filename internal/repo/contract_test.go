package repo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roomSeq atomic.Int64

// seedRoom はマスター1人と参加者1人を持つルームを作成します
func seedRoom(t *testing.T, r QuizRepo) (roomId, masterId, userId string) {
	t.Helper()
	ctx := context.Background()
	n := roomSeq.Add(1)
	roomId = fmt.Sprintf("room%d", n)
	masterId = fmt.Sprintf("m%d", n)
	userId = fmt.Sprintf("u%d", n)

	require.NoError(t, r.CreateRoom(ctx, models.Room{
		RoomId:       roomId,
		Stage:        models.StageAwaitingMusic,
		MasterId:     masterId,
		CorrectPoint: 10,
		WrongPoint:   -5,
		CreatedAt:    1700000000,
	}, 3600))
	require.NoError(t, r.CreateUser(ctx, models.User{UserId: masterId, RoomId: roomId, UserName: "Ann", Password: "pw-m"}, 3600))
	require.NoError(t, r.CreateUser(ctx, models.User{UserId: userId, RoomId: roomId, UserName: "Bob", Password: "pw-u"}, 3600))
	return roomId, masterId, userId
}

func runQuizRepoContract(t *testing.T, r QuizRepo) {
	ctx := context.Background()

	t.Run("CreateAndGetRoom", func(t *testing.T) {
		roomId, masterId, _ := seedRoom(t, r)

		room, ok, err := r.GetRoom(ctx, roomId)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StageAwaitingMusic, room.Stage)
		assert.Equal(t, masterId, room.MasterId)
		assert.Equal(t, 0, room.Round)
		assert.Equal(t, 10, room.CorrectPoint)
		assert.Equal(t, -5, room.WrongPoint)
		assert.Equal(t, int64(1700000000), room.CreatedAt)

		err = r.CreateRoom(ctx, models.Room{RoomId: roomId}, 3600)
		assert.ErrorIs(t, err, ErrRoomAlreadyExists)

		id, err := r.GetMasterId(ctx, roomId)
		require.NoError(t, err)
		assert.Equal(t, masterId, id)
	})

	t.Run("MissingRoom", func(t *testing.T) {
		_, ok, err := r.GetRoom(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)

		exists, err := r.ExistsRoom(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = r.GetMasterId(ctx, "nope")
		assert.ErrorIs(t, err, ErrRoomNotFound)

		ok, err = r.StartRound(ctx, "nope", models.StageAwaitingStop, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = r.TransitionStage(ctx, "nope", models.StageAwaitingStop, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.False(t, ok)

		in, err := r.IsRoomInStage(ctx, "nope", models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.False(t, in)
	})

	t.Run("CreateUserRequiresRoom", func(t *testing.T) {
		err := r.CreateUser(ctx, models.User{UserId: "orphan", RoomId: "gone", UserName: "X", Password: "pw"}, 3600)
		assert.ErrorIs(t, err, ErrRoomNotFound)

		users, err := r.ListUsers(ctx, "gone")
		require.NoError(t, err)
		assert.Empty(t, users, "no user records are left behind")
	})

	t.Run("ListUsersAndNames", func(t *testing.T) {
		roomId, masterId, userId := seedRoom(t, r)

		users, err := r.ListUsers(ctx, roomId)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, masterId, users[0].UserId)
		assert.Equal(t, userId, users[1].UserId)
		assert.False(t, users[0].Online())

		name, ok, err := r.GetUserName(ctx, roomId, userId)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Bob", name)

		_, ok, err = r.GetUserName(ctx, roomId, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("BindConnectionIfUnbound", func(t *testing.T) {
		roomId, _, userId := seedRoom(t, r)

		ok, err := r.BindConnectionIfUnbound(ctx, roomId, userId, "wrong", "s0")
		require.NoError(t, err)
		assert.False(t, ok, "wrong password must not bind")

		ok, err = r.BindConnectionIfUnbound(ctx, roomId, userId, "pw-u", "s1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.BindConnectionIfUnbound(ctx, roomId, userId, "pw-u", "s2")
		require.NoError(t, err)
		assert.False(t, ok, "second bind must fail while first is bound")

		sid, err := r.GetConnectionOfUser(ctx, roomId, userId)
		require.NoError(t, err)
		assert.Equal(t, "s1", sid)

		ok, err = r.UnbindConnection(ctx, roomId, userId, "s2")
		require.NoError(t, err)
		assert.False(t, ok, "unbind with a stale sid is ignored")

		ok, err = r.UnbindConnection(ctx, roomId, userId, "s1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.BindConnectionIfUnbound(ctx, roomId, userId, "pw-u", "s3")
		require.NoError(t, err)
		assert.True(t, ok, "rebind after unbind")
	})

	t.Run("BindIsRaceFree", func(t *testing.T) {
		roomId, _, userId := seedRoom(t, r)

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := r.BindConnectionIfUnbound(ctx, roomId, userId, "pw-u", fmt.Sprintf("sid-%d", i))
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("TransitionStage", func(t *testing.T) {
		roomId, _, _ := seedRoom(t, r)

		ok, err := r.TransitionStage(ctx, roomId, models.StageAwaitingAnswers, models.StageAwaitingStop)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = r.TransitionStage(ctx, roomId, models.StageAwaitingStop, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.True(t, ok)

		in, err := r.IsRoomInStage(ctx, roomId, models.StageAwaitingStop)
		require.NoError(t, err)
		assert.True(t, in)
		in, err = r.IsRoomInStage(ctx, roomId, models.StageAwaitingAnswers, models.StageAwaitingStop)
		require.NoError(t, err)
		assert.True(t, in)
		in, err = r.IsRoomInStage(ctx, roomId, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.False(t, in)

		ok, err = r.TransitionStage(ctx, roomId, models.StageAwaitingReset, models.StageAwaitingAnswers, models.StageAwaitingStop)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.TransitionStage(ctx, roomId, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.False(t, ok, "no source stage never matches")
	})

	t.Run("TransitionIsRaceFree", func(t *testing.T) {
		roomId, _, _ := seedRoom(t, r)

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := r.TransitionStage(ctx, roomId, models.StageAwaitingAnswers, models.StageAwaitingMusic)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("StartRound", func(t *testing.T) {
		roomId, _, _ := seedRoom(t, r)

		ok, err := r.StartRound(ctx, roomId, models.StageAwaitingStop, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.StartRound(ctx, roomId, models.StageAwaitingAnswers, models.StageAwaitingMusic)
		require.NoError(t, err)
		assert.False(t, ok, "wrong stage leaves the round alone")

		room, _, err := r.GetRoom(ctx, roomId)
		require.NoError(t, err)
		assert.Equal(t, models.StageAwaitingStop, room.Stage)
		assert.Equal(t, 1, room.Round)
	})

	t.Run("ApplyResult", func(t *testing.T) {
		roomId, masterId, userId := seedRoom(t, r)
		deltas := []ScoreDelta{{UserId: userId, Maru: 10}, {UserId: "ghost", Maru: 10}, {UserId: masterId, Peke: -5}}

		ok, err := r.ApplyResult(ctx, roomId, deltas, models.StageAwaitingReset, models.StageAwaitingAnswers)
		require.NoError(t, err)
		assert.False(t, ok)

		users, err := r.ListUsers(ctx, roomId)
		require.NoError(t, err)
		for _, u := range users {
			assert.Zero(t, u.Maru, "scores untouched without a transition")
			assert.Zero(t, u.Peke)
		}

		_, err = r.TransitionStage(ctx, roomId, models.StageAwaitingAnswers, models.StageAwaitingMusic)
		require.NoError(t, err)
		ok, err = r.ApplyResult(ctx, roomId, deltas, models.StageAwaitingReset, models.StageAwaitingAnswers, models.StageAwaitingStop)
		require.NoError(t, err)
		assert.True(t, ok)

		room, _, err := r.GetRoom(ctx, roomId)
		require.NoError(t, err)
		assert.Equal(t, models.StageAwaitingReset, room.Stage)

		u, found, err := r.GetUser(ctx, roomId, userId)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 10, u.Maru)
		assert.Equal(t, 0, u.Peke)
		m, _, err := r.GetUser(ctx, roomId, masterId)
		require.NoError(t, err)
		assert.Equal(t, -5, m.Peke)

		_, found, err = r.GetUser(ctx, roomId, "ghost")
		require.NoError(t, err)
		assert.False(t, found, "unknown users are not created")
	})

	t.Run("SetUserScore", func(t *testing.T) {
		roomId, _, userId := seedRoom(t, r)

		maru, peke := 3, -5
		ok, err := r.SetUserScore(ctx, roomId, userId, nil, &peke)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.SetUserScore(ctx, roomId, userId, &maru, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		u, _, err := r.GetUser(ctx, roomId, userId)
		require.NoError(t, err)
		assert.Equal(t, 3, u.Maru)
		assert.Equal(t, -5, u.Peke)

		ok, err = r.SetUserScore(ctx, roomId, "ghost", &maru, &maru)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteRoomIfEmpty", func(t *testing.T) {
		roomId, _, userId := seedRoom(t, r)

		ok, err := r.BindConnectionIfUnbound(ctx, roomId, userId, "pw-u", "s1")
		require.NoError(t, err)
		require.True(t, ok)

		deleted, err := r.DeleteRoomIfEmpty(ctx, roomId)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = r.UnbindConnection(ctx, roomId, userId, "s1")
		require.NoError(t, err)

		deleted, err = r.DeleteRoomIfEmpty(ctx, roomId)
		require.NoError(t, err)
		assert.True(t, deleted)

		exists, err := r.ExistsRoom(ctx, roomId)
		require.NoError(t, err)
		assert.False(t, exists)

		users, err := r.ListUsers(ctx, roomId)
		require.NoError(t, err)
		assert.Empty(t, users)
	})
}
