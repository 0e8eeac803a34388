package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/mio-quiz/mio/backend/api-server/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// mockRepo はストア障害を再現するためのQuizRepoのモック
type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) CreateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	return m.Called(ctx, room, ttlSec).Error(0)
}

func (m *mockRepo) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(models.Room), args.Bool(1), args.Error(2)
}

func (m *mockRepo) ExistsRoom(ctx context.Context, roomId string) (bool, error) {
	args := m.Called(ctx, roomId)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) TouchRoom(ctx context.Context, roomId string, ttlSec int) error {
	return m.Called(ctx, roomId, ttlSec).Error(0)
}

func (m *mockRepo) DeleteRoomIfEmpty(ctx context.Context, roomId string) (bool, error) {
	args := m.Called(ctx, roomId)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) CreateUser(ctx context.Context, user models.User, ttlSec int) error {
	return m.Called(ctx, user, ttlSec).Error(0)
}

func (m *mockRepo) GetUser(ctx context.Context, roomId, userId string) (models.User, bool, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Get(0).(models.User), args.Bool(1), args.Error(2)
}

func (m *mockRepo) GetUserName(ctx context.Context, roomId, userId string) (string, bool, error) {
	args := m.Called(ctx, roomId, userId)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockRepo) ListUsers(ctx context.Context, roomId string) ([]models.User, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).([]models.User), args.Error(1)
}

func (m *mockRepo) BindConnectionIfUnbound(ctx context.Context, roomId, userId, password, sid string) (bool, error) {
	args := m.Called(ctx, roomId, userId, password, sid)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) UnbindConnection(ctx context.Context, roomId, userId, sid string) (bool, error) {
	args := m.Called(ctx, roomId, userId, sid)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) GetConnectionOfUser(ctx context.Context, roomId, userId string) (string, error) {
	args := m.Called(ctx, roomId, userId)
	return args.String(0), args.Error(1)
}

func (m *mockRepo) IsRoomInStage(ctx context.Context, roomId string, stages ...models.Stage) (bool, error) {
	args := m.Called(ctx, roomId, stages)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) TransitionStage(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error) {
	args := m.Called(ctx, roomId, to, from)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) StartRound(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error) {
	args := m.Called(ctx, roomId, to, from)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) ApplyResult(ctx context.Context, roomId string, deltas []repo.ScoreDelta, to models.Stage, from ...models.Stage) (bool, error) {
	args := m.Called(ctx, roomId, deltas, to, from)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) GetMasterId(ctx context.Context, roomId string) (string, error) {
	args := m.Called(ctx, roomId)
	return args.String(0), args.Error(1)
}

func (m *mockRepo) SetUserScore(ctx context.Context, roomId, userId string, maru, peke *int) (bool, error) {
	args := m.Called(ctx, roomId, userId, maru, peke)
	return args.Bool(0), args.Error(1)
}

var annCaller = Caller{RoomId: "room1", UserId: "ann", Sid: "s1"}

func TestPostQuestion_StoreFailureLeavesStageUntouched(t *testing.T) {
	r := &mockRepo{}
	r.On("GetMasterId", mock.Anything, "room1").Return("ann", nil)
	r.On("IsRoomInStage", mock.Anything, "room1", []models.Stage{models.StageAwaitingMusic}).Return(true, nil)
	r.On("TouchRoom", mock.Anything, "room1", 60).Return(errStoreDown)

	svc := NewQuizService(r, &seqIDGen{}, 60)
	_, err := svc.PostQuestion(context.Background(), annCaller, false)

	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, IsRejection(err))
	r.AssertNotCalled(t, "StartRound", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	r.AssertExpectations(t)
}

func TestPostQuestion_RoundAdvancesWithStage(t *testing.T) {
	r := &mockRepo{}
	r.On("GetMasterId", mock.Anything, "room1").Return("ann", nil)
	r.On("IsRoomInStage", mock.Anything, "room1", []models.Stage{models.StageAwaitingMusic}).Return(true, nil)
	r.On("TouchRoom", mock.Anything, "room1", 60).Return(nil)
	r.On("StartRound", mock.Anything, "room1", models.StageAwaitingStop, []models.Stage{models.StageAwaitingMusic}).
		Return(false, errStoreDown).Once()

	svc := NewQuizService(r, &seqIDGen{}, 60)
	_, err := svc.PostQuestion(context.Background(), annCaller, true)

	require.ErrorIs(t, err, errStoreDown)
	r.AssertNotCalled(t, "TransitionStage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	r.AssertNotCalled(t, "GetRoom", mock.Anything, mock.Anything)
	r.AssertExpectations(t)
}

func TestPostResult_StoreFailureBeforeTransition(t *testing.T) {
	r := &mockRepo{}
	r.On("GetMasterId", mock.Anything, "room1").Return("ann", nil)
	r.On("TouchRoom", mock.Anything, "room1", 60).Return(errStoreDown)

	svc := NewQuizService(r, &seqIDGen{}, 60)
	_, err := svc.PostResult(context.Background(), annCaller, []Judgement{{UserId: "bob", Judge: boolPtr(true)}})

	require.ErrorIs(t, err, errStoreDown)
	r.AssertNotCalled(t, "ApplyResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPostResult_ScoresAndStageInOneStoreCall(t *testing.T) {
	r := &mockRepo{}
	r.On("GetMasterId", mock.Anything, "room1").Return("ann", nil)
	r.On("TouchRoom", mock.Anything, "room1", 60).Return(nil)
	r.On("GetRoom", mock.Anything, "room1").
		Return(models.Room{RoomId: "room1", Stage: models.StageAwaitingAnswers, CorrectPoint: 10, WrongPoint: -5}, true, nil)
	want := []repo.ScoreDelta{{UserId: "bob", Maru: 10}, {UserId: "cat", Peke: -5}}
	r.On("ApplyResult", mock.Anything, "room1", want, models.StageAwaitingReset,
		[]models.Stage{models.StageAwaitingAnswers, models.StageAwaitingStop}).Return(false, errStoreDown).Once()

	svc := NewQuizService(r, &seqIDGen{}, 60)
	_, err := svc.PostResult(context.Background(), annCaller, []Judgement{
		{UserId: "bob", Judge: boolPtr(true)},
		{UserId: "cat", Judge: boolPtr(false)},
		{UserId: "dan"},
	})

	require.ErrorIs(t, err, errStoreDown)
	r.AssertNotCalled(t, "TransitionStage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	r.AssertExpectations(t)
}

func TestGuard_StoreFailureIsNotARejection(t *testing.T) {
	r := &mockRepo{}
	r.On("GetMasterId", mock.Anything, "room1").Return("", errStoreDown)

	svc := NewQuizService(r, &seqIDGen{}, 60)
	_, err := svc.StopMusic(context.Background(), annCaller)

	require.ErrorIs(t, err, errStoreDown)
	assert.ErrorContains(t, err, "master-only")
	assert.False(t, IsRejection(err))
}

func TestAuthenticate_StoreFailureOnBind(t *testing.T) {
	r := &mockRepo{}
	r.On("BindConnectionIfUnbound", mock.Anything, "room1", "ann", "pw", "s1").Return(false, errStoreDown)

	svc := NewQuizService(r, &seqIDGen{}, 60)
	_, err := svc.Authenticate(context.Background(), "room1", "ann", "pw", "s1")

	require.ErrorIs(t, err, errStoreDown)
	r.AssertNotCalled(t, "GetRoom", mock.Anything, mock.Anything)
	r.AssertNotCalled(t, "UnbindConnection", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAuthenticate_StoreFailureAfterBindUnbinds(t *testing.T) {
	room := models.Room{RoomId: "room1", MasterId: "ann", Stage: models.StageAwaitingAnswers}
	stuck := []models.Stage{models.StageAwaitingStop, models.StageAwaitingAnswers, models.StageAwaitingReset}

	tests := []struct {
		name  string
		setup func(r *mockRepo)
	}{
		{"room lookup", func(r *mockRepo) {
			r.On("GetRoom", mock.Anything, "room1").Return(models.Room{}, false, errStoreDown)
		}},
		{"user lookup", func(r *mockRepo) {
			r.On("GetRoom", mock.Anything, "room1").Return(room, true, nil)
			r.On("GetUser", mock.Anything, "room1", "ann").Return(models.User{}, false, errStoreDown)
		}},
		{"touch", func(r *mockRepo) {
			r.On("GetRoom", mock.Anything, "room1").Return(room, true, nil)
			r.On("GetUser", mock.Anything, "room1", "ann").Return(models.User{UserId: "ann", UserName: "Ann"}, true, nil)
			r.On("TouchRoom", mock.Anything, "room1", 60).Return(errStoreDown)
		}},
		{"master recovery", func(r *mockRepo) {
			r.On("GetRoom", mock.Anything, "room1").Return(room, true, nil)
			r.On("GetUser", mock.Anything, "room1", "ann").Return(models.User{UserId: "ann", UserName: "Ann"}, true, nil)
			r.On("TouchRoom", mock.Anything, "room1", 60).Return(nil)
			r.On("TransitionStage", mock.Anything, "room1", models.StageAwaitingMusic, stuck).Return(false, errStoreDown)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRepo{}
			r.On("BindConnectionIfUnbound", mock.Anything, "room1", "ann", "pw", "s1").Return(true, nil)
			r.On("UnbindConnection", mock.Anything, "room1", "ann", "s1").Return(true, nil).Once()
			tt.setup(r)

			svc := NewQuizService(r, &seqIDGen{}, 60)
			_, err := svc.Authenticate(context.Background(), "room1", "ann", "pw", "s1")

			require.ErrorIs(t, err, errStoreDown)
			r.AssertExpectations(t)
		})
	}
}

func TestAuthenticate_SuccessKeepsBinding(t *testing.T) {
	r := &mockRepo{}
	r.On("BindConnectionIfUnbound", mock.Anything, "room1", "bob", "pw", "s2").Return(true, nil)
	r.On("GetRoom", mock.Anything, "room1").Return(models.Room{RoomId: "room1", MasterId: "ann"}, true, nil)
	r.On("GetUser", mock.Anything, "room1", "bob").Return(models.User{UserId: "bob", UserName: "Bob"}, true, nil)
	r.On("TouchRoom", mock.Anything, "room1", 60).Return(nil)

	svc := NewQuizService(r, &seqIDGen{}, 60)
	res, err := svc.Authenticate(context.Background(), "room1", "bob", "pw", "s2")

	require.NoError(t, err)
	assert.Equal(t, "Bob", res.UserName)
	r.AssertNotCalled(t, "UnbindConnection", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRoom_RollsBackWhenMasterCannotBeCreated(t *testing.T) {
	r := &mockRepo{}
	r.On("ExistsRoom", mock.Anything, mock.Anything).Return(false, nil)
	r.On("CreateRoom", mock.Anything, mock.Anything, 60).Return(nil)
	r.On("CreateUser", mock.Anything, mock.Anything, 60).Return(errStoreDown)
	r.On("DeleteRoomIfEmpty", mock.Anything, mock.Anything).Return(true, nil).Once()

	svc := NewQuizService(r, &seqIDGen{ids: []string{"room1"}}, 60)
	_, err := svc.CreateRoom(context.Background(), "Ann", 1, 1)

	require.ErrorIs(t, err, errStoreDown)
	r.AssertExpectations(t)
}
