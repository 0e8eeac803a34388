// Package repo はルームとユーザーの永続化を担当します
// ステージ遷移や接続の紐付けなど、競合しうる操作はリポジトリ側でアトミックに実行します
package repo

import (
	"context"
	"errors"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrRoomAlreadyExists = errors.New("room already exists")
)

// ScoreDelta は判定1件分の得点の差分です
type ScoreDelta struct {
	UserId string
	Maru   int
	Peke   int
}

// QuizRepo はクイズルームのデータストア契約です
type QuizRepo interface {
	CreateRoom(ctx context.Context, room models.Room, ttlSec int) error
	GetRoom(ctx context.Context, roomId string) (models.Room, bool, error)
	ExistsRoom(ctx context.Context, roomId string) (bool, error)
	TouchRoom(ctx context.Context, roomId string, ttlSec int) error
	// DeleteRoomIfEmpty はオンラインのユーザーがいなければルームと全ユーザーを削除します
	// ルームが存在しなくなった場合にtrueを返します
	DeleteRoomIfEmpty(ctx context.Context, roomId string) (bool, error)

	CreateUser(ctx context.Context, user models.User, ttlSec int) error
	GetUser(ctx context.Context, roomId, userId string) (models.User, bool, error)
	GetUserName(ctx context.Context, roomId, userId string) (string, bool, error)
	ListUsers(ctx context.Context, roomId string) ([]models.User, error)

	// BindConnectionIfUnbound はパスワードが一致し、かつ他の接続が紐付いていない場合のみ
	// sidをユーザーに紐付けます。同一ユーザーへの同時呼び出しで成功するのは1つだけです
	BindConnectionIfUnbound(ctx context.Context, roomId, userId, password, sid string) (bool, error)
	// UnbindConnection はsidが現在の紐付けと一致する場合のみ解除します
	UnbindConnection(ctx context.Context, roomId, userId, sid string) (bool, error)
	GetConnectionOfUser(ctx context.Context, roomId, userId string) (string, error)

	// IsRoomInStage は現在のステージがstagesのいずれかであればtrueを返します
	IsRoomInStage(ctx context.Context, roomId string, stages ...models.Stage) (bool, error)
	// TransitionStage は現在のステージがfromのいずれかであればtoへ遷移させます
	TransitionStage(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error)
	// StartRound はTransitionStageと同じ条件で遷移させ、同時にラウンドを1つ進めます
	StartRound(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) (bool, error)
	// ApplyResult はTransitionStageと同じ条件で遷移させ、同時に得点の差分を累計へ加算します
	// 遷移しなかった場合は得点も変更しません。ルームにいないユーザーの差分は無視します
	ApplyResult(ctx context.Context, roomId string, deltas []ScoreDelta, to models.Stage, from ...models.Stage) (bool, error)
	GetMasterId(ctx context.Context, roomId string) (string, error)

	// SetUserScore は指定された累計を上書きします（nilは変更なし）
	SetUserScore(ctx context.Context, roomId, userId string, maru, peke *int) (bool, error)
}
