// Package service はビジネスロジックを担当します
// ルームの作成・認証・進行（ステージ遷移）・退出などの処理を提供します
package service

import (
	"context"
	"errors"
	"time"

	"github.com/mio-quiz/mio/backend/api-server/internal/idgen"
	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/mio-quiz/mio/backend/api-server/internal/repo"
)

// QuizService はクイズルーム管理のビジネスロジックを提供します
// ルームを変更する操作はルームごとのロックの中で「ガード確認→変更」を一括で行います
type QuizService struct {
	repo   repo.QuizRepo // データ永続化を担当するリポジトリ
	idg    IDGenerator   // ルームID生成器
	ttlSec int           // ルームの有効期限（秒）
	locks  *roomLocks    // ルームごとの排他制御
}

// IDGenerator はユニークなIDを生成するインターフェース
type IDGenerator interface {
	New() (string, error) // 新しいIDを生成
}

// roomIDGen はIDGeneratorの実装
type roomIDGen struct{}

// New は新しいルームIDを生成します
func (roomIDGen) New() (string, error) { return idgen.NewRoomID() }

// NewRoomIDGenerator は新しいRoomIDGeneratorを作成します
func NewRoomIDGenerator() IDGenerator {
	return roomIDGen{}
}

// Caller は認証済み接続の身元です
type Caller struct {
	RoomId string
	UserId string
	Sid    string // 接続ID
}

// AuthResult は認証成功時の結果です
type AuthResult struct {
	Caller             Caller
	UserName           string
	IsMaster           bool
	Recovered          bool // マスターの再接続によりルームを強制リセットした
	ShouldWaitForReset bool // 参加者が出題途中のルームに入った
	Room               models.Room
}

// NewQuizService は新しいQuizServiceを作成します
func NewQuizService(r repo.QuizRepo, idg IDGenerator, ttlSec int) *QuizService {
	return &QuizService{repo: r, idg: idg, ttlSec: ttlSec, locks: newRoomLocks()}
}

// CreateRoom は新しいルームとマスターユーザーを作成します
// 処理の流れ:
// 1. ユニークなルームIDを生成（重複チェック付き、最大10回リトライ）
// 2. ルームを出題待ち（AWAITING_MUSIC）で保存
// 3. マスターをルームに追加
// 戻り値: マスターの認証情報（ユーザーID、パスワード、ルームID）
func (s *QuizService) CreateRoom(ctx context.Context, masterName string, correctPoint, wrongPoint int) (models.Credentials, error) {
	const maxRetries = 10 // ID生成の最大リトライ回数

	var roomId string
	for i := 0; ; i++ {
		if i == maxRetries {
			return models.Credentials{}, ErrRoomIDGenerationFailed
		}
		id, err := s.idg.New()
		if err != nil {
			return models.Credentials{}, err
		}
		exists, err := s.repo.ExistsRoom(ctx, id)
		if err != nil {
			return models.Credentials{}, err
		}
		if !exists {
			roomId = id
			break
		}
	}

	password, err := idgen.NewPassword()
	if err != nil {
		return models.Credentials{}, err
	}
	master := models.User{
		UserId:   idgen.NewULID(),
		RoomId:   roomId,
		UserName: masterName,
		Password: password,
	}
	room := models.Room{
		RoomId:       roomId,
		Stage:        models.StageAwaitingMusic,
		MasterId:     master.UserId,
		CorrectPoint: correctPoint,
		WrongPoint:   wrongPoint,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.repo.CreateRoom(ctx, room, s.ttlSec); err != nil {
		if errors.Is(err, repo.ErrRoomAlreadyExists) {
			return models.Credentials{}, ErrRoomIDGenerationFailed
		}
		return models.Credentials{}, err
	}
	if err := s.repo.CreateUser(ctx, master, s.ttlSec); err != nil {
		// マスター追加に失敗した場合は部屋を削除してロールバック
		_, _ = s.repo.DeleteRoomIfEmpty(ctx, roomId)
		return models.Credentials{}, err
	}
	return models.Credentials{UserId: master.UserId, Password: password, RoomId: roomId}, nil
}

// IssueUser は既存のルームに参加者を発行します
// ルームが存在しない場合はErrRoomNotFoundを返します
func (s *QuizService) IssueUser(ctx context.Context, roomId, name string) (models.Credentials, error) {
	exists, err := s.repo.ExistsRoom(ctx, roomId)
	if err != nil {
		return models.Credentials{}, err
	}
	if !exists {
		return models.Credentials{}, ErrRoomNotFound
	}
	password, err := idgen.NewPassword()
	if err != nil {
		return models.Credentials{}, err
	}
	user := models.User{
		UserId:   idgen.NewULID(),
		RoomId:   roomId,
		UserName: name,
		Password: password,
	}
	if err := s.repo.CreateUser(ctx, user, s.ttlSec); err != nil {
		if errors.Is(err, repo.ErrRoomNotFound) {
			return models.Credentials{}, ErrRoomNotFound
		}
		return models.Credentials{}, err
	}
	return models.Credentials{UserId: user.UserId, Password: password, RoomId: roomId}, nil
}

// RoomExists はルームの存在を確認します
func (s *QuizService) RoomExists(ctx context.Context, roomId string) (bool, error) {
	return s.repo.ExistsRoom(ctx, roomId)
}

// Snapshot はルームの状態と参加者一覧を取得します
func (s *QuizService) Snapshot(ctx context.Context, roomId string) (models.Room, []models.User, error) {
	room, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return models.Room{}, nil, err
	}
	if !ok {
		return models.Room{}, nil, ErrRoomNotFound
	}
	users, err := s.repo.ListUsers(ctx, roomId)
	if err != nil {
		return models.Room{}, nil, err
	}
	return room, users, nil
}

// Authenticate は接続(sid)を(ルームID, ユーザーID)に紐付けます
// 処理の流れ:
// 1. パスワード照合と未接続確認をリポジトリでアトミックに実行
// 2. マスターが出題途中のルームに戻ってきた場合はルームを強制リセット
func (s *QuizService) Authenticate(ctx context.Context, roomId, userId, password, sid string) (res AuthResult, err error) {
	ok, err := s.repo.BindConnectionIfUnbound(ctx, roomId, userId, password, sid)
	if err != nil {
		return AuthResult{}, err
	}
	if !ok {
		return AuthResult{}, ErrAuthFailed
	}
	// 紐付け後に失敗した場合は解除し、接続を未認証のままにする
	defer func() {
		if err != nil {
			_, _ = s.repo.UnbindConnection(context.WithoutCancel(ctx), roomId, userId, sid)
		}
	}()

	unlock := s.locks.lock(roomId)
	defer unlock()

	room, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return AuthResult{}, err
	}
	if !ok {
		return AuthResult{}, ErrAuthFailed
	}
	user, ok, err := s.repo.GetUser(ctx, roomId, userId)
	if err != nil {
		return AuthResult{}, err
	}
	if !ok {
		return AuthResult{}, ErrAuthFailed
	}
	if err := s.repo.TouchRoom(ctx, roomId, s.ttlSec); err != nil {
		return AuthResult{}, err
	}

	res = AuthResult{
		Caller:   Caller{RoomId: roomId, UserId: userId, Sid: sid},
		UserName: user.UserName,
		IsMaster: room.MasterId == userId,
		Room:     room,
	}
	if res.IsMaster {
		if res.Recovered, err = s.recoverMasterStage(ctx, roomId); err != nil {
			return AuthResult{}, err
		}
		if res.Recovered {
			res.Room.Stage = models.StageAwaitingMusic
		}
	} else {
		res.ShouldWaitForReset = room.Stage != models.StageAwaitingMusic
	}
	return res, nil
}

// recoverMasterStage はマスター不在の間に止まったルームを出題待ちに戻します
// マスターが切断するとその回の判定や次の出題ができないため、再認証時に巻き戻します
// ルームのロックを保持して呼び出すこと
func (s *QuizService) recoverMasterStage(ctx context.Context, roomId string) (bool, error) {
	return s.repo.TransitionStage(ctx, roomId, models.StageAwaitingMusic,
		models.StageAwaitingStop, models.StageAwaitingAnswers, models.StageAwaitingReset)
}

// Disconnect は接続の紐付けを解除し、誰もオンラインでなければルームを削除します
// マスターの切断でもマスター権限は解除しません
// 戻り値: ルームを削除したかどうか
func (s *QuizService) Disconnect(ctx context.Context, c Caller) (bool, error) {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if _, err := s.repo.UnbindConnection(ctx, c.RoomId, c.UserId, c.Sid); err != nil {
		return false, err
	}
	return s.repo.DeleteRoomIfEmpty(ctx, c.RoomId)
}
