package service

import (
	"context"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/mio-quiz/mio/backend/api-server/internal/repo"
)

// Judgement は1ユーザー分の判定です。Judgeがnilなら未判定として扱います
type Judgement struct {
	UserId string
	Judge  *bool
}

// AnswerReceipt は解答受付の結果です
type AnswerReceipt struct {
	MasterId string
	UserName string
	Stopped  bool // この解答で再生停止待ちから解答待ちに遷移した
}

// advance はステージをfromからtoへアトミックに遷移させます
// 一致しなければ古い・重複したイベントとしてErrWrongStageを返します
func (s *QuizService) advance(ctx context.Context, roomId string, to models.Stage, from ...models.Stage) error {
	ok, err := s.repo.TransitionStage(ctx, roomId, to, from...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongStage
	}
	return nil
}

func (s *QuizService) room(ctx context.Context, roomId string) (models.Room, error) {
	room, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return room, nil
}

// PostQuestion はマスターの出題を受け付けます
// 出題待ち → 再生停止待ち（stoppable）/ 解答待ち と遷移し、ラウンドを1つ進めます
// ラウンドは通知より前に進めるため、直後のリセットも新しいラウンド番号を参照します
func (s *QuizService) PostQuestion(ctx context.Context, c Caller, stoppable bool) (models.Room, error) {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if err := s.checkGuards(ctx, c,
		s.masterOnly(),
		s.inStage(models.StageAwaitingMusic),
	); err != nil {
		return models.Room{}, err
	}
	if err := s.repo.TouchRoom(ctx, c.RoomId, s.ttlSec); err != nil {
		return models.Room{}, err
	}

	to := models.StageAwaitingAnswers
	if stoppable {
		to = models.StageAwaitingStop
	}
	ok, err := s.repo.StartRound(ctx, c.RoomId, to, models.StageAwaitingMusic)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, ErrWrongStage
	}
	return s.room(ctx, c.RoomId)
}

// StopMusic はマスターによる再生停止を受け付けます（再生停止待ち → 解答待ち）
func (s *QuizService) StopMusic(ctx context.Context, c Caller) (models.Room, error) {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if err := s.checkGuards(ctx, c, s.masterOnly()); err != nil {
		return models.Room{}, err
	}
	if err := s.advance(ctx, c.RoomId, models.StageAwaitingAnswers, models.StageAwaitingStop); err != nil {
		return models.Room{}, err
	}
	return s.room(ctx, c.RoomId)
}

// SubmitAnswer は参加者の解答を受け付けます
// マスター自身は解答できず、マスターがオンラインである必要があります
// 再生停止待ちの間に届いた解答は、その時点で解答待ちへ遷移させます
func (s *QuizService) SubmitAnswer(ctx context.Context, c Caller) (AnswerReceipt, error) {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if err := s.checkGuards(ctx, c,
		s.participantOnly(),
		s.masterOnline(),
		s.inStage(models.StageAwaitingStop, models.StageAwaitingAnswers),
	); err != nil {
		return AnswerReceipt{}, err
	}

	stopped, err := s.repo.TransitionStage(ctx, c.RoomId, models.StageAwaitingAnswers, models.StageAwaitingStop)
	if err != nil {
		return AnswerReceipt{}, err
	}
	masterId, err := s.masterId(ctx, c.RoomId)
	if err != nil {
		return AnswerReceipt{}, err
	}
	name, ok, err := s.repo.GetUserName(ctx, c.RoomId, c.UserId)
	if err != nil {
		return AnswerReceipt{}, err
	}
	if !ok {
		return AnswerReceipt{}, ErrUserNotFound
	}
	return AnswerReceipt{MasterId: masterId, UserName: name, Stopped: stopped}, nil
}

// PostResult はマスターの判定結果を受け付け、得点を更新します
// 解答待ち・再生停止待ちのどちらからでもリセット待ちへ遷移できます
// 正解は maru に correctPoint を、不正解は peke に wrongPoint を加算します
func (s *QuizService) PostResult(ctx context.Context, c Caller, judgements []Judgement) (models.Room, error) {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if err := s.checkGuards(ctx, c, s.masterOnly()); err != nil {
		return models.Room{}, err
	}
	if err := s.repo.TouchRoom(ctx, c.RoomId, s.ttlSec); err != nil {
		return models.Room{}, err
	}
	room, err := s.room(ctx, c.RoomId)
	if err != nil {
		return models.Room{}, err
	}

	deltas := make([]repo.ScoreDelta, 0, len(judgements))
	for _, j := range judgements {
		if j.Judge == nil {
			continue
		}
		d := repo.ScoreDelta{UserId: j.UserId, Peke: room.WrongPoint}
		if *j.Judge {
			d = repo.ScoreDelta{UserId: j.UserId, Maru: room.CorrectPoint}
		}
		deltas = append(deltas, d)
	}
	// 遷移と得点の加算は1回の操作で行う。ルームにいないユーザーはリポジトリ側で無視される
	ok, err := s.repo.ApplyResult(ctx, c.RoomId, deltas, models.StageAwaitingReset,
		models.StageAwaitingAnswers, models.StageAwaitingStop)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, ErrWrongStage
	}
	room.Stage = models.StageAwaitingReset
	return room, nil
}

// Reset はマスターによる次の出題準備を受け付けます（リセット待ち → 出題待ち）
func (s *QuizService) Reset(ctx context.Context, c Caller) (models.Room, error) {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if err := s.checkGuards(ctx, c, s.masterOnly()); err != nil {
		return models.Room{}, err
	}
	if err := s.advance(ctx, c.RoomId, models.StageAwaitingMusic, models.StageAwaitingReset); err != nil {
		return models.Room{}, err
	}
	return s.room(ctx, c.RoomId)
}

// ChangeScore はマスターがユーザーの得点を直接書き換えます（nilの項目は変更しない）
func (s *QuizService) ChangeScore(ctx context.Context, c Caller, userId string, maru, peke *int) error {
	unlock := s.locks.lock(c.RoomId)
	defer unlock()

	if err := s.checkGuards(ctx, c, s.masterOnly()); err != nil {
		return err
	}
	ok, err := s.repo.SetUserScore(ctx, c.RoomId, userId, maru, peke)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	return nil
}
