package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/mio-quiz/mio/backend/api-server/internal/repo"
)

// guard はイベント処理前に評価する名前付きの条件です
type guard struct {
	name  string
	check func(ctx context.Context, c Caller) error
}

// checkGuards はガードを順番に評価し、最初に失敗したものを返します
func (s *QuizService) checkGuards(ctx context.Context, c Caller, guards ...guard) error {
	for _, g := range guards {
		if err := g.check(ctx, c); err != nil {
			return fmt.Errorf("%s: %w", g.name, err)
		}
	}
	return nil
}

func (s *QuizService) masterId(ctx context.Context, roomId string) (string, error) {
	id, err := s.repo.GetMasterId(ctx, roomId)
	if errors.Is(err, repo.ErrRoomNotFound) {
		return "", ErrRoomNotFound
	}
	return id, err
}

func (s *QuizService) masterOnly() guard {
	return guard{name: "master-only", check: func(ctx context.Context, c Caller) error {
		id, err := s.masterId(ctx, c.RoomId)
		if err != nil {
			return err
		}
		if id != c.UserId {
			return ErrNotMaster
		}
		return nil
	}}
}

func (s *QuizService) participantOnly() guard {
	return guard{name: "participant-only", check: func(ctx context.Context, c Caller) error {
		id, err := s.masterId(ctx, c.RoomId)
		if err != nil {
			return err
		}
		if id == c.UserId {
			return ErrNotParticipant
		}
		return nil
	}}
}

func (s *QuizService) masterOnline() guard {
	return guard{name: "master-online", check: func(ctx context.Context, c Caller) error {
		id, err := s.masterId(ctx, c.RoomId)
		if err != nil {
			return err
		}
		sid, err := s.repo.GetConnectionOfUser(ctx, c.RoomId, id)
		if err != nil {
			return err
		}
		if sid == "" {
			return ErrMasterOffline
		}
		return nil
	}}
}

func (s *QuizService) inStage(stages ...models.Stage) guard {
	return guard{name: "in-stage", check: func(ctx context.Context, c Caller) error {
		ok, err := s.repo.IsRoomInStage(ctx, c.RoomId, stages...)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWrongStage
		}
		return nil
	}}
}
