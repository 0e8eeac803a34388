package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload はペイロードが形式に合わない場合のエラー
// 理由はサーバーのログにのみ残し、クライアントには返しません
var ErrInvalidPayload = errors.New("invalid payload")

// blankPattern は空白のみの文字列（全角スペースを含む）
var blankPattern = regexp.MustCompile(`^[ \t\n　]*$`)

// Gate はイベントのペイロードを検証します
type Gate struct {
	v *validator.Validate
}

// NewGate は独自ルール（visible, nonnull, unreserved）を登録したGateを作成します
func NewGate() *Gate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// visible: 空白以外の文字を含む
	_ = v.RegisterValidation("visible", func(fl validator.FieldLevel) bool {
		return !blankPattern.MatchString(fl.Field().String())
	})
	// nonnull: JSONのnullではない
	_ = v.RegisterValidation("nonnull", func(fl validator.FieldLevel) bool {
		b := bytes.TrimSpace(fl.Field().Bytes())
		return len(b) > 0 && !bytes.Equal(b, []byte("null"))
	})
	// unreserved: サーバーが入退室通知に使うチャットタグではない
	_ = v.RegisterValidation("unreserved", func(fl validator.FieldLevel) bool {
		tag := strings.TrimSpace(fl.Field().String())
		return !strings.EqualFold(tag, chatTagJoin) && !strings.EqualFold(tag, chatTagLeave)
	})
	return &Gate{v: v}
}

// Decode はペイロードをdstにデコードして検証します
// 未知のフィールドは無視します
func (g *Gate) Decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := g.v.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}
