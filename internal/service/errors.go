package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound           = errors.New("room not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrRoomIDGenerationFailed = errors.New("failed to generate unique room ID after multiple attempts")

	// 認証失敗（パスワード不一致・既に接続済み）
	ErrAuthFailed = errors.New("authentication failed")

	// ロール・ステージによる拒否。クライアントには何も返さない
	ErrNotMaster      = errors.New("forbidden: not room master")
	ErrNotParticipant = errors.New("forbidden: master cannot answer")
	ErrMasterOffline  = errors.New("master is offline")
	ErrWrongStage     = errors.New("room is not in the expected stage")
)

// IsRejection は古い・重複した・権限のないイベントとして黙って捨ててよいエラーかを返します
// それ以外（ストア障害など）はサーバー側でエラーとして記録します
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrNotMaster, ErrNotParticipant, ErrMasterOffline, ErrWrongStage,
		ErrRoomNotFound, ErrUserNotFound, ErrAuthFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
