// Package models はアプリケーションで使用するデータ構造を定義します
package models

// Stage はルームの進行段階を表します
type Stage int

const (
	StageAwaitingMusic   Stage = iota // 出題待ち
	StageAwaitingStop                 // 再生停止待ち
	StageAwaitingAnswers              // 解答待ち
	StageAwaitingReset                // リセット待ち
)

// String はログ出力用の名前を返します
func (s Stage) String() string {
	switch s {
	case StageAwaitingMusic:
		return "AWAITING_MUSIC"
	case StageAwaitingStop:
		return "AWAITING_STOP"
	case StageAwaitingAnswers:
		return "AWAITING_ANSWERS"
	case StageAwaitingReset:
		return "AWAITING_RESET"
	default:
		return "UNKNOWN"
	}
}

// Valid はステージが定義済みの値かを返します
func (s Stage) Valid() bool {
	return s >= StageAwaitingMusic && s <= StageAwaitingReset
}

// Room はクイズルームの情報を表します
type Room struct {
	RoomId       string `json:"roomId"`       // ルームの一意な識別子
	Stage        Stage  `json:"stage"`        // 現在の進行段階
	MasterId     string `json:"masterId"`     // 出題者（マスター）のユーザーID
	Round        int    `json:"round"`        // 出題回数
	CorrectPoint int    `json:"correctPoint"` // 正解時に maru へ加算する点数
	WrongPoint   int    `json:"wrongPoint"`   // 不正解時に peke へ加算する点数
	CreatedAt    int64  `json:"createdAt"`    // ルーム作成日時（Unixタイムスタンプ）
}

// User はルームに参加するユーザーの情報を表します
// ユーザーは必ず1つのルームに属します
type User struct {
	UserId   string `json:"userId"`   // ユーザーの一意な識別子
	RoomId   string `json:"roomId"`   // 所属するルームID
	UserName string `json:"userName"` // 表示名
	Password string `json:"-"`        // 認証用の秘密値
	Sid      string `json:"-"`        // 現在紐付いている接続ID（空ならオフライン）
	Maru     int    `json:"maru"`     // 正解の累計
	Peke     int    `json:"peke"`     // 不正解の累計
}

// Online は接続が紐付いているかを返します
func (u User) Online() bool { return u.Sid != "" }

// Credentials は create-room / issue-uid で払い出される認証情報です
type Credentials struct {
	UserId   string
	Password string
	RoomId   string
}
