package handlers

import "encoding/json"

// イベント名（クライアントとサーバーで共通）
const (
	EventCreateRoom    = "create-room"
	EventRoomExists    = "room-exists"
	EventIssueUid      = "issue-uid"
	EventAuth          = "auth"
	EventAuthResult    = "auth-result"
	EventChatMsg       = "chat-msg"
	EventQuizMusic     = "quiz-music"
	EventQuizStopMusic = "quiz-stop-music"
	EventQuizAnswer    = "quiz-answer"
	EventQuizResult    = "quiz-result"
	EventQuizReset     = "quiz-reset"
	EventChangeScore   = "change-score"
	EventUsers         = "users"
	EventQuizInfo      = "quiz-info"
	EventAck           = "ack"
	EventPing          = "ping"
	EventPong          = "pong"
)

// WebSocketMessage はサーバーから送信するメッセージの構造
// Id はクライアントのリクエストに対する応答（ack）の場合のみ設定されます
type WebSocketMessage struct {
	Type    string      `json:"type"`              // メッセージタイプ
	Id      int64       `json:"id,omitempty"`      // 応答対象のリクエストID
	Payload interface{} `json:"payload,omitempty"` // メッセージのペイロード（型は動的）
}

// inboundMessage はクライアントから受信するメッセージの構造
// ペイロードはイベントごとの型に後からデコードします
type inboundMessage struct {
	Type    string          `json:"type"`
	Id      int64           `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- クライアント → サーバー ---

type createRoomPayload struct {
	MasterName   string `json:"masterName" validate:"required,visible,max=64"`
	CorrectPoint *int64 `json:"correctPoint" validate:"required,min=-2147483648,max=2147483647"`
	WrongPoint   *int64 `json:"wrongPoint" validate:"required,min=-2147483648,max=2147483647"`
}

type roomExistsPayload struct {
	RoomId string `json:"roomid" validate:"required,max=64"`
}

type issueUidPayload struct {
	RoomId string `json:"roomid" validate:"required,max=64"`
	Name   string `json:"name" validate:"required,visible,max=64"`
}

type authPayload struct {
	Uid      string `json:"uid" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=64"`
	RoomId   string `json:"roomid" validate:"required,max=64"`
}

type chatPayload struct {
	Tag  string `json:"tag" validate:"max=32,unreserved"`
	Body string `json:"body" validate:"required,visible,max=1000"`
}

type quizMusicPayload struct {
	Buf       json.RawMessage `json:"buf" validate:"required,nonnull"` // 音声データ（中身は解釈せず転送する）
	Stoppable bool            `json:"stoppable"`
}

type quizAnswerPayload struct {
	Answer *string  `json:"answer" validate:"omitempty,max=256"` // nilは「解答なし」
	Time   *float64 `json:"time" validate:"required,min=0"`      // クライアントが計測した経過時間
}

// answerEntry は quiz-result に含まれる1ユーザー分の解答と判定
type answerEntry struct {
	Name   string   `json:"name" validate:"required,max=64"`
	Time   *float64 `json:"time" validate:"required,min=0"`
	Answer *string  `json:"answer,omitempty" validate:"omitempty,max=256"`
	Judge  *bool    `json:"judge,omitempty"`
}

type quizResultPayload struct {
	Answer  string                 `json:"answer" validate:"max=256"`
	Answers map[string]answerEntry `json:"answers" validate:"dive,keys,required,max=64,endkeys"`
}

type quizResetPayload struct {
	Message string `json:"message" validate:"max=256"`
}

type changeScorePayload struct {
	Uid  string `json:"uid" validate:"required,max=64"`
	Maru *int64 `json:"maru,omitempty" validate:"omitempty,min=-2147483648,max=2147483647"`
	Peke *int64 `json:"peke,omitempty" validate:"omitempty,min=-2147483648,max=2147483647"`
}

// --- サーバー → クライアント ---

// credentialsPayload は create-room / issue-uid の応答。失敗時は各値がnull
type credentialsPayload struct {
	Uid      *string `json:"uid"`
	Password *string `json:"password"`
	RoomId   *string `json:"roomid,omitempty"`
}

type authResultPayload struct {
	Status             string `json:"status"` // "ok" または "ng"
	ShouldWaitForReset bool   `json:"shouldWaitForReset,omitempty"`
}

// UserEntry は users で配信するユーザー一覧の1件
type UserEntry struct {
	Uid    string `json:"uid"`
	Name   string `json:"name"`
	Maru   int    `json:"maru"`
	Peke   int    `json:"peke"`
	Online bool   `json:"online"`
	Master bool   `json:"master"`
}

// QuizInfoPayload はルームの進行状況
type QuizInfoPayload struct {
	Round  int    `json:"round"`
	Stage  string `json:"stage"`
	Master string `json:"master"`
}

// ChatMessage はチャット・入退室通知
type ChatMessage struct {
	Id   string `json:"id"`
	Tag  string `json:"tag,omitempty"`
	Uid  string `json:"uid,omitempty"`
	Name string `json:"name,omitempty"`
	Body string `json:"body"`
}

type quizMusicMessage struct {
	Buf       json.RawMessage `json:"buf"`
	Stoppable bool            `json:"stoppable"`
	Round     int             `json:"round"`
}

type quizAnswerMessage struct {
	Uid    string  `json:"uid"`
	Name   string  `json:"name"`
	Answer *string `json:"answer"`
	Time   float64 `json:"time"`
}

type quizResultMessage struct {
	Answer  string                 `json:"answer"`
	Answers map[string]answerEntry `json:"answers"`
}

type quizResetMessage struct {
	Message string `json:"message"`
	Round   int    `json:"round"`
}

// チャットのタグ
const (
	chatTagJoin  = "join"
	chatTagLeave = "leave"
)
