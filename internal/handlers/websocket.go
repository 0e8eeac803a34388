package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mio-quiz/mio/backend/api-server/internal/idgen"
	"github.com/mio-quiz/mio/backend/api-server/internal/models"
	"github.com/mio-quiz/mio/backend/api-server/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const opTimeout = 5 * time.Second // 1イベントあたりのストア操作の制限時間

// 接続の状態に関する拒否。いずれもクライアントには何も返さない
var (
	errNotAuthenticated     = errors.New("connection is not authenticated")
	errAlreadyAuthenticated = errors.New("connection is already authenticated")
	errAlreadyUsed          = errors.New("operation already used on this connection")
	errChatRateLimited      = errors.New("chat rate limit exceeded")
)

// Options はWebSocketハンドラーの動作設定
type Options struct {
	MaxMessageBytes int64         // 受信メッセージの最大サイズ
	AuthTimeout     time.Duration // 認証までの制限時間（0なら無制限）
	ChatRate        float64       // チャットの毎秒の送信数
	ChatBurst       int           // チャットのバースト数
	AllowedOrigins  []string      // 接続を許可するOrigin（空または"*"なら全て許可）
}

// DefaultOptions はOptionsのデフォルト値を返します
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: 8 << 20,
		AuthTimeout:     10 * time.Minute,
		ChatRate:        2,
		ChatBurst:       5,
	}
}

// WebSocketHandler はクイズのセッションプロトコルを処理するハンドラー
type WebSocketHandler struct {
	svc      *service.QuizService // ビジネスロジックを担当するサービス
	hub      *RoomHub             // 配信グループを管理するハブ
	gate     *Gate                // ペイロードの検証
	upgrader websocket.Upgrader   // HTTPからWebSocketへのアップグレーダー
	opts     Options
	log      zerolog.Logger
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(s *service.QuizService, opts Options, log zerolog.Logger) *WebSocketHandler {
	log = log.With().Str("component", "ws").Logger()
	return &WebSocketHandler{
		svc:  s,
		hub:  newRoomHub(log),
		gate: NewGate(),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
		opts: opts,
		log:  log,
	}
}

// originChecker はOriginヘッダーを許可リストと照合します
// Originを持たない（ブラウザ以外の）クライアントは許可します
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続IDの発行と認証の案内（auth）の送信
// 3. メッセージ受信ループの開始（1接続のイベントは順番に処理）
// 4. 切断時の退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(idgen.NewULID(), conn, rate.Limit(h.opts.ChatRate), h.opts.ChatBurst)
	go c.writePump()
	defer h.handleDisconnect(c)

	h.log.Debug().Str("sid", c.sid).Str("remote", r.RemoteAddr).Msg("websocket connected")

	if h.opts.AuthTimeout > 0 {
		timer := time.AfterFunc(h.opts.AuthTimeout, func() {
			if !c.authed.Load() {
				h.log.Info().Str("sid", c.sid).Msg("closing connection that did not authenticate in time")
				c.close()
			}
		})
		defer timer.Stop()
	}

	c.enqueue(WebSocketMessage{Type: EventAuth, Payload: struct{}{}})
	h.readPump(c)
}

// readPump は接続からメッセージを読み取り、1つずつ処理します
func (h *WebSocketHandler) readPump(c *Client) {
	if h.opts.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(h.opts.MaxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("sid", c.sid).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug().Err(err).Str("sid", c.sid).Msg("malformed frame")
			continue
		}
		h.dispatch(c, msg)
	}
}

// dispatch はメッセージタイプに応じて処理を振り分けます
// 処理できなかったイベントはログにのみ記録し、クライアントには何も返しません
func (h *WebSocketHandler) dispatch(c *Client, msg inboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case EventPing:
		c.enqueue(WebSocketMessage{Type: EventPong})
	case EventCreateRoom:
		err = h.handleCreateRoom(ctx, c, msg)
	case EventRoomExists:
		err = h.handleRoomExists(ctx, c, msg)
	case EventIssueUid:
		err = h.handleIssueUid(ctx, c, msg)
	case EventAuth:
		err = h.handleAuth(ctx, c, msg)
	case EventChatMsg:
		err = h.handleChat(c, msg)
	case EventQuizMusic:
		err = h.handleQuizMusic(ctx, c, msg)
	case EventQuizStopMusic:
		err = h.handleStopMusic(ctx, c)
	case EventQuizAnswer:
		err = h.handleQuizAnswer(ctx, c, msg)
	case EventQuizResult:
		err = h.handleQuizResult(ctx, c, msg)
	case EventQuizReset:
		err = h.handleQuizReset(ctx, c, msg)
	case EventChangeScore:
		err = h.handleChangeScore(ctx, c, msg)
	default:
		h.log.Debug().Str("sid", c.sid).Str("event", msg.Type).Msg("unknown message type")
	}
	if err != nil {
		h.drop(c, msg, err)
	}
}

// drop は処理しなかったイベントを記録します
// 古い・重複した・不正なイベントはdebug、ストア障害などはerrorで記録します
func (h *WebSocketHandler) drop(c *Client, msg inboundMessage, err error) {
	ev := h.log.Error()
	if isSilentRejection(err) {
		ev = h.log.Debug()
	}
	ev = ev.Err(err).Str("sid", c.sid).Str("event", msg.Type)
	if c.caller != nil {
		ev = ev.Str("room_id", c.caller.RoomId).Str("user_id", c.caller.UserId)
	}
	ev.Msg("event dropped")
}

func isSilentRejection(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, errNotAuthenticated),
		errors.Is(err, errAlreadyAuthenticated),
		errors.Is(err, errAlreadyUsed),
		errors.Is(err, errChatRateLimited):
		return true
	}
	return service.IsRejection(err)
}

// ack はリクエストIDが付いている場合に応答を返します
func (h *WebSocketHandler) ack(c *Client, msg inboundMessage, payload interface{}) {
	if msg.Id == 0 {
		return
	}
	c.enqueue(WebSocketMessage{Type: EventAck, Id: msg.Id, Payload: payload})
}

// authed は認証済みの接続の身元を返します
func authed(c *Client) (service.Caller, error) {
	if c.caller == nil {
		return service.Caller{}, errNotAuthenticated
	}
	return *c.caller, nil
}

// --- 認証前 ---

// handleCreateRoom はルームを作成し、マスターの認証情報を返します
// 1接続につき1回、認証前のみ。失敗時はnullの認証情報を返します
func (h *WebSocketHandler) handleCreateRoom(ctx context.Context, c *Client, msg inboundMessage) error {
	var p createRoomPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	if c.caller != nil || c.createdRoom {
		h.ack(c, msg, credentialsPayload{})
		return errAlreadyUsed
	}
	c.createdRoom = true

	creds, err := h.svc.CreateRoom(ctx, p.MasterName, int(*p.CorrectPoint), int(*p.WrongPoint))
	if err != nil {
		h.ack(c, msg, credentialsPayload{})
		return err
	}
	h.log.Info().Str("room_id", creds.RoomId).Str("user_id", creds.UserId).Str("sid", c.sid).Msg("room created")
	h.ack(c, msg, credentialsPayload{Uid: &creds.UserId, Password: &creds.Password, RoomId: &creds.RoomId})
	return nil
}

// handleRoomExists はルームの存在確認に真偽値で応答します
func (h *WebSocketHandler) handleRoomExists(ctx context.Context, c *Client, msg inboundMessage) error {
	var p roomExistsPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	exists, err := h.svc.RoomExists(ctx, normalizeID(p.RoomId))
	if err != nil {
		h.ack(c, msg, false)
		return err
	}
	h.ack(c, msg, exists)
	return nil
}

// handleIssueUid は既存のルームに参加者を発行します
// 1接続につき1回、認証前のみ。ルームが存在しなければnullの認証情報を返します
func (h *WebSocketHandler) handleIssueUid(ctx context.Context, c *Client, msg inboundMessage) error {
	var p issueUidPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	if c.caller != nil || c.issuedUser {
		h.ack(c, msg, credentialsPayload{})
		return errAlreadyUsed
	}
	c.issuedUser = true

	creds, err := h.svc.IssueUser(ctx, normalizeID(p.RoomId), p.Name)
	if err != nil {
		h.ack(c, msg, credentialsPayload{})
		return err
	}
	h.ack(c, msg, credentialsPayload{Uid: &creds.UserId, Password: &creds.Password})
	return nil
}

// handleAuth は認証を処理します
// 処理の流れ:
// 1. ペイロードの検証と、パスワード照合・接続の紐付け（失敗時は auth-result ng）
// 2. ルームとユーザー個別のグループに参加
// 3. マスターの復帰でルームを強制リセットした場合は quiz-reset を配信
// 4. auth-result ok を返し、参加者一覧・進行状況・入室通知を配信
func (h *WebSocketHandler) handleAuth(ctx context.Context, c *Client, msg inboundMessage) error {
	if c.caller != nil {
		return errAlreadyAuthenticated
	}
	ng := WebSocketMessage{Type: EventAuthResult, Payload: authResultPayload{Status: "ng"}}

	var p authPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		c.enqueue(ng)
		return err
	}
	res, err := h.svc.Authenticate(ctx, normalizeID(p.RoomId), normalizeID(p.Uid), p.Password, c.sid)
	if err != nil {
		c.enqueue(ng)
		return err
	}

	caller := res.Caller
	c.caller = &caller
	c.userName = res.UserName
	c.authed.Store(true)
	h.hub.join(c, caller.RoomId, caller.UserId)

	h.log.Info().Str("room_id", caller.RoomId).Str("user_id", caller.UserId).Str("sid", c.sid).
		Bool("master", res.IsMaster).Bool("recovered", res.Recovered).Msg("authenticated")

	if res.Recovered {
		h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{
			Type:    EventQuizReset,
			Payload: quizResetMessage{Round: res.Room.Round},
		})
	}
	c.enqueue(WebSocketMessage{
		Type:    EventAuthResult,
		Payload: authResultPayload{Status: "ok", ShouldWaitForReset: res.ShouldWaitForReset},
	})
	h.publishRoster(ctx, caller.RoomId)
	h.announce(caller.RoomId, chatTagJoin, caller.UserId, res.UserName)
	return nil
}

// --- 認証後 ---

// handleChat はチャットをルーム全体に配信します
func (h *WebSocketHandler) handleChat(c *Client, msg inboundMessage) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	if !c.chat.Allow() {
		return errChatRateLimited
	}
	var p chatPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{
		Type: EventChatMsg,
		Payload: ChatMessage{
			Id:   idgen.NewULID(),
			Tag:  p.Tag,
			Uid:  caller.UserId,
			Name: c.userName,
			Body: p.Body,
		},
	})
	h.ack(c, msg, true)
	return nil
}

// handleQuizMusic はマスターの出題をルーム全体に配信します
func (h *WebSocketHandler) handleQuizMusic(ctx context.Context, c *Client, msg inboundMessage) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	var p quizMusicPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	room, err := h.svc.PostQuestion(ctx, caller, p.Stoppable)
	if err != nil {
		return err
	}
	h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{
		Type:    EventQuizMusic,
		Payload: quizMusicMessage{Buf: p.Buf, Stoppable: p.Stoppable, Round: room.Round},
	})
	h.publishQuizInfo(room)
	h.ack(c, msg, true)
	return nil
}

// handleStopMusic はマスターによる再生停止をルーム全体に配信します
func (h *WebSocketHandler) handleStopMusic(ctx context.Context, c *Client) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	room, err := h.svc.StopMusic(ctx, caller)
	if err != nil {
		return err
	}
	h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{Type: EventQuizStopMusic, Payload: struct{}{}})
	h.publishQuizInfo(room)
	return nil
}

// handleQuizAnswer は参加者の解答をマスターにのみ送信します
// 再生停止待ちの間の解答だった場合は、再生停止をルーム全体に配信します
func (h *WebSocketHandler) handleQuizAnswer(ctx context.Context, c *Client, msg inboundMessage) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	var p quizAnswerPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	receipt, err := h.svc.SubmitAnswer(ctx, caller)
	if err != nil {
		return err
	}
	h.hub.sendToUser(receipt.MasterId, WebSocketMessage{
		Type: EventQuizAnswer,
		Payload: quizAnswerMessage{
			Uid:    caller.UserId,
			Name:   receipt.UserName,
			Answer: p.Answer,
			Time:   *p.Time,
		},
	})
	if receipt.Stopped {
		h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{Type: EventQuizStopMusic, Payload: struct{}{}})
		if room, _, err := h.svc.Snapshot(ctx, caller.RoomId); err == nil {
			h.publishQuizInfo(room)
		}
	}
	h.ack(c, msg, true)
	return nil
}

// handleQuizResult はマスターの判定結果を反映し、ルーム全体に配信します
func (h *WebSocketHandler) handleQuizResult(ctx context.Context, c *Client, msg inboundMessage) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	var p quizResultPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}

	uids := make([]string, 0, len(p.Answers))
	for uid := range p.Answers {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	judgements := make([]service.Judgement, 0, len(uids))
	for _, uid := range uids {
		judgements = append(judgements, service.Judgement{UserId: uid, Judge: p.Answers[uid].Judge})
	}

	if _, err := h.svc.PostResult(ctx, caller, judgements); err != nil {
		return err
	}
	answers := p.Answers
	if answers == nil {
		answers = map[string]answerEntry{}
	}
	h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{
		Type:    EventQuizResult,
		Payload: quizResultMessage{Answer: p.Answer, Answers: answers},
	})
	h.publishRoster(ctx, caller.RoomId)
	h.ack(c, msg, true)
	return nil
}

// handleQuizReset はマスターによる次の出題準備をルーム全体に配信します
func (h *WebSocketHandler) handleQuizReset(ctx context.Context, c *Client, msg inboundMessage) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	var p quizResetPayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	room, err := h.svc.Reset(ctx, caller)
	if err != nil {
		return err
	}
	h.hub.broadcastToRoom(caller.RoomId, WebSocketMessage{
		Type:    EventQuizReset,
		Payload: quizResetMessage{Message: p.Message, Round: room.Round},
	})
	h.publishQuizInfo(room)
	h.ack(c, msg, true)
	return nil
}

// handleChangeScore はマスターによる得点の書き換えを反映します
func (h *WebSocketHandler) handleChangeScore(ctx context.Context, c *Client, msg inboundMessage) error {
	caller, err := authed(c)
	if err != nil {
		return err
	}
	var p changeScorePayload
	if err := h.gate.Decode(msg.Payload, &p); err != nil {
		return err
	}
	if err := h.svc.ChangeScore(ctx, caller, normalizeID(p.Uid), toInt(p.Maru), toInt(p.Peke)); err != nil {
		return err
	}
	h.publishRoster(ctx, caller.RoomId)
	h.ack(c, msg, true)
	return nil
}

func toInt(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

// --- 切断 ---

// handleDisconnect は切断時の退出処理を行います
// 処理の流れ:
// 1. 配信グループから外し、退室通知を配信
// 2. 接続の紐付けを解除（この接続に紐付いている場合のみ）
// 3. 誰もオンラインでなければルームを削除、そうでなければ参加者一覧を配信
func (h *WebSocketHandler) handleDisconnect(c *Client) {
	c.close()
	caller, err := authed(c)
	if err != nil {
		h.log.Debug().Str("sid", c.sid).Msg("unauthenticated connection closed")
		return
	}

	h.hub.leave(c, caller.RoomId, caller.UserId)
	h.announce(caller.RoomId, chatTagLeave, caller.UserId, c.userName)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	deleted, err := h.svc.Disconnect(ctx, caller)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", caller.RoomId).Str("user_id", caller.UserId).Msg("failed to disconnect")
		return
	}
	if deleted {
		h.log.Info().Str("room_id", caller.RoomId).Msg("room deleted")
		return
	}
	h.publishRoster(ctx, caller.RoomId)
	h.log.Debug().Str("room_id", caller.RoomId).Str("user_id", caller.UserId).Msg("user disconnected")
}

// --- 配信 ---

// publishRoster は参加者一覧と進行状況をルーム全体に配信します
func (h *WebSocketHandler) publishRoster(ctx context.Context, roomId string) {
	room, users, err := h.svc.Snapshot(ctx, roomId)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomId).Msg("failed to load roster")
		return
	}
	h.hub.broadcastToRoom(roomId, WebSocketMessage{Type: EventUsers, Payload: rosterOf(room, users)})
	h.publishQuizInfo(room)
}

func (h *WebSocketHandler) publishQuizInfo(room models.Room) {
	h.hub.broadcastToRoom(room.RoomId, WebSocketMessage{Type: EventQuizInfo, Payload: quizInfoOf(room)})
}

// announce は入退室をチャットとして配信します
func (h *WebSocketHandler) announce(roomId, tag, userId, userName string) {
	h.hub.broadcastToRoom(roomId, WebSocketMessage{
		Type:    EventChatMsg,
		Payload: ChatMessage{Id: idgen.NewULID(), Tag: tag, Uid: userId, Name: userName, Body: userName},
	})
}

func rosterOf(room models.Room, users []models.User) []UserEntry {
	out := make([]UserEntry, 0, len(users))
	for _, u := range users {
		out = append(out, UserEntry{
			Uid:    u.UserId,
			Name:   u.UserName,
			Maru:   u.Maru,
			Peke:   u.Peke,
			Online: u.Online(),
			Master: u.UserId == room.MasterId,
		})
	}
	return out
}

func quizInfoOf(room models.Room) QuizInfoPayload {
	return QuizInfoPayload{Round: room.Round, Stage: room.Stage.String(), Master: room.MasterId}
}
