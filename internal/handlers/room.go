package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mio-quiz/mio/backend/api-server/internal/service"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256 // QRコード画像の一辺（ピクセル）

// RoomHandler はルーム情報のHTTPエンドポイントを提供します
type RoomHandler struct {
	svc       *service.QuizService
	publicURL string // 招待リンクの基準URL
	log       zerolog.Logger
}

func NewRoomHandler(s *service.QuizService, publicURL string, log zerolog.Logger) *RoomHandler {
	return &RoomHandler{
		svc:       s,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.With().Str("component", "http").Logger(),
	}
}

// roomResponse は GET /room/{roomId} のレスポンス
type roomResponse struct {
	RoomId string      `json:"roomId"`
	Stage  string      `json:"stage"`
	Round  int         `json:"round"`
	Users  []UserEntry `json:"users"`
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, users, err := h.svc.Snapshot(r.Context(), roomId)
	if err != nil {
		h.writeServiceError(w, roomId, err)
		return
	}
	respondJSON(w, http.StatusOK, roomResponse{
		RoomId: room.RoomId,
		Stage:  room.Stage.String(),
		Round:  room.Round,
		Users:  rosterOf(room, users),
	})
}

// QR はルームへの招待リンクをQRコード（PNG）で返します
func (h *RoomHandler) QR(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	exists, err := h.svc.RoomExists(r.Context(), roomId)
	if err != nil {
		h.writeServiceError(w, roomId, err)
		return
	}
	if !exists {
		h.writeServiceError(w, roomId, service.ErrRoomNotFound)
		return
	}

	png, err := qrcode.Encode(h.inviteURL(roomId), qrcode.Medium, qrSize)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomId).Msg("failed to encode qr code")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *RoomHandler) inviteURL(roomId string) string {
	return h.publicURL + "/room/" + roomId
}

func (h *RoomHandler) writeServiceError(w http.ResponseWriter, roomId string, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error().Err(err).Str("room_id", roomId).Msg("room request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
