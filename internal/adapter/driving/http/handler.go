package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/medmeet/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Handler exposes a SignalingTransport over HTTP so that sessions on other
// machines can share one relay.
type Handler struct {
	Transport      port.SignalingTransport
	Hub            *ws.Hub
	Auth           *TokenAuthority
	AllowedOrigins []string
}

func NewHandler(transport port.SignalingTransport, hub *ws.Hub, auth *TokenAuthority, allowedOrigins []string) *Handler {
	return &Handler{
		Transport:      transport,
		Hub:            hub,
		Auth:           auth,
		AllowedOrigins: allowedOrigins,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.originFilter)

	r.Get("/health", h.Health)

	r.Route("/api/calls/{callID}", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/participants", h.ListPeers)
		r.Put("/participants/{participantID}", h.AnnouncePresence)
		r.Delete("/participants/{participantID}", h.LeaveRoom)

		r.Get("/messages", h.PollMessages)
		r.Post("/messages", h.SendMessage)
		r.Delete("/messages", h.PurgeMessages)
		r.Delete("/messages/{messageID}", h.ConsumeMessage)

		r.Get("/ws", h.ServeWS)
	})

	return r
}

// maxBodyBytes bounds request bodies. A session description with all its
// codecs stays well below it.
const maxBodyBytes = 64 << 10

type announceRequest struct {
	DisplayName string `json:"displayName"`
}

type sendRequest struct {
	SenderID domain.ParticipantID `json:"senderId"`
	Kind     domain.MessageKind   `json:"kind"`
	Payload  []byte               `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) AnnouncePresence(w http.ResponseWriter, r *http.Request) {
	callID := callIDParam(r)
	participantID := domain.ParticipantID(chi.URLParam(r, "participantID"))
	if !h.authorizeParticipant(w, r, participantID) {
		return
	}

	var req announceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.Transport.AnnouncePresence(r.Context(), callID, participantID, req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// A first announcement has JoinedAt == LastSeenAt; heartbeats do not wake
	// the peer.
	if p.JoinedAt.Equal(p.LastSeenAt) {
		h.notify(callID, participantID)
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	exclude := domain.ParticipantID(r.URL.Query().Get("exclude"))
	peers, err := h.Transport.ListPeers(r.Context(), callIDParam(r), exclude)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if peers == nil {
		peers = []domain.Participant{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	callID := callIDParam(r)
	participantID := domain.ParticipantID(chi.URLParam(r, "participantID"))
	if !h.authorizeParticipant(w, r, participantID) {
		return
	}
	if err := h.Transport.LeaveRoom(r.Context(), callID, participantID); err != nil {
		writeError(w, r, err)
		return
	}
	h.notify(callID, participantID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	callID := callIDParam(r)

	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "senderId is required"})
		return
	}
	if !h.authorizeParticipant(w, r, req.SenderID) {
		return
	}

	msg, err := h.Transport.SendMessage(r.Context(), callID, req.SenderID, req.Kind, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.notify(callID, req.SenderID)
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) PollMessages(w http.ResponseWriter, r *http.Request) {
	recipient := domain.ParticipantID(r.URL.Query().Get("recipient"))
	if recipient == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipient is required"})
		return
	}
	if !h.authorizeParticipant(w, r, recipient) {
		return
	}

	msgs, err := h.Transport.PollMessages(r.Context(), callIDParam(r), recipient)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.SignalingMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) ConsumeMessage(w http.ResponseWriter, r *http.Request) {
	messageID := domain.MessageID(chi.URLParam(r, "messageID"))
	if err := h.Transport.ConsumeMessage(r.Context(), callIDParam(r), messageID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PurgeMessages(w http.ResponseWriter, r *http.Request) {
	sender := domain.ParticipantID(r.URL.Query().Get("sender"))
	if sender == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sender is required"})
		return
	}
	if !h.authorizeParticipant(w, r, sender) {
		return
	}
	if err := h.Transport.PurgeMessages(r.Context(), callIDParam(r), sender); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	return false
}

func (h *Handler) notify(callID domain.CallID, origin domain.ParticipantID) {
	if h.Hub != nil {
		h.Hub.Notify(callID, origin)
	}
}

func callIDParam(r *http.Request) domain.CallID {
	return domain.CallID(chi.URLParam(r, "callID"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomFull):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidKind):
		status = http.StatusBadRequest
	case domain.IsTransportError(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Relay request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
