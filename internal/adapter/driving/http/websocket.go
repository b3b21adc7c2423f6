package http

import (
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var _ ws.Client = (*wsClient)(nil)

var errClientClosed = errors.New("websocket client closed")

// wakeEvent is the only frame the relay writes. Clients react by polling.
type wakeEvent struct {
	Event string `json:"event"`
}

type wsClient struct {
	callID        domain.CallID
	participantID domain.ParticipantID
	conn          *websocket.Conn

	// wake holds at most one pending wake-up; further ones coalesce.
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSClient(callID domain.CallID, participantID domain.ParticipantID, conn *websocket.Conn) *wsClient {
	return &wsClient{
		callID:        callID,
		participantID: participantID,
		conn:          conn,
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
}

func (c *wsClient) CallID() domain.CallID               { return c.callID }
func (c *wsClient) ParticipantID() domain.ParticipantID { return c.participantID }

func (c *wsClient) SendWake() error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(wakeEvent{Event: "wake"}); err != nil {
				log.Debug().Err(err).Str("participant_id", c.participantID.String()).Msg("Error writing wake-up")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("participant_id", c.participantID.String()).Msg("Error sending ping")
				return
			}
		}
	}
}

// readPump only keeps the read deadline alive; clients never send frames
// the relay acts on.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("participant_id", c.participantID.String()).Msg("Unexpected close error")
			}
			return
		}
	}
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(h.AllowedOrigins, r.Header.Get("Origin")) },
	}
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), any origin when the list is empty or contains "*", and
// otherwise exact matches only.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// ServeWS upgrades to a websocket that receives {"event":"wake"} whenever
// the other participant changes the room.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "wake-ups are not enabled"})
		return
	}
	callID := callIDParam(r)
	participantID := domain.ParticipantID(r.URL.Query().Get("participant"))
	if participantID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "participant is required"})
		return
	}
	if !h.authorizeParticipant(w, r, participantID) {
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(callID, participantID, conn)
	l := log.With().Str("call_id", callID.String()).Str("participant_id", participantID.String()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	go client.writePump()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	client.readPump()
}
