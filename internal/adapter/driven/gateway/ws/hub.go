package ws

import (
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog/log"
)

var _ port.WakeGateway = (*Hub)(nil)

const wakeBuffer = 256

type wakeup struct {
	callID domain.CallID
	origin domain.ParticipantID
}

// Hub fans wake-ups out to the websocket clients of a call. All state is
// owned by Run.
type Hub struct {
	clients    map[domain.CallID]map[Client]struct{}
	wake       chan wakeup
	register   chan Client
	unregister chan Client
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[domain.CallID]map[Client]struct{}),
		wake:       make(chan wakeup, wakeBuffer),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
}

// Notify wakes every client of the call except origin's.
func (h *Hub) Notify(callID domain.CallID, origin domain.ParticipantID) {
	select {
	case h.wake <- wakeup{callID: callID, origin: origin}:
	default:
		log.Warn().Str("call_id", callID.String()).Msg("Wake channel full, dropping wake-up")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for _, clients := range h.clients {
				for client := range clients {
					client.Close()
				}
			}
			h.clients = make(map[domain.CallID]map[Client]struct{})
			return

		case client := <-h.register:
			callID := client.CallID()
			if h.clients[callID] == nil {
				h.clients[callID] = make(map[Client]struct{})
			}
			h.clients[callID][client] = struct{}{}
			log.Info().Str("call_id", callID.String()).Str("participant_id", client.ParticipantID().String()).Msg("Client registered")

		case client := <-h.unregister:
			h.remove(client)

		case w := <-h.wake:
			for client := range h.clients[w.callID] {
				if client.ParticipantID() == w.origin {
					continue
				}
				if err := client.SendWake(); err != nil {
					log.Error().Err(err).Str("participant_id", client.ParticipantID().String()).Msg("Error sending wake-up")
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client Client) {
	callID := client.CallID()
	if _, ok := h.clients[callID][client]; !ok {
		return
	}
	delete(h.clients[callID], client)
	if len(h.clients[callID]) == 0 {
		delete(h.clients, callID)
	}
	client.Close()
	log.Info().Str("call_id", callID.String()).Str("participant_id", client.ParticipantID().String()).Msg("Client unregistered")
}

// Register and Unregister return immediately once the hub is stopped.
func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
