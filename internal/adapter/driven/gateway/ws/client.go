package ws

import "github.com/Wyydra/medmeet/internal/core/domain"

// Client is one websocket connection listening for wake-ups of a call.
type Client interface {
	CallID() domain.CallID
	ParticipantID() domain.ParticipantID
	// SendWake must not block the hub.
	SendWake() error
	Close() error
}
