package domain

import (
	"github.com/google/uuid"
)

// CallID identifies a two-party call room. It is supplied by the appointment
// service (for example "appt_123") and shared by both participants.
type CallID string

// ParticipantID is stable per user per call.
type ParticipantID string

// MessageID is assigned by the relay that stores a signaling message.
type MessageID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}

func (id ParticipantID) String() string {
	return string(id)
}

func (id MessageID) String() string {
	return string(id)
}
