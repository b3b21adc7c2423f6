package domain

import (
	"errors"
	"fmt"
	"time"
)

type MessageKind string

const (
	KindOffer            MessageKind = "offer"
	KindAnswer           MessageKind = "answer"
	KindICECandidate     MessageKind = "ice-candidate"
	KindPresenceAnnounce MessageKind = "presence-announce"
)

var ErrInvalidKind = errors.New("invalid signaling message kind")

func (k MessageKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindPresenceAnnounce:
		return true
	}
	return false
}

func ParseMessageKind(s string) (MessageKind, error) {
	k := MessageKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// SignalingMessage is one opaque negotiation message relayed to the other
// participant of a call. Payload is never interpreted by a relay.
type SignalingMessage struct {
	ID        MessageID     `json:"id"`
	CallID    CallID        `json:"callId"`
	SenderID  ParticipantID `json:"senderId"`
	Kind      MessageKind   `json:"kind"`
	Payload   []byte        `json:"payload"`
	CreatedAt time.Time     `json:"createdAt"`
}

func NewSignalingMessage(callID CallID, senderID ParticipantID, kind MessageKind, payload []byte, now time.Time) (*SignalingMessage, error) {
	if callID == "" {
		return nil, errors.New("call id cannot be empty")
	}
	if senderID == "" {
		return nil, errors.New("sender id cannot be empty")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return &SignalingMessage{
		ID:        NewMessageID(),
		CallID:    callID,
		SenderID:  senderID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}
