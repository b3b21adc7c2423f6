package domain

import (
	"errors"
	"time"
)

// MaxParticipants is the size of a call room. Calls are strictly two-party.
const MaxParticipants = 2

var ErrRoomFull = errors.New("call room is full")

// Participant is one side of a call as advertised through the relay.
// JoinedAt is kept across heartbeats and identifies the participant's
// incarnation; LastSeenAt is refreshed on every heartbeat.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	JoinedAt    time.Time     `json:"joinedAt"`
	LastSeenAt  time.Time     `json:"lastSeenAt"`
}

// Incarnation returns JoinedAt in unix nanoseconds, or 0 for the zero time.
func (p Participant) Incarnation() int64 {
	if p.JoinedAt.IsZero() {
		return 0
	}
	return p.JoinedAt.UnixNano()
}

// JoinedBefore reports whether p joined before other. Equal timestamps are
// broken by the lexicographically smaller ID so that the relation is a strict
// total order both sides of a call agree on.
func (p Participant) JoinedBefore(other Participant) bool {
	if !p.JoinedAt.Equal(other.JoinedAt) {
		return p.JoinedAt.Before(other.JoinedAt)
	}
	return p.ID < other.ID
}

// CallRoom is the set of participants currently present for a call.
type CallRoom struct {
	ID           CallID
	Participants []Participant
}

func (r CallRoom) Has(id ParticipantID) bool {
	for _, p := range r.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (r CallRoom) Full() bool {
	return len(r.Participants) >= MaxParticipants
}
