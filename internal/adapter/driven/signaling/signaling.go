// Package signaling holds what the relay backends share: their tunables and
// the room admission rule.
package signaling

import (
	"sort"
	"time"

	"github.com/Wyydra/medmeet/internal/core/domain"
)

const (
	// DefaultRoomTTL is how long a room survives without any activity.
	DefaultRoomTTL = 10 * time.Minute
	// DefaultStaleAfter is how old a heartbeat may be before the relay lets a
	// newcomer take the participant's seat.
	DefaultStaleAfter = 15 * time.Second
)

type Options struct {
	RoomTTL    time.Duration
	StaleAfter time.Duration
	Now        func() time.Time
}

func (o Options) WithDefaults() Options {
	if o.RoomTTL <= 0 {
		o.RoomTTL = DefaultRoomTTL
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SortParticipants orders participants by join time, then ID.
func SortParticipants(participants []domain.Participant) {
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedBefore(participants[j])
	})
}

// Admit decides whether participantID may announce itself in a room whose
// current members are present. It returns the members to evict to make
// room, or domain.ErrRoomFull.
func Admit(present []domain.Participant, participantID domain.ParticipantID, now time.Time, staleAfter time.Duration) ([]domain.Participant, error) {
	live := 0
	var stale []domain.Participant
	for _, p := range present {
		if p.ID == participantID {
			return nil, nil
		}
		if now.Sub(p.LastSeenAt) > staleAfter {
			stale = append(stale, p)
			continue
		}
		live++
	}
	if live >= domain.MaxParticipants {
		return nil, domain.ErrRoomFull
	}
	if live+len(stale) < domain.MaxParticipants {
		return nil, nil
	}
	return stale, nil
}
