package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog/log"
)

var (
	_ port.SignalingTransport = (*Relay)(nil)
	_ port.Notifier           = (*Relay)(nil)
)

// Relay is an in-process signaling relay. Sessions sharing one Relay can
// negotiate without any network hop; the relay server also uses it as its
// default store.
type Relay struct {
	mu    sync.Mutex
	opts  signaling.Options
	rooms map[domain.CallID]*room
	subs  map[domain.CallID]map[*subscriber]struct{}
}

type room struct {
	participants map[domain.ParticipantID]domain.Participant
	messages     []domain.SignalingMessage
	touchedAt    time.Time
}

type subscriber struct {
	participantID domain.ParticipantID
	ch            chan struct{}
}

func NewRelay(opts signaling.Options) *Relay {
	return &Relay{
		opts:  opts.WithDefaults(),
		rooms: make(map[domain.CallID]*room),
		subs:  make(map[domain.CallID]map[*subscriber]struct{}),
	}
}

func (r *Relay) AnnouncePresence(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID, displayName string) (domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Participant{}, domain.NewTransportError("announce presence", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	rm := r.room(callID, true)

	p, ok := rm.participants[participantID]
	if !ok {
		evict, err := signaling.Admit(rm.members(), participantID, now, r.opts.StaleAfter)
		if err != nil {
			return domain.Participant{}, err
		}
		for _, stale := range evict {
			log.Debug().Str("call_id", callID.String()).Str("participant_id", stale.ID.String()).Msg("Evicting stale participant")
			rm.remove(stale.ID)
		}
		p = domain.Participant{ID: participantID, JoinedAt: now}
	}
	p.DisplayName = displayName
	p.LastSeenAt = now
	rm.participants[participantID] = p
	rm.touchedAt = now

	if !ok {
		r.notify(callID, participantID)
	}
	return p, nil
}

func (r *Relay) ListPeers(ctx context.Context, callID domain.CallID, excluding domain.ParticipantID) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransportError("list peers", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.room(callID, false)
	if rm == nil {
		return nil, nil
	}
	peers := make([]domain.Participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		if p.ID != excluding {
			peers = append(peers, p)
		}
	}
	signaling.SortParticipants(peers)
	return peers, nil
}

func (r *Relay) SendMessage(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID, kind domain.MessageKind, payload []byte) (domain.SignalingMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignalingMessage{}, domain.NewTransportError("send message", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	msg, err := domain.NewSignalingMessage(callID, senderID, kind, payload, now)
	if err != nil {
		return domain.SignalingMessage{}, err
	}
	msg.Payload = append([]byte(nil), payload...)

	rm := r.room(callID, true)
	rm.messages = append(rm.messages, *msg)
	rm.touchedAt = now

	r.notify(callID, senderID)
	return *msg, nil
}

func (r *Relay) PollMessages(ctx context.Context, callID domain.CallID, recipientID domain.ParticipantID) ([]domain.SignalingMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransportError("poll messages", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.room(callID, false)
	if rm == nil {
		return nil, nil
	}
	var out []domain.SignalingMessage
	for _, msg := range rm.messages {
		if msg.SenderID != recipientID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *Relay) ConsumeMessage(ctx context.Context, callID domain.CallID, messageID domain.MessageID) error {
	if err := ctx.Err(); err != nil {
		return domain.NewTransportError("consume message", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.room(callID, false)
	if rm == nil {
		return nil
	}
	for i, msg := range rm.messages {
		if msg.ID == messageID {
			rm.messages = append(rm.messages[:i], rm.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Relay) PurgeMessages(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return domain.NewTransportError("purge messages", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rm := r.room(callID, false); rm != nil {
		rm.purge(senderID)
	}
	return nil
}

func (r *Relay) LeaveRoom(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return domain.NewTransportError("leave room", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.room(callID, false)
	if rm == nil {
		return nil
	}
	_, present := rm.participants[participantID]
	rm.remove(participantID)
	if len(rm.participants) == 0 && len(rm.messages) == 0 {
		delete(r.rooms, callID)
	}
	if present {
		r.notify(callID, participantID)
	}
	return nil
}

// Subscribe implements port.Notifier.
func (r *Relay) Subscribe(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransportError("subscribe", err)
	}
	sub := &subscriber{participantID: participantID, ch: make(chan struct{}, 1)}

	r.mu.Lock()
	if r.subs[callID] == nil {
		r.subs[callID] = make(map[*subscriber]struct{})
	}
	r.subs[callID][sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs[callID], sub)
		if len(r.subs[callID]) == 0 {
			delete(r.subs, callID)
		}
		r.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// Snapshot returns the participants and unconsumed messages of a room.
func (r *Relay) Snapshot(callID domain.CallID) ([]domain.Participant, []domain.SignalingMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.room(callID, false)
	if rm == nil {
		return nil, nil
	}
	participants := rm.members()
	signaling.SortParticipants(participants)
	return participants, append([]domain.SignalingMessage(nil), rm.messages...)
}

// room returns the room of callID, dropping it first if it expired. Called
// with r.mu held.
func (r *Relay) room(callID domain.CallID, create bool) *room {
	rm, ok := r.rooms[callID]
	if ok && r.opts.Now().Sub(rm.touchedAt) > r.opts.RoomTTL {
		log.Debug().Str("call_id", callID.String()).Msg("Room expired")
		delete(r.rooms, callID)
		rm, ok = nil, false
	}
	if !ok && create {
		rm = &room{
			participants: make(map[domain.ParticipantID]domain.Participant),
			touchedAt:    r.opts.Now(),
		}
		r.rooms[callID] = rm
	}
	return rm
}

// notify wakes every subscriber of the call except origin. Called with r.mu
// held.
func (r *Relay) notify(callID domain.CallID, origin domain.ParticipantID) {
	for sub := range r.subs[callID] {
		if sub.participantID == origin {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (rm *room) members() []domain.Participant {
	out := make([]domain.Participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		out = append(out, p)
	}
	return out
}

func (rm *room) remove(participantID domain.ParticipantID) {
	delete(rm.participants, participantID)
	rm.purge(participantID)
}

func (rm *room) purge(senderID domain.ParticipantID) {
	kept := rm.messages[:0]
	for _, msg := range rm.messages {
		if msg.SenderID != senderID {
			kept = append(kept, msg)
		}
	}
	rm.messages = kept
}
