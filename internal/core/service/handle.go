package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog"
)

// CallHandle is one participant's live call. A single goroutine (run) owns
// the negotiator, the peer connection and the bound peer; the exported
// methods are safe for concurrent use.
type CallHandle struct {
	callID    domain.CallID
	local     LocalParticipant
	transport port.SignalingTransport
	peers     port.PeerConnectionFactory
	media     port.LocalMedia
	opts      Options
	logger    zerolog.Logger

	// Owned by the actor goroutine.
	self        domain.Participant
	peer        *peerState
	departed    *peerState
	pc          port.PeerConnection
	negotiator  *Negotiator
	generation  uint64
	offerSentAt time.Time
	unsent      []domain.ICECandidate
	seen        map[domain.MessageID]struct{}
	failures    int
	fatal       bool

	mu           sync.RWMutex
	status       domain.Status
	role         domain.Role
	peerInfo     *domain.Participant
	remoteTracks []port.RemoteTrack
	lastErr      error

	toggleMu sync.Mutex

	events   chan Event
	pcEvents chan peerEvent
	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}

	leaveOnce sync.Once
}

// peerState tracks the bound peer incarnation and when its heartbeat last
// moved, measured on the local clock.
type peerState struct {
	participant domain.Participant
	lastSeen    time.Time
	observedAt  time.Time
}

type peerEventKind int

const (
	peerCandidate peerEventKind = iota
	peerTrack
	peerConnectionState
)

type peerEvent struct {
	generation uint64
	kind       peerEventKind
	candidate  domain.ICECandidate
	track      port.RemoteTrack
	state      domain.ConnectionState
}

type command struct {
	run    func(ctx context.Context) error
	result chan error
}

func newCallHandle(m *CallManager, callID domain.CallID, local LocalParticipant, media port.LocalMedia, logger zerolog.Logger) *CallHandle {
	return &CallHandle{
		callID:    callID,
		local:     local,
		transport: m.transport,
		peers:     m.peers,
		media:     media,
		opts:      m.opts,
		logger:    logger,
		seen:      make(map[domain.MessageID]struct{}),
		status:    domain.StatusConnecting,
		role:      domain.RoleImpolite,
		events:    make(chan Event, eventBuffer),
		pcEvents:  make(chan peerEvent, eventBuffer),
		commands:  make(chan command),
		done:      make(chan struct{}),
	}
}

func (h *CallHandle) CallID() domain.CallID {
	return h.callID
}

func (h *CallHandle) Status() domain.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *CallHandle) Role() domain.Role {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.role
}

// Peer returns the bound remote participant, if any.
func (h *CallHandle) Peer() (domain.Participant, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.peerInfo == nil {
		return domain.Participant{}, false
	}
	return *h.peerInfo, true
}

func (h *CallHandle) RemoteTracks() []port.RemoteTrack {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]port.RemoteTrack(nil), h.remoteTracks...)
}

// LastError returns the most recent transport or negotiation error.
func (h *CallHandle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Events delivers status transitions, remote tracks and peer departures. It
// is closed by Leave.
func (h *CallHandle) Events() <-chan Event {
	return h.events
}

func (h *CallHandle) ToggleLocalAudio() bool {
	return h.toggle(domain.TrackKindAudio)
}

func (h *CallHandle) ToggleLocalVideo() bool {
	return h.toggle(domain.TrackKindVideo)
}

func (h *CallHandle) toggle(kind domain.TrackKind) bool {
	h.toggleMu.Lock()
	defer h.toggleMu.Unlock()
	enabled := !h.media.Enabled(kind)
	if !h.media.SetEnabled(kind, enabled) {
		return false
	}
	h.logger.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("Toggled local track")
	return enabled
}

// Leave tears the call down: it stops the actor, closes the peer
// connection, stops local media and removes presence and unconsumed
// messages from the relay. Only the first call does any work.
func (h *CallHandle) Leave(ctx context.Context) error {
	var err error
	h.leaveOnce.Do(func() {
		h.cancel()
		<-h.done

		h.closePeer()
		h.media.Stop()
		err = h.transport.LeaveRoom(ctx, h.callID, h.local.ID)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to remove presence on leave")
		}

		h.mu.Lock()
		h.remoteTracks = nil
		h.peerInfo = nil
		h.mu.Unlock()
		h.forceStatus(domain.StatusClosed)
		close(h.events)
		h.logger.Info().Msg("Left call")
	})
	return err
}

// Retry restarts the call from role resolution under a new incarnation,
// typically after negotiation failed.
func (h *CallHandle) Retry(ctx context.Context) error {
	cmd := command{
		run:    h.restart,
		result: make(chan error, 1),
	}
	select {
	case h.commands <- cmd:
	case <-h.done:
		return ErrHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-h.done:
		return ErrHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *CallHandle) run(ctx context.Context, wake <-chan struct{}) {
	defer close(h.done)

	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	h.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.step(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			h.step(ctx)
		case ev := <-h.pcEvents:
			h.handlePeerEvent(ctx, ev)
		case cmd := <-h.commands:
			cmd.result <- cmd.run(ctx)
		}
	}
}

// step is one tick: heartbeat, peer liveness, inbound messages, offer
// driving. Ticks never overlap because only the actor runs them.
func (h *CallHandle) step(ctx context.Context) {
	err := h.heartbeat(ctx)
	if err == nil {
		err = h.flushUnsent(ctx)
	}
	if err == nil {
		err = h.drainMessages(ctx)
	}
	if err == nil {
		err = h.driveOffer(ctx)
	}
	if ctx.Err() != nil {
		return
	}
	h.recordTransport(err)
}

func (h *CallHandle) recordTransport(err error) {
	if err == nil {
		h.failures = 0
		return
	}
	h.setLastErr(err)
	if errors.Is(err, domain.ErrRoomFull) {
		// Our seat was given away while we were unreachable.
		if !h.fatal {
			h.fail(EventTransportFailed, err)
		}
		return
	}
	if !domain.IsTransportError(err) {
		h.logger.Warn().Err(err).Msg("Call step failed")
		return
	}
	h.failures++
	h.logger.Warn().Err(err).Int("failures", h.failures).Msg("Signaling transport error, retrying next tick")
	if h.failures == h.opts.MaxTransportFailures {
		h.fail(EventTransportFailed, err)
	}
}

// enterRoom purges leftovers of a previous incarnation, announces presence,
// resolves the role and tells the peer we arrived.
func (h *CallHandle) enterRoom(ctx context.Context) error {
	if err := h.transport.LeaveRoom(ctx, h.callID, h.local.ID); err != nil {
		return err
	}
	self, err := h.transport.AnnouncePresence(ctx, h.callID, h.local.ID, h.local.DisplayName)
	if err != nil {
		return err
	}
	h.self = self

	peers, err := h.transport.ListPeers(ctx, h.callID, h.local.ID)
	if err != nil {
		h.abandonRoom()
		return err
	}

	if err := h.resetNegotiation(ctx, false); err != nil {
		h.abandonRoom()
		return fmt.Errorf("create peer connection: %w", err)
	}
	h.peer = nil
	h.departed = nil

	role := ResolveRole(h.opts.RolePolicy, self, peers)
	h.applyRole(role)
	if len(peers) > 0 {
		h.bindPeer(peers[0])
	} else {
		h.setStatus(domain.StatusWaitingForPeer)
		h.logger.Info().Str("role", string(role)).Msg("Joined empty room, waiting for peer")
	}

	if err := h.send(ctx, domain.KindPresenceAnnounce, envelope{}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send presence announcement")
	}
	return nil
}

func (h *CallHandle) abandonRoom() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	h.closePeer()
	if err := h.transport.LeaveRoom(ctx, h.callID, h.local.ID); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to remove presence after failed join")
	}
}

func (h *CallHandle) restart(ctx context.Context) error {
	h.logger.Info().Msg("Restarting call")
	h.fatal = false
	h.failures = 0
	h.clearRemote()
	h.forceStatus(domain.StatusConnecting)
	if err := h.enterRoom(ctx); err != nil {
		h.fail(EventNegotiationFailed, err)
		return err
	}
	return nil
}

func (h *CallHandle) heartbeat(ctx context.Context) error {
	self, err := h.transport.AnnouncePresence(ctx, h.callID, h.local.ID, h.local.DisplayName)
	if err != nil {
		return err
	}
	if self.Incarnation() != h.self.Incarnation() {
		// The relay forgot us (expiry or eviction) and created a new record.
		// The peer will treat it as a rejoin, so start over as well.
		h.logger.Warn().Msg("Own presence was re-created by the relay")
		h.self = self
		if h.peer != nil {
			h.peerDeparted(ctx, "own presence re-created")
		}
	}

	peers, err := h.transport.ListPeers(ctx, h.callID, h.local.ID)
	if err != nil {
		return err
	}
	h.observePeers(ctx, peers)
	return nil
}

func (h *CallHandle) observePeers(ctx context.Context, peers []domain.Participant) {
	now := h.opts.Now()

	var current *domain.Participant
	if len(peers) > 0 {
		current = &peers[0]
	}

	if h.peer != nil {
		bound := h.peer.participant
		switch {
		case current == nil || current.ID != bound.ID:
			h.peerDeparted(ctx, "peer left the room")
		case current.Incarnation() > bound.Incarnation():
			h.peerDeparted(ctx, "peer rejoined")
		case current.Incarnation() < bound.Incarnation():
			return
		default:
			if !current.LastSeenAt.Equal(h.peer.lastSeen) {
				h.peer.lastSeen = current.LastSeenAt
				h.peer.observedAt = now
				return
			}
			if now.Sub(h.peer.observedAt) > h.opts.StaleAfter {
				stale := *h.peer
				h.peerDeparted(ctx, "peer heartbeat timed out")
				h.departed = &stale
			}
			return
		}
	}

	if current != nil && h.peer == nil && !h.isDeparted(*current) {
		h.bindPeer(*current)
	}
}

// isDeparted reports whether p is the incarnation we already declared
// departed and its heartbeat has not moved since.
func (h *CallHandle) isDeparted(p domain.Participant) bool {
	if h.departed == nil {
		return false
	}
	d := h.departed.participant
	return d.ID == p.ID && d.Incarnation() == p.Incarnation() && !p.LastSeenAt.After(h.departed.lastSeen)
}

func (h *CallHandle) bindPeer(p domain.Participant) {
	h.peer = &peerState{
		participant: p,
		lastSeen:    p.LastSeenAt,
		observedAt:  h.opts.Now(),
	}
	h.departed = nil

	role := h.opts.RolePolicy.Resolve(h.self, p)
	h.applyRole(role)

	info := p
	h.mu.Lock()
	h.peerInfo = &info
	h.mu.Unlock()

	h.logger.Info().
		Str("peer_id", p.ID.String()).
		Str("peer_name", p.DisplayName).
		Str("role", string(role)).
		Msg("Peer present")
	h.emit(Event{Type: EventPeerJoined, Peer: &info})

	if !h.fatal {
		h.setStatus(domain.StatusNegotiating)
	}
}

func (h *CallHandle) applyRole(role domain.Role) {
	if h.negotiator != nil {
		if err := h.negotiator.SetRole(role); err != nil {
			h.logger.Warn().Err(err).Str("role", string(role)).Msg("Keeping current role")
			role = h.negotiator.Role()
		}
	}
	h.mu.Lock()
	h.role = role
	h.mu.Unlock()
}

// peerDeparted drops everything negotiated with the current peer and gets
// ready for a fresh join.
func (h *CallHandle) peerDeparted(ctx context.Context, reason string) {
	departed := h.peer.participant
	h.logger.Info().Str("peer_id", departed.ID.String()).Str("reason", reason).Msg("Peer departed")

	h.peer = nil
	h.fatal = false
	h.clearRemote()
	h.emit(Event{Type: EventPeerDeparted, Peer: &departed})

	if err := h.resetNegotiation(ctx, true); err != nil {
		h.fail(EventNegotiationFailed, fmt.Errorf("create peer connection: %w", err))
		return
	}
	h.setStatus(domain.StatusWaitingForPeer)
}

// resetNegotiation replaces the peer connection and the negotiator. Events
// of the previous connection are ignored from now on.
func (h *CallHandle) resetNegotiation(ctx context.Context, purge bool) error {
	h.closePeer()
	h.generation++
	h.offerSentAt = time.Time{}
	h.unsent = nil

	if purge {
		if err := h.transport.PurgeMessages(ctx, h.callID, h.local.ID); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to purge outgoing messages")
		}
	}

	pc, err := h.peers.NewPeerConnection(h.peerEvents(h.generation))
	if err != nil {
		return err
	}
	for _, track := range h.media.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			pc.Close()
			return fmt.Errorf("add local %s track: %w", track.Kind(), err)
		}
	}
	h.pc = pc
	h.negotiator = NewNegotiator(domain.RoleImpolite, pc, handleSignaler{h}, h.logger)
	h.applyRole(domain.RoleImpolite)
	return nil
}

func (h *CallHandle) closePeer() {
	if h.negotiator != nil {
		h.negotiator.Close()
		h.negotiator = nil
	}
	if h.pc != nil {
		if err := h.pc.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("Error closing peer connection")
		}
		h.pc = nil
	}
}

func (h *CallHandle) peerEvents(generation uint64) port.PeerEvents {
	post := func(ev peerEvent) {
		ev.generation = generation
		select {
		case h.pcEvents <- ev:
		case <-h.done:
		}
	}
	return port.PeerEvents{
		OnLocalCandidate: func(candidate domain.ICECandidate) {
			post(peerEvent{kind: peerCandidate, candidate: candidate})
		},
		OnRemoteTrack: func(track port.RemoteTrack) {
			post(peerEvent{kind: peerTrack, track: track})
		},
		OnConnectionState: func(state domain.ConnectionState) {
			post(peerEvent{kind: peerConnectionState, state: state})
		},
	}
}

func (h *CallHandle) handlePeerEvent(ctx context.Context, ev peerEvent) {
	if ev.generation != h.generation || h.negotiator == nil {
		return
	}
	switch ev.kind {
	case peerCandidate:
		if err := h.negotiator.HandleLocalCandidate(ctx, ev.candidate); err != nil {
			h.logger.Debug().Err(err).Msg("Deferring local candidate")
			h.unsent = append(h.unsent, ev.candidate)
		}
	case peerTrack:
		h.mu.Lock()
		h.remoteTracks = append(h.remoteTracks, ev.track)
		h.mu.Unlock()
		h.logger.Info().Str("kind", string(ev.track.Kind())).Str("track_id", ev.track.ID()).Msg("Received remote track")
		h.emit(Event{Type: EventRemoteTrack, Track: ev.track})
	case peerConnectionState:
		h.logger.Debug().Str("state", string(ev.state)).Msg("Peer connection state changed")
		switch ev.state {
		case domain.ConnectionConnected:
			h.setStatus(domain.StatusConnected)
		case domain.ConnectionFailed:
			h.fail(EventNegotiationFailed, domain.ErrNegotiationFailed)
		case domain.ConnectionDisconnected:
			h.logger.Warn().Msg("Peer connection disconnected")
		}
	}
}

func (h *CallHandle) flushUnsent(ctx context.Context) error {
	if h.negotiator == nil {
		return nil
	}
	for len(h.unsent) > 0 {
		if err := h.negotiator.HandleLocalCandidate(ctx, h.unsent[0]); err != nil {
			return err
		}
		h.unsent = h.unsent[1:]
	}
	return nil
}

func (h *CallHandle) drainMessages(ctx context.Context) error {
	messages, err := h.transport.PollMessages(ctx, h.callID, h.local.ID)
	if err != nil {
		return err
	}

	var firstErr error
	live := make(map[domain.MessageID]struct{}, len(messages))
	for _, msg := range messages {
		live[msg.ID] = struct{}{}
		if _, done := h.seen[msg.ID]; !done {
			h.seen[msg.ID] = struct{}{}
			if err := h.dispatch(ctx, msg); err != nil && firstErr == nil && domain.IsTransportError(err) {
				firstErr = err
			}
		}
		if err := h.transport.ConsumeMessage(ctx, h.callID, msg.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for id := range h.seen {
		if _, ok := live[id]; !ok {
			delete(h.seen, id)
		}
	}
	return firstErr
}

func (h *CallHandle) dispatch(ctx context.Context, msg domain.SignalingMessage) error {
	l := h.logger.With().Str("message_id", msg.ID.String()).Str("kind", string(msg.Kind)).Logger()
	if msg.SenderID == h.local.ID {
		l.Warn().Msg("Relay delivered our own message, dropping")
		return nil
	}

	env, err := decodeEnvelope(msg.Kind, msg.Payload)
	if err != nil {
		l.Warn().Err(err).Msg("Dropping signaling message")
		return nil
	}
	if env.To != 0 && env.To != h.self.Incarnation() {
		l.Debug().Msg("Dropping message addressed to a previous incarnation")
		return nil
	}

	sender := domain.Participant{
		ID:          msg.SenderID,
		DisplayName: env.DisplayName,
		JoinedAt:    time.Unix(0, env.From),
	}
	if !h.acceptSender(ctx, sender) {
		l.Debug().Msg("Dropping message from stale or unknown sender")
		return nil
	}

	if h.negotiator == nil {
		return nil
	}
	switch msg.Kind {
	case domain.KindOffer, domain.KindAnswer:
		err = h.negotiator.HandleDescription(ctx, *env.Description)
		if err == nil && msg.Kind == domain.KindAnswer {
			h.offerSentAt = time.Time{}
		}
	case domain.KindICECandidate:
		err = h.negotiator.HandleRemoteCandidate(*env.Candidate)
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleSignal):
		l.Debug().Err(err).Msg("Dropped stale signal")
	default:
		l.Warn().Err(err).Msg("Failed to handle signaling message")
	}
	return err
}

// acceptSender binds, keeps or replaces the peer according to the sender's
// incarnation and reports whether the message should be processed.
func (h *CallHandle) acceptSender(ctx context.Context, sender domain.Participant) bool {
	if h.peer == nil {
		if h.isDeparted(sender) {
			return false
		}
		h.bindPeer(sender)
		return true
	}

	bound := h.peer.participant
	if sender.ID != bound.ID {
		return false
	}
	switch {
	case sender.Incarnation() < bound.Incarnation():
		return false
	case sender.Incarnation() > bound.Incarnation():
		h.peerDeparted(ctx, "peer rejoined")
		h.bindPeer(sender)
	}
	return true
}

func (h *CallHandle) driveOffer(ctx context.Context) error {
	n := h.negotiator
	if h.peer == nil || n == nil || h.fatal || n.Role() != domain.RoleImpolite {
		return nil
	}

	switch n.State() {
	case domain.SignalingIdle:
		if err := n.CreateAndSendOffer(ctx); err != nil {
			return err
		}
	case domain.SignalingHaveLocalOffer:
		if h.opts.Now().Sub(h.offerSentAt) < h.opts.OfferTimeout {
			return nil
		}
		h.logger.Info().Msg("Offer unanswered, sending it again")
		if err := n.ResendOffer(ctx); err != nil {
			return err
		}
	default:
		return nil
	}
	h.offerSentAt = h.opts.Now()
	return nil
}

func (h *CallHandle) send(ctx context.Context, kind domain.MessageKind, env envelope) error {
	env.From = h.self.Incarnation()
	if h.peer != nil {
		env.To = h.peer.participant.Incarnation()
	}
	env.DisplayName = h.local.DisplayName
	payload, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	_, err = h.transport.SendMessage(ctx, h.callID, h.local.ID, kind, payload)
	return err
}

// handleSignaler lets the negotiator send through the handle without
// exporting the methods on CallHandle.
type handleSignaler struct {
	h *CallHandle
}

func (s handleSignaler) SendDescription(ctx context.Context, desc domain.SessionDescription) error {
	kind := domain.KindOffer
	if desc.Type == domain.SDPTypeAnswer {
		kind = domain.KindAnswer
	}
	return s.h.send(ctx, kind, envelope{Description: &desc})
}

func (s handleSignaler) SendCandidate(ctx context.Context, candidate domain.ICECandidate) error {
	return s.h.send(ctx, domain.KindICECandidate, envelope{Candidate: &candidate})
}

func (h *CallHandle) fail(kind EventType, err error) {
	h.setLastErr(err)
	h.logger.Error().Err(err).Str("event", string(kind)).Msg("Call failed")
	h.fatal = true
	h.forceStatus(domain.StatusFailed)
	h.emit(Event{Type: kind, Status: domain.StatusFailed, Err: err})
}

func (h *CallHandle) clearRemote() {
	h.mu.Lock()
	h.remoteTracks = nil
	h.peerInfo = nil
	h.mu.Unlock()
}

// setStatus is a no-op while the call is failed; only forceStatus leaves
// the failed state.
func (h *CallHandle) setStatus(status domain.Status) {
	if h.fatal {
		return
	}
	h.forceStatus(status)
}

func (h *CallHandle) forceStatus(status domain.Status) {
	h.mu.Lock()
	if h.status == status {
		h.mu.Unlock()
		return
	}
	previous := h.status
	h.status = status
	h.mu.Unlock()

	h.logger.Info().Str("from", string(previous)).Str("to", string(status)).Msg(status.Describe())
	h.emit(Event{Type: EventStatusChanged, Status: status})
}

func (h *CallHandle) setLastErr(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func (h *CallHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn().Str("event", string(ev.Type)).Msg("Event channel full, dropping event")
	}
}
