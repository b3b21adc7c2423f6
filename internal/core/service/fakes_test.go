package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog"
)

var errFakeSDP = errors.New("fake sdp")

// fakePC plays both the local and the remote end of a peer connection: the
// SDP it produces lists its local tracks, and once an offer/answer exchange
// completes it reports the tracks of the other side and "connected".
type fakePC struct {
	id     string
	events port.PeerEvents

	mu            sync.Mutex
	tracks        []port.LocalTrack
	local         *domain.SessionDescription
	remote        *domain.SessionDescription
	haveLocal     bool
	candidates    []domain.ICECandidate
	rollbacks     int
	closed        bool
	connected     bool
	candidateSeq  int
	emitCandidate bool
}

func (pc *fakePC) AddTrack(track port.LocalTrack) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, track)
	return nil
}

func (pc *fakePC) sdp(t domain.SDPType) domain.SessionDescription {
	fields := []string{"fake", pc.id}
	for _, track := range pc.tracks {
		fields = append(fields, string(track.Kind())+":"+track.ID())
	}
	return domain.SessionDescription{Type: t, SDP: strings.Join(fields, " ")}
}

func (pc *fakePC) CreateOffer() (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return domain.SessionDescription{}, errors.New("closed")
	}
	return pc.sdp(domain.SDPTypeOffer), nil
}

func (pc *fakePC) CreateAnswer() (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return domain.SessionDescription{}, errors.New("closed")
	}
	if pc.remote == nil || pc.remote.Type != domain.SDPTypeOffer {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return pc.sdp(domain.SDPTypeAnswer), nil
}

func (pc *fakePC) SetLocalDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return errors.New("closed")
	}
	pc.local = &desc
	pc.haveLocal = desc.Type == domain.SDPTypeOffer
	if desc.Type == domain.SDPTypeAnswer {
		pc.maybeConnect()
	}
	if pc.emitCandidate && pc.events.OnLocalCandidate != nil {
		pc.candidateSeq++
		c := domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%s:%d", pc.id, pc.candidateSeq)}
		go pc.events.OnLocalCandidate(c)
	}
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return errors.New("closed")
	}
	if !strings.HasPrefix(desc.SDP, "fake ") {
		return errFakeSDP
	}
	if desc.Type == domain.SDPTypeAnswer && !pc.haveLocal {
		return errors.New("answer without local offer")
	}
	pc.remote = &desc
	if desc.Type == domain.SDPTypeAnswer {
		pc.haveLocal = false
		pc.maybeConnect()
	}
	return nil
}

func (pc *fakePC) Rollback() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.haveLocal {
		return errors.New("nothing to roll back")
	}
	// Like pion, only a first offer can be discarded.
	if pc.remote != nil {
		return errors.New("rollback after negotiation")
	}
	pc.local = nil
	pc.haveLocal = false
	pc.rollbacks++
	return nil
}

func (pc *fakePC) AddICECandidate(candidate domain.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return errors.New("no remote description")
	}
	pc.candidates = append(pc.candidates, candidate)
	return nil
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

// maybeConnect is called with pc.mu held.
func (pc *fakePC) maybeConnect() {
	if pc.connected || pc.remote == nil {
		return
	}
	pc.connected = true

	var remote []port.RemoteTrack
	fields := strings.Fields(pc.remote.SDP)
	for _, f := range fields[2:] {
		kind, id, _ := strings.Cut(f, ":")
		remote = append(remote, fakeRemoteTrack{id: id, stream: fields[1], kind: domain.TrackKind(kind)})
	}
	events := pc.events
	go func() {
		for _, track := range remote {
			if events.OnRemoteTrack != nil {
				events.OnRemoteTrack(track)
			}
		}
		if events.OnConnectionState != nil {
			events.OnConnectionState(domain.ConnectionConnected)
		}
	}()
}

// fail simulates an ICE failure.
func (pc *fakePC) fail() {
	if pc.events.OnConnectionState != nil {
		go pc.events.OnConnectionState(domain.ConnectionFailed)
	}
}

func (pc *fakePC) appliedCandidates() []domain.ICECandidate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.ICECandidate(nil), pc.candidates...)
}

func (pc *fakePC) rollbackCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.rollbacks
}

func (pc *fakePC) remoteDescription() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

type fakeRemoteTrack struct {
	id     string
	stream string
	kind   domain.TrackKind
}

func (t fakeRemoteTrack) ID() string             { return t.id }
func (t fakeRemoteTrack) StreamID() string       { return t.stream }
func (t fakeRemoteTrack) Kind() domain.TrackKind { return t.kind }

type fakeFactory struct {
	name string

	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection(events port.PeerEvents) (port.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{
		id:            fmt.Sprintf("%s-%d", f.name, len(f.pcs)+1),
		events:        events,
		emitCandidate: true,
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type fakeLocalTrack struct {
	id   string
	kind domain.TrackKind
}

func (t fakeLocalTrack) ID() string             { return t.id }
func (t fakeLocalTrack) Kind() domain.TrackKind { return t.kind }

type fakeMedia struct {
	tracks []port.LocalTrack

	mu      sync.Mutex
	enabled map[domain.TrackKind]bool
	stopped bool
}

func (m *fakeMedia) Tracks() []port.LocalTrack { return m.tracks }

func (m *fakeMedia) SetEnabled(kind domain.TrackKind, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enabled[kind]; !ok {
		return false
	}
	m.enabled[kind] = enabled
	return true
}

func (m *fakeMedia) Enabled(kind domain.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeDevices struct {
	name string
	deny bool

	mu    sync.Mutex
	media *fakeMedia
}

func (d *fakeDevices) Acquire(_ context.Context, c port.MediaConstraints) (port.LocalMedia, error) {
	if d.deny {
		return nil, domain.ErrMediaAccessDenied
	}
	m := &fakeMedia{enabled: make(map[domain.TrackKind]bool)}
	if c.Audio {
		m.tracks = append(m.tracks, fakeLocalTrack{id: d.name + "-audio", kind: domain.TrackKindAudio})
		m.enabled[domain.TrackKindAudio] = true
	}
	if c.Video {
		m.tracks = append(m.tracks, fakeLocalTrack{id: d.name + "-video", kind: domain.TrackKindVideo})
		m.enabled[domain.TrackKindVideo] = true
	}
	d.mu.Lock()
	d.media = m
	d.mu.Unlock()
	return m, nil
}

func (d *fakeDevices) acquired() *fakeMedia {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.media
}

// faultyTransport fails every call while broken is set.
type faultyTransport struct {
	port.SignalingTransport
	broken atomic.Bool
}

var errRelayDown = errors.New("relay unreachable")

func (f *faultyTransport) check(op string) error {
	if f.broken.Load() {
		return domain.NewTransportError(op, errRelayDown)
	}
	return nil
}

func (f *faultyTransport) AnnouncePresence(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID, displayName string) (domain.Participant, error) {
	if err := f.check("announce presence"); err != nil {
		return domain.Participant{}, err
	}
	return f.SignalingTransport.AnnouncePresence(ctx, callID, participantID, displayName)
}

func (f *faultyTransport) ListPeers(ctx context.Context, callID domain.CallID, excluding domain.ParticipantID) ([]domain.Participant, error) {
	if err := f.check("list peers"); err != nil {
		return nil, err
	}
	return f.SignalingTransport.ListPeers(ctx, callID, excluding)
}

func (f *faultyTransport) SendMessage(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID, kind domain.MessageKind, payload []byte) (domain.SignalingMessage, error) {
	if err := f.check("send message"); err != nil {
		return domain.SignalingMessage{}, err
	}
	return f.SignalingTransport.SendMessage(ctx, callID, senderID, kind, payload)
}

func (f *faultyTransport) PollMessages(ctx context.Context, callID domain.CallID, recipientID domain.ParticipantID) ([]domain.SignalingMessage, error) {
	if err := f.check("poll messages"); err != nil {
		return nil, err
	}
	return f.SignalingTransport.PollMessages(ctx, callID, recipientID)
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventLog drains a handle's events for later inspection.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
}

func collectEvents(h *CallHandle) *eventLog {
	l := &eventLog{closed: make(chan struct{})}
	go func() {
		defer close(l.closed)
		for ev := range h.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) count(kind EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) statuses() []domain.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Status
	for _, ev := range l.events {
		if ev.Type == EventStatusChanged {
			out = append(out, ev.Status)
		}
	}
	return out
}
