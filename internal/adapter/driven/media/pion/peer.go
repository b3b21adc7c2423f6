package pion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	errForeignTrack = errors.New("track was not created by the pion media adapter")
	errNoLocalOffer = errors.New("no unanswered local offer")
)

// pionTrack is implemented by local tracks that can be sent over a pion
// peer connection.
type pionTrack interface {
	port.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

// peer wraps the current pion connection. Rollback swaps it for a fresh one,
// so callbacks of a replaced connection are dropped.
type peer struct {
	api    *webrtc.API
	config webrtc.Configuration
	events port.PeerEvents
	tracks []webrtc.TrackLocal

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

func newPeer(api *webrtc.API, config webrtc.Configuration, events port.PeerEvents) (*peer, error) {
	p := &peer{api: api, config: config, events: events}
	pc, err := p.open()
	if err != nil {
		return nil, err
	}
	p.pc = pc
	return p, nil
}

// open creates a connection wired to the peer events and carrying every
// track added so far.
func (p *peer) open() (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || p.events.OnLocalCandidate == nil || !p.current(pc) {
			return
		}
		p.events.OnLocalCandidate(fromCandidateInit(c.ToJSON()))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go drainRemote(track)
		if p.events.OnRemoteTrack == nil || !p.current(pc) {
			return
		}
		log.Debug().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("Received remote track")
		p.events.OnRemoteTrack(&remoteTrack{
			id:       track.ID(),
			streamID: track.StreamID(),
			kind:     trackKind(track.Kind()),
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.events.OnConnectionState != nil && p.current(pc) {
			p.events.OnConnectionState(domain.ConnectionState(state.String()))
		}
	})

	for _, track := range p.tracks {
		if err := addTrack(pc, track); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return pc, nil
}

func (p *peer) current(pc *webrtc.PeerConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc == pc
}

func (p *peer) conn() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

func (p *peer) AddTrack(track port.LocalTrack) error {
	t, ok := track.(pionTrack)
	if !ok {
		return fmt.Errorf("add track %s: %w", track.ID(), errForeignTrack)
	}
	if err := addTrack(p.conn(), t.TrackLocal()); err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	p.tracks = append(p.tracks, t.TrackLocal())
	return nil
}

func addTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *peer) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.conn().CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromDescription(offer), nil
}

func (p *peer) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.conn().CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromDescription(answer), nil
}

func (p *peer) SetLocalDescription(desc domain.SessionDescription) error {
	return p.conn().SetLocalDescription(toDescription(desc))
}

func (p *peer) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.conn().SetRemoteDescription(toDescription(desc))
}

// Rollback discards an unanswered first offer. pion does not accept a local
// rollback description, so the connection is replaced by a fresh one with
// the same tracks. An offer made after a remote description was applied
// cannot be rolled back.
func (p *peer) Rollback() error {
	old := p.conn()
	if state := old.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in signaling state %s: %w", state, errNoLocalOffer)
	}
	if old.CurrentRemoteDescription() != nil {
		return fmt.Errorf("rollback of a renegotiation offer: %w", errNoLocalOffer)
	}

	pc, err := p.open()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	if err := old.Close(); err != nil {
		log.Debug().Err(err).Msg("Error closing rolled back peer connection")
	}
	return nil
}

func (p *peer) AddICECandidate(candidate domain.ICECandidate) error {
	return p.conn().AddICECandidate(toCandidateInit(candidate))
}

func (p *peer) Close() error {
	return p.conn().Close()
}

type remoteTrack struct {
	id       string
	streamID string
	kind     domain.TrackKind
}

func (t *remoteTrack) ID() string             { return t.id }
func (t *remoteTrack) StreamID() string       { return t.streamID }
func (t *remoteTrack) Kind() domain.TrackKind { return t.kind }

// drainRemote reads RTP until the track ends. Rendering is left to the
// embedding application.
func drainRemote(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func trackKind(kind webrtc.RTPCodecType) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func fromDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toDescription(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromCandidateInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toCandidateInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
