package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog"
)

var ErrInvalidState = errors.New("operation not valid in current signaling state")

// SignalSender transmits locally generated descriptions and candidates to
// the peer. The session encodes them into signaling messages.
type SignalSender interface {
	SendDescription(ctx context.Context, desc domain.SessionDescription) error
	SendCandidate(ctx context.Context, candidate domain.ICECandidate) error
}

// Negotiator is the offer/answer/candidate state machine of one peer
// connection. It is not safe for concurrent use: the owning session drives
// it from a single goroutine.
type Negotiator struct {
	role   domain.Role
	pc     port.PeerConnection
	signal SignalSender
	logger zerolog.Logger

	state       domain.SignalingState
	makingOffer bool
	// offeredFrom is the quiescent state a local offer rolls back to.
	offeredFrom       domain.SignalingState
	offer             domain.SessionDescription
	remoteDescription bool
	pending           []domain.ICECandidate
}

func NewNegotiator(role domain.Role, pc port.PeerConnection, signal SignalSender, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		role:   role,
		pc:     pc,
		signal: signal,
		logger: logger,
		state:  domain.SignalingIdle,
	}
}

func (n *Negotiator) Role() domain.Role {
	return n.role
}

// SetRole changes the politeness assignment. It is only allowed before any
// description has been exchanged.
func (n *Negotiator) SetRole(role domain.Role) error {
	if n.state != domain.SignalingIdle || n.makingOffer {
		return fmt.Errorf("%w: cannot change role in state %s", ErrInvalidState, n.state)
	}
	n.role = role
	return nil
}

func (n *Negotiator) State() domain.SignalingState {
	return n.state
}

func (n *Negotiator) MakingOffer() bool {
	return n.makingOffer
}

func (n *Negotiator) HasRemoteDescription() bool {
	return n.remoteDescription
}

// PendingCandidates returns a copy of the remote candidates waiting for a
// remote description.
func (n *Negotiator) PendingCandidates() []domain.ICECandidate {
	return append([]domain.ICECandidate(nil), n.pending...)
}

// CreateAndSendOffer generates a local offer and transmits it. If the offer
// cannot be transmitted it is rolled back so a later call can retry.
func (n *Negotiator) CreateAndSendOffer(ctx context.Context) error {
	if !n.state.Quiescent() || n.makingOffer {
		return fmt.Errorf("%w: cannot offer in state %s", ErrInvalidState, n.state)
	}

	n.makingOffer = true
	defer func() { n.makingOffer = false }()

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	if err := n.signal.SendDescription(ctx, offer); err != nil {
		if rbErr := n.pc.Rollback(); rbErr != nil {
			n.logger.Warn().Err(rbErr).Msg("Failed to roll back unsent offer")
		}
		return err
	}

	n.offeredFrom = n.state
	n.offer = offer
	n.state = domain.SignalingHaveLocalOffer
	n.logger.Debug().Str("state", string(n.state)).Msg("Sent offer")
	return nil
}

// ResendOffer transmits the unanswered local offer again. The peer
// connection is left untouched, so a peer that already answered the first
// copy answers with the same parameters.
func (n *Negotiator) ResendOffer(ctx context.Context) error {
	if n.state != domain.SignalingHaveLocalOffer {
		return fmt.Errorf("%w: no local offer in state %s", ErrInvalidState, n.state)
	}
	return n.signal.SendDescription(ctx, n.offer)
}

// RollbackOffer abandons an unanswered local offer.
func (n *Negotiator) RollbackOffer() error {
	if n.state != domain.SignalingHaveLocalOffer {
		return fmt.Errorf("%w: no local offer in state %s", ErrInvalidState, n.state)
	}
	if err := n.pc.Rollback(); err != nil {
		return fmt.Errorf("rollback local offer: %w", err)
	}
	n.state = n.offeredFrom
	return nil
}

// HandleDescription applies a remote offer or answer. Descriptions that do
// not fit the current state are dropped and reported as
// domain.ErrStaleSignal; the session stays usable.
func (n *Negotiator) HandleDescription(ctx context.Context, desc domain.SessionDescription) error {
	if n.state == domain.SignalingClosed {
		return fmt.Errorf("%w: negotiation closed", domain.ErrStaleSignal)
	}
	switch desc.Type {
	case domain.SDPTypeOffer:
		return n.handleOffer(ctx, desc)
	case domain.SDPTypeAnswer:
		return n.handleAnswer(desc)
	}
	return fmt.Errorf("%w: unexpected description type %q", domain.ErrStaleSignal, desc.Type)
}

func (n *Negotiator) handleOffer(ctx context.Context, offer domain.SessionDescription) error {
	collision := n.makingOffer || !n.state.Quiescent()
	if collision && n.role == domain.RoleImpolite {
		n.logger.Debug().Str("state", string(n.state)).Msg("Ignoring colliding offer")
		return fmt.Errorf("%w: colliding offer ignored in state %s", domain.ErrStaleSignal, n.state)
	}

	if n.state == domain.SignalingHaveLocalOffer {
		if err := n.pc.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback local offer: %v", domain.ErrStaleSignal, err)
		}
		n.state = n.offeredFrom
		n.logger.Debug().Msg("Glare: discarded local offer in favour of remote offer")
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: apply remote offer: %v", domain.ErrStaleSignal, err)
	}
	n.remoteDescription = true
	n.state = domain.SignalingHaveRemoteOffer

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrStaleSignal, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", domain.ErrStaleSignal, err)
	}

	sendErr := n.signal.SendDescription(ctx, answer)
	n.state = domain.SignalingStable
	n.logger.Debug().Str("state", string(n.state)).Msg("Answered offer")
	n.flushCandidates()
	return sendErr
}

func (n *Negotiator) handleAnswer(answer domain.SessionDescription) error {
	if n.state != domain.SignalingHaveLocalOffer {
		return fmt.Errorf("%w: answer in state %s", domain.ErrStaleSignal, n.state)
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: apply remote answer: %v", domain.ErrStaleSignal, err)
	}
	n.remoteDescription = true
	n.state = domain.SignalingStable
	n.logger.Debug().Str("state", string(n.state)).Msg("Applied answer")
	n.flushCandidates()
	return nil
}

// HandleRemoteCandidate applies a remote ICE candidate, or queues it until a
// remote description exists. Queued candidates are never dropped.
func (n *Negotiator) HandleRemoteCandidate(candidate domain.ICECandidate) error {
	if n.state == domain.SignalingClosed {
		return fmt.Errorf("%w: negotiation closed", domain.ErrStaleSignal)
	}
	if !n.remoteDescription {
		n.pending = append(n.pending, candidate)
		n.logger.Debug().Int("queued", len(n.pending)).Msg("Queued remote candidate")
		return nil
	}
	if err := n.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: add remote candidate: %v", domain.ErrStaleSignal, err)
	}
	return nil
}

// HandleLocalCandidate trickles a locally gathered candidate to the peer,
// whatever the signaling state.
func (n *Negotiator) HandleLocalCandidate(ctx context.Context, candidate domain.ICECandidate) error {
	if n.state == domain.SignalingClosed {
		return nil
	}
	return n.signal.SendCandidate(ctx, candidate)
}

// Close moves the machine to its terminal state. Further messages are
// stale.
func (n *Negotiator) Close() {
	n.state = domain.SignalingClosed
	n.pending = nil
}

func (n *Negotiator) flushCandidates() {
	queued := n.pending
	n.pending = nil
	for _, candidate := range queued {
		if err := n.pc.AddICECandidate(candidate); err != nil {
			n.logger.Warn().Err(err).Str("candidate", candidate.Candidate).Msg("Failed to apply queued candidate")
		}
	}
	if len(queued) > 0 {
		n.logger.Debug().Int("applied", len(queued)).Msg("Flushed queued candidates")
	}
}
