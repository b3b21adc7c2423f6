package service

import "github.com/Wyydra/medmeet/internal/core/domain"

// RolePolicy decides the local negotiation role once the peer is known.
// Resolve must be antisymmetric: evaluated on both sides with the same two
// relay records it yields one impolite and one polite participant.
type RolePolicy interface {
	Resolve(self, peer domain.Participant) domain.Role
}

// PresenceOrder makes the participant that joined first the impolite
// offerer. Equal join timestamps fall back to participant ID order.
type PresenceOrder struct{}

func (PresenceOrder) Resolve(self, peer domain.Participant) domain.Role {
	if self.JoinedBefore(peer) {
		return domain.RoleImpolite
	}
	return domain.RolePolite
}

// FixedInitiator always lets Initiator offer, e.g. the doctor of an
// appointment. When neither side is the initiator it behaves like
// PresenceOrder.
type FixedInitiator struct {
	Initiator domain.ParticipantID
}

func (f FixedInitiator) Resolve(self, peer domain.Participant) domain.Role {
	switch f.Initiator {
	case self.ID:
		return domain.RoleImpolite
	case peer.ID:
		return domain.RolePolite
	}
	return PresenceOrder{}.Resolve(self, peer)
}

// ResolveRole applies the policy to the peers present when the local
// participant joins. With nobody else present the participant provisionally
// takes the impolite role and waits; the role is resolved again when the
// peer shows up.
func ResolveRole(policy RolePolicy, self domain.Participant, peers []domain.Participant) domain.Role {
	if len(peers) == 0 {
		return domain.RoleImpolite
	}
	if policy == nil {
		policy = PresenceOrder{}
	}
	return policy.Resolve(self, earliest(peers))
}

func earliest(peers []domain.Participant) domain.Participant {
	first := peers[0]
	for _, p := range peers[1:] {
		if p.JoinedBefore(first) {
			first = p
		}
	}
	return first
}
