package service

import (
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
)

type EventType string

const (
	EventStatusChanged     EventType = "status_changed"
	EventRemoteTrack       EventType = "remote_track"
	EventPeerJoined        EventType = "peer_joined"
	EventPeerDeparted      EventType = "peer_departed"
	EventNegotiationFailed EventType = "negotiation_failed"
	EventTransportFailed   EventType = "transport_failed"
)

// Event is delivered to the UI through CallHandle.Events.
type Event struct {
	Type   EventType
	Status domain.Status
	// Peer is set for peer_joined and peer_departed.
	Peer *domain.Participant
	// Track is set for remote_track.
	Track port.RemoteTrack
	// Err is set for negotiation_failed and transport_failed.
	Err error
}
