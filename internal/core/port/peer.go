package port

import "github.com/Wyydra/medmeet/internal/core/domain"

// PeerConnection is the part of a WebRTC peer connection the negotiation
// state machine drives.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	// Rollback discards a local offer that has not been answered.
	Rollback() error
	AddICECandidate(candidate domain.ICECandidate) error
	Close() error
}

// PeerEvents are raised by a PeerConnection from its own goroutines.
type PeerEvents struct {
	OnLocalCandidate  func(candidate domain.ICECandidate)
	OnRemoteTrack     func(track RemoteTrack)
	OnConnectionState func(state domain.ConnectionState)
}

type PeerConnectionFactory interface {
	NewPeerConnection(events PeerEvents) (PeerConnection, error)
}
