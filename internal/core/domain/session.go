package domain

// Role is the perfect-negotiation politeness assignment. The impolite side
// is the offerer and always wins an offer collision.
type Role string

const (
	RoleImpolite Role = "impolite"
	RolePolite   Role = "polite"
)

func (r Role) Offerer() bool {
	return r == RoleImpolite
}

type SignalingState string

const (
	SignalingIdle            SignalingState = "idle"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingStable          SignalingState = "stable"
	SignalingClosed          SignalingState = "closed"
)

// Quiescent reports whether no offer/answer exchange is in flight.
func (s SignalingState) Quiescent() bool {
	return s == SignalingIdle || s == SignalingStable
}

// Status is the call status rendered by the UI.
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusWaitingForPeer Status = "waiting-for-peer"
	StatusNegotiating    Status = "negotiating"
	StatusConnected      Status = "connected"
	StatusFailed         Status = "failed"
	StatusClosed         Status = "closed"
)

// Describe returns the human readable status line.
func (s Status) Describe() string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusWaitingForPeer:
		return "Waiting for the other participant..."
	case StatusNegotiating:
		return "Participant joined! Connecting..."
	case StatusConnected:
		return "Connected"
	case StatusFailed:
		return "Connection failed. Please try reconnecting."
	case StatusClosed:
		return "Call ended"
	}
	return string(s)
}

// ConnectionState is the peer connection's aggregate transport state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)
