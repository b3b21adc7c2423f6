package port

import "github.com/Wyydra/medmeet/internal/core/domain"

// WakeGateway pushes "something changed" notifications to the websocket
// clients of a call, skipping the participant that caused the change.
type WakeGateway interface {
	Notify(callID domain.CallID, origin domain.ParticipantID)
}
