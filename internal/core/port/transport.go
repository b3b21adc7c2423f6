package port

import (
	"context"

	"github.com/Wyydra/medmeet/internal/core/domain"
)

// SignalingTransport relays signaling messages between the two participants
// of a call. Implementations are shared by every room and hold no session
// state; relay failures are returned as *domain.TransportError.
type SignalingTransport interface {
	// AnnouncePresence inserts or refreshes the participant's presence.
	// JoinedAt is preserved across refreshes; the stored record is returned.
	AnnouncePresence(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID, displayName string) (domain.Participant, error)

	// ListPeers returns the participants present in the room other than
	// excluding, ordered by JoinedAt.
	ListPeers(ctx context.Context, callID domain.CallID, excluding domain.ParticipantID) ([]domain.Participant, error)

	SendMessage(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID, kind domain.MessageKind, payload []byte) (domain.SignalingMessage, error)

	// PollMessages returns every unconsumed message not sent by recipientID.
	// Messages from one sender keep their creation order.
	PollMessages(ctx context.Context, callID domain.CallID, recipientID domain.ParticipantID) ([]domain.SignalingMessage, error)

	// ConsumeMessage deletes a message. Deleting an unknown message is not an
	// error.
	ConsumeMessage(ctx context.Context, callID domain.CallID, messageID domain.MessageID) error

	// PurgeMessages deletes every unconsumed message sent by senderID.
	PurgeMessages(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error

	// LeaveRoom removes the participant's presence and purges its
	// unconsumed messages. It is idempotent.
	LeaveRoom(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) error
}

// Notifier is implemented by relays that can push. The returned channel
// receives a value whenever a participant other than participantID changes
// the room, and is closed when ctx is done.
type Notifier interface {
	Subscribe(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) (<-chan struct{}, error)
}
