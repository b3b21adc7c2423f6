package port

import (
	"context"

	"github.com/Wyydra/medmeet/internal/core/domain"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local capture tracks. A refused permission is
// reported as domain.ErrMediaAccessDenied.
type MediaDevices interface {
	Acquire(ctx context.Context, constraints MediaConstraints) (LocalMedia, error)
}

// LocalMedia is the captured local stream. It is safe for concurrent use.
type LocalMedia interface {
	Tracks() []LocalTrack
	// SetEnabled mutes or unmutes every track of the kind and reports
	// whether any such track exists.
	SetEnabled(kind domain.TrackKind, enabled bool) bool
	Enabled(kind domain.TrackKind) bool
	// Stop ends capture. Stopping twice is a no-op.
	Stop()
}

type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.TrackKind
}
