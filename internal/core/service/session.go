package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval         = time.Second
	DefaultOfferTimeout         = 10 * time.Second
	DefaultMaxTransportFailures = 10
	missedHeartbeats            = 3
	eventBuffer                 = 64
	cleanupTimeout              = 5 * time.Second
)

var ErrHandleClosed = errors.New("call handle closed")

type Options struct {
	// PollInterval is the heartbeat and poll period.
	PollInterval time.Duration
	// StaleAfter is how long a peer heartbeat may stay unchanged before the
	// peer is declared departed. Defaults to three poll intervals.
	StaleAfter time.Duration
	// OfferTimeout is how long an offer may stay unanswered before it is
	// sent again.
	OfferTimeout time.Duration
	// MaxTransportFailures consecutive failing ticks make the call fail.
	MaxTransportFailures int
	RolePolicy           RolePolicy
	Constraints          port.MediaConstraints
	Logger               *zerolog.Logger
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = missedHeartbeats * o.PollInterval
	}
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = DefaultOfferTimeout
	}
	if o.MaxTransportFailures <= 0 {
		o.MaxTransportFailures = DefaultMaxTransportFailures
	}
	if o.RolePolicy == nil {
		o.RolePolicy = PresenceOrder{}
	}
	if !o.Constraints.Audio && !o.Constraints.Video {
		o.Constraints = port.MediaConstraints{Audio: true, Video: true}
	}
	if o.Logger == nil {
		o.Logger = &log.Logger
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// LocalParticipant is the already authenticated local user.
type LocalParticipant struct {
	ID          domain.ParticipantID
	DisplayName string
}

// CallManager starts call sessions. One manager can serve many calls.
type CallManager struct {
	transport port.SignalingTransport
	peers     port.PeerConnectionFactory
	media     port.MediaDevices
	opts      Options
}

func NewCallManager(transport port.SignalingTransport, peers port.PeerConnectionFactory, media port.MediaDevices, opts Options) *CallManager {
	return &CallManager{
		transport: transport,
		peers:     peers,
		media:     media,
		opts:      opts.withDefaults(),
	}
}

// Join acquires local media, announces presence in the call room and starts
// negotiating with whoever is, or will be, on the other side.
func (m *CallManager) Join(ctx context.Context, callID domain.CallID, local LocalParticipant) (*CallHandle, error) {
	if callID == "" {
		return nil, errors.New("call id cannot be empty")
	}
	if local.ID == "" {
		return nil, errors.New("participant id cannot be empty")
	}

	logger := m.opts.Logger.With().
		Str("call_id", callID.String()).
		Str("participant_id", local.ID.String()).
		Logger()

	media, err := m.media.Acquire(ctx, m.opts.Constraints)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire local media")
		return nil, fmt.Errorf("acquire local media: %w", err)
	}

	h := newCallHandle(m, callID, local, media, logger)
	if err := h.enterRoom(ctx); err != nil {
		media.Stop()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	var wake <-chan struct{}
	if notifier, ok := m.transport.(port.Notifier); ok {
		wake, err = notifier.Subscribe(runCtx, callID, local.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("Push notifications unavailable, polling only")
			wake = nil
		}
	}

	go h.run(runCtx, wake)
	return h, nil
}
