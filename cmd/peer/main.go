// peer is a headless call participant. It joins a call room through a
// relay server with synthetic audio and video, logs every call event and
// leaves on SIGINT/SIGTERM or after --duration.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/media/pion"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling/httprelay"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/Wyydra/medmeet/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		relayURL     string
		callID       string
		participant  string
		displayName  string
		token        string
		initiator    string
		iceServers   []string
		pollInterval time.Duration
		duration     time.Duration
		audioOnly    bool
		retries      int
		logLevel     string
	)

	flagSet := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flagSet.StringVar(&relayURL, "relay", "http://localhost:8080", "relay server base URL")
	flagSet.StringVar(&callID, "call", "", "call (appointment) id to join, e.g. appt_123")
	flagSet.StringVar(&participant, "id", "", "participant id (default: random)")
	flagSet.StringVar(&displayName, "name", "", "display name shown to the other participant")
	flagSet.StringVar(&token, "token", os.Getenv("MEDMEET_TOKEN"), "room-scoped relay token")
	flagSet.StringVar(&initiator, "initiator", "", "participant id that always sends the offer")
	flagSet.StringSliceVar(&iceServers, "ice-server", pion.DefaultSTUNServers, "STUN server URL (repeatable)")
	flagSet.DurationVar(&pollInterval, "poll-interval", service.DefaultPollInterval, "heartbeat and poll period")
	flagSet.DurationVar(&duration, "duration", 0, "leave after this long (0: until interrupted)")
	flagSet.BoolVar(&audioOnly, "audio-only", false, "do not send video")
	flagSet.IntVar(&retries, "retries", 3, "automatic retries after a failed call")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if callID == "" {
		return errors.New("--call is required")
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	l := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	id := domain.ParticipantID(participant)
	if id == "" {
		id = domain.NewParticipantID()
	}
	if displayName == "" {
		displayName = id.String()
	}

	relay, err := httprelay.NewClient(relayURL, httprelay.WithToken(token), httprelay.WithLogger(l))
	if err != nil {
		return err
	}
	factory, err := pion.NewFactory(pion.ICEConfigFromURLs(iceServers))
	if err != nil {
		return err
	}

	opts := service.Options{
		PollInterval: pollInterval,
		Constraints:  port.MediaConstraints{Audio: true, Video: !audioOnly},
		Logger:       &l,
	}
	if initiator != "" {
		opts.RolePolicy = service.FixedInitiator{Initiator: domain.ParticipantID(initiator)}
	}
	manager := service.NewCallManager(relay, factory, &pion.SyntheticDevices{}, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	joinCtx, cancelJoin := context.WithTimeout(ctx, 30*time.Second)
	call, err := manager.Join(joinCtx, domain.CallID(callID), service.LocalParticipant{ID: id, DisplayName: displayName})
	cancelJoin()
	if err != nil {
		return fmt.Errorf("join %s: %w", callID, err)
	}
	l.Info().Str("call_id", callID).Str("participant_id", id.String()).Str("role", string(call.Role())).Msg("Joined call")

	watch(ctx, l, call, retries)

	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLeave()
	if err := call.Leave(leaveCtx); err != nil {
		return fmt.Errorf("leave %s: %w", callID, err)
	}
	return nil
}

// watch logs call events until ctx is done, retrying failed calls up to
// retries times.
func watch(ctx context.Context, l zerolog.Logger, call *service.CallHandle, retries int) {
	events := call.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case service.EventStatusChanged:
				l.Info().Str("status", string(ev.Status)).Msg(ev.Status.Describe())
			case service.EventPeerJoined, service.EventPeerDeparted:
				e := l.Info().Str("event", string(ev.Type))
				if ev.Peer != nil {
					e = e.Str("peer", ev.Peer.DisplayName)
				}
				e.Msg("Peer changed")
			case service.EventRemoteTrack:
				l.Info().Str("kind", string(ev.Track.Kind())).Str("track_id", ev.Track.ID()).Msg("Receiving remote track")
			case service.EventNegotiationFailed, service.EventTransportFailed:
				l.Error().Err(ev.Err).Str("event", string(ev.Type)).Msg("Call failed")
				if retries == 0 {
					return
				}
				retries--
				if err := call.Retry(ctx); err != nil {
					l.Error().Err(err).Msg("Retry failed")
					return
				}
			}
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `peer joins a two-party call as a headless participant.

Usage:
  peer --call appt_123 [flags]

Flags:
%s`, flagSet.FlagUsages())
}
