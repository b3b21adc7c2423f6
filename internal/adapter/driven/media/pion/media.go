package pion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	_ port.MediaDevices = (*SyntheticDevices)(nil)
	_ port.LocalMedia   = (*localMedia)(nil)
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = time.Second / 30
)

var (
	// An opus TOC byte followed by a zero-length frame: silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// A black VP8 keyframe header with an empty partition. Enough to keep
	// RTP flowing; decoders render nothing.
	vp8Blank = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// SyntheticDevices produces generated opus and VP8 tracks in place of a
// capture backend. Headless participants and tests use it.
type SyntheticDevices struct {
	// Deny simulates a refused camera/microphone permission.
	Deny bool
}

func (d *SyntheticDevices) Acquire(ctx context.Context, constraints port.MediaConstraints) (port.LocalMedia, error) {
	if d.Deny {
		return nil, fmt.Errorf("synthetic devices: %w", domain.ErrMediaAccessDenied)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "medmeet-" + uuid.NewString()
	m := &localMedia{stop: make(chan struct{})}

	if constraints.Audio {
		t, err := newLocalTrack(domain.TrackKindAudio, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, streamID)
		if err != nil {
			return nil, err
		}
		m.tracks = append(m.tracks, t)
	}
	if constraints.Video {
		t, err := newLocalTrack(domain.TrackKindVideo, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, streamID)
		if err != nil {
			return nil, err
		}
		m.tracks = append(m.tracks, t)
	}

	for _, t := range m.tracks {
		m.wg.Add(1)
		go m.generate(t)
	}
	return m, nil
}

type localTrack struct {
	kind    domain.TrackKind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newLocalTrack(kind domain.TrackKind, codec webrtc.RTPCodecCapability, streamID string) (*localTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &localTrack{kind: kind, track: track}
	t.enabled.Store(true)
	return t, nil
}

func (t *localTrack) ID() string                    { return t.track.ID() }
func (t *localTrack) Kind() domain.TrackKind        { return t.kind }
func (t *localTrack) TrackLocal() webrtc.TrackLocal { return t.track }

type localMedia struct {
	tracks   []*localTrack
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (m *localMedia) Tracks() []port.LocalTrack {
	tracks := make([]port.LocalTrack, len(m.tracks))
	for i, t := range m.tracks {
		tracks[i] = t
	}
	return tracks
}

func (m *localMedia) SetEnabled(kind domain.TrackKind, enabled bool) bool {
	found := false
	for _, t := range m.tracks {
		if t.kind == kind {
			t.enabled.Store(enabled)
			found = true
		}
	}
	return found
}

func (m *localMedia) Enabled(kind domain.TrackKind) bool {
	for _, t := range m.tracks {
		if t.kind == kind && t.enabled.Load() {
			return true
		}
	}
	return false
}

func (m *localMedia) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

// generate writes one frame per interval while the track is enabled. A
// muted track sends nothing, like a disabled browser track.
func (m *localMedia) generate(t *localTrack) {
	defer m.wg.Done()

	frame, interval := opusSilence, audioFrame
	if t.kind == domain.TrackKindVideo {
		frame, interval = vp8Blank, videoFrame
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// Samples written before the track is bound are dropped.
			t.track.WriteSample(media.Sample{Data: frame, Duration: interval})
		}
	}
}
