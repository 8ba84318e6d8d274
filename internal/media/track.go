// Package media holds the local media stream shared by every peer link.
package media

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/meshmeet/meshmeet/internal/domain"
)

var ErrTrackStopped = errors.New("track stopped")

// OpusSilence is a 20ms Opus frame that decodes to silence.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// Source describes where a local track's samples come from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

// Track is a local outgoing track with an enabled flag. Disabling a track
// keeps it attached to every connection. Audio keeps flowing as silence.
// Video sends the muted frame set with SetMutedFrame, usually an encoded
// black frame, or nothing if none is set.
type Track struct {
	*pion.TrackLocalStaticSample

	kind    domain.MediaKind
	source  Source
	enabled atomic.Bool
	stopped atomic.Bool
	muted   atomic.Pointer[[]byte]

	// write is the sink for samples, normally the embedded track.
	write func(pionmedia.Sample) error
}

// NewAudioTrack creates an enabled Opus track.
func NewAudioTrack(streamID string) (*Track, error) {
	return newTrack(domain.MediaAudio, SourceMicrophone, pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, streamID)
}

// NewVideoTrack creates an enabled VP8 track fed from source.
func NewVideoTrack(streamID string, source Source) (*Track, error) {
	return newTrack(domain.MediaVideo, source, pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeVP8,
		ClockRate: 90000,
	}, streamID)
}

func newTrack(kind domain.MediaKind, source Source, codec pion.RTPCodecCapability, streamID string) (*Track, error) {
	local, err := pion.NewTrackLocalStaticSample(codec, fmt.Sprintf("%s-%s", kind, uuid.NewString()), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{
		TrackLocalStaticSample: local,
		kind:                   kind,
		source:                 source,
		write:                  local.WriteSample,
	}
	t.enabled.Store(true)
	return t, nil
}

// MediaKind is the domain kind of the track.
func (t *Track) MediaKind() domain.MediaKind { return t.kind }

func (t *Track) Source() Source { return t.source }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) Stopped() bool { return t.stopped.Load() }

// SetMutedFrame sets the encoded frame a disabled video track sends in
// place of each sample. The encoder that feeds the track owns its format.
func (t *Track) SetMutedFrame(frame []byte) {
	if len(frame) == 0 {
		t.muted.Store(nil)
		return
	}
	f := append([]byte(nil), frame...)
	t.muted.Store(&f)
}

// setEnabled is reserved to LocalStream so that only its owner toggles it.
func (t *Track) setEnabled(enabled bool) { t.enabled.Store(enabled) }

// WriteSample forwards a sample to every bound connection.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if t.enabled.Load() {
		return t.write(s)
	}
	if t.kind == domain.MediaAudio {
		return t.write(pionmedia.Sample{Data: OpusSilence, Duration: s.Duration})
	}
	if f := t.muted.Load(); f != nil {
		return t.write(pionmedia.Sample{Data: *f, Duration: s.Duration})
	}
	return nil
}

// Stop releases the track. Further writes fail.
func (t *Track) Stop() {
	t.stopped.Store(true)
}
