package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meshmeet/meshmeet/internal/domain"
)

var (
	ErrDuplicateKind = errors.New("stream already has a track of this kind")
	ErrNoTrack       = errors.New("stream has no track of this kind")
)

// LocalStream is the set of local tracks, at most one per kind. It may hold
// audio only, video only or nothing at all.
//
// Peer links only read it; the meeting controller is the sole writer.
type LocalStream struct {
	id string

	mu     sync.RWMutex
	tracks map[domain.MediaKind]*Track
}

// NewStreamID returns an id to pass to NewAudioTrack and NewVideoTrack.
func NewStreamID() string { return "stream-" + uuid.NewString() }

// NewLocalStream groups tracks into a stream.
func NewLocalStream(id string, tracks ...*Track) (*LocalStream, error) {
	s := &LocalStream{
		id:     id,
		tracks: make(map[domain.MediaKind]*Track),
	}
	for _, t := range tracks {
		if _, ok := s.tracks[t.kind]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, t.kind)
		}
		s.tracks[t.kind] = t
	}
	return s, nil
}

func (s *LocalStream) ID() string { return s.id }

// Track returns the track of the given kind.
func (s *LocalStream) Track(kind domain.MediaKind) (*Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[kind]
	return t, ok
}

// Tracks returns the current tracks, audio first.
func (s *LocalStream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled toggles a track without detaching it from anything.
func (s *LocalStream) SetEnabled(kind domain.MediaKind, enabled bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTrack, kind)
	}
	t.setEnabled(enabled)
	return nil
}

// Replace swaps in t for the track of the same kind and returns the previous
// one, which the caller stops once no connection sends it any more. The new
// track inherits the enabled flag.
func (s *LocalStream) Replace(t *Track) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tracks[t.kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTrack, t.kind)
	}
	if old == t {
		return nil, nil
	}
	t.setEnabled(old.Enabled())
	s.tracks[t.kind] = t
	return old, nil
}

// State is the media-state snapshot announced to the room.
func (s *LocalStream) State() domain.MediaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st domain.MediaState
	if t, ok := s.tracks[domain.MediaAudio]; ok {
		st.Microphone = t.Enabled()
	}
	if t, ok := s.tracks[domain.MediaVideo]; ok {
		st.ScreenShare = t.Source() == SourceScreen
		st.Camera = t.Enabled() && !st.ScreenShare
	}
	return st
}

// Stop stops every track.
func (s *LocalStream) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		t.Stop()
	}
}
