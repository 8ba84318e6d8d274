package webrtc

import (
	"errors"
	"fmt"
)

var (
	ErrLinkClosed       = errors.New("peer link closed")
	ErrAlreadyStarted   = errors.New("negotiation already started")
	ErrUnexpectedOffer  = errors.New("offer not expected in current state")
	ErrUnexpectedAnswer = errors.New("answer not expected in current state")
	ErrDuplicateTrack   = errors.New("track of this kind already attached")
	ErrNoSender         = errors.New("no outgoing track of this kind")
	ErrKindMismatch     = errors.New("track kind does not match")
	ErrChannelNotOpen   = errors.New("data channel not open")
)

// LinkError records which negotiation step failed for which remote peer.
type LinkError struct {
	Op     string
	Remote string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Remote, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
