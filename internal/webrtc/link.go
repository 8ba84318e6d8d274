package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/domain"
)

// LinkConfig is everything a Link needs besides the remote peer's id.
type LinkConfig struct {
	API        *pion.API
	ICEServers []domain.ICEServer
	// Tracks are the local tracks to send, at most one per kind. A kind
	// without a track is still negotiated as receive-only.
	Tracks []pion.TrackLocal
	Signal domain.SignalSender
	Events domain.LinkEvents
	// AllowLoopback keeps 127.0.0.1 and ::1 candidates, which are dropped
	// by default.
	AllowLoopback bool
	Logger        *slog.Logger
}

// Link wraps a pion PeerConnection to one remote participant. All
// negotiation steps run one at a time on the link's own goroutine in the
// order they were submitted.
type Link struct {
	remoteID string
	pc       *pion.PeerConnection
	signal   domain.SignalSender
	events   domain.LinkEvents
	log      *slog.Logger

	loopback bool

	state       atomic.Int32
	ops         chan func()
	done        chan struct{}
	established chan struct{}
	estOnce     sync.Once
	closeOnce   sync.Once

	// Owned by the op goroutine.
	senders   map[domain.MediaKind]*pion.RTPSender
	pending   []pion.ICECandidateInit
	remoteSet bool

	dcMu sync.Mutex
	dc   *pion.DataChannel

	// Local candidates are held until our description has gone out, so the
	// remote side never sees a candidate for a link it does not know yet.
	candMu       sync.Mutex
	descSent     bool
	localPending []pion.ICECandidateInit
}

var _ domain.PeerLink = (*Link)(nil)

// NewLink creates the peer connection to remoteID and attaches the local
// tracks. Nothing is sent until Initiate or AcceptOffer.
func NewLink(remoteID string, cfg LinkConfig) (*Link, error) {
	if cfg.API == nil {
		return nil, errors.New("webrtc: LinkConfig.API is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := cfg.API.NewPeerConnection(pion.Configuration{
		ICEServers:    iceServers(cfg.ICEServers),
		BundlePolicy:  pion.BundlePolicyMaxBundle,
		RTCPMuxPolicy: pion.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &Link{
		remoteID:    remoteID,
		pc:          pc,
		signal:      cfg.Signal,
		events:      cfg.Events,
		log:         logger.With("remote", remoteID),
		loopback:    cfg.AllowLoopback,
		ops:         make(chan func()),
		done:        make(chan struct{}),
		established: make(chan struct{}),
		senders:     make(map[domain.MediaKind]*pion.RTPSender),
	}
	l.state.Store(int32(domain.LinkNew))

	if err := l.addTracks(cfg.Tracks); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(l.onLocalCandidate)
	pc.OnConnectionStateChange(l.onConnectionState)
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		l.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if l.events != nil {
			l.events.OnRemoteTrack(l.remoteID, track)
		}
	})
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() == DataChannelLabel {
			l.attachDataChannel(dc)
		}
	})

	go l.run()
	return l, nil
}

func (l *Link) addTracks(tracks []pion.TrackLocal) error {
	for _, t := range tracks {
		kind, err := kindOf(t)
		if err != nil {
			return err
		}
		if _, ok := l.senders[kind]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTrack, kind)
		}
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		l.senders[kind] = sender
		go drainRTCP(sender)
	}

	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if _, ok := l.senders[kind]; ok {
			continue
		}
		_, err := l.pc.AddTransceiverFromKind(codecType(kind), pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors see NACKs and reports.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) run() {
	for {
		select {
		case op := <-l.ops:
			op()
		case <-l.done:
			return
		}
	}
}

// do runs fn on the op goroutine and waits for its result. An op the
// goroutine has accepted always runs to completion.
func (l *Link) do(fn func() error) error {
	result := make(chan error, 1)
	select {
	case l.ops <- func() { result <- fn() }:
	case <-l.done:
		return ErrLinkClosed
	}
	return <-result
}

// RemoteID is the signaling id of the participant on the other end.
func (l *Link) RemoteID() string { return l.remoteID }

// State reports the negotiation state.
func (l *Link) State() domain.LinkState { return domain.LinkState(l.state.Load()) }

// Established is closed once the transport reaches connected.
func (l *Link) Established() <-chan struct{} { return l.established }

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} { return l.done }

// setState moves the link forward unless it is already closed.
func (l *Link) setState(s domain.LinkState) {
	for {
		cur := l.state.Load()
		if domain.LinkState(cur) == domain.LinkClosed {
			return
		}
		if l.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Initiate opens the data channel, creates an offer and sends it.
func (l *Link) Initiate() error {
	return l.do(func() error {
		if st := l.State(); st != domain.LinkNew {
			return &LinkError{Op: "initiate", Remote: l.remoteID, Err: fmt.Errorf("%w: state %s", ErrAlreadyStarted, st)}
		}

		dc, err := l.pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			return l.fail("create data channel", err)
		}
		l.attachDataChannel(dc)

		offer, err := l.pc.CreateOffer(nil)
		if err != nil {
			return l.fail("create offer", err)
		}
		if err := l.pc.SetLocalDescription(offer); err != nil {
			return l.fail("set local description", err)
		}

		l.setState(domain.LinkOfferSent)
		l.log.Debug("offer sent")
		l.signal.SendOffer(l.remoteID, domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP})
		l.releaseCandidates()
		return nil
	})
}

// AcceptOffer applies a remote offer and replies with an answer. Only a
// link that has not started negotiating accepts an offer.
func (l *Link) AcceptOffer(sdp domain.SDPPayload) error {
	return l.do(func() error {
		if st := l.State(); st != domain.LinkNew {
			return &LinkError{Op: "accept offer", Remote: l.remoteID, Err: fmt.Errorf("%w: state %s", ErrUnexpectedOffer, st)}
		}

		offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp.SDP}
		if err := l.pc.SetRemoteDescription(offer); err != nil {
			return l.fail("set remote description", err)
		}
		l.remoteSet = true
		l.flushCandidates()

		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return l.fail("create answer", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return l.fail("set local description", err)
		}

		l.setState(domain.LinkAnswerSent)
		l.log.Debug("answer sent")
		l.signal.SendAnswer(l.remoteID, domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP})
		l.releaseCandidates()
		return nil
	})
}

// AcceptAnswer applies the remote answer to our outstanding offer. An
// answer in any other state is rejected and the link is left as it was.
func (l *Link) AcceptAnswer(sdp domain.SDPPayload) error {
	return l.do(func() error {
		if st := l.State(); st != domain.LinkOfferSent {
			return &LinkError{Op: "accept answer", Remote: l.remoteID, Err: fmt.Errorf("%w: state %s", ErrUnexpectedAnswer, st)}
		}

		answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp.SDP}
		if err := l.pc.SetRemoteDescription(answer); err != nil {
			return l.fail("set remote description", err)
		}
		l.remoteSet = true
		l.flushCandidates()

		l.setState(domain.LinkConnected)
		return nil
	})
}

// AddRemoteCandidate applies a remote ICE candidate, holding it until a
// remote description exists.
func (l *Link) AddRemoteCandidate(c domain.ICECandidatePayload) error {
	return l.do(func() error {
		if c.Candidate == "" {
			return nil
		}
		init := toInit(c)
		if !l.remoteSet {
			l.pending = append(l.pending, init)
			return nil
		}
		if err := l.pc.AddICECandidate(init); err != nil {
			return &LinkError{Op: "add ice candidate", Remote: l.remoteID, Err: err}
		}
		return nil
	})
}

func (l *Link) flushCandidates() {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("buffered candidate rejected", "err", err)
		}
	}
	l.pending = nil
}

// ReplaceTrack swaps the outgoing track of the given kind in place. No
// renegotiation happens and the link state is unchanged. A nil track
// stops sending that kind.
func (l *Link) ReplaceTrack(kind domain.MediaKind, track pion.TrackLocal) error {
	return l.do(func() error {
		sender, ok := l.senders[kind]
		if !ok {
			return &LinkError{Op: "replace track", Remote: l.remoteID, Err: fmt.Errorf("%w: %s", ErrNoSender, kind)}
		}
		if track != nil {
			if got, err := kindOf(track); err != nil || got != kind {
				return &LinkError{Op: "replace track", Remote: l.remoteID, Err: fmt.Errorf("%w: want %s", ErrKindMismatch, kind)}
			}
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return &LinkError{Op: "replace track", Remote: l.remoteID, Err: err}
		}
		return nil
	})
}

// SenderTrack is the track currently sent for kind.
func (l *Link) SenderTrack(kind domain.MediaKind) (pion.TrackLocal, bool) {
	var track pion.TrackLocal
	err := l.do(func() error {
		sender, ok := l.senders[kind]
		if !ok {
			return ErrNoSender
		}
		track = sender.Track()
		return nil
	})
	return track, err == nil && track != nil
}

// SendChat sends a chat line over the data channel.
func (l *Link) SendChat(text string) error {
	l.dcMu.Lock()
	dc := l.dc
	l.dcMu.Unlock()
	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	msg, err := NewMessage(msgChat, ChatPayload{Text: text, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	b, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	return dc.Send(b)
}

func (l *Link) attachDataChannel(dc *pion.DataChannel) {
	l.dcMu.Lock()
	l.dc = dc
	l.dcMu.Unlock()

	dc.OnOpen(func() {
		l.log.Debug("data channel open")
	})
	dc.OnMessage(func(raw pion.DataChannelMessage) {
		msg, err := unmarshalMessage(raw.Data)
		if err != nil {
			l.log.Warn("bad data channel message", "err", err)
			return
		}
		switch msg.Type {
		case msgChat:
			var chat ChatPayload
			if err := msg.DecodePayload(&chat); err != nil {
				l.log.Warn("bad chat payload", "err", err)
				return
			}
			if l.events != nil {
				l.events.OnPeerChat(l.remoteID, chat.Text)
			}
		default:
			l.log.Debug("ignoring data channel message", "type", msg.Type)
		}
	})
}

func (l *Link) onLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		l.log.Debug("ice gathering complete")
		return
	}
	if l.State() == domain.LinkClosed {
		return
	}
	init := c.ToJSON()
	if !l.loopback && isLoopback(init.Candidate) {
		return
	}

	l.candMu.Lock()
	defer l.candMu.Unlock()
	if !l.descSent {
		l.localPending = append(l.localPending, init)
		return
	}
	l.signal.SendICECandidate(l.remoteID, toPayload(init))
}

// releaseCandidates sends the candidates gathered before our offer or
// answer went out, and every later one as it arrives.
func (l *Link) releaseCandidates() {
	l.candMu.Lock()
	defer l.candMu.Unlock()
	l.descSent = true
	for _, c := range l.localPending {
		l.signal.SendICECandidate(l.remoteID, toPayload(c))
	}
	l.localPending = nil
}

func (l *Link) onConnectionState(s pion.PeerConnectionState) {
	l.log.Debug("connection state", "state", s.String())
	switch s {
	case pion.PeerConnectionStateConnected:
		l.setState(domain.LinkConnected)
		l.estOnce.Do(func() { close(l.established) })
	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateDisconnected, pion.PeerConnectionStateClosed:
		go l.Close()
	}
}

// fail closes the link after a description could not be applied.
func (l *Link) fail(op string, err error) error {
	l.log.Warn("negotiation failed", "op", op, "err", err)
	l.Close()
	return &LinkError{Op: op, Remote: l.remoteID, Err: err}
}

// Close tears down the peer connection. It is safe to call more than once,
// including from the OnLinkClosed callback.
func (l *Link) Close() error {
	var (
		err    error
		closed bool
	)
	l.closeOnce.Do(func() {
		closed = true
		l.state.Store(int32(domain.LinkClosed))
		close(l.done)
		err = l.pc.Close()
	})
	if closed && l.events != nil {
		l.events.OnLinkClosed(l)
	}
	return err
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, " 127.0.0.1 ") || strings.Contains(candidate, " ::1 ")
}
