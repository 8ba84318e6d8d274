package webrtc

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/media"
)

const waitTimeout = 10 * time.Second

// newVNetAPIs returns two APIs on a private virtual network.
func newVNetAPIs(t *testing.T) (*pion.API, *pion.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var apis []*pion.API
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := NewAPI(APIOptions{Net: n})
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis[0], apis[1]
}

// pipe delivers one side's signaling to the other link in order, the way
// the relay server would.
type pipe struct {
	mu     sync.Mutex
	target *Link
	queue  chan func(*Link)
	errs   chan error
}

func newPipe() *pipe {
	p := &pipe{queue: make(chan func(*Link), 64), errs: make(chan error, 64)}
	go func() {
		for fn := range p.queue {
			p.mu.Lock()
			target := p.target
			p.mu.Unlock()
			if target != nil {
				fn(target)
			}
		}
	}()
	return p
}

func (p *pipe) connect(l *Link) {
	p.mu.Lock()
	p.target = l
	p.mu.Unlock()
}

func (p *pipe) report(err error) {
	if err != nil && !errors.Is(err, ErrLinkClosed) {
		p.errs <- err
	}
}

func (p *pipe) SendOffer(_ string, sdp domain.SDPPayload) {
	p.queue <- func(l *Link) { p.report(l.AcceptOffer(sdp)) }
}

func (p *pipe) SendAnswer(_ string, sdp domain.SDPPayload) {
	p.queue <- func(l *Link) { p.report(l.AcceptAnswer(sdp)) }
}

func (p *pipe) SendICECandidate(_ string, c domain.ICECandidatePayload) {
	p.queue <- func(l *Link) { p.report(l.AddRemoteCandidate(c)) }
}

// recordingEvents captures what a link reports to its owner.
type recordingEvents struct {
	tracks chan *pion.TrackRemote
	chats  chan string

	mu     sync.Mutex
	closed int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		tracks: make(chan *pion.TrackRemote, 4),
		chats:  make(chan string, 4),
	}
}

func (r *recordingEvents) OnRemoteTrack(_ string, track *pion.TrackRemote) { r.tracks <- track }
func (r *recordingEvents) OnPeerChat(_ string, text string)                { r.chats <- text }

func (r *recordingEvents) OnLinkClosed(domain.PeerLink) {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
}

func (r *recordingEvents) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// silentSignal discards everything.
type silentSignal struct{}

func (silentSignal) SendOffer(string, domain.SDPPayload)                 {}
func (silentSignal) SendAnswer(string, domain.SDPPayload)                {}
func (silentSignal) SendICECandidate(string, domain.ICECandidatePayload) {}

// orderSignal records the order in which signals leave the link.
type orderSignal struct {
	mu   sync.Mutex
	sent []string
}

func (o *orderSignal) record(s string) {
	o.mu.Lock()
	o.sent = append(o.sent, s)
	o.mu.Unlock()
}

func (o *orderSignal) SendOffer(string, domain.SDPPayload)  { o.record("offer") }
func (o *orderSignal) SendAnswer(string, domain.SDPPayload) { o.record("answer") }

func (o *orderSignal) SendICECandidate(_ string, c domain.ICECandidatePayload) {
	o.record(c.Candidate)
}

func (o *orderSignal) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sent...)
}

func newTracks(t *testing.T) (*media.Track, *media.Track) {
	t.Helper()
	stream := media.NewStreamID()
	audio, err := media.NewAudioTrack(stream)
	if err != nil {
		t.Fatalf("audio track: %v", err)
	}
	video, err := media.NewVideoTrack(stream, media.SourceCamera)
	if err != nil {
		t.Fatalf("video track: %v", err)
	}
	return audio, video
}

// pump writes samples until the test ends so remote tracks start flowing.
func pump(t *testing.T, tracks ...*media.Track) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, tr := range tracks {
					_ = tr.WriteSample(pionmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
				}
			}
		}
	}()
}

type linkPair struct {
	a, b     *Link
	evA, evB *recordingEvents
	toA, toB *pipe
	audioA   *media.Track
	videoA   *media.Track
}

// newLinkPair wires A (initiator, audio+video) to B (video only).
func newLinkPair(t *testing.T) *linkPair {
	t.Helper()
	apiA, apiB := newVNetAPIs(t)
	audioA, videoA := newTracks(t)
	_, videoB := newTracks(t)

	p := &linkPair{
		evA: newRecordingEvents(), evB: newRecordingEvents(),
		toA: newPipe(), toB: newPipe(),
		audioA: audioA, videoA: videoA,
	}

	var err error
	p.a, err = NewLink("b", LinkConfig{API: apiA, Tracks: []pion.TrackLocal{audioA, videoA}, Signal: p.toB, Events: p.evA})
	if err != nil {
		t.Fatalf("link a: %v", err)
	}
	p.b, err = NewLink("a", LinkConfig{API: apiB, Tracks: []pion.TrackLocal{videoB}, Signal: p.toA, Events: p.evB})
	if err != nil {
		t.Fatalf("link b: %v", err)
	}
	p.toA.connect(p.a)
	p.toB.connect(p.b)
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
	})

	pump(t, audioA, videoA, videoB)
	return p
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitDataChannel(t *testing.T, l *Link) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		l.dcMu.Lock()
		dc := l.dc
		l.dcMu.Unlock()
		if dc != nil && dc.ReadyState() == pion.DataChannelStateOpen {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("data channel to %s never opened", l.RemoteID())
}

func TestLink_NegotiatesMediaAndChat(t *testing.T) {
	p := newLinkPair(t)

	if err := p.a.Initiate(); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	waitClosed(t, p.a.Established(), "a established")
	waitClosed(t, p.b.Established(), "b established")

	if p.a.State() != domain.LinkConnected || p.b.State() != domain.LinkConnected {
		t.Fatalf("expected both connected, got a=%s b=%s", p.a.State(), p.b.State())
	}

	// B receives audio and video from A.
	kinds := map[pion.RTPCodecType]bool{}
	for len(kinds) < 2 {
		select {
		case tr := <-p.evB.tracks:
			kinds[tr.Kind()] = true
		case <-time.After(waitTimeout):
			t.Fatalf("b received only %v", kinds)
		}
	}
	// A receives B's video even though B sends no audio.
	select {
	case tr := <-p.evA.tracks:
		if tr.Kind() != pion.RTPCodecTypeVideo {
			t.Errorf("expected video from b, got %s", tr.Kind())
		}
	case <-time.After(waitTimeout):
		t.Fatalf("a never received b's video")
	}

	waitDataChannel(t, p.a)
	waitDataChannel(t, p.b)
	if err := p.a.SendChat("hello"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	select {
	case text := <-p.evB.chats:
		if text != "hello" {
			t.Errorf("expected hello, got %q", text)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("chat never arrived")
	}

	select {
	case err := <-p.toA.errs:
		t.Errorf("unexpected negotiation error at a: %v", err)
	case err := <-p.toB.errs:
		t.Errorf("unexpected negotiation error at b: %v", err)
	default:
	}
}

func TestLink_ReplaceTrackKeepsConnection(t *testing.T) {
	p := newLinkPair(t)
	if err := p.a.Initiate(); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitClosed(t, p.a.Established(), "a established")

	screen, err := media.NewVideoTrack(media.NewStreamID(), media.SourceScreen)
	if err != nil {
		t.Fatalf("screen track: %v", err)
	}
	if err := p.a.ReplaceTrack(domain.MediaVideo, screen); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got, _ := p.a.SenderTrack(domain.MediaVideo); got != pion.TrackLocal(screen) {
		t.Errorf("sender should now carry the screen track")
	}
	if p.a.State() != domain.LinkConnected {
		t.Errorf("replace must not change link state, got %s", p.a.State())
	}

	// Wrong kind is refused.
	if err := p.a.ReplaceTrack(domain.MediaAudio, screen); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("expected ErrKindMismatch, got %v", err)
	}
}

func TestLink_ToggleKeepsSenderTrack(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	audio, video := newTracks(t)
	stream, err := media.NewLocalStream(media.NewStreamID(), audio, video)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	l, err := NewLink("b", LinkConfig{API: apiA, Tracks: []pion.TrackLocal{audio, video}, Signal: silentSignal{}})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	defer l.Close()

	if err := stream.SetEnabled(domain.MediaVideo, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got, ok := l.SenderTrack(domain.MediaVideo); !ok || got != pion.TrackLocal(video) {
		t.Errorf("disabling must keep the same track on the sender")
	}
}

func TestLink_UnexpectedDescriptionsAreRejected(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	ev := newRecordingEvents()
	l, err := NewLink("b", LinkConfig{API: apiA, Signal: silentSignal{}, Events: ev})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	defer l.Close()

	if err := l.AcceptAnswer(domain.SDPPayload{Type: "answer", SDP: "v=0"}); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("expected ErrUnexpectedAnswer, got %v", err)
	}
	if l.State() != domain.LinkNew {
		t.Fatalf("rejected answer must leave the link new, got %s", l.State())
	}

	if err := l.Initiate(); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if l.State() != domain.LinkOfferSent {
		t.Fatalf("expected offer-sent, got %s", l.State())
	}
	if err := l.AcceptOffer(domain.SDPPayload{Type: "offer", SDP: "v=0"}); !errors.Is(err, ErrUnexpectedOffer) {
		t.Fatalf("expected ErrUnexpectedOffer, got %v", err)
	}
	if err := l.Initiate(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if l.State() != domain.LinkOfferSent || ev.closedCount() != 0 {
		t.Fatalf("rejections must not close the link")
	}
}

func TestLink_BufferedCandidatesBeforeOffer(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	l, err := NewLink("b", LinkConfig{API: apiA, Signal: silentSignal{}})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	defer l.Close()

	mid := "0"
	idx := uint16(0)
	c := domain.ICECandidatePayload{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := l.AddRemoteCandidate(c); err != nil {
		t.Fatalf("early candidate must be buffered, got %v", err)
	}
	if err := l.AddRemoteCandidate(domain.ICECandidatePayload{}); err != nil {
		t.Fatalf("end-of-candidates must be ignored, got %v", err)
	}

	if err := l.do(func() error {
		if len(l.pending) != 1 {
			t.Errorf("expected 1 buffered candidate, got %d", len(l.pending))
		}
		return nil
	}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestLink_HoldsLocalCandidatesUntilOfferSent(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	sig := &orderSignal{}
	l, err := NewLink("b", LinkConfig{API: apiA, Signal: sig})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	defer l.Close()

	l.onLocalCandidate(&pion.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.9",
		Protocol:   pion.ICEProtocolUDP,
		Port:       50000,
		Typ:        pion.ICECandidateTypeHost,
		Component:  1,
	})
	if got := sig.snapshot(); len(got) != 0 {
		t.Fatalf("candidate must wait for the offer, sent %v", got)
	}

	if err := l.Initiate(); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	got := sig.snapshot()
	if len(got) < 2 || got[0] != "offer" {
		t.Fatalf("expected the offer first and then candidates, got %v", got)
	}
	found := false
	for _, c := range got[1:] {
		if strings.Contains(c, "10.0.0.9") {
			found = true
		}
	}
	if !found {
		t.Errorf("held candidate was not released after the offer: %v", got)
	}
}

func TestLink_BadDescriptionClosesWithCause(t *testing.T) {
	tests := []struct {
		name  string
		apply func(l *Link) error
	}{
		{
			name: "offer",
			apply: func(l *Link) error {
				return l.AcceptOffer(domain.SDPPayload{Type: "offer", SDP: "not sdp"})
			},
		},
		{
			name: "answer",
			apply: func(l *Link) error {
				if err := l.Initiate(); err != nil {
					return err
				}
				return l.AcceptAnswer(domain.SDPPayload{Type: "answer", SDP: "not sdp"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiA, _ := newVNetAPIs(t)
			ev := newRecordingEvents()
			l, err := NewLink("b", LinkConfig{API: apiA, Signal: silentSignal{}, Events: ev})
			if err != nil {
				t.Fatalf("link: %v", err)
			}
			defer l.Close()

			err = tt.apply(l)
			var le *LinkError
			if !errors.As(err, &le) || le.Op != "set remote description" {
				t.Fatalf("expected a set remote description LinkError, got %v", err)
			}
			if l.State() != domain.LinkClosed {
				t.Errorf("expected closed, got %s", l.State())
			}
			if ev.closedCount() != 1 {
				t.Errorf("expected one close notification, got %d", ev.closedCount())
			}
		})
	}
}

func TestLink_DuplicateTrackKind(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	audio, _ := newTracks(t)
	other, _ := newTracks(t)

	_, err := NewLink("b", LinkConfig{API: apiA, Tracks: []pion.TrackLocal{audio, other}, Signal: silentSignal{}})
	if !errors.Is(err, ErrDuplicateTrack) {
		t.Fatalf("expected ErrDuplicateTrack, got %v", err)
	}
}

func TestLink_CloseIsIdempotent(t *testing.T) {
	apiA, _ := newVNetAPIs(t)
	ev := newRecordingEvents()
	l, err := NewLink("b", LinkConfig{API: apiA, Signal: silentSignal{}, Events: ev})
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	l.Close()
	l.Close()

	if ev.closedCount() != 1 {
		t.Errorf("expected one close notification, got %d", ev.closedCount())
	}
	if l.State() != domain.LinkClosed {
		t.Errorf("expected closed, got %s", l.State())
	}
	if err := l.Initiate(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("expected ErrLinkClosed, got %v", err)
	}
	if err := l.SendChat("x"); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("expected ErrChannelNotOpen, got %v", err)
	}
	waitClosed(t, l.Done(), "done")
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host": true,
		"candidate:1 1 udp 2130706431 ::1 5000 typ host":       true,
		"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host":  false,
	}
	for c, want := range cases {
		if got := isLoopback(c); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", c, got, want)
		}
	}
}

func TestMessage_ChatRoundTrip(t *testing.T) {
	msg, err := NewMessage(msgChat, ChatPayload{Text: "hi", SentAt: 42})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	b, err := marshalMessage(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalMessage(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var chat ChatPayload
	if err := got.DecodePayload(&chat); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != msgChat || chat.Text != "hi" || chat.SentAt != 42 {
		t.Errorf("unexpected message %+v %+v", got, chat)
	}
}
