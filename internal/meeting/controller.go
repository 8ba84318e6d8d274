// Package meeting coordinates one participant's side of a mesh meeting:
// signaling events in, one PeerLink per remote participant out.
package meeting

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/roomcode"
)

var (
	ErrAlreadyInMeeting   = errors.New("already in a meeting")
	ErrNotInMeeting       = errors.New("not in a meeting")
	ErrNotHost            = errors.New("only the host can end the meeting")
	ErrOfferCapReached    = errors.New("outgoing offer limit reached")
	ErrNegotiationTimeout = errors.New("peer negotiation timed out")
	ErrEmptyMessage       = errors.New("empty chat message")
	ErrUnknownPeer        = errors.New("no link to that participant")
	ErrSignalingLost      = errors.New("signaling connection lost")
)

const (
	defaultMaxOffers = 2
	defaultTimeout   = 30 * time.Second

	// maxEarlyCandidates bounds the candidates held per participant before
	// their link exists.
	maxEarlyCandidates = 32
)

// NewLinkFunc creates a PeerLink to remoteID that sends tracks.
type NewLinkFunc func(remoteID string, tracks []pion.TrackLocal, signal domain.SignalSender, events domain.LinkEvents) (domain.PeerLink, error)

// Options configures a Controller.
type Options struct {
	Stream   *media.LocalStream
	NewLink  NewLinkFunc
	Observer domain.Observer
	// MaxOutgoingOffers caps how many links this side initiates.
	MaxOutgoingOffers int
	// NegotiationTimeout closes links whose transport never connects.
	NegotiationTimeout time.Duration
	Logger             *slog.Logger
}

type peer struct {
	link      domain.PeerLink
	initiator bool
}

// Controller coordinates the signaling and WebRTC flows for one meeting.
// It implements domain.Handler and domain.LinkEvents.
type Controller struct {
	signal    domain.Signaler
	stream    *media.LocalStream
	newLink   NewLinkFunc
	obs       domain.Observer
	maxOffers int
	timeout   time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	roomID   string
	selfID   string
	username string
	userID   string
	isHost   bool
	joined   bool
	leaving  bool
	peers    map[string]*peer
	names    map[string]string
	early    map[string][]domain.ICECandidatePayload
}

var (
	_ domain.Handler    = (*Controller)(nil)
	_ domain.LinkEvents = (*Controller)(nil)
)

// New creates a Controller. Call SetSignaler before use to complete the
// circular dependency.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxOffers := opts.MaxOutgoingOffers
	if maxOffers <= 0 {
		maxOffers = defaultMaxOffers
	}
	timeout := opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	stream := opts.Stream
	if stream == nil {
		stream, _ = media.NewLocalStream(media.NewStreamID())
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Controller{
		stream:    stream,
		newLink:   opts.NewLink,
		obs:       obs,
		maxOffers: maxOffers,
		timeout:   timeout,
		log:       logger.With("component", "meeting"),
		peers:     make(map[string]*peer),
		names:     make(map[string]string),
		early:     make(map[string][]domain.ICECandidatePayload),
	}
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Controller needs Signaler, Signal needs Handler).
func (c *Controller) SetSignaler(s domain.Signaler) {
	c.signal = s
}

// Stream is the local media stream shared by every link.
func (c *Controller) Stream() *media.LocalStream { return c.stream }

// RoomID is the room currently joined or being joined.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Links reports the state of every current link by remote id.
func (c *Controller) Links() map[string]domain.LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.LinkState, len(c.peers))
	for id, p := range c.peers {
		out[id] = p.link.State()
	}
	return out
}

// JoinMeeting asks to join the room named by input, a bare code or a share
// link. Offers go out once the server lists the existing members.
func (c *Controller) JoinMeeting(input, displayName, userID string, wantHost bool) error {
	code, err := roomcode.Parse(input)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.roomID != "" {
		c.mu.Unlock()
		return ErrAlreadyInMeeting
	}
	c.roomID = code
	c.username = displayName
	c.userID = userID
	c.leaving = false
	c.mu.Unlock()

	c.log.Info("joining", "room", code, "host", wantHost)
	err = c.signal.Join(domain.JoinRequest{
		RoomID:   code,
		Username: displayName,
		UserID:   userID,
		IsHost:   wantHost,
	})
	if err != nil {
		c.resetRoom()
		return fmt.Errorf("join %s: %w", code, err)
	}
	return nil
}

// OnRoomJoined completes a pending join. A reply for a join that was since
// abandoned is answered with leave-room so the server drops us.
func (c *Controller) OnRoomJoined(joined domain.RoomJoined) {
	c.mu.Lock()
	if c.roomID == "" || c.roomID != joined.RoomID {
		c.mu.Unlock()
		c.log.Info("stale room-joined, leaving", "room", joined.RoomID)
		c.signal.Leave(joined.RoomID)
		return
	}
	c.roomID = joined.RoomID
	c.selfID = joined.SelfID
	c.isHost = joined.IsHost
	c.joined = true
	roomID := c.roomID
	c.mu.Unlock()

	c.log.Info("joined", "room", joined.RoomID, "self", joined.SelfID, "host", joined.IsHost)
	c.obs.OnJoined(joined)
	c.signal.SendMediaState(roomID, c.stream.State())
}

// OnExistingUsers initiates toward every member already present. The
// joiner always offers, so members never offer to newcomers.
func (c *Controller) OnExistingUsers(users []domain.ParticipantInfo) {
	for _, u := range users {
		c.mu.Lock()
		if u.SocketID == c.selfID || !c.joined {
			c.mu.Unlock()
			continue
		}
		c.names[u.SocketID] = u.Username
		full := c.outgoingLocked() >= c.maxOffers
		c.mu.Unlock()

		c.obs.OnParticipantJoined(u)
		if full {
			c.log.Warn("not offering, cap reached", "remote", u.SocketID, "cap", c.maxOffers)
			c.obs.OnError(u.SocketID, ErrOfferCapReached)
			continue
		}

		link, err := c.addLink(u.SocketID, true)
		if err != nil {
			c.report(u.SocketID, err)
			continue
		}
		if err := link.Initiate(); err != nil {
			c.report(u.SocketID, err)
		}
	}
}

func (c *Controller) outgoingLocked() int {
	n := 0
	for _, p := range c.peers {
		if p.initiator {
			n++
		}
	}
	return n
}

// OnUserJoined records the newcomer and waits for its offer.
func (c *Controller) OnUserJoined(user domain.ParticipantInfo) {
	c.mu.Lock()
	c.names[user.SocketID] = user.Username
	c.mu.Unlock()

	c.log.Info("participant joined", "remote", user.SocketID, "name", user.Username)
	c.obs.OnParticipantJoined(user)
}

func (c *Controller) OnUserLeft(user domain.UserLeft) {
	c.log.Info("participant left", "remote", user.SocketID, "reason", user.Reason)
	c.removeLink(user.SocketID, nil)

	c.mu.Lock()
	delete(c.names, user.SocketID)
	delete(c.early, user.SocketID)
	c.mu.Unlock()
}

func (c *Controller) OnRoomError(roomErr domain.RoomError) {
	err := &domain.JoinError{Code: roomErr.Code, Message: roomErr.Message}

	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	if joined {
		c.log.Warn("room error", "code", roomErr.Code, "msg", roomErr.Message)
		c.obs.OnError("", err)
		return
	}
	c.log.Warn("join rejected", "code", roomErr.Code, "msg", roomErr.Message)
	c.resetRoom()
	c.obs.OnJoinFailed(err)
}

// OnOffer answers an incoming offer. A link is created only if none exists;
// an offer for a link that already negotiates is rejected by the link.
func (c *Controller) OnOffer(from string, sdp domain.SDPPayload) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		c.log.Debug("offer outside a meeting dropped", "remote", from)
		return
	}
	p := c.peers[from]
	c.mu.Unlock()

	var link domain.PeerLink
	if p != nil {
		link = p.link
	} else {
		var err error
		if link, err = c.addLink(from, false); err != nil {
			c.report(from, err)
			return
		}
	}
	if err := link.AcceptOffer(sdp); err != nil {
		c.report(from, err)
	}
}

func (c *Controller) OnAnswer(from string, sdp domain.SDPPayload) {
	link := c.link(from)
	if link == nil {
		c.log.Debug("answer for unknown link dropped", "remote", from)
		return
	}
	if err := link.AcceptAnswer(sdp); err != nil {
		c.report(from, err)
	}
}

// OnRemoteICECandidate routes a candidate to its link. A candidate that
// arrives before the link exists is held until addLink creates it.
func (c *Controller) OnRemoteICECandidate(from string, candidate domain.ICECandidatePayload) {
	c.mu.Lock()
	p := c.peers[from]
	if p == nil {
		if c.joined && len(c.early[from]) < maxEarlyCandidates {
			c.early[from] = append(c.early[from], candidate)
		} else {
			c.log.Debug("candidate for unknown link dropped", "remote", from)
		}
		c.mu.Unlock()
		return
	}
	link := p.link
	c.mu.Unlock()

	if err := link.AddRemoteCandidate(candidate); err != nil {
		c.report(from, err)
	}
}

func (c *Controller) OnUserMediaState(state domain.UserMediaState) {
	c.obs.OnMediaState(state)
}

func (c *Controller) OnHostChanged(host domain.HostChanged) {
	c.mu.Lock()
	c.isHost = host.NewHostID == c.selfID
	c.mu.Unlock()

	c.log.Info("host changed", "host", host.NewHostID, "name", host.NewHostName)
	c.obs.OnHostChanged(host)
}

func (c *Controller) OnRoomEnded(ended domain.RoomEnded) {
	c.log.Info("meeting ended", "room", ended.RoomID)
	c.teardown()
	c.obs.OnMeetingEnded()
}

func (c *Controller) OnChatMessage(msg domain.ChatDelivery) {
	c.obs.OnChat(msg.SocketID, msg.Username, msg.Message)
}

// OnDisconnected treats a lost signaling connection as leaving.
func (c *Controller) OnDisconnected(err error) {
	c.mu.Lock()
	active := c.roomID != ""
	c.mu.Unlock()
	if !active {
		return
	}
	c.log.Warn("signaling lost", "err", err)
	c.teardown()
	c.obs.OnError("", fmt.Errorf("%w: %w", ErrSignalingLost, err))
}

// OnRemoteTrack forwards a remote track to the observer.
func (c *Controller) OnRemoteTrack(remoteID string, track *pion.TrackRemote) {
	c.obs.OnRemoteTrack(remoteID, track)
}

// OnLinkClosed drops a link the transport closed on its own. Only that
// exact link is forgotten.
func (c *Controller) OnLinkClosed(link domain.PeerLink) {
	c.removeLink(link.RemoteID(), link)
}

// OnPeerChat forwards a data channel chat line.
func (c *Controller) OnPeerChat(remoteID, text string) {
	c.mu.Lock()
	name := c.names[remoteID]
	c.mu.Unlock()
	c.obs.OnChat(remoteID, name, text)
}

// SetLocalMediaEnabled toggles a local track. Links keep the track; the
// room is told about the new state.
func (c *Controller) SetLocalMediaEnabled(kind domain.MediaKind, enabled bool) error {
	if err := c.stream.SetEnabled(kind, enabled); err != nil {
		return err
	}
	c.announceMediaState()
	return nil
}

// ReplaceLocalTrack switches a device (or starts and stops screen sharing)
// by swapping the outgoing track on every link in place. The previous
// track is stopped afterwards.
func (c *Controller) ReplaceLocalTrack(t *media.Track) error {
	old, err := c.stream.Replace(t)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	for id, link := range c.linkSnapshot() {
		if err := link.ReplaceTrack(t.MediaKind(), t); err != nil {
			c.report(id, err)
		}
	}
	old.Stop()
	c.announceMediaState()
	return nil
}

func (c *Controller) announceMediaState() {
	c.mu.Lock()
	roomID, joined := c.roomID, c.joined
	c.mu.Unlock()
	if joined {
		c.signal.SendMediaState(roomID, c.stream.State())
	}
}

// SendChat sends a chat line to the whole room through the server.
func (c *Controller) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	roomID, username, joined := c.roomID, c.username, c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotInMeeting
	}
	c.signal.SendChat(roomID, username, text)
	return nil
}

// SendPeerChat sends a chat line directly to one participant.
func (c *Controller) SendPeerChat(remoteID, text string) error {
	link := c.link(remoteID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remoteID)
	}
	return link.SendChat(text)
}

// LeaveMeeting closes every link, stops the local tracks and tells the
// server. Links are closed by the time it returns.
func (c *Controller) LeaveMeeting() error {
	c.mu.Lock()
	roomID, joined := c.roomID, c.joined
	c.mu.Unlock()
	if roomID == "" {
		return ErrNotInMeeting
	}

	c.teardown()
	if joined {
		c.signal.Leave(roomID)
	}
	c.log.Info("left", "room", roomID)
	return nil
}

// EndMeeting asks the server to end the meeting for everyone.
func (c *Controller) EndMeeting() error {
	c.mu.Lock()
	roomID, joined, isHost := c.roomID, c.joined, c.isHost
	c.mu.Unlock()
	if !joined {
		return ErrNotInMeeting
	}
	if !isHost {
		return ErrNotHost
	}
	c.signal.EndMeeting(roomID)
	return nil
}

// teardown closes all links and releases local media.
func (c *Controller) teardown() {
	c.mu.Lock()
	c.leaving = true
	peers := c.peers
	c.peers = make(map[string]*peer)
	c.mu.Unlock()

	for id, p := range peers {
		p.link.Close()
		c.obs.OnPeerRemoved(id)
	}
	c.stream.Stop()
	c.resetRoom()
}

func (c *Controller) resetRoom() {
	c.mu.Lock()
	c.roomID = ""
	c.selfID = ""
	c.isHost = false
	c.joined = false
	c.names = make(map[string]string)
	c.early = make(map[string][]domain.ICECandidatePayload)
	c.mu.Unlock()
}

func (c *Controller) addLink(remoteID string, initiator bool) (domain.PeerLink, error) {
	tracks := c.stream.Tracks()
	locals := make([]pion.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		locals = append(locals, t)
	}

	link, err := c.newLink(remoteID, locals, c.signal, c)
	if err != nil {
		return nil, fmt.Errorf("create link to %s: %w", remoteID, err)
	}

	c.mu.Lock()
	if existing, ok := c.peers[remoteID]; ok {
		c.mu.Unlock()
		link.Close()
		return existing.link, nil
	}
	c.peers[remoteID] = &peer{link: link, initiator: initiator}
	early := c.early[remoteID]
	delete(c.early, remoteID)
	c.mu.Unlock()

	for _, cand := range early {
		if err := link.AddRemoteCandidate(cand); err != nil {
			c.report(remoteID, err)
		}
	}
	go c.watchNegotiation(remoteID, link)
	return link, nil
}

// watchNegotiation closes a link that never reaches a connected transport.
func (c *Controller) watchNegotiation(remoteID string, link domain.PeerLink) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-link.Established():
	case <-link.Done():
	case <-timer.C:
		c.log.Warn("negotiation timed out", "remote", remoteID, "state", link.State().String())
		c.report(remoteID, ErrNegotiationTimeout)
		c.removeLink(remoteID, link)
	}
}

func (c *Controller) link(remoteID string) domain.PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[remoteID]; ok {
		return p.link
	}
	return nil
}

func (c *Controller) linkSnapshot() map[string]domain.PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.PeerLink, len(c.peers))
	for id, p := range c.peers {
		out[id] = p.link
	}
	return out
}

// removeLink closes and forgets the link to remoteID. If want is set, only
// that exact link is removed. Removing a missing link does nothing.
func (c *Controller) removeLink(remoteID string, want domain.PeerLink) {
	c.mu.Lock()
	p, ok := c.peers[remoteID]
	if !ok || (want != nil && p.link != want) {
		c.mu.Unlock()
		return
	}
	delete(c.peers, remoteID)
	c.mu.Unlock()

	p.link.Close()
	c.obs.OnPeerRemoved(remoteID)
}

// report surfaces a per-link error unless the meeting is being left.
func (c *Controller) report(remoteID string, err error) {
	c.mu.Lock()
	leaving := c.leaving
	c.mu.Unlock()
	if leaving {
		c.log.Debug("ignoring error while leaving", "remote", remoteID, "err", err)
		return
	}
	c.log.Warn("peer error", "remote", remoteID, "err", err)
	c.obs.OnError(remoteID, err)
}

type nopObserver struct{}

func (nopObserver) OnJoined(domain.RoomJoined)                 {}
func (nopObserver) OnJoinFailed(error)                         {}
func (nopObserver) OnParticipantJoined(domain.ParticipantInfo) {}
func (nopObserver) OnRemoteTrack(string, *pion.TrackRemote)    {}
func (nopObserver) OnPeerRemoved(string)                       {}
func (nopObserver) OnMediaState(domain.UserMediaState)         {}
func (nopObserver) OnHostChanged(domain.HostChanged)           {}
func (nopObserver) OnChat(string, string, string)              {}
func (nopObserver) OnMeetingEnded()                            {}
func (nopObserver) OnError(string, error)                      {}
