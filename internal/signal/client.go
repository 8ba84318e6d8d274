package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/domain"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
)

var ErrNotConnected = errors.New("signaling not connected")

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	url     string
	handler domain.Handler
	dialer  *websocket.Dialer
	log     *slog.Logger

	conn *websocket.Conn

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client for the server at serverURL, which
// may be given as an http(s) base URL or a full ws(s) endpoint.
func NewClient(serverURL string, handler domain.Handler, logger *slog.Logger) (*Client, error) {
	u, err := WebsocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     u,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		log:     logger.With("component", "signal"),
		closed:  make(chan struct{}),
	}, nil
}

// WebsocketURL maps http to ws, https to wss, and defaults the path to /ws.
func WebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse signal server: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse signal server: unsupported scheme %q", u.Scheme)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Connect dials the signaling WebSocket and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info("connecting", "url", c.url)

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	return nil
}

// Close shuts down the WebSocket connection. OnDisconnected is not called
// for a local close.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.conn.Close()
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(event string, payload any) error {
	msg, err := domain.NewMessage(event, payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.isClosed() {
		return ErrNotConnected
	}
	c.log.Debug(">>>", "type", event)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// send is for fire-and-forget events. Failures surface through the read
// loop as a disconnect.
func (c *Client) send(event string, payload any) {
	if err := c.sendJSON(event, payload); err != nil {
		c.log.Warn("send failed", "type", event, "err", err)
	}
}

// Join requests membership of a room. The outcome arrives as OnRoomJoined
// or OnRoomError.
func (c *Client) Join(req domain.JoinRequest) error {
	return c.sendJSON(domain.EventJoin, req)
}

// SendOffer sends an SDP offer to one peer.
func (c *Client) SendOffer(to string, sdp domain.SDPPayload) {
	c.send(domain.EventSendOffer, domain.OfferRequest{To: to, Offer: sdp})
}

// SendAnswer sends an SDP answer to one peer.
func (c *Client) SendAnswer(to string, sdp domain.SDPPayload) {
	c.send(domain.EventSendAnswer, domain.AnswerRequest{To: to, Answer: sdp})
}

// SendICECandidate sends a local ICE candidate to one peer.
func (c *Client) SendICECandidate(to string, candidate domain.ICECandidatePayload) {
	c.send(domain.EventSendICECandidate, domain.CandidateRequest{To: to, Candidate: candidate})
}

func (c *Client) SendMediaState(roomID string, state domain.MediaState) {
	c.send(domain.EventMediaState, domain.MediaStateUpdate{RoomID: roomID, MediaState: state})
}

func (c *Client) SendChat(roomID, username, message string) {
	c.send(domain.EventChatMessage, domain.ChatRequest{RoomID: roomID, Username: username, Message: message})
}

func (c *Client) Leave(roomID string) {
	c.send(domain.EventLeaveRoom, domain.RoomRequest{RoomID: roomID})
}

func (c *Client) EndMeeting(roomID string) {
	c.send(domain.EventEndMeeting, domain.RoomRequest{RoomID: roomID})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.Close()

	for {
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.isClosed() {
				c.log.Warn("read failed", "err", err)
				c.handler.OnDisconnected(err)
			}
			return
		}

		c.log.Debug("<<<", "type", msg.Type)
		if err := c.dispatch(msg); err != nil {
			c.log.Warn("bad message", "type", msg.Type, "err", err)
		}
	}
}

func (c *Client) dispatch(msg domain.Message) error {
	switch msg.Type {
	case domain.EventRoomCreated, domain.EventRoomJoined:
		var joined domain.RoomJoined
		if err := msg.DecodePayload(&joined); err != nil {
			return err
		}
		c.handler.OnRoomJoined(joined)

	case domain.EventRoomError, domain.EventRoomFull:
		var roomErr domain.RoomError
		if err := msg.DecodePayload(&roomErr); err != nil {
			return err
		}
		if roomErr.Code == "" && msg.Type == domain.EventRoomFull {
			roomErr.Code = domain.CodeRoomFull
		}
		c.handler.OnRoomError(roomErr)

	case domain.EventExistingUsers:
		var users []domain.ParticipantInfo
		if err := msg.DecodePayload(&users); err != nil {
			return err
		}
		c.handler.OnExistingUsers(users)

	case domain.EventUserJoined:
		var user domain.ParticipantInfo
		if err := msg.DecodePayload(&user); err != nil {
			return err
		}
		c.handler.OnUserJoined(user)

	case domain.EventUserLeft:
		var left domain.UserLeft
		if err := msg.DecodePayload(&left); err != nil {
			return err
		}
		c.handler.OnUserLeft(left)

	case domain.EventReceiveOffer:
		var d domain.OfferDelivery
		if err := msg.DecodePayload(&d); err != nil {
			return err
		}
		c.handler.OnOffer(d.From, d.Offer)

	case domain.EventReceiveAnswer:
		var d domain.AnswerDelivery
		if err := msg.DecodePayload(&d); err != nil {
			return err
		}
		c.handler.OnAnswer(d.From, d.Answer)

	case domain.EventReceiveICECandidate:
		var d domain.CandidateDelivery
		if err := msg.DecodePayload(&d); err != nil {
			return err
		}
		c.handler.OnRemoteICECandidate(d.From, d.Candidate)

	case domain.EventUserMediaState:
		var state domain.UserMediaState
		if err := msg.DecodePayload(&state); err != nil {
			return err
		}
		c.handler.OnUserMediaState(state)

	case domain.EventHostChanged:
		var host domain.HostChanged
		if err := msg.DecodePayload(&host); err != nil {
			return err
		}
		c.handler.OnHostChanged(host)

	case domain.EventRoomEnded:
		var ended domain.RoomEnded
		if err := msg.DecodePayload(&ended); err != nil {
			return err
		}
		c.handler.OnRoomEnded(ended)

	case domain.EventReceiveMessage:
		var chat domain.ChatDelivery
		if err := msg.DecodePayload(&chat); err != nil {
			return err
		}
		c.handler.OnChatMessage(chat)

	default:
		c.log.Debug("unhandled message", "type", msg.Type)
	}
	return nil
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			if err != nil {
				if !c.isClosed() {
					c.log.Warn("ping failed", "err", err)
				}
				return
			}
		}
	}
}
