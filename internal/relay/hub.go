// Package relay routes signaling between websocket connections.
//
// All room and connection state is owned by a single Hub goroutine. Every
// inbound message is handled to completion before the next one is taken, so
// registry updates never interleave.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/registry"
	"github.com/meshmeet/meshmeet/internal/roomcode"
)

// ErrHubStopped is returned by calls made after Run has returned.
var ErrHubStopped = errors.New("hub stopped")

const defaultUsername = "Guest"

type inbound struct {
	conn *Conn
	msg  domain.Message
}

// Options configure a Hub.
type Options struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

// Hub is the central brain of the signaling server.
type Hub struct {
	reg   *registry.Registry
	conns map[string]*Conn

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inbound
	calls      chan func()
	done       chan struct{}

	log *slog.Logger
	now func() time.Time
}

// NewHub creates a Hub. Call Run to start processing.
func NewHub(opts Options) *Hub {
	h := &Hub{
		reg:        opts.Registry,
		conns:      make(map[string]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan inbound),
		calls:      make(chan func()),
		done:       make(chan struct{}),
		log:        opts.Logger,
		now:        opts.Now,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "hub")
	if h.reg == nil {
		h.reg = registry.New(registry.Options{Logger: h.log})
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Run processes registrations, messages and calls until ctx is done. It is
// the only goroutine that touches the registry.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.log.Info("hub started", "capacity", h.reg.Capacity())

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.conns[c.id] = c
			c.log.Debug("connection registered")

		case c := <-h.unregister:
			h.remove(c, domain.LeaveReasonDisconnect)

		case in := <-h.inbound:
			if _, ok := h.conns[in.conn.id]; !ok {
				continue
			}
			h.handle(in.conn, in.msg)

		case fn := <-h.calls:
			fn()
		}
	}
}

// Serve registers ws with the hub and starts its pumps.
func (h *Hub) Serve(ws *websocket.Conn) (*Conn, error) {
	c := newConn(h, ws)
	select {
	case h.register <- c:
	case <-h.done:
		ws.Close()
		return nil, ErrHubStopped
	}
	go c.WritePump()
	go c.ReadPump()
	return c, nil
}

// Do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func(reg *registry.Registry)) error {
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn(h.reg)
	}
	select {
	case h.calls <- call:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoomInfo reports the status of a room code.
func (h *Hub) RoomInfo(ctx context.Context, roomID string) (domain.RoomInfo, error) {
	var info domain.RoomInfo
	err := h.Do(ctx, func(reg *registry.Registry) {
		info = reg.Info(roomID)
	})
	return info, err
}

// NewCode returns an unused room code.
func (h *Hub) NewCode(ctx context.Context) (string, error) {
	var code string
	err := h.Do(ctx, func(reg *registry.Registry) {
		code = reg.NewCode()
	})
	return code, err
}

func (h *Hub) deliver(c *Conn, msg domain.Message) bool {
	select {
	case h.inbound <- inbound{conn: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterConn(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) handle(c *Conn, msg domain.Message) {
	c.log.Debug("message received", "type", msg.Type)

	switch msg.Type {
	case domain.EventJoin:
		h.handleJoin(c, msg)

	case domain.EventSendOffer, domain.EventSendAnswer, domain.EventSendICECandidate:
		var addr struct {
			To string `json:"to"`
		}
		if err := msg.DecodePayload(&addr); err != nil || addr.To == "" {
			c.log.Debug("dropping unaddressed signal", "type", msg.Type)
			return
		}
		h.Relay(c.id, addr.To, msg.Type, msg.Payload)

	case domain.EventMediaState:
		h.handleMediaState(c, msg)

	case domain.EventLeaveRoom:
		h.leaveRoom(c, domain.LeaveReasonLeft)

	case domain.EventEndMeeting:
		h.handleEnd(c)

	case domain.EventChatMessage:
		h.handleChat(c, msg)

	default:
		c.log.Warn("unknown message type", "type", msg.Type)
	}
}

func (h *Hub) handleJoin(c *Conn, msg domain.Message) {
	var req domain.JoinRequest
	if err := msg.DecodePayload(&req); err != nil {
		h.reject(c, domain.EventRoomError, domain.CodeBadRequest, "malformed join request")
		return
	}
	roomID, err := roomcode.Normalize(req.RoomID)
	if err != nil {
		h.reject(c, domain.EventRoomError, domain.CodeBadRequest, err.Error())
		return
	}
	if c.roomID != "" {
		h.reject(c, domain.EventRoomError, domain.CodeAlreadyJoined, "connection is already in room "+c.roomID)
		return
	}

	name := strings.TrimSpace(req.Username)
	if name == "" {
		name = defaultUsername
	}
	p := registry.Participant{
		ConnID: c.id,
		Name:   name,
		UserID: req.UserID,
		Media:  domain.MediaState{Camera: true, Microphone: true},
	}

	out, err := h.reg.Join(roomID, p, req.IsHost)
	if err != nil {
		c.log.Info("join rejected", "room", roomID, "err", err)
		h.rejectJoin(c, err)
		return
	}
	c.roomID = roomID

	others := infos(out.Others)
	event := domain.EventRoomJoined
	if out.Created {
		event = domain.EventRoomCreated
	}
	h.emit(c, event, domain.RoomJoined{
		RoomID:       roomID,
		SelfID:       c.id,
		IsHost:       out.IsHost,
		HostID:       out.HostID,
		Capacity:     h.reg.Capacity(),
		Participants: others,
	})
	h.emit(c, domain.EventExistingUsers, others)

	if self, ok := out.Room.Participant(c.id); ok {
		h.BroadcastToRoom(roomID, c.id, domain.EventUserJoined, self.Info())
	}
}

func (h *Hub) rejectJoin(c *Conn, err error) {
	switch {
	case errors.Is(err, registry.ErrRoomFull):
		h.reject(c, domain.EventRoomFull, domain.CodeRoomFull, err.Error())
	case errors.Is(err, registry.ErrRoomNotFound):
		h.reject(c, domain.EventRoomError, domain.CodeRoomNotFound, err.Error())
	case errors.Is(err, registry.ErrAlreadyJoined):
		h.reject(c, domain.EventRoomError, domain.CodeAlreadyJoined, err.Error())
	case errors.Is(err, registry.ErrRoomInactive):
		h.reject(c, domain.EventRoomError, domain.CodeRoomInactive, err.Error())
	default:
		h.reject(c, domain.EventRoomError, domain.CodeBadRequest, err.Error())
	}
}

func (h *Hub) reject(c *Conn, event, code, message string) {
	h.emit(c, event, domain.RoomError{Code: code, Message: message})
}

// Relay forwards an addressed signaling envelope from one connection to
// another, replacing its "to" field with "from". Unknown targets and targets
// outside the sender's room are dropped without error.
func (h *Hub) Relay(fromID, toID, event string, envelope json.RawMessage) {
	out, ok := domain.RelayedEvents[event]
	if !ok {
		return
	}
	from, ok := h.conns[fromID]
	if !ok || from.roomID == "" {
		return
	}
	to, ok := h.conns[toID]
	if !ok || toID == fromID || to.roomID != from.roomID {
		h.log.Debug("relay target unavailable", "from", fromID, "to", toID, "type", event)
		return
	}

	payload, err := readdress(envelope, fromID)
	if err != nil {
		h.log.Debug("dropping malformed signal", "from", fromID, "err", err)
		return
	}
	h.send(to, domain.Message{Type: out, Payload: payload})
}

// readdress swaps the recipient field of an envelope for the sender's id,
// leaving the rest of it untouched.
func readdress(envelope json.RawMessage, from string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(envelope, &fields); err != nil {
		return nil, err
	}
	delete(fields, "to")
	id, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["from"] = id
	return json.Marshal(fields)
}

// BroadcastToRoom sends an event to every current member of roomID except
// excludeID. An empty excludeID reaches everyone.
func (h *Hub) BroadcastToRoom(roomID, excludeID, event string, payload any) {
	room, ok := h.reg.Room(roomID)
	if !ok {
		return
	}
	msg, err := domain.NewMessage(event, payload)
	if err != nil {
		h.log.Error("marshal broadcast", "type", event, "err", err)
		return
	}
	for _, p := range room.Participants() {
		if p.ConnID == excludeID {
			continue
		}
		if c, ok := h.conns[p.ConnID]; ok {
			h.send(c, msg)
		}
	}
}

func (h *Hub) handleMediaState(c *Conn, msg domain.Message) {
	var update domain.MediaStateUpdate
	if err := msg.DecodePayload(&update); err != nil {
		c.log.Debug("malformed media state", "err", err)
		return
	}
	if c.roomID == "" {
		return
	}
	if !h.reg.UpdateMediaState(c.roomID, c.id, update.MediaState) {
		return
	}
	h.BroadcastToRoom(c.roomID, c.id, domain.EventUserMediaState, domain.UserMediaState{
		SocketID:   c.id,
		MediaState: update.MediaState,
	})
}

func (h *Hub) handleEnd(c *Conn) {
	roomID := c.roomID
	removed, ok := h.reg.End(roomID, c.id)
	if !ok {
		h.reject(c, domain.EventRoomError, domain.CodeNotHost, "only the host can end the meeting")
		return
	}

	targets := make([]*Conn, 0, len(removed))
	for _, p := range removed {
		if member, ok := h.conns[p.ConnID]; ok {
			member.roomID = ""
			targets = append(targets, member)
		}
	}
	for _, member := range targets {
		h.emit(member, domain.EventRoomEnded, domain.RoomEnded{RoomID: roomID})
	}
}

func (h *Hub) handleChat(c *Conn, msg domain.Message) {
	var req domain.ChatRequest
	if err := msg.DecodePayload(&req); err != nil {
		c.log.Debug("malformed chat message", "err", err)
		return
	}
	text := strings.TrimSpace(req.Message)
	if c.roomID == "" || text == "" {
		return
	}
	room, ok := h.reg.Room(c.roomID)
	if !ok {
		return
	}
	sender, ok := room.Participant(c.id)
	if !ok {
		return
	}
	h.BroadcastToRoom(c.roomID, "", domain.EventReceiveMessage, domain.ChatDelivery{
		SocketID:  c.id,
		Username:  sender.Name,
		Message:   text,
		Timestamp: h.now().UnixMilli(),
	})
}

// leaveRoom removes c from its room and tells the remaining members.
func (h *Hub) leaveRoom(c *Conn, reason string) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""

	out := h.reg.Leave(roomID, c.id)
	if !out.Removed || out.RoomDeleted {
		return
	}
	h.BroadcastToRoom(roomID, "", domain.EventUserLeft, domain.UserLeft{
		SocketID: out.Participant.ConnID,
		Username: out.Participant.Name,
		UserID:   out.Participant.UserID,
		Reason:   reason,
	})
	if out.NewHost != nil {
		h.BroadcastToRoom(roomID, "", domain.EventHostChanged, domain.HostChanged{
			NewHostID:   out.NewHost.ConnID,
			NewHostName: out.NewHost.Name,
		})
	}
}

// remove forgets c, treating it as a disconnect. It is safe to call more
// than once for the same connection.
func (h *Hub) remove(c *Conn, reason string) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	h.leaveRoom(c, reason)
	close(c.send)
	c.log.Debug("connection removed", "reason", reason)
}

func (h *Hub) emit(c *Conn, event string, payload any) {
	msg, err := domain.NewMessage(event, payload)
	if err != nil {
		c.log.Error("marshal message", "type", event, "err", err)
		return
	}
	h.send(c, msg)
}

// send never blocks the hub. A client that cannot keep up is dropped.
func (h *Hub) send(c *Conn, msg domain.Message) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send buffer full, dropping connection")
		h.remove(c, domain.LeaveReasonDisconnect)
	}
}

func (h *Hub) shutdown() {
	for id, c := range h.conns {
		delete(h.conns, id)
		close(c.send)
	}
	h.log.Info("hub stopped")
}

func infos(ps []registry.Participant) []domain.ParticipantInfo {
	out := make([]domain.ParticipantInfo, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Info())
	}
	return out
}
