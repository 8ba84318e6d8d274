// Package registry is the in-memory source of truth for room membership and
// host designation.
//
// A Registry is not safe for concurrent use. The signaling hub owns one and
// touches it only from its dispatch goroutine, so every validate-then-mutate
// sequence below runs as one step.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/roomcode"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyJoined = errors.New("already joined")
	ErrRoomInactive  = errors.New("room has ended")
	ErrRoomExists    = errors.New("room already exists")
)

const (
	DefaultCapacity     = 3
	DefaultEndedRoomTTL = time.Hour
)

// Options tune a Registry. Zero values fall back to the defaults.
type Options struct {
	Capacity     int
	EndedRoomTTL time.Duration
	Now          func() time.Time
	GenerateCode func() string
	Logger       *slog.Logger
}

// Registry maps room codes to rooms.
type Registry struct {
	capacity int
	endedTTL time.Duration
	now      func() time.Time
	generate func() string
	log      *slog.Logger

	rooms map[string]*Room

	// ended remembers the codes of rooms ended by their host so that late
	// joiners get ErrRoomInactive instead of silently recreating them.
	ended map[string]time.Time
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	r := &Registry{
		capacity: opts.Capacity,
		endedTTL: opts.EndedRoomTTL,
		now:      opts.Now,
		generate: opts.GenerateCode,
		log:      opts.Logger,
		rooms:    make(map[string]*Room),
		ended:    make(map[string]time.Time),
	}
	if r.capacity <= 0 {
		r.capacity = DefaultCapacity
	}
	if r.endedTTL <= 0 {
		r.endedTTL = DefaultEndedRoomTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.generate == nil {
		r.generate = roomcode.Generate
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "registry")
	return r
}

// Capacity is the maximum number of simultaneous members per room.
func (r *Registry) Capacity() int { return r.capacity }

// Len is the number of live rooms.
func (r *Registry) Len() int { return len(r.rooms) }

// Room returns the live room with the given code.
func (r *Registry) Room(id string) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

// NewCode returns a code that belongs to no live or recently ended room.
func (r *Registry) NewCode() string {
	for {
		id := r.generate()
		if _, ok := r.rooms[id]; ok {
			continue
		}
		if r.isEnded(id) {
			continue
		}
		return id
	}
}

// CreateRoom allocates a room whose first member and host is founder. An
// empty id gets a generated code. Rooms never exist without members.
func (r *Registry) CreateRoom(id string, founder Participant) (*Room, error) {
	if id == "" {
		id = r.NewCode()
	}
	if _, ok := r.rooms[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, id)
	}
	if r.isEnded(id) {
		return nil, fmt.Errorf("%w: %s", ErrRoomInactive, id)
	}

	now := r.now()
	room := &Room{
		ID:        id,
		CreatedAt: now,
		Active:    true,
		members:   make(map[string]*Participant),
	}
	founder.JoinedAt = now
	room.add(&founder)
	room.setHost(founder.ConnID)
	r.rooms[id] = room

	r.log.Info("room created", "room", id, "host", founder.ConnID)
	return room, nil
}

// JoinOutcome describes a successful join.
type JoinOutcome struct {
	Room    *Room
	Created bool
	IsHost  bool
	HostID  string
	// Others lists the members present before the joiner, in join order.
	Others []Participant
}

// Join admits p into room roomID. A missing room is created only when the
// joiner declares host intent.
func (r *Registry) Join(roomID string, p Participant, asHost bool) (JoinOutcome, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		if r.isEnded(roomID) {
			return JoinOutcome{}, fmt.Errorf("%w: %s", ErrRoomInactive, roomID)
		}
		if !asHost {
			return JoinOutcome{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		room, err := r.CreateRoom(roomID, p)
		if err != nil {
			return JoinOutcome{}, err
		}
		return JoinOutcome{Room: room, Created: true, IsHost: true, HostID: room.HostID}, nil
	}

	if !room.Active {
		return JoinOutcome{}, fmt.Errorf("%w: %s", ErrRoomInactive, roomID)
	}
	if _, exists := room.members[p.ConnID]; exists {
		return JoinOutcome{}, fmt.Errorf("%w: %s in %s", ErrAlreadyJoined, p.ConnID, roomID)
	}
	if room.Len() >= r.capacity {
		return JoinOutcome{}, fmt.Errorf("%w: %s (%d/%d)", ErrRoomFull, roomID, room.Len(), r.capacity)
	}

	others := room.Participants()
	p.JoinedAt = r.now()
	room.add(&p)
	if room.HostID == "" {
		room.setHost(p.ConnID)
	}

	r.log.Info("participant joined", "room", roomID, "conn", p.ConnID, "members", room.Len())
	return JoinOutcome{
		Room:   room,
		IsHost: room.HostID == p.ConnID,
		HostID: room.HostID,
		Others: others,
	}, nil
}

// LeaveOutcome describes the effect of a leave.
type LeaveOutcome struct {
	Removed     bool
	Participant Participant
	RoomDeleted bool
	// NewHost is set when the departing member was host and someone remains.
	NewHost *Participant
}

// Leave removes connID from roomID, deleting the room once empty and
// promoting the earliest-joined remaining member if the host left.
func (r *Registry) Leave(roomID, connID string) LeaveOutcome {
	room, ok := r.rooms[roomID]
	if !ok {
		return LeaveOutcome{}
	}
	p, ok := room.remove(connID)
	if !ok {
		return LeaveOutcome{}
	}

	out := LeaveOutcome{Removed: true, Participant: *p}
	if room.Len() == 0 {
		delete(r.rooms, roomID)
		out.RoomDeleted = true
		r.log.Info("room deleted", "room", roomID)
		return out
	}

	if room.HostID == connID {
		next := room.members[room.order[0]]
		room.setHost(next.ConnID)
		promoted := *next
		out.NewHost = &promoted
		r.log.Info("host promoted", "room", roomID, "host", next.ConnID)
	}
	return out
}

// UpdateMediaState replaces the stored snapshot. Unknown members are ignored.
func (r *Registry) UpdateMediaState(roomID, connID string, state domain.MediaState) bool {
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	p, ok := room.members[connID]
	if !ok {
		return false
	}
	p.Media = state
	return true
}

// End terminates roomID when requested by its current host, returning the
// members that were removed. ok is false when requesterID is not the host.
func (r *Registry) End(roomID, requesterID string) (removed []Participant, ok bool) {
	room, exists := r.rooms[roomID]
	if !exists || !room.Active || room.HostID != requesterID {
		return nil, false
	}

	removed = room.Participants()
	room.Active = false
	room.members = make(map[string]*Participant)
	room.order = nil
	room.HostID = ""
	delete(r.rooms, roomID)
	r.ended[roomID] = r.now()

	r.log.Info("room ended", "room", roomID, "by", requesterID, "members", len(removed))
	return removed, true
}

// Info reports the public status of a room code.
func (r *Registry) Info(roomID string) domain.RoomInfo {
	info := domain.RoomInfo{RoomID: roomID, Capacity: r.capacity}
	if room, ok := r.rooms[roomID]; ok {
		info.Exists = true
		info.Active = room.Active
		info.Participants = room.Len()
		return info
	}
	if r.isEnded(roomID) {
		info.Exists = true
	}
	return info
}

// isEnded reports whether id is tombstoned, pruning expired tombstones.
func (r *Registry) isEnded(id string) bool {
	now := r.now()
	for code, at := range r.ended {
		if now.Sub(at) >= r.endedTTL {
			delete(r.ended, code)
		}
	}
	_, ok := r.ended[id]
	return ok
}
