package registry

import (
	"slices"
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
)

// Participant is one live connection inside a room.
type Participant struct {
	// ConnID is unique per transport connection and never reused.
	ConnID string

	Name string

	// UserID is chosen client-side and survives reconnects.
	UserID string

	Media    domain.MediaState
	JoinedAt time.Time
	IsHost   bool
}

// Info converts p to its wire form.
func (p Participant) Info() domain.ParticipantInfo {
	return domain.ParticipantInfo{
		SocketID:   p.ConnID,
		Username:   p.Name,
		UserID:     p.UserID,
		IsHost:     p.IsHost,
		MediaState: p.Media,
	}
}

// Room is a meeting and its members.
type Room struct {
	ID        string
	CreatedAt time.Time
	Active    bool
	HostID    string

	members map[string]*Participant
	// order holds member ids by join time; host succession walks it.
	order []string
}

// Len is the current member count.
func (r *Room) Len() int { return len(r.order) }

// Participant returns a copy of the member with the given connection id.
func (r *Room) Participant(connID string) (Participant, bool) {
	p, ok := r.members[connID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns copies of all members in join order.
func (r *Room) Participants() []Participant {
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.members[id])
	}
	return out
}

// Host returns the current host.
func (r *Room) Host() (Participant, bool) {
	return r.Participant(r.HostID)
}

func (r *Room) add(p *Participant) {
	r.members[p.ConnID] = p
	r.order = append(r.order, p.ConnID)
}

func (r *Room) remove(connID string) (*Participant, bool) {
	p, ok := r.members[connID]
	if !ok {
		return nil, false
	}
	delete(r.members, connID)
	if i := slices.Index(r.order, connID); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return p, true
}

func (r *Room) setHost(connID string) {
	if old, ok := r.members[r.HostID]; ok {
		old.IsHost = false
	}
	r.HostID = connID
	if p, ok := r.members[connID]; ok {
		p.IsHost = true
	}
}
