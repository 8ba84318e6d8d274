package domain

import (
	"context"

	pion "github.com/pion/webrtc/v4"
)

// SignalSender delivers addressed negotiation payloads to one remote peer.
type SignalSender interface {
	SendOffer(to string, sdp SDPPayload)
	SendAnswer(to string, sdp SDPPayload)
	SendICECandidate(to string, candidate ICECandidatePayload)
}

// Signaler manages the websocket signaling connection.
type Signaler interface {
	SignalSender
	Connect(ctx context.Context) error
	Join(req JoinRequest) error
	SendMediaState(roomID string, state MediaState)
	SendChat(roomID, username, message string)
	Leave(roomID string)
	EndMeeting(roomID string)
	Close()
}

// Handler receives signaling events.
type Handler interface {
	OnRoomJoined(joined RoomJoined)
	OnExistingUsers(users []ParticipantInfo)
	OnRoomError(roomErr RoomError)
	OnUserJoined(user ParticipantInfo)
	OnUserLeft(user UserLeft)
	OnOffer(from string, sdp SDPPayload)
	OnAnswer(from string, sdp SDPPayload)
	OnRemoteICECandidate(from string, candidate ICECandidatePayload)
	OnUserMediaState(state UserMediaState)
	OnHostChanged(host HostChanged)
	OnRoomEnded(ended RoomEnded)
	OnChatMessage(msg ChatDelivery)
	OnDisconnected(err error)
}

// LinkState is the negotiation state of one PeerLink.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOfferSent
	LinkAnswerSent
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOfferSent:
		return "offer-sent"
	case LinkAnswerSent:
		return "answer-sent"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerLink is the local side of the media connection to one remote participant.
type PeerLink interface {
	RemoteID() string
	State() LinkState
	Initiate() error
	AcceptOffer(sdp SDPPayload) error
	AcceptAnswer(sdp SDPPayload) error
	AddRemoteCandidate(candidate ICECandidatePayload) error
	ReplaceTrack(kind MediaKind, track pion.TrackLocal) error
	SendChat(text string) error
	// Established is closed once the transport reaches connected.
	Established() <-chan struct{}
	// Done is closed when the link is closed.
	Done() <-chan struct{}
	Close() error
}

// LinkEvents is how a PeerLink reports back to its owner.
type LinkEvents interface {
	OnRemoteTrack(remoteID string, track *pion.TrackRemote)
	// OnLinkClosed names the link itself so an owner holding a newer link
	// to the same participant can tell the two apart.
	OnLinkClosed(link PeerLink)
	OnPeerChat(remoteID, text string)
}

// Observer is the presentation layer the meeting controller notifies.
type Observer interface {
	OnJoined(joined RoomJoined)
	OnJoinFailed(err error)
	OnParticipantJoined(user ParticipantInfo)
	OnRemoteTrack(remoteID string, track *pion.TrackRemote)
	OnPeerRemoved(remoteID string)
	OnMediaState(state UserMediaState)
	OnHostChanged(host HostChanged)
	OnChat(from, username, text string)
	OnMeetingEnded()
	OnError(remoteID string, err error)
}
