package domain

import "encoding/json"

// Message is the envelope for every websocket frame in either direction.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a Message of type t.
func NewMessage(t string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(m.Payload, v)
}

// Client to server events.
const (
	EventJoin             = "join"
	EventSendOffer        = "send-offer"
	EventSendAnswer       = "send-answer"
	EventSendICECandidate = "send-ice-candidate"
	EventMediaState       = "media-state"
	EventLeaveRoom        = "leave-room"
	EventEndMeeting       = "end-meeting"
	EventChatMessage      = "chat-message"
)

// Server to client events.
const (
	EventRoomCreated         = "room-created"
	EventRoomJoined          = "room-joined"
	EventRoomError           = "room-error"
	EventRoomFull            = "room-full"
	EventExistingUsers       = "existing-users"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventReceiveOffer        = "receive-offer"
	EventReceiveAnswer       = "receive-answer"
	EventReceiveICECandidate = "receive-ice-candidate"
	EventUserMediaState      = "user-media-state"
	EventHostChanged         = "host-changed"
	EventRoomEnded           = "room-ended"
	EventReceiveMessage      = "receive-message"
)

// RelayedEvents maps each addressed C2S signaling event to the S2C event
// delivered to its target.
var RelayedEvents = map[string]string{
	EventSendOffer:        EventReceiveOffer,
	EventSendAnswer:       EventReceiveAnswer,
	EventSendICECandidate: EventReceiveICECandidate,
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// OfferRequest, AnswerRequest and CandidateRequest are addressed to one peer.
// The server only reads To; the rest is forwarded untouched.
type OfferRequest struct {
	To    string     `json:"to"`
	Offer SDPPayload `json:"offer"`
}

type AnswerRequest struct {
	To     string     `json:"to"`
	Answer SDPPayload `json:"answer"`
}

type CandidateRequest struct {
	To        string              `json:"to"`
	Candidate ICECandidatePayload `json:"candidate"`
}

// OfferDelivery, AnswerDelivery and CandidateDelivery are what the target receives.
type OfferDelivery struct {
	From  string     `json:"from"`
	Offer SDPPayload `json:"offer"`
}

type AnswerDelivery struct {
	From   string     `json:"from"`
	Answer SDPPayload `json:"answer"`
}

type CandidateDelivery struct {
	From      string              `json:"from"`
	Candidate ICECandidatePayload `json:"candidate"`
}

// JoinRequest asks for membership of a room.
type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
	IsHost   bool   `json:"isHost"`
}

// RoomJoined is the payload of room-created and room-joined.
type RoomJoined struct {
	RoomID       string            `json:"roomId"`
	SelfID       string            `json:"socketId"`
	IsHost       bool              `json:"isHost"`
	HostID       string            `json:"hostId"`
	Capacity     int               `json:"capacity"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
}

// RoomError is the payload of room-error and room-full. It is also sent for a
// rejected end-meeting.
type RoomError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Join rejection codes.
const (
	CodeRoomNotFound  = "room-not-found"
	CodeRoomFull      = "room-full"
	CodeAlreadyJoined = "already-joined"
	CodeRoomInactive  = "room-inactive"
	CodeBadRequest    = "bad-request"
	CodeNotHost       = "not-host"
)

// Reasons carried by user-left.
const (
	LeaveReasonLeft       = "left"
	LeaveReasonDisconnect = "disconnect"
	LeaveReasonEnded      = "ended"
)

// UserLeft is the payload of user-left.
type UserLeft struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Reason   string `json:"reason,omitempty"`
}

// RoomRequest carries only a room id (leave-room, end-meeting).
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// MediaStateUpdate is sent by a client when it toggles a device.
type MediaStateUpdate struct {
	RoomID     string     `json:"roomId"`
	MediaState MediaState `json:"mediaState"`
}

// UserMediaState is the relayed form of MediaStateUpdate.
type UserMediaState struct {
	SocketID   string     `json:"socketId"`
	MediaState MediaState `json:"mediaState"`
}

// HostChanged announces host succession.
type HostChanged struct {
	NewHostID   string `json:"newHostId"`
	NewHostName string `json:"newHostName"`
}

// RoomEnded is broadcast when the host ends the meeting.
type RoomEnded struct {
	RoomID string `json:"roomId"`
}

// ChatRequest is a chat line sent to the room.
type ChatRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// ChatDelivery is a chat line as delivered to room members.
type ChatDelivery struct {
	SocketID  string `json:"socketId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
