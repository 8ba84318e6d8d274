package domain

// Meeting is returned by the mint endpoint: a fresh room code, the share link
// built from it, and the ICE servers clients should use.
type Meeting struct {
	MeetingID  string      `json:"meetingId"`
	Link       string      `json:"link"`
	ICEServers []ICEServer `json:"iceServers"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// RoomInfo answers whether a room code is live.
type RoomInfo struct {
	RoomID       string `json:"roomId"`
	Exists       bool   `json:"exists"`
	Active       bool   `json:"active"`
	Participants int    `json:"participants"`
	Capacity     int    `json:"capacity"`
}

// MediaKind names the kind of a local or remote track.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaState is a participant's device toggle snapshot.
type MediaState struct {
	Camera      bool `json:"camera"`
	Microphone  bool `json:"microphone"`
	ScreenShare bool `json:"screenShare"`
}

// ParticipantInfo is the public view of a room member.
type ParticipantInfo struct {
	SocketID   string     `json:"socketId"`
	Username   string     `json:"username"`
	UserID     string     `json:"userId"`
	IsHost     bool       `json:"isHost,omitempty"`
	MediaState MediaState `json:"mediaState"`
}
