package webrtc

import "github.com/vmihailenco/msgpack/v5"

// DataChannelLabel names the data channel the initiator opens on every link.
const DataChannelLabel = "meshmeet"

const msgChat = "chat"

// Message is the envelope for everything sent over the data channel.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ChatPayload is a peer-to-peer chat line.
type ChatPayload struct {
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

func marshalMessage(m Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

func unmarshalMessage(b []byte) (Message, error) {
	var m Message
	err := msgpack.Unmarshal(b, &m)
	return m, err
}
