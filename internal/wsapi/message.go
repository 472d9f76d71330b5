package wsapi

import (
	"encoding/base64"
	"fmt"
)

// Message is a single WebSocket data frame as seen by page code.
type Message struct {
	Binary bool
	Data   []byte
}

func TextMessage(s string) Message { return Message{Data: []byte(s)} }

func BinaryMessage(b []byte) Message { return Message{Binary: true, Data: b} }

// Text returns the payload as it travels in relay events: raw for text
// frames, base64 for binary ones.
func (m Message) Text() string {
	if m.Binary {
		return base64.StdEncoding.EncodeToString(m.Data)
	}
	return string(m.Data)
}

func (m Message) String() string {
	if m.Binary {
		return fmt.Sprintf("[binary %d bytes]", len(m.Data))
	}
	return string(m.Data)
}

// DecodeMessage is the inverse of Message.Text.
func DecodeMessage(payload string, binary bool) (Message, error) {
	if !binary {
		return TextMessage(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Message{}, fmt.Errorf("decode binary payload: %w", err)
	}
	return BinaryMessage(data), nil
}
