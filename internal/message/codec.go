package message

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Parse decodes an inbound message and checks the envelope fields every
// message must carry.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: parse: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("message: parse: messageName is required")
	}
	if m.UUID.UserID == "" {
		return nil, fmt.Errorf("message: parse: uuid.userId is required")
	}
	return &m, nil
}

// Marshal encodes an inbound message.
func Marshal(m *Message) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: marshal %s: %w", m.Name, err)
	}
	return data, nil
}

// MarshalResponse encodes an outbound response.
func MarshalResponse(r *Response) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("message: marshal response %s: %w", r.Name, err)
	}
	return data, nil
}

// MarshalResponseIndent encodes an outbound response for humans.
func MarshalResponseIndent(r *Response) ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("message: marshal response %s: %w", r.Name, err)
	}
	return data, nil
}

// ParseResponse decodes an outbound response.
func ParseResponse(data []byte) (*Response, error) {
	var r Response
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("message: parse response: %w", err)
	}
	return &r, nil
}
