package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame types (wire-stable).
const (
	// TypeNotification carries a server-originated notification (server -> client).
	TypeNotification = "notification"
	// TypeConnectionEstablished is sent once after the channel handshake (server -> client).
	TypeConnectionEstablished = "connection_established"
	// TypePong answers a ping (server -> client).
	TypePong = "pong"
	// TypePing is the heartbeat frame (client -> server).
	TypePing = "ping"
)

// Frame is the tagged JSON object exchanged over the notification channel.
type Frame struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	Message      string        `json:"message,omitempty"`

	// Data is accepted as an alternate carrier for the notification body.
	Data json.RawMessage `json:"data,omitempty"`
}

// PingFrame returns the outbound heartbeat frame.
func PingFrame() Frame { return Frame{Type: TypePing} }

// DecodeFrame parses one inbound frame. Unknown types decode fine; only
// malformed JSON or a missing type is an error.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return Frame{}, errors.New("missing type")
	}
	if f.Type == TypeNotification && f.Notification == nil && len(f.Data) > 0 && !bytes.Equal(f.Data, []byte("null")) {
		var n Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return Frame{}, fmt.Errorf("notification data: %w", err)
		}
		f.Notification = &n
	}
	return f, nil
}

// Notification is the payload of a notification frame.
type Notification struct {
	ID        ID              `json:"id,omitempty"`
	Type      string          `json:"type"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
}

// Priority ranks a notification for alerting.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// String returns the wire name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "MEDIUM"
	}
}

// ParsePriority maps a wire name (any case) to a Priority.
// Unknown or empty names map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	case "URGENT":
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the priority name in any case.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	*p = ParsePriority(s)
	return nil
}

// AtLeast reports whether p ranks at or above min.
func (p Priority) AtLeast(min Priority) bool {
	if p == 0 {
		p = PriorityMedium
	}
	return p >= min
}

// ID is an identifier sent either as a JSON string or a JSON number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}
