package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is a server-assigned identifier. The backend emits room numbers,
// message ids and employee ids either as JSON numbers or as strings, so both
// decode into the same value.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Timestamp wraps the createdAt value. It is display information only.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if len(data) > 0 && data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid epoch timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		// Layouts without a zone are the server's local time.
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// SenderMeta is the optional employee block attached to a message.
type SenderMeta struct {
	DepartmentName string `json:"departmentName,omitempty"`
	LevelName      string `json:"levelName,omitempty"`
}

type Message struct {
	ID         ID          `json:"id"`
	RoomID     ID          `json:"roomNum"`
	Sender     ID          `json:"sender"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"msg"`
	CreatedAt  Timestamp   `json:"createdAt"`
	SenderMeta *SenderMeta `json:"employee,omitempty"`
}

// DecodeMessage parses one pushed payload. A payload without an id cannot be
// deduplicated and is rejected.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("decode message: missing id")
	}
	return msg, nil
}
