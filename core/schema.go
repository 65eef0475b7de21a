package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is one normalized log record as handed to the engine.
// The syslog fields are filled by the ingest parsers; Normalized is filled by
// the normalization stage and may be nil when nothing was extracted.
type Event struct {
	EventID    string    `json:"event_id"`
	ReceivedAt time.Time `json:"received_at"`

	Host     string `json:"host"`
	Facility string `json:"facility"`
	Priority string `json:"priority"`
	Level    string `json:"level"`
	Tag      string `json:"tag"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Program  string `json:"program"`
	Message  string `json:"message"`

	Normalized *Normalized `json:"normalized,omitempty"`
}

// NewEvent creates a new Event with a generated UUID
func NewEvent() *Event {
	return &Event{
		EventID:    uuid.New().String(),
		ReceivedAt: time.Now().UTC(),
	}
}

// Normalized holds the fields a normalization pass pulled out of the message.
type Normalized struct {
	SrcIP    string `json:"src_ip,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	SrcPort  int    `json:"src_port,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Username string `json:"username,omitempty"`
	URI      string `json:"uri,omitempty"`
	Filename string `json:"filename,omitempty"`
	MD5      string `json:"md5,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// Empty reports whether normalization produced nothing usable.
func (n *Normalized) Empty() bool {
	if n == nil {
		return true
	}
	return n.SrcIP == "" && n.DstIP == "" && n.SrcPort == 0 && n.DstPort == 0 &&
		n.Username == "" && n.URI == "" && n.Filename == "" &&
		n.MD5 == "" && n.SHA1 == "" && n.SHA256 == ""
}

// Derived is the per-rule view of an event after field resolution.
// It is built fresh for every matched rule so rules never see each
// other's parse directives.
type Derived struct {
	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	Username string
	URI      string
	Filename string
	MD5      string
	SHA1     string
	SHA256   string
	Proto    int

	// Extracted holds named captures from structured-field terms.
	Extracted map[string]string
}

// Hash returns the first non-empty hash, strongest first.
func (d *Derived) Hash() string {
	switch {
	case d.SHA256 != "":
		return d.SHA256
	case d.SHA1 != "":
		return d.SHA1
	default:
		return d.MD5
	}
}
