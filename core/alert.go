package core

import (
	"time"

	"github.com/google/uuid"
)

// IP protocol numbers used by rules and alert output.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Alert is the descriptor handed to outputs when a rule fires.
type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	GID       uint64 `json:"gid"`
	SID       uint64 `json:"sid"`
	Rev       int    `json:"rev"`
	Msg       string `json:"msg"`
	Classtype string `json:"classtype"`
	Priority  int    `json:"priority"`

	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	SrcPort  int    `json:"src_port"`
	DstPort  int    `json:"dst_port"`
	Proto    int    `json:"proto"`
	Username string `json:"username,omitempty"`
	URI      string `json:"uri,omitempty"`
	Filename string `json:"filename,omitempty"`
	MD5      string `json:"md5,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	SHA256   string `json:"sha256,omitempty"`

	EventID  string `json:"event_id"`
	Host     string `json:"host"`
	Facility string `json:"facility"`
	Level    string `json:"level"`
	Tag      string `json:"tag"`
	Program  string `json:"program"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Message  string `json:"message"`

	Extracted map[string]string `json:"extracted,omitempty"`
}

// NewAlert builds an alert for rule from the event and the rule's derived fields.
func NewAlert(rule *Rule, event *Event, d *Derived, now time.Time) *Alert {
	a := &Alert{
		ID:        uuid.New().String(),
		Timestamp: now,
		GID:       rule.GID,
		SID:       rule.SID,
		Rev:       rule.Rev,
		Msg:       rule.Msg,
		Classtype: rule.Classtype,
		Priority:  rule.Priority,
		EventID:   event.EventID,
		Host:      event.Host,
		Facility:  event.Facility,
		Level:     event.Level,
		Tag:       event.Tag,
		Program:   event.Program,
		Date:      event.Date,
		Time:      event.Time,
		Message:   event.Message,
	}
	if d != nil {
		a.SrcIP = d.SrcIP
		a.DstIP = d.DstIP
		a.SrcPort = d.SrcPort
		a.DstPort = d.DstPort
		a.Proto = d.Proto
		a.Username = d.Username
		a.URI = d.URI
		a.Filename = d.Filename
		a.MD5 = d.MD5
		a.SHA1 = d.SHA1
		a.SHA256 = d.SHA256
		if len(d.Extracted) > 0 {
			a.Extracted = make(map[string]string, len(d.Extracted))
			for k, v := range d.Extracted {
				a.Extracted[k] = v
			}
		}
	}
	if a.Date == "" {
		a.Date = now.Format("2006-01-02")
	}
	if a.Time == "" {
		a.Time = now.Format("15:04:05")
	}
	return a
}

// ProtoName returns the fast-log name for an IP protocol number.
func ProtoName(proto int) string {
	switch proto {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}
