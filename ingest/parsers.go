package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"logcorr/core"
)

// maxMessageLength bounds the message kept per event.
const maxMessageLength = 10240

// pipeFields is the number of fields in a pipe-delimited record:
// host|facility|priority|level|tag|date|time|program|message
const pipeFields = 9

// ErrEmptyRecord is returned for blank input lines.
var ErrEmptyRecord = errors.New("empty record")

var (
	// RFC3164 syslog: <pri>timestamp hostname message
	syslogRe = regexp.MustCompile(`^<(\d+)>(\w{3}\s+\d+\s+(\d+:\d+:\d+))\s+(\S+)\s+(.+)$`)
	// program[pid]: message
	syslogTagRe = regexp.MustCompile(`^([^\s:\[]+)(?:\[(\d+)\])?:\s*(.*)$`)
)

var facilityNames = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var severityNames = []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

// ParseFunc turns one raw record into an event.
type ParseFunc func(raw string) (*core.Event, error)

// ParsePipe parses the pipe-delimited record format. The message is the
// remainder after the eighth separator and may itself contain '|'.
func ParsePipe(raw string) (*core.Event, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyRecord
	}
	parts := strings.SplitN(raw, "|", pipeFields)
	if len(parts) != pipeFields {
		return nil, fmt.Errorf("invalid record: want %d fields, got %d", pipeFields, len(parts))
	}

	event := core.NewEvent()
	event.Host = strings.TrimSpace(parts[0])
	event.Facility = parts[1]
	event.Priority = parts[2]
	event.Level = parts[3]
	event.Tag = parts[4]
	event.Date = parts[5]
	event.Time = parts[6]
	event.Program = parts[7]
	event.Message = truncateMessage(strings.TrimLeft(parts[8], " "))
	return event, nil
}

// ParseSyslog parses an RFC3164 syslog line.
func ParseSyslog(raw string) (*core.Event, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyRecord
	}
	matches := syslogRe.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("invalid syslog message")
	}
	pri, err := strconv.Atoi(matches[1])
	if err != nil || pri > 191 {
		return nil, fmt.Errorf("invalid priority in syslog message: %q", matches[1])
	}

	event := core.NewEvent()
	event.Facility = facilityName(pri / 8)
	event.Priority = severityNames[pri%8]
	event.Level = severityNames[pri%8]
	event.Date = event.ReceivedAt.Format("2006-01-02")
	event.Time = matches[3]
	event.Host = matches[4]

	msg := matches[5]
	if tag := syslogTagRe.FindStringSubmatch(msg); tag != nil {
		event.Program = tag[1]
		event.Tag = tag[1]
		if tag[2] != "" {
			event.Tag = tag[1] + "[" + tag[2] + "]"
		}
		msg = tag[3]
	}
	event.Message = truncateMessage(msg)
	return event, nil
}

// ParseAuto picks the syslog parser for lines starting with '<' and the
// pipe-delimited parser otherwise.
func ParseAuto(raw string) (*core.Event, error) {
	if strings.HasPrefix(strings.TrimSpace(raw), "<") {
		return ParseSyslog(raw)
	}
	return ParsePipe(raw)
}

// ParserFor returns the parser registered under name.
func ParserFor(name string) (ParseFunc, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return ParseAuto, nil
	case "pipe":
		return ParsePipe, nil
	case "syslog", "rfc3164":
		return ParseSyslog, nil
	default:
		return nil, fmt.Errorf("unknown input format %q", name)
	}
}

func facilityName(code int) string {
	if code >= 0 && code < len(facilityNames) {
		return facilityNames[code]
	}
	return strconv.Itoa(code)
}

func truncateMessage(msg string) string {
	if len(msg) > maxMessageLength {
		return msg[:maxMessageLength]
	}
	return msg
}

// stampReceived fills Date and Time from the receive time when the
// record left them empty.
func stampReceived(event *core.Event) {
	if event.Date == "" {
		event.Date = event.ReceivedAt.Format("2006-01-02")
	}
	if event.Time == "" {
		event.Time = event.ReceivedAt.Format(time.TimeOnly)
	}
}
