package ingest

import (
	"logcorr/core"

	"go.uber.org/zap"
)

// SyslogListener listens for log records over TCP and UDP.
type SyslogListener struct {
	*BaseListener
}

// NewSyslogListener creates a syslog listener. The pipeline decides which
// record formats are accepted.
func NewSyslogListener(host string, port int, rateLimit int, pipeline *Pipeline, eventCh chan<- *core.Event, logger *zap.SugaredLogger) (*SyslogListener, error) {
	base, err := NewBaseListener(host, port, rateLimit, pipeline, eventCh, logger)
	if err != nil {
		return nil, err
	}
	return &SyslogListener{BaseListener: base}, nil
}

// Start binds TCP and UDP. When either fails, nothing is left listening.
func (s *SyslogListener) Start() error {
	if err := s.ListenTCP("syslog"); err != nil {
		return err
	}
	if err := s.ListenUDP("syslog"); err != nil {
		s.Stop()
		return err
	}
	return nil
}
