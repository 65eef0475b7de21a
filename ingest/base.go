package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTCPConnections is the default maximum number of concurrent TCP connections
	DefaultMaxTCPConnections = 1000
	// DefaultMaxConnectionsPerIP is the default maximum number of concurrent connections per IP
	DefaultMaxConnectionsPerIP = 10
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	tcpIdleTimeout = 5 * time.Minute
	maxLineLength  = 64 * 1024
)

// validatePort validates that a port number is within the valid range.
// Port 0 is allowed for automatic port assignment.
func validatePort(port int) error {
	if port < 0 || port > MaxPort {
		return fmt.Errorf("invalid port number: %d (must be between 0 and %d)", port, MaxPort)
	}
	return nil
}

// Pipeline turns a raw record into an event ready for the engine.
type Pipeline struct {
	Parse      ParseFunc
	Normalizer *Normalizer
}

// Build parses raw, stamps missing date/time and runs normalization.
func (p *Pipeline) Build(raw string) (*core.Event, error) {
	parse := p.Parse
	if parse == nil {
		parse = ParseAuto
	}
	event, err := parse(raw)
	if err != nil {
		return nil, err
	}
	stampReceived(event)
	p.Normalizer.Normalize(event)
	return event, nil
}

// BaseListener provides the UDP and TCP plumbing shared by listeners.
type BaseListener struct {
	host                string
	port                int
	limiter             *rate.Limiter
	pipeline            *Pipeline
	eventCh             chan<- *core.Event
	stopCh              chan struct{}
	stopOnce            sync.Once
	wg                  sync.WaitGroup
	logger              *zap.SugaredLogger
	udpConn             net.PacketConn
	tcpListener         net.Listener
	connSemaphore       chan struct{}
	maxConnections      int
	ipConnections       map[string]int
	ipConnectionsMutex  sync.Mutex
	maxConnectionsPerIP int
}

// NewBaseListener creates a base listener. rateLimit is events per second;
// zero or less disables rate limiting.
func NewBaseListener(host string, port int, rateLimit int, pipeline *Pipeline, eventCh chan<- *core.Event, logger *zap.SugaredLogger) (*BaseListener, error) {
	return NewBaseListenerWithMaxConnections(host, port, rateLimit, pipeline, eventCh, logger, DefaultMaxTCPConnections)
}

// NewBaseListenerWithMaxConnections creates a base listener with a bounded TCP connection pool.
func NewBaseListenerWithMaxConnections(host string, port int, rateLimit int, pipeline *Pipeline, eventCh chan<- *core.Event, logger *zap.SugaredLogger, maxConnections int) (*BaseListener, error) {
	if err := validatePort(port); err != nil {
		return nil, err
	}
	if maxConnections <= 0 {
		maxConnections = DefaultMaxTCPConnections
	}
	if pipeline == nil {
		pipeline = &Pipeline{}
	}

	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}

	return &BaseListener{
		host:                host,
		port:                port,
		limiter:             rate.NewLimiter(limit, max(rateLimit, 1)),
		pipeline:            pipeline,
		eventCh:             eventCh,
		stopCh:              make(chan struct{}),
		logger:              logger,
		maxConnections:      maxConnections,
		connSemaphore:       make(chan struct{}, maxConnections),
		ipConnections:       make(map[string]int),
		maxConnectionsPerIP: DefaultMaxConnectionsPerIP,
	}, nil
}

// processEvent builds an event from raw and queues it without blocking.
func (b *BaseListener) processEvent(raw, sourceIP, name string) {
	if !b.limiter.Allow() {
		metrics.EventsDropped.WithLabelValues(name, "rate_limited").Inc()
		b.logger.Debugw("Rate limit exceeded", "listener", name, "source", sourceIP)
		return
	}
	event, err := b.pipeline.Build(raw)
	if err != nil {
		if errors.Is(err, ErrEmptyRecord) {
			return
		}
		metrics.EventsDropped.WithLabelValues(name, "parse_error").Inc()
		b.logger.Warnw("Failed to parse event",
			"listener", name,
			"source", sourceIP,
			"error", err)
		return
	}
	if event.Host == "" {
		event.Host = sourceIP
	}

	select {
	case b.eventCh <- event:
		metrics.EventsIngested.WithLabelValues(name).Inc()
	default:
		metrics.EventsDropped.WithLabelValues(name, "queue_full").Inc()
		b.logger.Warnw("Event channel full, dropping event", "listener", name)
	}
}

func (b *BaseListener) address() string {
	return net.JoinHostPort(b.host, fmt.Sprint(b.port))
}

// ListenUDP binds the UDP socket and serves it in the background.
func (b *BaseListener) ListenUDP(name string) error {
	conn, err := net.ListenPacket("udp", b.address())
	if err != nil {
		return fmt.Errorf("failed to start %s UDP listener: %w", name, err)
	}
	b.udpConn = conn
	b.logger.Infow("UDP listener started", "listener", name, "addr", conn.LocalAddr().String())

	b.wg.Add(1)
	go b.serveUDP(conn, name+"_udp")
	return nil
}

func (b *BaseListener) serveUDP(conn net.PacketConn, name string) {
	defer b.wg.Done()

	buffer := make([]byte, 65536)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Errorw("UDP read error", "listener", name, "error", err)
			continue
		}
		raw := strings.TrimSpace(string(buffer[:n]))
		if raw == "" {
			continue
		}
		b.processEvent(raw, hostOnly(addr.String()), name)
	}
}

// ListenTCP binds the TCP socket and accepts connections in the background.
// Each connection carries newline-delimited records.
func (b *BaseListener) ListenTCP(name string) error {
	listener, err := net.Listen("tcp", b.address())
	if err != nil {
		return fmt.Errorf("failed to start %s TCP listener: %w", name, err)
	}
	b.tcpListener = listener
	b.logger.Infow("TCP listener started",
		"listener", name,
		"addr", listener.Addr().String(),
		"max_connections", b.maxConnections)

	b.wg.Add(1)
	go b.acceptTCP(listener, name+"_tcp")
	return nil
}

func (b *BaseListener) acceptTCP(listener net.Listener, name string) {
	defer b.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			b.logger.Errorw("TCP accept error", "listener", name, "error", err)
			continue
		}

		ip := hostOnly(conn.RemoteAddr().String())

		b.ipConnectionsMutex.Lock()
		if b.ipConnections[ip] >= b.maxConnectionsPerIP {
			b.ipConnectionsMutex.Unlock()
			b.logger.Warnw("Per-IP connection limit exceeded, rejecting connection",
				"listener", name, "ip", ip, "limit", b.maxConnectionsPerIP)
			metrics.TCPConnectionPoolRejected.WithLabelValues(name).Inc()
			conn.Close()
			continue
		}

		select {
		case b.connSemaphore <- struct{}{}:
			b.ipConnections[ip]++
			b.ipConnectionsMutex.Unlock()

			metrics.TCPConnectionPoolActive.WithLabelValues(name).Inc()
			b.wg.Add(1)
			go b.handleTCPConnection(conn, name, ip)
		default:
			b.ipConnectionsMutex.Unlock()
			b.logger.Warnw("TCP connection pool full, rejecting connection",
				"listener", name, "ip", ip, "max_connections", b.maxConnections)
			metrics.TCPConnectionPoolRejected.WithLabelValues(name).Inc()
			conn.Close()
		}
	}
}

func (b *BaseListener) handleTCPConnection(conn net.Conn, name, ip string) {
	defer b.wg.Done()
	defer conn.Close()
	defer func() {
		<-b.connSemaphore
		metrics.TCPConnectionPoolActive.WithLabelValues(name).Dec()

		b.ipConnectionsMutex.Lock()
		b.ipConnections[ip]--
		if b.ipConnections[ip] <= 0 {
			delete(b.ipConnections, ip)
		}
		b.ipConnectionsMutex.Unlock()
	}()

	// unblock the scanner on Stop
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-b.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			b.processEvent(line, ip, name)
		}
		_ = conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Debugw("TCP connection closed with error", "listener", name, "ip", ip, "error", err)
	}
}

// UDPAddr returns the bound UDP address, or nil before ListenUDP.
func (b *BaseListener) UDPAddr() net.Addr {
	if b.udpConn == nil {
		return nil
	}
	return b.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil before ListenTCP.
func (b *BaseListener) TCPAddr() net.Addr {
	if b.tcpListener == nil {
		return nil
	}
	return b.tcpListener.Addr()
}

// Stop closes the sockets and waits for every connection handler to return.
// It is safe to call more than once.
func (b *BaseListener) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.udpConn != nil {
			b.udpConn.Close()
		}
		if b.tcpListener != nil {
			b.tcpListener.Close()
		}
	})
	b.wg.Wait()
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
