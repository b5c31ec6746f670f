// Package transport provides the concrete byte-channel implementations
// consumed by moler connections: raw TCP, Telnet and SSH. All of them honor
// the Transport contract of the root package and register themselves as io
// types for configuration-driven device building.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ferhatcicek/moler"
)

const defaultDialTimeout = 10 * time.Second

func init() {
	_ = moler.RegisterTransportType("tcp", func(cfg moler.DeviceConfig) (moler.Transport, error) {
		if cfg.Port == 0 {
			return nil, fmt.Errorf("%w: port is required for tcp", moler.ErrWrongUsage)
		}
		return NewTCP(cfg.Host, cfg.Port,
			WithReceiveBufferSize(cfg.EffectiveReceiveBufferSize()),
		), nil
	})
}

// TCP owns one raw TCP byte channel to a remote endpoint.
type TCP struct {
	host string
	port int

	dialTimeout time.Duration
	bufferSize  int
	logger      moler.Logger

	mu       sync.Mutex
	conn     net.Conn
	injector moler.DataInjector
	made     []func(error)
	lost     []func(error)
	closing  bool
	reader   chan struct{}
}

// TCPOption configures a TCP transport.
type TCPOption func(*TCP)

// WithDialTimeout bounds Open; expiry surfaces ErrConnectionTimeout.
// Default 10s.
func WithDialTimeout(d time.Duration) TCPOption {
	return func(t *TCP) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithReceiveBufferSize sizes the inbound read buffer.
func WithReceiveBufferSize(n int) TCPOption {
	return func(t *TCP) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithLogger sets the transport's logger.
func WithLogger(logger moler.Logger) TCPOption {
	return func(t *TCP) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTCP creates a TCP transport for host:port. The channel opens on Open.
func NewTCP(host string, port int, opts ...TCPOption) *TCP {
	t := &TCP{
		host:        host,
		port:        port,
		dialTimeout: defaultDialTimeout,
		bufferSize:  64 * 1024,
		logger:      moler.NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TCP) String() string {
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(t.host, fmt.Sprint(t.port)))
}

// SetInjector wires the inbound byte sink. Must be called before Open.
func (t *TCP) SetInjector(inj moler.DataInjector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.injector = inj
}

// Notify registers a lifecycle callback.
func (t *TCP) Notify(when moler.TransportEvent, callback func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch when {
	case moler.TransportConnectionMade:
		t.made = append(t.made, callback)
	case moler.TransportConnectionLost:
		t.lost = append(t.lost, callback)
	}
}

// Open dials the endpoint and starts the reader goroutine. Opening an open
// transport is a no-op.
func (t *TCP) Open() error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	addr := net.JoinHostPort(t.host, fmt.Sprint(t.port))
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		t.mu.Unlock()
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return fmt.Errorf("%w: dialing %s", moler.ErrConnectionTimeout, addr)
		}
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	t.conn = conn
	t.closing = false
	t.reader = make(chan struct{})
	injector := t.injector
	reader := t.reader
	t.mu.Unlock()

	t.logger.Debug("connection open", "transport", t.String())
	go t.read(conn, injector, reader)
	t.fire(t.callbacks(moler.TransportConnectionMade), nil)
	return nil
}

// read pushes inbound chunks into the injector until the channel breaks,
// then fires connection-lost exactly once per open cycle.
func (t *TCP) read(conn net.Conn, injector moler.DataInjector, done chan struct{}) {
	defer close(done)
	buf := make([]byte, t.bufferSize)
	var cause error
	for {
		n, err := conn.Read(buf)
		if n > 0 && injector != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			injector.DataReceived(chunk)
		}
		if err != nil {
			cause = err
			break
		}
	}

	t.mu.Lock()
	deliberate := t.closing
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	if deliberate {
		cause = nil
	}
	t.logger.Debug("connection lost", "transport", t.String(), "cause", cause)
	t.fire(t.callbacks(moler.TransportConnectionLost), cause)
}

// Close tears the channel down and waits for the reader to drain. It is
// idempotent.
func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	reader := t.reader
	if conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	err := conn.Close()
	if reader != nil {
		<-reader
	}
	t.logger.Debug("connection closed", "transport", t.String())
	return err
}

// Send writes data synchronously.
func (t *TCP) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", moler.ErrRemoteEndpointNotConnected, t.String())
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing to %s: %w", t.String(), err)
	}
	return nil
}

func (t *TCP) callbacks(when moler.TransportEvent) []func(error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var src []func(error)
	if when == moler.TransportConnectionMade {
		src = t.made
	} else {
		src = t.lost
	}
	out := make([]func(error), len(src))
	copy(out, src)
	return out
}

func (t *TCP) fire(callbacks []func(error), cause error) {
	for _, cb := range callbacks {
		cb(cause)
	}
}
