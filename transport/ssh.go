package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ferhatcicek/moler"
)

func init() {
	_ = moler.RegisterTransportType("ssh", func(cfg moler.DeviceConfig) (moler.Transport, error) {
		return NewSSH(cfg.Host,
			WithSSHPort(cfg.EffectivePort()),
			WithCredentials(cfg.Username, cfg.Password),
			WithSSHReceiveBufferSize(cfg.EffectiveReceiveBufferSize()),
		), nil
	})
}

// SSH owns one interactive shell channel over SSH. Open dials the endpoint,
// requests a PTY and starts a shell; the shell's output stream feeds the
// injector and Send writes to its stdin.
//
// Host keys are not verified ("accept new" policy): the transport targets
// lab fleets where endpoints are reinstalled often. Production users should
// front it with their own verification.
type SSH struct {
	host     string
	port     int
	username string
	password string

	dialTimeout time.Duration
	bufferSize  int
	termType    string
	logger      moler.Logger

	mu       sync.Mutex
	client   *ssh.Client
	session  *ssh.Session
	stdin    io.WriteCloser
	injector moler.DataInjector
	made     []func(error)
	lost     []func(error)
	closing  bool
	reader   chan struct{}
}

// SSHOption configures an SSH transport.
type SSHOption func(*SSH)

// WithSSHPort overrides the default port 22.
func WithSSHPort(port int) SSHOption {
	return func(s *SSH) {
		if port > 0 {
			s.port = port
		}
	}
}

// WithCredentials sets password authentication.
func WithCredentials(username, password string) SSHOption {
	return func(s *SSH) {
		s.username = username
		s.password = password
	}
}

// WithSSHDialTimeout bounds Open; expiry surfaces ErrConnectionTimeout.
func WithSSHDialTimeout(d time.Duration) SSHOption {
	return func(s *SSH) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithSSHReceiveBufferSize sizes the inbound read buffer.
func WithSSHReceiveBufferSize(n int) SSHOption {
	return func(s *SSH) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithTermType overrides the PTY terminal type. Default "xterm".
func WithTermType(term string) SSHOption {
	return func(s *SSH) {
		if term != "" {
			s.termType = term
		}
	}
}

// WithSSHLogger sets the transport's logger.
func WithSSHLogger(logger moler.Logger) SSHOption {
	return func(s *SSH) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSSH creates an SSH transport to host. The channel opens on Open.
func NewSSH(host string, opts ...SSHOption) *SSH {
	s := &SSH{
		host:        host,
		port:        22,
		dialTimeout: defaultDialTimeout,
		bufferSize:  64 * 4096,
		termType:    "xterm",
		logger:      moler.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SSH) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d", s.username, s.host, s.port)
}

// SetInjector wires the inbound byte sink. Must be called before Open.
func (s *SSH) SetInjector(inj moler.DataInjector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injector = inj
}

// Notify registers a lifecycle callback.
func (s *SSH) Notify(when moler.TransportEvent, callback func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch when {
	case moler.TransportConnectionMade:
		s.made = append(s.made, callback)
	case moler.TransportConnectionLost:
		s.lost = append(s.lost, callback)
	}
}

// Open establishes the SSH transport and an interactive shell session on top
// of it. Opening an open transport is a no-op.
func (s *SSH) Open() error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sshConfig := &ssh.ClientConfig{
		User:            s.username,
		Auth:            []ssh.AuthMethod{ssh.Password(s.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.dialTimeout,
	}
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return fmt.Errorf("%w: dialing %s", moler.ErrConnectionTimeout, addr)
		}
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	session, stdin, stdout, err := s.openShell(client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("opening shell on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.client = client
	s.session = session
	s.stdin = stdin
	s.closing = false
	s.reader = make(chan struct{})
	injector := s.injector
	reader := s.reader
	s.mu.Unlock()

	s.logger.Debug("connection open", "transport", s.String())
	go s.read(stdout, injector, reader)
	s.fire(s.callbacks(moler.TransportConnectionMade), nil)
	return nil
}

func (s *SSH) openShell(client *ssh.Client) (*ssh.Session, io.WriteCloser, io.Reader, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(s.termType, 40, 80, modes); err != nil {
		_ = session.Close()
		return nil, nil, nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, nil, err
	}
	// no StderrPipe: the PTY merges stderr into the shell stream remotely
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, nil, nil, err
	}
	return session, stdin, stdout, nil
}

// read drains the shell output into the injector until the channel breaks,
// then fires connection-lost exactly once per open cycle.
func (s *SSH) read(stdout io.Reader, injector moler.DataInjector, done chan struct{}) {
	defer close(done)
	buf := make([]byte, s.bufferSize)
	var cause error
	for {
		n, err := stdout.Read(buf)
		if n > 0 && injector != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			injector.DataReceived(chunk)
		}
		if err != nil {
			if err != io.EOF {
				cause = err
			}
			break
		}
	}

	s.mu.Lock()
	deliberate := s.closing
	s.mu.Unlock()
	if deliberate {
		cause = nil
	}
	s.logger.Debug("connection lost", "transport", s.String(), "cause", cause)
	s.fire(s.callbacks(moler.TransportConnectionLost), cause)
}

// Close tears down the shell session and the SSH transport. It is
// idempotent.
func (s *SSH) Close() error {
	s.mu.Lock()
	client := s.client
	session := s.session
	reader := s.reader
	if client == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.client = nil
	s.session = nil
	s.stdin = nil
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	err := client.Close()
	if reader != nil {
		<-reader
	}
	s.logger.Debug("connection closed", "transport", s.String())
	return err
}

// Send writes data to the shell's stdin.
func (s *SSH) Send(data []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("%w: %s", moler.ErrRemoteEndpointNotConnected, s.String())
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("writing to %s: %w", s.String(), err)
	}
	return nil
}

func (s *SSH) callbacks(when moler.TransportEvent) []func(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var src []func(error)
	if when == moler.TransportConnectionMade {
		src = s.made
	} else {
		src = s.lost
	}
	out := make([]func(error), len(src))
	copy(out, src)
	return out
}

func (s *SSH) fire(callbacks []func(error), cause error) {
	for _, cb := range callbacks {
		cb(cause)
	}
}
