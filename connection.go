package moler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Receiver consumes inbound byte chunks from a Connection. Receivers must be
// bounded-time: delivery is sequential and a slow receiver delays everyone
// behind it.
type Receiver interface {
	Receive(data []byte)
}

// Sender is the outbound half of a transport as seen by a Connection.
type Sender interface {
	Send(data []byte) error
}

// subscription pairs a receiver with the observer owning it so that receiver
// failures and transport loss can be routed to the owner.
type subscription struct {
	id       string
	receiver Receiver
	owner    ConnectionObserver
}

// Connection is the broker between one transport and many observers: every
// inbound chunk is delivered, in order, to the snapshot of subscribers
// installed at delivery time, and outbound lines go through the transport.
//
// DataReceived must be driven by a single goroutine (the transport reader);
// that is what makes per-connection delivery totally ordered and FIFO per
// subscriber.
type Connection struct {
	name           string
	logger         Logger
	lineTerminator string

	mu     sync.Mutex
	subs   []*subscription
	index  map[Receiver]*subscription
	sender Sender
}

// ConnectionOption configures a Connection at construction time.
type ConnectionOption func(*Connection)

// WithConnectionName names the connection in logs.
func WithConnectionName(name string) ConnectionOption {
	return func(c *Connection) {
		c.name = name
	}
}

// WithSender wires the outbound half of the transport.
func WithSender(sender Sender) ConnectionOption {
	return func(c *Connection) {
		c.sender = sender
	}
}

// WithLineTerminator overrides the terminator appended by SendLine.
// Default "\n".
func WithLineTerminator(term string) ConnectionOption {
	return func(c *Connection) {
		c.lineTerminator = term
	}
}

// WithConnectionLogger sets the connection's logger.
func WithConnectionLogger(logger Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// NewConnection creates a connection broker.
func NewConnection(opts ...ConnectionOption) *Connection {
	c := &Connection{
		name:           "moler-connection",
		logger:         NopLogger{},
		lineTerminator: "\n",
		index:          make(map[Receiver]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// SetSender wires the outbound half of the transport after construction.
// Devices use it when the transport is built after the connection.
func (c *Connection) SetSender(sender Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = sender
}

// Subscribe installs receiver for inbound data. Subscribing an already
// subscribed receiver is a no-op. owner may be nil for receivers with no
// observer to fail (taps, sinks).
func (c *Connection) Subscribe(receiver Receiver, owner ConnectionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[receiver]; ok {
		return
	}
	sub := &subscription{
		id:       uuid.New().String(),
		receiver: receiver,
		owner:    owner,
	}
	c.subs = append(c.subs, sub)
	c.index[receiver] = sub
	c.logger.Debug("subscribed", "connection", c.name, "subscription", sub.id, "owner", ownerName(owner))
}

// Unsubscribe removes receiver. Unknown receivers are a no-op.
func (c *Connection) Unsubscribe(receiver Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.index[receiver]
	if !ok {
		return
	}
	delete(c.index, receiver)
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.logger.Debug("unsubscribed", "connection", c.name, "subscription", sub.id, "owner", ownerName(sub.owner))
}

// SubscriberCount returns the number of installed receivers.
func (c *Connection) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// DataReceived publishes one inbound chunk to the current subscriber set.
// The subscriber list is snapshotted first, so a concurrent subscribe or
// unsubscribe either sees the whole delivery or none of it. A failure in one
// receiver does not affect the others: a panicking receiver has the panic
// captured and routed to its owner as the terminal error.
func (c *Connection) DataReceived(data []byte) {
	c.mu.Lock()
	snapshot := make([]*subscription, len(c.subs))
	copy(snapshot, c.subs)
	c.mu.Unlock()

	for _, sub := range snapshot {
		c.deliver(sub, data)
	}
}

func (c *Connection) deliver(sub *subscription, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrReceiverFailure, r)
			c.logger.Error("receiver failed", "connection", c.name, "subscription", sub.id, "error", err)
			if sub.owner != nil {
				sub.owner.SetError(err)
			}
		}
	}()
	sub.receiver.Receive(data)
}

// Send writes raw bytes through the transport.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: connection %s has no transport", ErrRemoteEndpointNotConnected, c.name)
	}
	if err := sender.Send(data); err != nil {
		return fmt.Errorf("send on %s: %w", c.name, err)
	}
	return nil
}

// SendLine writes text followed by the line terminator.
func (c *Connection) SendLine(text string) error {
	c.logger.Debug("sending line", "connection", c.name, "line", text)
	return c.Send([]byte(text + c.lineTerminator))
}

// ConnectionLost fails every currently subscribed owner with a
// disconnect error and clears the subscriber list. Data observed before the
// loss is not replayed after a reconnect.
func (c *Connection) ConnectionLost(cause error) {
	c.mu.Lock()
	snapshot := c.subs
	c.subs = nil
	c.index = make(map[Receiver]*subscription)
	c.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrRemoteEndpointDisconnected, c.name)
	if cause != nil {
		err = fmt.Errorf("%w: %s: %v", ErrRemoteEndpointDisconnected, c.name, cause)
	}
	for _, sub := range snapshot {
		if sub.owner != nil {
			sub.owner.SetError(err)
		}
	}
	c.logger.Debug("connection lost", "connection", c.name, "subscribers", len(snapshot), "cause", cause)
}

func ownerName(owner ConnectionObserver) string {
	if owner == nil {
		return ""
	}
	return owner.Name()
}
