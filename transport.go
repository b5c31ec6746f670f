package moler

import (
	"fmt"
	"sort"
	"sync"
)

// TransportEvent names a transport lifecycle notification.
type TransportEvent int

const (
	// TransportConnectionMade fires when the byte channel is established.
	TransportConnectionMade TransportEvent = iota
	// TransportConnectionLost fires when the byte channel breaks, locally
	// or remotely.
	TransportConnectionLost
)

// DataInjector is where a transport pushes inbound bytes: the Connection
// owning the transport. A transport has exactly one injector.
type DataInjector interface {
	DataReceived(data []byte)
}

// Transport owns one bidirectional byte channel to a remote endpoint.
// Concrete implementations (TCP, Telnet, SSH) live in the transport
// subpackage; all of them honor the same semantics:
//
//   - Open is blocking and either succeeds or returns an I/O error kind;
//     dial deadline expiry is ErrConnectionTimeout.
//   - Close is idempotent.
//   - Send is synchronous and returns ErrRemoteEndpointNotConnected on a
//     closed transport.
//   - Inbound bytes are pushed from a single reader goroutine into the
//     injector, which preserves per-connection delivery order.
type Transport interface {
	Open() error
	Close() error
	Send(data []byte) error

	// SetInjector wires the inbound byte sink. Must be called before Open.
	SetInjector(inj DataInjector)

	// Notify registers a callback for a lifecycle event. Connection-lost
	// callbacks receive the cause, connection-made callbacks receive nil.
	Notify(when TransportEvent, callback func(err error))
}

// TransportBuilder constructs a transport from a device configuration record.
type TransportBuilder func(cfg DeviceConfig) (Transport, error)

var (
	transportMu       sync.RWMutex
	transportBuilders = make(map[string]TransportBuilder)
)

// RegisterTransportType registers a builder for an io type ("tcp", "telnet",
// "ssh", ...). Transport implementations register themselves at init time;
// registering a type twice is a wrong-usage error.
func RegisterTransportType(ioType string, builder TransportBuilder) error {
	transportMu.Lock()
	defer transportMu.Unlock()
	if _, ok := transportBuilders[ioType]; ok {
		return fmt.Errorf("%w: transport type %q already registered", ErrWrongUsage, ioType)
	}
	transportBuilders[ioType] = builder
	return nil
}

// NewTransport builds a transport for cfg.IOType from the registry.
func NewTransport(cfg DeviceConfig) (Transport, error) {
	transportMu.RLock()
	builder, ok := transportBuilders[cfg.IOType]
	transportMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrConfigUnknownIOType, cfg.IOType, KnownIOTypes())
	}
	return builder(cfg)
}

// KnownIOType reports whether a transport builder is registered for t.
func KnownIOType(t string) bool {
	transportMu.RLock()
	defer transportMu.RUnlock()
	_, ok := transportBuilders[t]
	return ok
}

// KnownIOTypes lists the registered transport types, sorted.
func KnownIOTypes() []string {
	transportMu.RLock()
	defer transportMu.RUnlock()
	types := make([]string, 0, len(transportBuilders))
	for t := range transportBuilders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
