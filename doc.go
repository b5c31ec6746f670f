// Package moler automates interactive sessions with remote text-oriented
// endpoints (shells reached over SSH, Telnet or raw TCP).
//
// The core of the package is the concurrent observation engine: a single
// inbound byte-stream from a remote endpoint is multiplexed by a Connection
// into many concurrent observers. Commands write a line and parse the reply
// until they have a result; Events passively watch the stream and may fire
// many times. A Runner drives observers to completion in the background and
// enforces their timeouts. A Device binds a Transport, a Connection and a
// per-endpoint StateMachine that gates which observers may start in a given
// state.
//
// Concrete transports live in the transport subpackage. The catalog of
// command and event grammars is the caller's: Command and Event take pluggable
// parse hooks, so any textual protocol can be driven without this package
// knowing its grammar.
package moler
