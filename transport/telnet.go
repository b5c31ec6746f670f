package transport

import (
	"fmt"
	"sync"

	"github.com/ferhatcicek/moler"
)

// Telnet protocol bytes (RFC 854).
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255
)

func init() {
	_ = moler.RegisterTransportType("telnet", func(cfg moler.DeviceConfig) (moler.Transport, error) {
		return NewTelnet(cfg.Host, cfg.EffectivePort(),
			WithReceiveBufferSize(cfg.EffectiveReceiveBufferSize()),
		), nil
	})
}

// Telnet is a TCP transport with minimal NVT handling: IAC command and
// option negotiation never reaches subscribers, and every WILL/DO request
// from the server is refused (DONT/WONT), keeping the channel a plain byte
// pipe.
type Telnet struct {
	*TCP
}

// NewTelnet creates a Telnet transport for host:port.
func NewTelnet(host string, port int, opts ...TCPOption) *Telnet {
	return &Telnet{TCP: NewTCP(host, port, opts...)}
}

func (t *Telnet) String() string {
	return fmt.Sprintf("telnet://%s:%d", t.host, t.port)
}

// SetInjector interposes the NVT filter between the raw TCP stream and the
// connection.
func (t *Telnet) SetInjector(inj moler.DataInjector) {
	t.TCP.SetInjector(&nvtFilter{next: inj, reply: t.TCP.Send})
}

// nvtFilter strips telnet command sequences from the inbound stream. Its
// parse state survives chunk boundaries: a negotiation split across reads is
// still recognized.
type nvtFilter struct {
	next  moler.DataInjector
	reply func([]byte) error

	mu      sync.Mutex
	state   nvtState
	command byte
}

type nvtState int

const (
	nvtPlain nvtState = iota
	nvtIAC
	nvtOption
	nvtSubneg
	nvtSubnegIAC
)

func (f *nvtFilter) DataReceived(data []byte) {
	f.mu.Lock()
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch f.state {
		case nvtPlain:
			if b == telnetIAC {
				f.state = nvtIAC
			} else {
				out = append(out, b)
			}
		case nvtIAC:
			switch b {
			case telnetIAC:
				// escaped data byte 255
				out = append(out, b)
				f.state = nvtPlain
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				f.command = b
				f.state = nvtOption
			case telnetSB:
				f.state = nvtSubneg
			default:
				// NOP, GA and friends: swallow
				f.state = nvtPlain
			}
		case nvtOption:
			f.refuse(f.command, b)
			f.state = nvtPlain
		case nvtSubneg:
			if b == telnetIAC {
				f.state = nvtSubnegIAC
			}
		case nvtSubnegIAC:
			if b == telnetSE {
				f.state = nvtPlain
			} else {
				f.state = nvtSubneg
			}
		}
	}
	f.mu.Unlock()

	if len(out) > 0 && f.next != nil {
		f.next.DataReceived(out)
	}
}

// refuse answers option negotiation negatively: DO gets WONT, WILL gets
// DONT. WONT/DONT need no answer.
func (f *nvtFilter) refuse(command, option byte) {
	var answer byte
	switch command {
	case telnetDO:
		answer = telnetWONT
	case telnetWILL:
		answer = telnetDONT
	default:
		return
	}
	if f.reply != nil {
		_ = f.reply([]byte{telnetIAC, answer, option})
	}
}
