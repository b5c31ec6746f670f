package moler

import (
	"strings"
	"sync"
	"time"
)

// testLogger collects log lines for assertions.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+msg)
}

func (l *testLogger) Info(msg string, args ...any)  { l.log("INFO", msg) }
func (l *testLogger) Error(msg string, args ...any) { l.log("ERROR", msg) }
func (l *testLogger) Warn(msg string, args ...any)  { l.log("WARN", msg) }
func (l *testLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg) }

func (l *testLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// fakeTransport is an in-memory Transport with scriptable responses: Send of
// a line that matches a scripted request immediately injects the scripted
// reply.
type fakeTransport struct {
	mu        sync.Mutex
	injector  DataInjector
	made      []func(error)
	lost      []func(error)
	sent      []string
	responses map[string]string
	opened    bool
	closed    bool
	openErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string]string)}
}

func (f *fakeTransport) respondTo(line, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[line] = reply
}

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return err
	}
	f.opened = true
	f.closed = false
	made := append([]func(error){}, f.made...)
	f.mu.Unlock()
	for _, cb := range made {
		cb(nil)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.opened = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	if !f.opened {
		f.mu.Unlock()
		return ErrRemoteEndpointNotConnected
	}
	f.sent = append(f.sent, string(data))
	reply, ok := f.responses[string(data)]
	injector := f.injector
	f.mu.Unlock()
	if ok && injector != nil {
		injector.DataReceived([]byte(reply))
	}
	return nil
}

func (f *fakeTransport) SetInjector(inj DataInjector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injector = inj
}

func (f *fakeTransport) Notify(when TransportEvent, callback func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch when {
	case TransportConnectionMade:
		f.made = append(f.made, callback)
	case TransportConnectionLost:
		f.lost = append(f.lost, callback)
	}
}

func (f *fakeTransport) inject(data string) {
	f.mu.Lock()
	injector := f.injector
	f.mu.Unlock()
	if injector != nil {
		injector.DataReceived([]byte(data))
	}
}

func (f *fakeTransport) breakConnection(cause error) {
	f.mu.Lock()
	f.opened = false
	lost := append([]func(error){}, f.lost...)
	f.mu.Unlock()
	for _, cb := range lost {
		cb(cause)
	}
}

func (f *fakeTransport) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// chunkRecorder is a Receiver remembering every delivered chunk.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *chunkRecorder) Receive(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, string(data))
}

func (r *chunkRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// echoParse builds the parser of a shell echo command: it accumulates the
// stream and finishes with the first full line after the echoed command once
// a prompt shows up.
func echoParse() ParseFunc {
	var buffer string
	return func(cmd *Command, data []byte) {
		buffer += string(data)
		if !strings.Contains(buffer, "$ ") {
			return
		}
		lines := splitLines(buffer)
		for i, line := range lines {
			if line == cmd.CommandString && i+1 < len(lines) {
				cmd.Finish(lines[i+1])
				return
			}
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	var current []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
		case '\n':
			lines = append(lines, string(current))
			current = nil
		default:
			current = append(current, s[i])
		}
	}
	if len(current) > 0 {
		lines = append(lines, string(current))
	}
	return lines
}

func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
