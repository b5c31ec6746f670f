package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferhatcicek/moler"
)

// collector is a moler.DataInjector remembering everything pushed into it.
type collector struct {
	mu   sync.Mutex
	data []byte
}

func (c *collector) DataReceived(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, data...)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.data)
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

// echoServer accepts one connection and echoes every byte back.
func echoServer(t *testing.T) (addr *net.TCPAddr, closeServer func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr), func() {
		_ = ln.Close()
		<-done
	}
}

func TestTCPOpenSendReceive(t *testing.T) {
	addr, closeServer := echoServer(t)
	defer closeServer()

	sink := &collector{}
	var madeFired sync.WaitGroup
	madeFired.Add(1)

	tr := NewTCP(addr.IP.String(), addr.Port)
	tr.SetInjector(sink)
	tr.Notify(moler.TransportConnectionMade, func(err error) { madeFired.Done() })
	require.NoError(t, tr.Open())
	defer tr.Close()
	madeFired.Wait()

	require.NoError(t, tr.Send([]byte("ping\n")))
	require.True(t, eventually(2*time.Second, func() bool { return sink.String() == "ping\n" }))
}

func TestTCPOpenIdempotent(t *testing.T) {
	addr, closeServer := echoServer(t)
	defer closeServer()

	tr := NewTCP(addr.IP.String(), addr.Port)
	require.NoError(t, tr.Open())
	defer tr.Close()
	require.NoError(t, tr.Open())
}

func TestTCPSendBeforeOpen(t *testing.T) {
	tr := NewTCP("127.0.0.1", 9)
	err := tr.Send([]byte("ping\n"))
	assert.ErrorIs(t, err, moler.ErrRemoteEndpointNotConnected)
}

func TestTCPCloseIdempotentAndSendAfterClose(t *testing.T) {
	addr, closeServer := echoServer(t)
	defer closeServer()

	tr := NewTCP(addr.IP.String(), addr.Port)
	require.NoError(t, tr.Open())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := tr.Send([]byte("ping\n"))
	assert.ErrorIs(t, err, moler.ErrRemoteEndpointNotConnected)
}

func TestTCPConnectionLostOnRemoteClose(t *testing.T) {
	addr, closeServer := echoServer(t)

	var mu sync.Mutex
	var causes []error
	tr := NewTCP(addr.IP.String(), addr.Port)
	tr.Notify(moler.TransportConnectionLost, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		causes = append(causes, err)
	})
	require.NoError(t, tr.Open())
	defer tr.Close()

	closeServer() // drops the accepted connection

	require.True(t, eventually(2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(causes) == 1
	}))
	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, causes[0], "remote close must surface a cause")
}

func TestTCPLocalCloseReportsNoCause(t *testing.T) {
	addr, closeServer := echoServer(t)
	defer closeServer()

	var mu sync.Mutex
	var causes []error
	fired := make(chan struct{})
	tr := NewTCP(addr.IP.String(), addr.Port)
	tr.Notify(moler.TransportConnectionLost, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		causes = append(causes, err)
		close(fired)
	})
	require.NoError(t, tr.Open())
	require.NoError(t, tr.Close())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("connection-lost not fired on local close")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, causes[0], "deliberate close carries no cause")
}

func TestTCPBuilderRegistered(t *testing.T) {
	require.True(t, moler.KnownIOType("tcp"))

	_, err := moler.NewTransport(moler.DeviceConfig{IOType: "tcp", Host: "127.0.0.1"})
	assert.ErrorIs(t, err, moler.ErrWrongUsage, "tcp has no conventional port, it must be configured")

	tr, err := moler.NewTransport(moler.DeviceConfig{IOType: "tcp", Host: "127.0.0.1", Port: 2023})
	require.NoError(t, err)
	assert.IsType(t, &TCP{}, tr)
}
