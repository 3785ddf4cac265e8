package relaytcp

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/So0ni/async-relay/internal/backendpool"
	"github.com/So0ni/async-relay/internal/dnscache"
)

var testBuf = []byte("Buffalo buffalo Buffalo buffalo buffalo buffalo Buffalo buffalo")

type literalResolver struct{}

func (literalResolver) Resolve(_ context.Context, host string) ([]dnscache.Addr, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil, err
	}
	return []dnscache.Addr{{IP: ip}}, nil
}

func (literalResolver) Invalidate(string) {}

func echoServer(t *testing.T) (addr string, closeFn func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return l.Addr().String(), func() { l.Close() }
}

func TestEngine_EchoRoundTrip(t *testing.T) {
	backendAddr, closeBackend := echoServer(t)
	defer closeBackend()
	host, portStr, err := net.SplitHostPort(backendAddr)
	assert.NilError(t, err)
	_, err = netip.ParseAddr(host)
	assert.NilError(t, err)
	portNum, err := strconv.Atoi(portStr)
	assert.NilError(t, err)
	port := uint16(portNum)

	pool := backendpool.New("svc", []backendpool.BackendAddr{{Host: host, Port: port}}, literalResolver{}, time.Minute)
	eng := New("svc", pool)

	err = eng.Start(context.Background(), "127.0.0.1:0")
	assert.NilError(t, err)
	defer eng.Stop()

	client, err := net.Dial("tcp", eng.frontendAddrForTest())
	assert.NilError(t, err)
	defer client.Close()

	client.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = client.Write(testBuf)
	assert.NilError(t, err)

	recv := make([]byte, len(testBuf))
	_, err = client.Read(recv)
	assert.NilError(t, err)
	assert.Check(t, bytes.Equal(recv, testBuf))
}

// frontendAddrForTest exposes the listener's actual address.
func (e *Engine) frontendAddrForTest() string {
	return e.listener.Addr().String()
}
