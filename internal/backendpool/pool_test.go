package backendpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/So0ni/async-relay/internal/dnscache"
	"github.com/So0ni/async-relay/internal/relayerr"
)

// fakeResolver treats every host as a literal IP and counts invalidations,
// so tests can assert the "first strike clears DNS" behavior without a
// live resolver.
type fakeResolver struct {
	invalidations map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{invalidations: make(map[string]int)}
}

func (f *fakeResolver) Resolve(_ context.Context, host string) ([]dnscache.Addr, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("fakeResolver: not an IP literal: %s", host)
	}
	return []dnscache.Addr{{IP: ip}}, nil
}

func (f *fakeResolver) Invalidate(host string) {
	f.invalidations[host]++
}

// closedPort returns a loopback "host:port"-shaped address that refuses
// connections: bind then immediately release the port.
func closedPort(t *testing.T) (host string, port uint16) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	assert.NilError(t, l.Close())
	return addr.IP.String(), uint16(addr.Port)
}

// acceptingServer returns a listener that accepts and immediately closes
// every connection (enough to make a dial succeed).
func acceptingServer(t *testing.T) (host string, port uint16, closeFn func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port), func() { l.Close() }
}

func TestDial_OrderPreservationOnSuccess(t *testing.T) {
	hostA, portA, closeA := acceptingServer(t)
	defer closeA()
	hostB, portB := closedPort(t)
	hostC, portC := closedPort(t)

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: hostA, Port: portA}, {Host: hostB, Port: portB}, {Host: hostC, Port: portC}}, r, time.Minute)

	conn, b, err := p.Dial(context.Background())
	assert.NilError(t, err)
	defer conn.Close()
	assert.Equal(t, b.Host, hostA)

	snap := p.Snapshot()
	assert.Equal(t, len(snap), 3)
	assert.Equal(t, snap[0].Host, hostA)
	assert.Equal(t, snap[1].Host, hostB)
	assert.Equal(t, snap[2].Host, hostC)
	for _, s := range snap {
		assert.Equal(t, s.FailureCount, 0)
	}
}

func TestDial_FirstStrikeRecovery(t *testing.T) {
	host, port := "127.0.0.1", uint16(9)

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: host, Port: port}}, r, time.Minute)

	calls := 0
	p.dialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	conn, b, err := p.Dial(context.Background())
	assert.NilError(t, err)
	conn.Close()
	assert.Equal(t, calls, 2)
	assert.Equal(t, b.FailureCount, 0)
	assert.Equal(t, r.invalidations[host], 1)
}

func TestDial_SecondStrikeRotationAndCooldown(t *testing.T) {
	hostA, portA := closedPort(t)
	hostB, portB, closeB := acceptingServer(t)
	defer closeB()

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: hostA, Port: portA}, {Host: hostB, Port: portB}}, r, 60*time.Second)

	conn, b, err := p.Dial(context.Background())
	assert.NilError(t, err)
	conn.Close()
	assert.Equal(t, b.Host, hostB)

	snap := p.Snapshot()
	assert.Equal(t, snap[0].Host, hostB)
	assert.Equal(t, snap[1].Host, hostA)
	assert.Equal(t, snap[1].FailureCount, 2)
	assert.Check(t, !snap[1].CooldownUntil.IsZero())
	assert.Equal(t, snap[0].FailureCount, 0)
}

func TestDial_SkipDuringCooldown(t *testing.T) {
	hostA, portA := closedPort(t)
	hostB, portB, closeB := acceptingServer(t)
	defer closeB()

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: hostA, Port: portA}, {Host: hostB, Port: portB}}, r, 60*time.Second)

	_, _, err := p.Dial(context.Background())
	assert.NilError(t, err)

	conn, b, err := p.Dial(context.Background())
	assert.NilError(t, err)
	conn.Close()
	assert.Equal(t, b.Host, hostB)
	// A was cooling down and must not have been contacted a second time.
	assert.Equal(t, r.invalidations[hostA], 1)
}

func TestDial_FallbackWhenAllCold(t *testing.T) {
	hostA, portA, closeA := acceptingServer(t)
	defer closeA()
	hostB, portB, closeB := acceptingServer(t)
	defer closeB()

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: hostA, Port: portA}, {Host: hostB, Port: portB}}, r, time.Minute)

	// Force both into cooldown by hand, bypassing Dial.
	p.mu.Lock()
	for _, b := range p.backends {
		b.FailureCount = 2
		b.CooldownUntil = time.Now().Add(time.Minute)
	}
	p.mu.Unlock()

	conn, b, err := p.Dial(context.Background())
	assert.NilError(t, err)
	conn.Close()
	assert.Equal(t, b.Host, hostA)
	assert.Equal(t, b.FailureCount, 0)
	assert.Check(t, b.CooldownUntil.IsZero())
}

func TestDial_AllBackendsFailed(t *testing.T) {
	hostA, portA := closedPort(t)

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: hostA, Port: portA}}, r, time.Minute)

	_, _, err := p.Dial(context.Background())
	var failed *relayerr.AllBackendsFailedError
	assert.Assert(t, errors.As(err, &failed))
	assert.Equal(t, len(failed.Attempts), 1)
	assert.Equal(t, r.invalidations[hostA], 1)
}

func TestReplace_PreservesBackendState(t *testing.T) {
	hostA, portA := closedPort(t)
	hostB, portB, closeB := acceptingServer(t)
	defer closeB()

	r := newFakeResolver()
	p := New("svc", []BackendAddr{{Host: hostA, Port: portA}, {Host: hostB, Port: portB}}, r, 60*time.Second)

	_, _, err := p.Dial(context.Background())
	assert.NilError(t, err)
	// A is now at 2 strikes and cooling down, rotated behind B.

	hostC, portC := "127.0.0.1", uint16(1) // never dialed in this test
	p.Replace([]BackendAddr{{Host: hostB, Port: portB}, {Host: hostA, Port: portA}, {Host: hostC, Port: portC}})

	snap := p.Snapshot()
	assert.Equal(t, len(snap), 3)
	byHost := map[string]BackendStatus{}
	for _, s := range snap {
		byHost[fmt.Sprintf("%s:%d", s.Host, s.Port)] = s
	}
	assert.Equal(t, byHost[fmt.Sprintf("%s:%d", hostA, portA)].FailureCount, 2)
	assert.Equal(t, byHost[fmt.Sprintf("%s:%d", hostB, portB)].FailureCount, 0)
	assert.Equal(t, byHost[fmt.Sprintf("%s:%d", hostC, portC)].FailureCount, 0)
}
