// Package relayudp implements the UDP relay engine: one bound listening
// socket, a conntrack table keyed by client address, one upstream socket
// per client dialed through a backendpool.Pool, and a periodic sweeper
// evicting sessions that have gone idle. Replies carry an IP_PKTINFO
// destination-address control message via golang.org/x/net/ipv4 and ipv6,
// so a multi-homed listener answers from the address the client actually
// reached.
package relayudp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/So0ni/async-relay/internal/backendpool"
)

// IdleTimeout is a UDP session's inactivity deadline.
const IdleTimeout = 300 * time.Second

// SweepInterval is the idle-eviction sweeper's cadence.
const SweepInterval = 15 * time.Second

// datagramBufSize is the largest UDP datagram a socket can receive.
const datagramBufSize = 65507

// connTrackKey is a comparable client-address key, so a client's remote
// address/port tuple can be used as a map key.
type connTrackKey struct {
	ipHigh uint64
	ipLow  uint64
	port   int
}

func newConnTrackKey(addr *net.UDPAddr) connTrackKey {
	ip := addr.IP.To16()
	return connTrackKey{
		ipHigh: binary.BigEndian.Uint64(ip[:8]),
		ipLow:  binary.BigEndian.Uint64(ip[8:]),
		port:   addr.Port,
	}
}

// connTrackEntry wraps one client's upstream socket. conn is nil and
// dialErr unset until the dial spawned for this client completes; ready
// is closed exactly once, after conn (or dialErr) is written, so readers
// across goroutines can use a non-blocking receive on ready as a memory
// barrier instead of taking e.mu.
type connTrackEntry struct {
	conn         net.Conn
	dialErr      error
	ready        chan struct{}
	clientAddr   *net.UDPAddr
	serverAddr   net.IP
	lastActivity activityClock
}

// activityClock is a tiny int64-nanos clock guarded by its own mutex,
// used for the last-activity timestamp shared by the sweeper and reader
// goroutines.
type activityClock struct {
	mu sync.Mutex
	ns int64
}

func (a *activityClock) touch() {
	a.mu.Lock()
	a.ns = time.Now().UnixNano()
	a.mu.Unlock()
}

func (a *activityClock) idleSince() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(time.Unix(0, a.ns))
}

// ipVersion selects which golang.org/x/net control-message flavor the
// engine's listening socket speaks.
type ipVersion int

const (
	ip4 ipVersion = iota
	ip6
)

// pktConn abstracts over *ipv4.PacketConn and *ipv6.PacketConn so the
// engine can read/write IP_PKTINFO control messages without duplicating
// the receive/reply loops per address family.
type pktConn interface {
	ReadFrom(b []byte) (n int, cm *ipv4.ControlMessage, src net.Addr, err error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (n int, err error)
}

// ipv6PktConn adapts *ipv6.PacketConn's ipv6.ControlMessage to the
// ipv4.ControlMessage shape pktConn uses, since only the Src/Dst fields
// are ever touched here.
type ipv6PktConn struct {
	pc *ipv6.PacketConn
}

func (c ipv6PktConn) ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	n, cm, src, err := c.pc.ReadFrom(b)
	if cm == nil {
		return n, nil, src, err
	}
	return n, &ipv4.ControlMessage{Dst: cm.Dst}, src, err
}

func (c ipv6PktConn) WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error) {
	var cm6 *ipv6.ControlMessage
	if cm != nil {
		cm6 = &ipv6.ControlMessage{Src: cm.Src}
	}
	return c.pc.WriteTo(b, cm6, dst)
}

// Engine is one service's UDP relay.
type Engine struct {
	service string
	pool    *backendpool.Pool

	listener *net.UDPConn
	pconn    pktConn
	ipVer    ipVersion

	mu    sync.Mutex
	table map[connTrackKey]*connTrackEntry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a UDP Engine for service, dialing through pool.
func New(service string, pool *backendpool.Pool) *Engine {
	return &Engine{
		service: service,
		pool:    pool,
		table:   make(map[connTrackKey]*connTrackEntry),
	}
}

// Start opens the listening socket and begins receiving.
func (e *Engine) Start(ctx context.Context, listenAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return err
	}
	l, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	e.listener = l

	if udpAddr.IP.To4() != nil {
		e.ipVer = ip4
		pc := ipv4.NewPacketConn(l)
		pc.SetControlMessage(ipv4.FlagDst, true)
		e.pconn = pc
	} else {
		e.ipVer = ip6
		pc := ipv6.NewPacketConn(l)
		pc.SetControlMessage(ipv6.FlagDst, true)
		e.pconn = ipv6PktConn{pc: pc}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.receiveLoop(ctx)
	go e.sweepLoop(ctx)
	return nil
}

// Stop stops receiving, drains sessions immediately, and waits for every
// task to terminate.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.listener != nil {
		e.listener.Close()
	}

	e.mu.Lock()
	for key, entry := range e.table {
		if entry.conn != nil {
			entry.conn.Close()
		}
		delete(e.table, key)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// ActiveSessions returns the count of tracked client sessions.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}

func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, datagramBufSize)
	for {
		n, cm, fromAddr, err := e.pconn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || err == net.ErrClosed {
				return
			}
			logrus.WithField("service", e.service).WithError(err).Warn("relayudp: read failed")
			continue
		}
		from := fromAddr.(*net.UDPAddr)

		key := newConnTrackKey(from)
		e.mu.Lock()
		entry, hit := e.table[key]
		if !hit {
			entry = &connTrackEntry{clientAddr: from, ready: make(chan struct{})}
			if cm != nil {
				entry.serverAddr = cm.Dst
			}
			entry.lastActivity.touch()
			e.table[key] = entry
			e.wg.Add(1)
			payload := append([]byte(nil), buf[:n]...)
			go e.dialAndForward(ctx, key, entry, payload)
			e.mu.Unlock()
			continue
		}
		entry.lastActivity.touch()
		e.mu.Unlock()

		select {
		case <-entry.ready:
		default:
			// Dial for this client is still in flight; the datagram that
			// triggered it rides along in dialAndForward, this one is
			// dropped rather than blocking the receive loop.
			continue
		}
		if entry.dialErr != nil {
			continue
		}
		if _, err := entry.conn.Write(buf[:n]); err != nil {
			logrus.WithField("service", e.service).WithError(err).Warn("relayudp: forward to upstream failed")
		}
	}
}

// dialAndForward dials the backend for a newly seen client off the receive
// loop, so a cold DNS cache or a slow backend never stalls other clients'
// datagrams. It delivers the datagram that triggered the dial once the
// connection is up, then hands the session to replyLoop.
func (e *Engine) dialAndForward(ctx context.Context, key connTrackKey, entry *connTrackEntry, payload []byte) {
	defer e.wg.Done()

	upstream, _, err := e.pool.DialUDP(ctx)
	if err != nil {
		e.mu.Lock()
		if e.table[key] == entry {
			delete(e.table, key)
		}
		e.mu.Unlock()
		entry.dialErr = err
		close(entry.ready)
		logrus.WithField("service", e.service).WithError(err).Info("relayudp: dial failed, dropping session")
		return
	}

	entry.conn = upstream
	close(entry.ready)

	if _, err := upstream.Write(payload); err != nil {
		logrus.WithField("service", e.service).WithError(err).Warn("relayudp: forward to upstream failed")
	}

	e.wg.Add(1)
	go e.replyLoop(ctx, key, entry)
}

// replyLoop forwards upstream replies back to the client via the shared
// listening socket.
func (e *Engine) replyLoop(ctx context.Context, key connTrackKey, entry *connTrackEntry) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if e.table[key] == entry {
			delete(e.table, key)
		}
		e.mu.Unlock()
		entry.conn.Close()
	}()

	var cm *ipv4.ControlMessage
	if entry.serverAddr != nil {
		cm = &ipv4.ControlMessage{Src: entry.serverAddr}
	}

	buf := make([]byte, datagramBufSize)
	for {
		entry.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		n, err := entry.conn.Read(buf)
		if err != nil {
			return
		}
		entry.lastActivity.touch()
		if _, err := e.pconn.WriteTo(buf[:n], cm, entry.clientAddr); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.table {
		if entry.lastActivity.idleSince() > IdleTimeout {
			if entry.conn != nil {
				entry.conn.Close()
			}
			delete(e.table, key)
		}
	}
}
