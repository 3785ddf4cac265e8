// Package backendpool implements the sequential-failover state machine
// shared by the TCP and UDP relay engines.
//
// A Pool owns one service's ordered backend list plus each backend's
// failure/cooldown state, and turns a dial request into either a connected
// socket or an AllBackendsFailedError. The algorithm is the Go-generalized
// form of the two-strike policy in backend_pool.py, extended with the
// cooldown window.
package backendpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/So0ni/async-relay/internal/dnscache"
	"github.com/So0ni/async-relay/internal/relayerr"
)

// DefaultDialTimeout is the per-address connect deadline.
const DefaultDialTimeout = 5 * time.Second

// Backend is one configured upstream target.
type Backend struct {
	Host          string
	Port          uint16
	OriginalIndex int

	FailureCount  int
	CooldownUntil time.Time // zero value means "none"
}

// Key is the stable host+port identity used to match backends across a
// configuration reload.
func (b *Backend) Key() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

func (b *Backend) String() string {
	return fmt.Sprintf("%s:%d#%d", b.Host, b.Port, b.OriginalIndex)
}

func (b *Backend) inCooldown(now time.Time) bool {
	return !b.CooldownUntil.IsZero() && b.CooldownUntil.After(now)
}

// BackendStatus is the observational view returned by Pool.Snapshot.
type BackendStatus struct {
	Host          string
	Port          uint16
	OriginalIndex int
	Position      int
	FailureCount  int
	CooldownUntil time.Time // zero means "none"
	LastError     string
}

// hostResolver is the subset of dnscache.Resolver's API the pool depends
// on. Defined at point of use so tests can substitute a fake without a
// live /etc/resolv.conf or network access.
type hostResolver interface {
	Resolve(ctx context.Context, host string) ([]dnscache.Addr, error)
	Invalidate(host string)
}

// Pool manages one service's backends.
type Pool struct {
	service  string
	resolver hostResolver

	mu               sync.Mutex
	backends         []*Backend
	cooldownDuration time.Duration
	dialTimeout      time.Duration
	lastErrors       map[string]string

	// dialFunc performs the actual TCP connect. Overridable in tests to
	// make failover timing deterministic without relying on real sockets
	// racing a background goroutine.
	dialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

// New builds a Pool from an ordered list of "host:port" pairs. Backends are
// assigned OriginalIndex in list order and start with no failures.
func New(service string, backendAddrs []BackendAddr, resolver hostResolver, cooldown time.Duration) *Pool {
	backends := make([]*Backend, 0, len(backendAddrs))
	for i, ba := range backendAddrs {
		backends = append(backends, &Backend{Host: ba.Host, Port: ba.Port, OriginalIndex: i})
	}
	return &Pool{
		service:          service,
		resolver:         resolver,
		backends:         backends,
		cooldownDuration: cooldown,
		dialTimeout:      DefaultDialTimeout,
		lastErrors:       make(map[string]string),
		dialFunc:         (&net.Dialer{}).DialContext,
	}
}

// BackendAddr is a parsed "host:port" backend entry.
type BackendAddr struct {
	Host string
	Port uint16
}

// SetCooldown updates the cooldown duration applied to future second
// strikes. Existing CooldownUntil deadlines already computed are left
// untouched.
func (p *Pool) SetCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownDuration = d
}

// Replace swaps the pool's ordered backend list for a new configuration,
// preserving failure/cooldown state for any backend whose host:port is
// unchanged across the reload.
func (p *Pool) Replace(backendAddrs []BackendAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Backend, len(p.backends))
	for _, b := range p.backends {
		existing[b.Key()] = b
	}

	next := make([]*Backend, 0, len(backendAddrs))
	for i, ba := range backendAddrs {
		key := fmt.Sprintf("%s:%d", ba.Host, ba.Port)
		if old, ok := existing[key]; ok {
			old.OriginalIndex = i
			next = append(next, old)
			continue
		}
		next = append(next, &Backend{Host: ba.Host, Port: ba.Port, OriginalIndex: i})
	}
	p.backends = next
}

// decayExpired resets FailureCount to 0 for any backend at 2 strikes whose
// cooldown window is no longer in effect -- either because CooldownUntil
// has passed, or because cooldown is disabled (duration 0, CooldownUntil
// was never set). Caller must hold p.mu.
func (p *Pool) decayExpired(now time.Time) {
	for _, b := range p.backends {
		if b.FailureCount >= 2 && !b.inCooldown(now) {
			b.FailureCount = 0
			b.CooldownUntil = time.Time{}
		}
	}
}

// candidateOrder builds the dial order: the current order minus backends
// still in cooldown, falling back to the full list if that leaves nothing.
// Caller must hold p.mu.
func (p *Pool) candidateOrder(now time.Time) []*Backend {
	p.decayExpired(now)

	l := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if !b.inCooldown(now) {
			l = append(l, b)
		}
	}
	if len(l) == 0 {
		l = append(l, p.backends...)
	}
	return l
}

func (p *Pool) onSuccess(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.FailureCount != 0 || !b.CooldownUntil.IsZero() {
		logrus.WithFields(logrus.Fields{"service": p.service, "backend": b.String()}).
			Info("backendpool: backend recovered")
	}
	b.FailureCount = 0
	b.CooldownUntil = time.Time{}
	delete(p.lastErrors, b.Key())
}

// strikeOutcome tells the dial loop what happened after recording a
// failure against one backend.
type strikeOutcome int

const (
	strikeRetrySame strikeOutcome = iota // first strike: caller should retry B once more
	strikeRotated                        // second strike: B was rotated and cooled down
)

// recordFailure applies the two-strike failure accounting and returns what
// the dial loop should do next.
func (p *Pool) recordFailure(b *Backend, cause error) strikeOutcome {
	p.mu.Lock()
	p.lastErrors[b.Key()] = cause.Error()

	switch b.FailureCount {
	case 0:
		b.FailureCount = 1
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{"service": p.service, "backend": b.String()}).
			WithError(cause).Warn("backendpool: first strike, invalidating dns")
		p.resolver.Invalidate(b.Host)
		return strikeRetrySame

	default: // 1 or (defensively) already 2
		b.FailureCount = 2
		if p.cooldownDuration > 0 {
			b.CooldownUntil = time.Now().Add(p.cooldownDuration)
		} else {
			b.CooldownUntil = time.Time{}
		}
		p.rotateToTail(b)
		order := p.orderKeysLocked()
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"service": p.service, "backend": b.String(), "order": order,
		}).WithError(cause).Warn("backendpool: second strike, entering cooldown")
		return strikeRotated
	}
}

// rotateToTail moves b to the end of the ordered list, preserving the
// relative order of the rest. Caller must hold p.mu.
func (p *Pool) rotateToTail(b *Backend) {
	idx := -1
	for i, other := range p.backends {
		if other == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	p.backends = append(p.backends[:idx], p.backends[idx+1:]...)
	p.backends = append(p.backends, b)
}

func (p *Pool) orderKeysLocked() []string {
	keys := make([]string, len(p.backends))
	for i, b := range p.backends {
		keys[i] = b.Key()
	}
	return keys
}

// attempt resolves b.Host and tries each resulting address in order with
// the pool's dial timeout. It returns the first successful connection, or
// an error describing the last failure.
func (p *Pool) attempt(ctx context.Context, b *Backend) (net.Conn, error) {
	addrs, err := p.resolver.Resolve(ctx, b.Host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, a := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
		conn, err := p.dialFunc(dialCtx, "tcp", net.JoinHostPort(a.String(), fmt.Sprint(b.Port)))
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = &relayerr.DialError{Addr: net.JoinHostPort(a.String(), fmt.Sprint(b.Port)), Err: err}
	}
	return nil, lastErr
}

// Dial tries each candidate backend in order, giving the first one two
// strikes (with a DNS-refreshed retry on the first) before rotating it out
// and moving to the next.
func (p *Pool) Dial(ctx context.Context) (net.Conn, *Backend, error) {
	p.mu.Lock()
	l := p.candidateOrder(time.Now())
	p.mu.Unlock()

	var attempts []relayerr.Attempt

	for _, b := range l {
		conn, err := p.attempt(ctx, b)
		if err == nil {
			p.onSuccess(b)
			return conn, b, nil
		}

		if outcome := p.recordFailure(b, err); outcome == strikeRetrySame {
			conn, err = p.attempt(ctx, b)
			if err == nil {
				p.onSuccess(b)
				return conn, b, nil
			}
			p.recordFailure(b, err)
		}

		attempts = append(attempts, relayerr.Attempt{BackendID: b.Key(), Err: err})
	}

	return nil, nil, &relayerr.AllBackendsFailedError{Service: p.service, Attempts: attempts}
}

// DialUDP is the UDP-adapted dial variant: DNS resolution and socket
// creation are the only failure modes, and the result is a net.Conn
// pre-connected to one resolved address of the first eligible backend.
func (p *Pool) DialUDP(ctx context.Context) (net.Conn, *Backend, error) {
	p.mu.Lock()
	l := p.candidateOrder(time.Now())
	p.mu.Unlock()

	var attempts []relayerr.Attempt

	for _, b := range l {
		conn, err := p.attemptUDP(ctx, b)
		if err == nil {
			p.onSuccess(b)
			return conn, b, nil
		}

		if outcome := p.recordFailure(b, err); outcome == strikeRetrySame {
			conn, err = p.attemptUDP(ctx, b)
			if err == nil {
				p.onSuccess(b)
				return conn, b, nil
			}
			p.recordFailure(b, err)
		}

		attempts = append(attempts, relayerr.Attempt{BackendID: b.Key(), Err: err})
	}

	return nil, nil, &relayerr.AllBackendsFailedError{Service: p.service, Attempts: attempts}
}

func (p *Pool) attemptUDP(ctx context.Context, b *Backend) (net.Conn, error) {
	addrs, err := p.resolver.Resolve(ctx, b.Host)
	if err != nil {
		return nil, err
	}
	a := addrs[0]
	udpAddr := &net.UDPAddr{IP: a.IP.AsSlice(), Port: int(b.Port)}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, &relayerr.DialError{Addr: udpAddr.String(), Err: err}
	}
	return conn, nil
}

// Snapshot returns an observational copy of every backend's state. It never
// blocks a concurrent Dial for longer than the time to copy the list.
func (p *Pool) Snapshot() []BackendStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]BackendStatus, len(p.backends))
	for i, b := range p.backends {
		out[i] = BackendStatus{
			Host:          b.Host,
			Port:          b.Port,
			OriginalIndex: b.OriginalIndex,
			Position:      i,
			FailureCount:  b.FailureCount,
			CooldownUntil: b.CooldownUntil,
			LastError:     p.lastErrors[b.Key()],
		}
	}
	return out
}
