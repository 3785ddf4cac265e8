// Package dnscache implements a TTL-bounded, single-flighted DNS resolver.
//
// It resolves a host to an ordered set of IP addresses, caches the result
// for a bounded time, and exposes explicit invalidation so that the backend
// pool can force a fresh lookup after a dial failure. Lookups go out over
// github.com/miekg/dns against the host's configured nameservers rather than
// the stdlib resolver, the way libnetwork/resolver.go reaches for miekg/dns
// for wire-level DNS work.
package dnscache

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/So0ni/async-relay/internal/relayerr"
)

// DefaultTTL is the lifetime of a cached entry.
const DefaultTTL = 3600 * time.Second

// RefreshInterval is the cadence of the background refresh loop.
const RefreshInterval = 3600 * time.Second

// Addr is a single resolved, family-tagged IP address.
type Addr struct {
	IP netip.Addr
}

func (a Addr) String() string { return a.IP.String() }

type cacheEntry struct {
	addrs  []Addr
	expiry time.Time
}

// Resolver is a process-wide DNS resolver with a bounded cache.
//
// There should be exactly one Resolver per process (per Design Notes §9):
// every BackendPool in every service shares it.
type Resolver struct {
	ttl     time.Duration
	client  *dns.Client
	config  *dns.ClientConfig
	mu      sync.RWMutex
	cache   map[string]cacheEntry
	group   singleflight.Group
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// lookupFn performs the actual network resolution. Overridable in
	// tests so cache/invalidate/dedup behavior can be exercised without a
	// live resolver, the same seam backendpool.Pool uses for dialFunc.
	lookupFn func(ctx context.Context, host string) ([]Addr, error)
}

// New creates a Resolver using the system resolver configuration
// (/etc/resolv.conf). ttl of 0 selects DefaultTTL.
func New(ttl time.Duration) (*Resolver, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("load resolver config: %w", err)
	}
	r := &Resolver{
		ttl:    ttl,
		client: &dns.Client{Timeout: 5 * time.Second},
		config: cfg,
		cache:  make(map[string]cacheEntry),
	}
	r.lookupFn = r.lookupNetwork
	return r, nil
}

// StartRefresher starts the background refresh-all loop. Calling it more
// than once is a no-op.
func (r *Resolver) StartRefresher(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.refreshLoop(ctx)
}

// StopRefresher cancels the background refresh loop and waits for it to
// exit.
func (r *Resolver) StopRefresher() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	started := r.started
	r.started = false
	r.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-done
}

func (r *Resolver) refreshLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// Resolve returns a non-empty ordered list of addresses for host.
//
// If host is already an IP literal, it is returned immediately as a
// single-element list, bypassing the cache entirely.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []Addr{{IP: ip}}, nil
	}

	if addrs, ok := r.lookupCache(host); ok {
		return addrs, nil
	}

	v, err, _ := r.group.Do(host, func() (interface{}, error) {
		// Another goroutine may have populated the cache while we were
		// waiting to be scheduled into Do; check once more.
		if addrs, ok := r.lookupCache(host); ok {
			return addrs, nil
		}
		addrs, err := r.lookupFn(ctx, host)
		if err != nil {
			return nil, &relayerr.ResolveError{Host: host, Err: err}
		}
		r.store(host, addrs)
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Addr), nil
}

func (r *Resolver) lookupCache(host string) ([]Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[host]
	if !ok || time.Now().After(entry.expiry) {
		return nil, false
	}
	return entry.addrs, true
}

func (r *Resolver) store(host string, addrs []Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[host] = cacheEntry{addrs: addrs, expiry: time.Now().Add(r.ttl)}
}

// Invalidate removes any cache entry for host. Idempotent.
func (r *Resolver) Invalidate(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, host)
}

// RefreshAll re-resolves every currently cached host. Best-effort: a
// failure is logged and the previous value is kept unless it has already
// expired.
func (r *Resolver) RefreshAll(ctx context.Context) {
	r.mu.RLock()
	hosts := make([]string, 0, len(r.cache))
	for h := range r.cache {
		hosts = append(hosts, h)
	}
	r.mu.RUnlock()

	for _, host := range hosts {
		addrs, err := r.lookupFn(ctx, host)
		if err != nil {
			logrus.WithField("host", host).WithError(err).Warn("dns: refresh-all lookup failed, keeping previous entry")
			continue
		}
		r.store(host, addrs)
	}
}

func (r *Resolver) lookupNetwork(ctx context.Context, host string) ([]Addr, error) {
	var (
		addrs []Addr
		mu    sync.Mutex
		wg    sync.WaitGroup
		errs  []error
	)

	query := func(qtype uint16) {
		defer wg.Done()
		for _, server := range r.config.Servers {
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(host), qtype)
			m.RecursionDesired = true

			reply, _, err := r.client.ExchangeContext(ctx, m, server+":"+r.config.Port)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				continue
			}
			var found []Addr
			for _, rr := range reply.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					if ip, ok := netip.AddrFromSlice(rec.A.To4()); ok {
						found = append(found, Addr{IP: ip})
					}
				case *dns.AAAA:
					if ip, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
						found = append(found, Addr{IP: ip})
					}
				}
			}
			if len(found) > 0 {
				mu.Lock()
				addrs = append(addrs, found...)
				mu.Unlock()
			}
			return
		}
	}

	wg.Add(2)
	go query(dns.TypeA)
	go query(dns.TypeAAAA)
	wg.Wait()

	if len(addrs) == 0 {
		if len(errs) > 0 {
			return nil, errs[0]
		}
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return addrs, nil
}
