// Package svcmanager reconciles a desired set of services, described by a
// relayconfig.Snapshot, against the set of services currently running,
// starting, stopping, or mutating each in place, with Apply calls
// serialized by a single mutex.
package svcmanager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/So0ni/async-relay/internal/backendpool"
	"github.com/So0ni/async-relay/internal/dnscache"
	"github.com/So0ni/async-relay/internal/relayconfig"
	"github.com/So0ni/async-relay/internal/relayerr"
	"github.com/So0ni/async-relay/internal/relaytcp"
	"github.com/So0ni/async-relay/internal/relayudp"
)

// TCPDrainGrace bounds how long removing or restarting a service waits for
// its TCP engine's Stop to return. Stop closes in-flight TCP sessions at
// once; they are not given time to finish on their own.
const TCPDrainGrace = 5 * time.Second

// serviceRuntime is the running state for one service record.
type serviceRuntime struct {
	cfg  relayconfig.ServiceConfig
	pool *backendpool.Pool
	tcp  *relaytcp.Engine
	udp  *relayudp.Engine
}

// Manager owns the set of running services and applies configuration
// snapshots to it.
type Manager struct {
	resolver *dnscache.Resolver

	applyMu  sync.Mutex // serializes Apply calls
	mu       sync.Mutex // guards services
	services map[string]*serviceRuntime
}

// New creates a Manager backed by the given process-wide DNS resolver.
func New(resolver *dnscache.Resolver) *Manager {
	return &Manager{
		resolver: resolver,
		services: make(map[string]*serviceRuntime),
	}
}

// Apply reconciles the running set of services against snap: services
// present only in snap are started, services present only in the running
// set are stopped and removed, and services present in both are diffed
// field by field.
//
// Apply(snapshot) followed by Apply(same snapshot) is a no-op: no engine
// is restarted and no backend state is reset, because the diff below
// treats an unchanged retained service as nothing to do.
func (m *Manager) Apply(ctx context.Context, snap *relayconfig.Snapshot) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	desired := make(map[string]relayconfig.ServiceConfig, len(snap.Services))
	for _, svc := range snap.Services {
		desired[svc.Name] = svc
	}

	m.mu.Lock()
	running := make(map[string]*serviceRuntime, len(m.services))
	for name, rt := range m.services {
		running[name] = rt
	}
	m.mu.Unlock()

	for name, rt := range running {
		if _, ok := desired[name]; !ok {
			m.removeService(rt)
			m.deleteRuntime(name)
		}
	}

	for name, cfg := range desired {
		rt, exists := running[name]
		if !exists {
			m.addService(ctx, cfg)
			continue
		}
		m.retainService(ctx, rt, cfg)
	}
}

func (m *Manager) deleteRuntime(name string) {
	m.mu.Lock()
	delete(m.services, name)
	m.mu.Unlock()
}

func (m *Manager) setRuntime(name string, rt *serviceRuntime) {
	m.mu.Lock()
	m.services[name] = rt
	m.mu.Unlock()
}

// removeService stops both engines. The TCP engine's Stop closes its open
// sessions immediately and runs in the background; removeService waits at
// most TCPDrainGrace for it before returning.
func (m *Manager) removeService(rt *serviceRuntime) {
	logrus.WithField("service", rt.cfg.Name).Info("svcmanager: removing service")
	if rt.tcp != nil {
		stopWithGrace(rt.tcp.Stop, TCPDrainGrace)
	}
	if rt.udp != nil {
		rt.udp.Stop()
	}
}

// stopWithGrace runs stop in the background and waits up to grace before
// returning regardless, so one stuck service can't block Apply forever.
func stopWithGrace(stop func(), grace time.Duration) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (m *Manager) addService(ctx context.Context, cfg relayconfig.ServiceConfig) {
	rt, err := m.buildAndStart(ctx, cfg)
	if err != nil {
		logrus.WithField("service", cfg.Name).WithError(&relayerr.ConfigApplyError{Service: cfg.Name, Err: err}).
			Error("svcmanager: failed to start service")
		return
	}
	m.setRuntime(cfg.Name, rt)
}

func (m *Manager) buildAndStart(ctx context.Context, cfg relayconfig.ServiceConfig) (*serviceRuntime, error) {
	backends, err := parseBackends(cfg.Backends)
	if err != nil {
		return nil, err
	}

	pool := backendpool.New(cfg.Name, backends, m.resolver, time.Duration(cfg.BackendCooldownS)*time.Second)
	rt := &serviceRuntime{cfg: cfg, pool: pool}

	listenAddr := cfg.Listen.String()

	if cfg.Protocol == relayconfig.ProtocolTCP || cfg.Protocol == relayconfig.ProtocolBoth {
		eng := relaytcp.New(cfg.Name, pool)
		if err := eng.Start(ctx, listenAddr); err != nil {
			return nil, err
		}
		rt.tcp = eng
	}

	if cfg.Protocol == relayconfig.ProtocolUDP || cfg.Protocol == relayconfig.ProtocolBoth {
		eng := relayudp.New(cfg.Name, pool)
		if err := eng.Start(ctx, listenAddr); err != nil {
			if rt.tcp != nil {
				rt.tcp.Stop()
			}
			return nil, err
		}
		rt.udp = eng
	}

	logrus.WithFields(logrus.Fields{"service": cfg.Name, "listen": listenAddr, "protocol": cfg.Protocol}).
		Info("svcmanager: service started")
	return rt, nil
}

// retainService diffs cfg against rt.cfg and applies the smallest change
// that realizes the difference.
func (m *Manager) retainService(ctx context.Context, rt *serviceRuntime, cfg relayconfig.ServiceConfig) {
	if rt.cfg.Listen != cfg.Listen || rt.cfg.Protocol != cfg.Protocol {
		logrus.WithField("service", cfg.Name).Info("svcmanager: listen/protocol changed, restarting service")
		m.removeService(rt)
		m.addService(ctx, cfg)
		return
	}

	if !sameBackendList(rt.cfg.Backends, cfg.Backends) {
		backends, err := parseBackends(cfg.Backends)
		if err != nil {
			logrus.WithField("service", cfg.Name).WithError(&relayerr.ConfigApplyError{Service: cfg.Name, Err: err}).
				Error("svcmanager: invalid backend list, keeping previous backends")
		} else {
			rt.pool.Replace(backends)
			logrus.WithField("service", cfg.Name).Info("svcmanager: backend list updated")
		}
	}

	if rt.cfg.BackendCooldownS != cfg.BackendCooldownS {
		rt.pool.SetCooldown(time.Duration(cfg.BackendCooldownS) * time.Second)
	}

	m.mu.Lock()
	rt.cfg = cfg
	m.services[cfg.Name] = rt
	m.mu.Unlock()
}

func sameBackendList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseBackends(raw []string) ([]backendpool.BackendAddr, error) {
	out := make([]backendpool.BackendAddr, 0, len(raw))
	for _, b := range raw {
		host, port, err := relayconfig.ParseBackendAddr(b)
		if err != nil {
			return nil, err
		}
		out = append(out, backendpool.BackendAddr{Host: host, Port: port})
	}
	return out, nil
}

// Shutdown applies an empty snapshot, stopping every running service.
func (m *Manager) Shutdown(ctx context.Context) {
	m.Apply(ctx, &relayconfig.Snapshot{})
}

// Status is the per-service observability surface.
type Status struct {
	Name      string
	Protocol  relayconfig.Protocol
	Backends  []backendpool.BackendStatus
	TCPActive int
	UDPActive int
}

// snapshotEntry is the subset of a serviceRuntime that Snapshot needs to
// read while m.mu is held, so the rest of the work (which dials into
// backendpool.Pool and the relay engines) can happen without the lock.
type snapshotEntry struct {
	name     string
	protocol relayconfig.Protocol
	pool     *backendpool.Pool
	tcp      *relaytcp.Engine
	udp      *relayudp.Engine
}

// Snapshot returns the current observability view across all running
// services. It may be called concurrently with Apply; rt.cfg is only ever
// read here while m.mu is held, matching the lock retainService takes
// around its own write to that field.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	entries := make([]snapshotEntry, 0, len(m.services))
	for name, rt := range m.services {
		entries = append(entries, snapshotEntry{
			name:     name,
			protocol: rt.cfg.Protocol,
			pool:     rt.pool,
			tcp:      rt.tcp,
			udp:      rt.udp,
		})
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		st := Status{Name: e.name, Protocol: e.protocol, Backends: e.pool.Snapshot()}
		if e.tcp != nil {
			st.TCPActive = e.tcp.ActiveSessions()
		}
		if e.udp != nil {
			st.UDPActive = e.udp.ActiveSessions()
		}
		out = append(out, st)
	}
	return out
}
