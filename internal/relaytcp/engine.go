// Package relaytcp implements the TCP relay engine: an accept loop that
// dials a backendpool.Pool for each client and splices bytes bidirectionally
// until either side closes or the session goes idle.
package relaytcp

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/So0ni/async-relay/internal/backendpool"
	"github.com/So0ni/async-relay/internal/relayerr"
)

// IdleTimeout is the per-session inactivity deadline.
const IdleTimeout = 60 * time.Second

// copyBufSize is the per-direction buffer size.
const copyBufSize = 64 * 1024

// Engine is one service's TCP relay.
type Engine struct {
	service string
	pool    *backendpool.Pool

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a TCP Engine for service, dialing through pool.
func New(service string, pool *backendpool.Pool) *Engine {
	return &Engine{
		service:  service,
		pool:     pool,
		sessions: make(map[*session]struct{}),
	}
}

// Start opens the listening socket and begins accepting. The listen
// address's family (IPv4 or IPv6, including wildcard forms) drives the
// socket opened.
func (e *Engine) Start(ctx context.Context, listenAddr string) error {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return &relayerr.BindError{Service: e.service, Addr: listenAddr, Err: err}
	}
	e.listener = l

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.acceptLoop(ctx)
	return nil
}

// Stop stops accepting, closes all open sessions, and waits for every
// accept/splice task to terminate.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.listener != nil {
		e.listener.Close()
	}

	e.mu.Lock()
	for s := range e.sessions {
		s.close()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// ActiveSessions returns the count of currently open sessions, for the
// per-service observability surface.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) acceptLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return
			}
			logrus.WithField("service", e.service).WithError(err).Warn("relaytcp: accept failed")
			continue
		}

		e.wg.Add(1)
		go e.handleClient(ctx, conn)
	}
}

func isClosed(err error) bool {
	return err == net.ErrClosed
}

func (e *Engine) handleClient(ctx context.Context, client net.Conn) {
	defer e.wg.Done()

	upstream, backend, err := e.pool.Dial(ctx)
	if err != nil {
		logrus.WithField("service", e.service).WithError(err).Info("relaytcp: all backends failed, closing client")
		client.Close()
		return
	}

	s := newSession(client, upstream)
	e.track(s)
	defer e.untrack(s)

	logrus.WithFields(logrus.Fields{"service": e.service, "backend": backend.String()}).Debug("relaytcp: session established")
	s.run(ctx, e.service)
}

func (e *Engine) track(s *session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(s *session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

// session pairs a client connection with its upstream connection and
// enforces the idle timeout.
type session struct {
	client, upstream net.Conn
	lastActivity     atomic.Int64 // unix nanos

	closeOnce sync.Once
}

func newSession(client, upstream net.Conn) *session {
	s := &session{client: client, upstream: upstream}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.upstream.Close()
	})
}

// run copies bytes in both directions until both sides are done or the
// session goes idle for IdleTimeout, then closes both sockets.
func (s *session) run(ctx context.Context, service string) {
	defer s.close()

	done := make(chan struct{})
	idleCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go s.idleWatchdog(idleCtx, done)

	var wg sync.WaitGroup
	wg.Add(2)
	go s.splice(&wg, s.client, s.upstream, "client->upstream", service)
	go s.splice(&wg, s.upstream, s.client, "upstream->client", service)
	wg.Wait()
	close(done)
}

func (s *session) splice(wg *sync.WaitGroup, dst io.Writer, src io.Reader, dir, service string) {
	defer wg.Done()
	buf := make([]byte, copyBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				logrus.WithFields(logrus.Fields{"service": service, "dir": dir}).
					WithError(&relayerr.SessionIOError{Service: service, Err: werr}).Warn("relaytcp: write failed")
				s.halfClose(dst)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logrus.WithFields(logrus.Fields{"service": service, "dir": dir}).
					WithError(&relayerr.SessionIOError{Service: service, Err: err}).Warn("relaytcp: read failed")
			}
			s.halfClose(dst)
			return
		}
	}
}

// halfClose closes the write side of dst when its peer is a *net.TCPConn,
// so the other direction can still drain in flight.
func (s *session) halfClose(dst io.Writer) {
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}

func (s *session) idleWatchdog(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) > IdleTimeout {
				s.close()
				return
			}
		}
	}
}
