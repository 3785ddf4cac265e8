// Package relayerr defines the error kinds shared across the relay core.
//
// Each kind is a distinct Go type rather than a sentinel value so that
// callers can carry per-occurrence detail (a host, a backend id, a list of
// attempts) while still classifying the failure with errdefs predicates the
// way daemon/libnetwork/types does for network errors.
package relayerr

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ResolveError reports a failed hostname resolution.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

func (e *ResolveError) Is(target error) bool { return target == errdefs.ErrUnavailable }

// DialError reports a failed connect to a single resolved address.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func (e *DialError) Is(target error) bool { return target == errdefs.ErrUnavailable }

// Attempt records one failed backend dial for observability.
type Attempt struct {
	BackendID string
	Err       error
}

// AllBackendsFailedError reports that a Pool exhausted its candidate order
// without a successful dial. The candidate order is the full backend list
// only when every backend was cooling down; otherwise cooling backends are
// not tried.
type AllBackendsFailedError struct {
	Service  string
	Attempts []Attempt
}

func (e *AllBackendsFailedError) Error() string {
	return fmt.Sprintf("service %s: all %d backend(s) failed", e.Service, len(e.Attempts))
}

func (e *AllBackendsFailedError) Is(target error) bool { return target == errdefs.ErrUnavailable }

// SessionIOError reports a read/write failure on an already-established
// session. It never feeds the Pool's failure accounting.
type SessionIOError struct {
	Service string
	Err     error
}

func (e *SessionIOError) Error() string {
	return fmt.Sprintf("service %s: session io: %v", e.Service, e.Err)
}

func (e *SessionIOError) Unwrap() error { return e.Err }

// BindError reports that a listening socket could not be opened.
type BindError struct {
	Service string
	Addr    string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("service %s: bind %s: %v", e.Service, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == errdefs.ErrInvalidArgument }

// ConfigApplyError reports that applying a snapshot to a single service
// failed; other services continue unaffected.
type ConfigApplyError struct {
	Service string
	Err     error
}

func (e *ConfigApplyError) Error() string {
	return fmt.Sprintf("apply service %s: %v", e.Service, e.Err)
}

func (e *ConfigApplyError) Unwrap() error { return e.Err }
