// Package relayconfig defines the configuration snapshot accepted by the
// Service Manager, plus the thin YAML-loading and file-watching
// collaborators a runnable binary needs around that boundary.
//
// The Service Manager itself only ever sees a validated *Snapshot; parsing
// and watching are external collaborators, implemented here as small
// standalone pieces wired together in cmd/relayd rather than folded into
// the core.
package relayconfig

import (
	"fmt"
	"net"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Protocol is the set of transports a service relays.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// DefaultCooldown is the backend_cooldown default applied when a service
// config omits it.
const DefaultCooldown = 1800

// Listen is a service's local listen endpoint.
type Listen struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
}

func (l Listen) String() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(int(l.Port)))
}

// ServiceConfig is one service definition within a Snapshot.
type ServiceConfig struct {
	Name             string   `yaml:"name"`
	Protocol         Protocol `yaml:"protocol"`
	Listen           Listen   `yaml:"listen"`
	Backends         []string `yaml:"backends"`
	BackendCooldownS int      `yaml:"backend_cooldown"`
}

// UnmarshalYAML decodes backend_cooldown through a *int shadow field so an
// explicit "backend_cooldown: 0" (disable cooldown) can be told apart from
// an omitted key (apply DefaultCooldown); ServiceConfig.BackendCooldownS's
// own zero value can't carry that distinction.
func (s *ServiceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name             string   `yaml:"name"`
		Protocol         Protocol `yaml:"protocol"`
		Listen           Listen   `yaml:"listen"`
		Backends         []string `yaml:"backends"`
		BackendCooldownS *int     `yaml:"backend_cooldown"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.Protocol = raw.Protocol
	s.Listen = raw.Listen
	s.Backends = raw.Backends
	if raw.BackendCooldownS != nil {
		s.BackendCooldownS = *raw.BackendCooldownS
	} else {
		s.BackendCooldownS = DefaultCooldown
	}
	return nil
}

// Snapshot is the only input the Service Manager's core accepts from
// outside.
type Snapshot struct {
	Services []ServiceConfig `yaml:"services"`
}

// applyDefaults fills in a protocol of "both" wherever a service config
// leaves it unset. The backend_cooldown default is applied during YAML
// decoding (ServiceConfig.UnmarshalYAML), since by the time a Snapshot
// reaches here an explicit "backend_cooldown: 0" is no longer
// distinguishable from an omitted one.
func (s *Snapshot) applyDefaults() {
	for i := range s.Services {
		if s.Services[i].Protocol == "" {
			s.Services[i].Protocol = ProtocolBoth
		}
	}
}

// Validate checks unique non-empty service names, a valid protocol, a
// nonzero listen port, and a non-empty, well-formed backend list.
func (s *Snapshot) Validate() error {
	seen := make(map[string]bool, len(s.Services))
	for _, svc := range s.Services {
		if svc.Name == "" {
			return fmt.Errorf("service has empty name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true

		switch svc.Protocol {
		case ProtocolTCP, ProtocolUDP, ProtocolBoth:
		default:
			return fmt.Errorf("service %q: invalid protocol %q", svc.Name, svc.Protocol)
		}
		if svc.Listen.Port == 0 {
			return fmt.Errorf("service %q: listen.port is required", svc.Name)
		}
		if len(svc.Backends) == 0 {
			return fmt.Errorf("service %q: backends must be non-empty", svc.Name)
		}
		for _, b := range svc.Backends {
			if _, _, err := ParseBackendAddr(b); err != nil {
				return fmt.Errorf("service %q: %w", svc.Name, err)
			}
		}
		if svc.BackendCooldownS < 0 {
			return fmt.Errorf("service %q: backend_cooldown must be non-negative", svc.Name)
		}
	}
	return nil
}

// ParseBackendAddr splits a backend string in one of three forms
// ("host:port", "ipv4:port", "[ipv6]:port") into a host and a port, using
// net.SplitHostPort's bracket-aware parsing.
func ParseBackendAddr(s string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid backend address %q: %w", s, err)
	}
	portNum, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid backend port in %q: %w", s, err)
	}
	return h, uint16(portNum), nil
}
