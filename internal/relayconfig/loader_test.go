package relayconfig

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

const sampleYAML = `
services:
  - name: web
    protocol: both
    listen:
      address: 0.0.0.0
      port: 8080
    backends:
      - "10.0.0.1:80"
      - "backend.internal:80"
      - "[fe80::1]:80"
    backend_cooldown: 60
  - name: minimal
    listen:
      address: 127.0.0.1
      port: 9090
    backends:
      - "127.0.0.1:9091"
`

func writeTemp(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	snap, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, len(snap.Services), 2)

	web := snap.Services[0]
	assert.Equal(t, web.Protocol, ProtocolBoth)
	assert.Equal(t, web.BackendCooldownS, 60)

	minimal := snap.Services[1]
	assert.Equal(t, minimal.Protocol, ProtocolBoth)
	assert.Equal(t, minimal.BackendCooldownS, DefaultCooldown)
}

func TestLoad_ExplicitZeroCooldownDisablesDefault(t *testing.T) {
	path := writeTemp(t, `
services:
  - name: no-cooldown
    listen: {address: 0.0.0.0, port: 8080}
    backends: ["10.0.0.1:80"]
    backend_cooldown: 0
`)
	snap, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, len(snap.Services), 1)
	assert.Equal(t, snap.Services[0].BackendCooldownS, 0)
}

func TestLoad_RejectsDuplicateServiceNames(t *testing.T) {
	path := writeTemp(t, `
services:
  - name: web
    listen: {address: 0.0.0.0, port: 80}
    backends: ["10.0.0.1:80"]
  - name: web
    listen: {address: 0.0.0.0, port: 81}
    backends: ["10.0.0.2:80"]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate service name")
}

func TestParseBackendAddr(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort uint16
	}{
		{"example.com:443", "example.com", 443},
		{"10.0.0.1:80", "10.0.0.1", 80},
		{"[fe80::1]:8080", "fe80::1", 8080},
	}
	for _, tc := range cases {
		host, port, err := ParseBackendAddr(tc.in)
		assert.NilError(t, err)
		assert.Equal(t, host, tc.wantHost)
		assert.Equal(t, port, tc.wantPort)
	}
}

func TestParseBackendAddr_Invalid(t *testing.T) {
	_, _, err := ParseBackendAddr("not-a-valid-address")
	assert.Check(t, err != nil)
}
