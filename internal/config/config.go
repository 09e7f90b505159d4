// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitBindError   = 2
	ExitMdnsError   = 3
)

const (
	defaultBindAddr  = "0.0.0.0"
	defaultBindPort  = 8080
	defaultPortRange = "60000-60099"
)

// Config holds the server configuration.
type Config struct {
	// BindAddr is the IP the HTTP server and the discovery sweeper bind to.
	BindAddr net.IP
	// BindPort is the HTTP/websocket listen port, also advertised via mDNS.
	BindPort int
	// DiscoveryPorts is the initial UDP sweep candidate port list.
	DiscoveryPorts []int
	// JWTSecret signs and verifies observer bearer tokens.
	JWTSecret []byte
	// Production enables fail-fast on missing secrets.
	Production bool
}

// Load reads configuration from the environment, consulting a .env file
// if one is present in the working directory.
func Load() (*Config, error) {
	// Missing .env is not an error, the environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{
		Production: strings.EqualFold(os.Getenv("FIELDNODE_ENV"), "production"),
	}

	addr := os.Getenv("BIND_ADDR")
	if addr == "" {
		addr = defaultBindAddr
	}
	cfg.BindAddr = net.ParseIP(addr)
	if cfg.BindAddr == nil {
		return nil, fmt.Errorf("invalid BIND_ADDR %q", addr)
	}

	cfg.BindPort = defaultBindPort
	if p := os.Getenv("BIND_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid BIND_PORT %q", p)
		}
		cfg.BindPort = port
	}

	ports, err := parsePortRange(envOrDefault("DISCOVERY_PORT_RANGE", defaultPortRange))
	if err != nil {
		return nil, err
	}
	cfg.DiscoveryPorts = ports

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		if cfg.Production {
			return nil, fmt.Errorf("JWT_SECRET must be set in production")
		}
		secret = "fieldnode-dev-secret"
	}
	cfg.JWTSecret = []byte(secret)

	return cfg, nil
}

// parsePortRange parses a "lo-hi" range into the inclusive list of ports.
func parsePortRange(s string) ([]int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("invalid DISCOVERY_PORT_RANGE %q, want lo-hi", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("invalid DISCOVERY_PORT_RANGE start %q", lo)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return nil, fmt.Errorf("invalid DISCOVERY_PORT_RANGE end %q", hi)
	}
	if start < 1 || end > 65535 || end < start {
		return nil, fmt.Errorf("invalid DISCOVERY_PORT_RANGE %d-%d", start, end)
	}

	ports := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
