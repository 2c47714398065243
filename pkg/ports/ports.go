// Package ports probes TCP ports and binds listeners with bounded fallback.
package ports

import (
	"fmt"
	"net"
	"strconv"
)

// Config controls the fallback walk.
type Config struct {
	// Host to bind; defaults to 0.0.0.0.
	Host string

	// PreferredPort is tried first.
	PreferredPort int

	// MaxPort bounds the upward walk, inclusive.
	MaxPort int
}

func (c Config) host() string {
	if c.Host == "" {
		return "0.0.0.0"
	}
	return c.Host
}

// IsAvailable reports whether a throwaway listener can bind the port.
func IsAvailable(host string, port int) bool {
	if host == "" {
		host = "0.0.0.0"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// FindAvailable walks [from, to] and returns the first bindable port.
func FindAvailable(host string, from, to int) (int, bool) {
	for port := from; port <= to; port++ {
		if IsAvailable(host, port) {
			return port, true
		}
	}
	return 0, false
}

// ListenWithFallback binds the preferred port, walking upward to MaxPort when
// occupied. It returns the bound listener and the chosen port.
func ListenWithFallback(cfg Config) (net.Listener, int, error) {
	host := cfg.host()
	maxPort := cfg.MaxPort
	if maxPort < cfg.PreferredPort {
		maxPort = cfg.PreferredPort
	}

	for port := cfg.PreferredPort; port <= maxPort; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return l, port, nil
	}

	return nil, 0, fmt.Errorf("no available ports found in range %d-%d", cfg.PreferredPort, maxPort)
}
