package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Port range a node may listen on or dial.
const (
	MinPort = 49152
	MaxPort = 65535
)

// ErrInvalid is the sentinel for configuration errors.
var ErrInvalid = errors.New("invalid configuration")

// Error is a configuration error. It is raised before any network activity
// and is never retried.
type Error struct {
	Field  string
	Value  any
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrInvalid
}

// Config holds the node configuration.
type Config struct {
	NodeID     int
	ListenPort int
	LeftHost   string
	LeftPort   int
	RightHost  string
	RightPort  int

	// StatusAddr enables the HTTP status endpoint when non-empty.
	StatusAddr string

	ThinkMin, ThinkMax time.Duration
	EatMin, EatMax     time.Duration

	PollInterval   time.Duration // fork wait poll fallback
	GossipInterval time.Duration
	PingInterval   time.Duration

	DialAttempts int
	DialBackoff  time.Duration
}

// Default returns a config with the standard timings and no identity.
func Default() Config {
	return Config{
		ThinkMin:       5 * time.Second,
		ThinkMax:       20 * time.Second,
		EatMin:         5 * time.Second,
		EatMax:         10 * time.Second,
		PollInterval:   1 * time.Second,
		GossipInterval: 1 * time.Second,
		PingInterval:   5 * time.Second,
		DialAttempts:   20,
		DialBackoff:    2 * time.Second,
	}
}

// Validate checks the config. The first violation is returned as *Error.
func (c *Config) Validate() error {
	if c.NodeID <= 0 {
		return &Error{Field: "node-id", Value: c.NodeID, Reason: "must be positive"}
	}
	if err := validatePort("listen-port", c.ListenPort); err != nil {
		return err
	}
	if err := validateHost("left-host", c.LeftHost); err != nil {
		return err
	}
	if err := validatePort("left-port", c.LeftPort); err != nil {
		return err
	}
	if err := validateHost("right-host", c.RightHost); err != nil {
		return err
	}
	if err := validatePort("right-port", c.RightPort); err != nil {
		return err
	}
	if c.StatusAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatusAddr); err != nil {
			return &Error{Field: "status-addr", Value: c.StatusAddr, Reason: err.Error()}
		}
	}

	if err := validateRange("think", c.ThinkMin, c.ThinkMax); err != nil {
		return err
	}
	if err := validateRange("eat", c.EatMin, c.EatMax); err != nil {
		return err
	}
	for _, p := range []struct {
		name string
		d    time.Duration
	}{
		{"poll-interval", c.PollInterval},
		{"gossip-interval", c.GossipInterval},
		{"ping-interval", c.PingInterval},
		{"dial-backoff", c.DialBackoff},
	} {
		if p.d <= 0 {
			return &Error{Field: p.name, Value: p.d, Reason: "must be positive"}
		}
	}
	if c.DialAttempts <= 0 {
		return &Error{Field: "dial-attempts", Value: c.DialAttempts, Reason: "must be positive"}
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < MinPort || port > MaxPort {
		return &Error{Field: field, Value: port, Reason: fmt.Sprintf("must be in %d-%d", MinPort, MaxPort)}
	}
	return nil
}

func validateHost(field, host string) error {
	if host == "" {
		return &Error{Field: field, Value: host, Reason: "cannot be empty"}
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return &Error{Field: field, Value: host, Reason: "hostname too long"}
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return &Error{Field: field, Value: host, Reason: "malformed hostname"}
		}
		for _, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '-' && r != '_' {
				return &Error{Field: field, Value: host, Reason: "malformed hostname"}
			}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return &Error{Field: field, Value: host, Reason: "malformed hostname"}
		}
	}
	return nil
}

func validateRange(name string, lo, hi time.Duration) error {
	if lo < 0 {
		return &Error{Field: name + "-min", Value: lo, Reason: "cannot be negative"}
	}
	if hi < lo {
		return &Error{Field: name + "-max", Value: hi, Reason: fmt.Sprintf("must be >= %s-min (%s)", name, lo)}
	}
	return nil
}

// LeftAddr returns the left neighbor's dial address.
func (c *Config) LeftAddr() string {
	return net.JoinHostPort(c.LeftHost, strconv.Itoa(c.LeftPort))
}

// RightAddr returns the right neighbor's dial address.
func (c *Config) RightAddr() string {
	return net.JoinHostPort(c.RightHost, strconv.Itoa(c.RightPort))
}

// ListenAddr returns the address the link server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.ListenPort))
}

// ParseNeighbor parses a neighbor in the format "host:port".
func ParseNeighbor(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, &Error{Field: "neighbor", Value: s, Reason: "expected host:port"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, &Error{Field: "neighbor", Value: s, Reason: "port is not a number"}
	}
	if err := validateHost("neighbor", host); err != nil {
		return "", 0, err
	}
	if err := validatePort("neighbor", port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// BuildRing returns the configs of a ring where node i (ID i+1) listens on
// ports[i], its left neighbor is the previous node and its right neighbor
// the next one, wrapping around. Timings come from base.
func BuildRing(base Config, host string, ports []int) ([]Config, error) {
	if len(ports) < 2 {
		return nil, &Error{Field: "ring-size", Value: len(ports), Reason: "a ring needs at least 2 nodes"}
	}

	n := len(ports)
	configs := make([]Config, 0, n)
	for i, port := range ports {
		cfg := base
		cfg.NodeID = i + 1
		cfg.ListenPort = port
		cfg.LeftHost = host
		cfg.LeftPort = ports[(i+n-1)%n]
		cfg.RightHost = host
		cfg.RightPort = ports[(i+1)%n]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("node %d: %w", cfg.NodeID, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadEnv loads variables from an optional .env file. A missing file is not
// an error; variables already set in the environment win.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
