// Package config holds the relay's persisted configuration record.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 9595
	DefaultAddress  = "0.0.0.0"
	DefaultUpstream = "ws://localhost:1338"
)

var (
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrInvalidUpstream = errors.New("upstream must be a ws:// or wss:// URL")
	ErrInvalidAddress  = errors.New("bind address must not be empty")
)

// ProxyConfiguration is the relay's configuration record. It is a value type:
// methods never modify the receiver.
type ProxyConfiguration struct {
	// Host is the public host name clients use to reach the relay.
	Host string `json:"host"`
	// Port is the TCP port the relay listens on.
	Port int `json:"port"`
	// Address is the bind address.
	Address string `json:"address"`
	// Upstream is the Daemon JSON-API WebSocket URL.
	Upstream string `json:"upstream"`
	// Token is presented to the upstream during the handshake when non-empty.
	Token string `json:"token"`
}

// Default returns the configuration with every field at its default.
func Default() ProxyConfiguration {
	return ProxyConfiguration{
		Host:     DefaultHost,
		Port:     DefaultPort,
		Address:  DefaultAddress,
		Upstream: DefaultUpstream,
		Token:    "",
	}
}

// MergeDefaults decodes a partial JSON record on top of the defaults. Fields
// absent from data keep their default value.
func MergeDefaults(data []byte) (ProxyConfiguration, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ProxyConfiguration{}, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, nil
}

// MergeMap is MergeDefaults for already decoded input.
func MergeMap(partial map[string]any) (ProxyConfiguration, error) {
	data, err := json.Marshal(partial)
	if err != nil {
		return ProxyConfiguration{}, fmt.Errorf("encode partial configuration: %w", err)
	}
	return MergeDefaults(data)
}

// Load reads the configuration file at path. A missing file yields the defaults.
func Load(path string) (ProxyConfiguration, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return ProxyConfiguration{}, fmt.Errorf("read configuration %s: %w", path, err)
	}
	return MergeDefaults(data)
}

// Save writes the configuration to path as indented JSON.
func (c ProxyConfiguration) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write configuration %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid field.
func (c ProxyConfiguration) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.Address == "" {
		return ErrInvalidAddress
	}
	u, err := url.Parse(c.Upstream)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidUpstream, c.Upstream)
	}
	return nil
}

// ListenAddr is the host:port pair the relay binds to.
func (c ProxyConfiguration) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// WithEnv returns a copy with WSRELAY_UPSTREAM and WSRELAY_TOKEN applied.
func (c ProxyConfiguration) WithEnv() ProxyConfiguration {
	c.Upstream = getEnv("WSRELAY_UPSTREAM", c.Upstream)
	c.Token = getEnv("WSRELAY_TOKEN", c.Token)
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
