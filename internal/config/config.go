package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default configuration values.
const (
	DefaultRelayAddr = ":8080"
	DefaultServerURL = "http://localhost:8080"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
)

// Config holds application configuration for both the relay binary and
// the client.
type Config struct {
	// RelayAddr is the listen address for the relay binary.
	RelayAddr string

	// ServerURL is the relay's HTTP base; the websocket URL derives
	// from it.
	ServerURL string

	// ICE servers for WebRTC.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// File transfer tuning.
	ChunkSize              int
	MaxConcurrentTransfers int
	HighWaterMark          uint64
	DisableChecksum        bool
	RetryAttempts          int
	RetryDelay             time.Duration

	// Signaling channel tuning.
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// Options carries CLI flag overrides into Load.
type Options struct {
	RelayAddr  string
	ServerURL  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		RelayAddr:  pick(opts.RelayAddr, "RELAY_ADDR", DefaultRelayAddr),
		ServerURL:  pick(opts.ServerURL, "SERVER_URL", DefaultServerURL),
		STUNServer: pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer: pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:   pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:   pick(opts.TURNPass, "TURN_PASSWORD", ""),
	}

	var err error
	if cfg.ChunkSize, err = pickInt("CHUNK_SIZE", 64*1024); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentTransfers, err = pickInt("MAX_CONCURRENT_TRANSFERS", 3); err != nil {
		return nil, err
	}
	hwm, err := pickInt("HIGH_WATER_MARK", 16*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.HighWaterMark = uint64(hwm)
	if cfg.RetryAttempts, err = pickInt("RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = pickDuration("RETRY_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = pickDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectBaseDelay, err = pickDuration("RECONNECT_BASE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectAttempts, err = pickInt("MAX_RECONNECT_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	cfg.DisableChecksum = os.Getenv("DISABLE_CHECKSUM") == "true"

	return cfg, nil
}

// WebSocketURL derives the signaling endpoint from the server base URL.
func (c *Config) WebSocketURL() string {
	base := c.ServerURL
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:] + "/ws"
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:] + "/ws"
	}
	return base + "/ws"
}

// GetSTUNServers returns STUN server URLs as strings.
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func pick(flag, env, fallback string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func pickInt(env string, fallback int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	return n, nil
}

func pickDuration(env string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	return d, nil
}
