// Package config loads and persists the node configuration as TOML.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("faic/config")

// Defaults
const (
	DefaultListenAddress     = "/ip4/0.0.0.0/tcp/0"
	DefaultMaxConnections    = 100
	DefaultConnectionTimeout = 10 // seconds
	DefaultHeartbeatInterval = 60 // seconds
	DefaultRequestTimeout    = 30 // seconds
)

// Environment overrides
const (
	EnvListenAddresses = "FAIC_LISTEN_ADDRESSES"
	EnvMaxConnections  = "FAIC_MAX_CONNECTIONS"
)

// Common errors for configuration
var (
	ErrInvalidConfig = errors.New("invalid config")
)

// BootstrapNode is a statically known peer.
type BootstrapNode struct {
	PeerID  string `toml:"peer_id"`
	Address string `toml:"address"`
}

// Config is the persisted node configuration. Durations are whole seconds.
type Config struct {
	LocalPeerID       string          `toml:"local_peer_id"`
	IdentityKey       string          `toml:"identity_key,omitempty"`
	ListenAddresses   []string        `toml:"listen_addresses"`
	BootstrapNodes    []BootstrapNode `toml:"bootstrap_nodes"`
	MaxConnections    int             `toml:"max_connections"`
	ConnectionTimeout uint64          `toml:"connection_timeout"`
	HeartbeatInterval uint64          `toml:"heartbeat_interval"`
	RequestTimeout    uint64          `toml:"request_timeout,omitempty"`
}

// Default returns a configuration with a freshly generated ed25519 identity.
func Default() (*Config, error) {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}

	return &Config{
		LocalPeerID:       id.String(),
		IdentityKey:       crypto.ConfigEncodeKey(raw),
		ListenAddresses:   []string{DefaultListenAddress},
		BootstrapNodes:    []BootstrapNode{},
		MaxConnections:    DefaultMaxConnections,
		ConnectionTimeout: DefaultConnectionTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RequestTimeout:    DefaultRequestTimeout,
	}, nil
}

// Load reads a configuration file. A missing file yields an error wrapping os.ErrNotExist;
// a malformed one is reported as is and left untouched.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warnf("ignoring unknown config keys in %s: %v", path, undecoded)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

// Save writes cfg to path atomically, creating parent directories.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".faic-config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// LoadOrCreate loads path, or generates and persists defaults when it does not exist.
// It reports whether the file was created. Malformed files are never overwritten.
func LoadOrCreate(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	cfg, err = Default()
	if err != nil {
		return nil, false, err
	}
	if err := Save(cfg, path); err != nil {
		return nil, false, err
	}
	log.Infof("created default config at %s for peer %s", path, cfg.LocalPeerID)
	return cfg, true, nil
}

func (c *Config) fillDefaults() {
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{DefaultListenAddress}
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Validate checks identities and addresses.
func (c *Config) Validate() error {
	id, err := peer.Decode(c.LocalPeerID)
	if err != nil {
		return fmt.Errorf("%w: local_peer_id: %v", ErrInvalidConfig, err)
	}
	if c.IdentityKey != "" {
		priv, err := c.PrivateKey()
		if err != nil {
			return err
		}
		derived, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return fmt.Errorf("%w: identity_key: %v", ErrInvalidConfig, err)
		}
		if derived != id {
			return fmt.Errorf("%w: identity_key belongs to %s, not %s", ErrInvalidConfig, derived, id)
		}
	}
	if len(c.ListenAddresses) == 0 {
		return fmt.Errorf("%w: listen_addresses is empty", ErrInvalidConfig)
	}
	for _, a := range c.ListenAddresses {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, a, err)
		}
	}
	for i, b := range c.BootstrapNodes {
		if _, err := peer.Decode(b.PeerID); err != nil {
			return fmt.Errorf("%w: bootstrap_nodes[%d].peer_id: %v", ErrInvalidConfig, i, err)
		}
		if _, err := ma.NewMultiaddr(b.Address); err != nil {
			return fmt.Errorf("%w: bootstrap_nodes[%d].address %q: %v", ErrInvalidConfig, i, b.Address, err)
		}
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval == 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	for _, d := range []struct {
		name    string
		seconds uint64
	}{
		{"connection_timeout", c.ConnectionTimeout},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"request_timeout", c.RequestTimeout},
	} {
		if d.seconds > maxDurationSeconds {
			return fmt.Errorf("%w: %s of %d seconds is out of range", ErrInvalidConfig, d.name, d.seconds)
		}
	}
	return nil
}

// maxDurationSeconds is the largest whole-second value a time.Duration can hold.
const maxDurationSeconds = uint64(math.MaxInt64 / int64(time.Second))

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvListenAddresses); ok && strings.TrimSpace(v) != "" {
		var addrs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		c.ListenAddresses = addrs
	}
	if v, ok := os.LookupEnv(EnvMaxConnections); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvMaxConnections, v)
		}
		c.MaxConnections = n
	}
	return nil
}

// PeerID decodes LocalPeerID.
func (c *Config) PeerID() (peer.ID, error) {
	return peer.Decode(c.LocalPeerID)
}

// PrivateKey decodes IdentityKey.
func (c *Config) PrivateKey() (crypto.PrivKey, error) {
	raw, err := crypto.ConfigDecodeKey(c.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: identity_key: %v", ErrInvalidConfig, err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: identity_key: %v", ErrInvalidConfig, err)
	}
	return priv, nil
}

// ConnectionTimeoutDuration returns ConnectionTimeout as a duration.
func (c *Config) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// HeartbeatIntervalDuration returns HeartbeatInterval as a duration.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// RequestTimeoutDuration returns RequestTimeout as a duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
