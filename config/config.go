package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Topic is the human readable topic string all peers converge on.
	Topic     string `yaml:"topic"`
	NetworkID string `yaml:"network_id"`
	LogLevel  string `yaml:"log_level"`

	Network  NetworkConfig  `yaml:"network"`
	UDP      UDPConfig      `yaml:"udp"`
	Sync     SyncConfig     `yaml:"sync"`
	Identity IdentityConfig `yaml:"identity"`
	API      APIConfig      `yaml:"api"`
}

type NetworkConfig struct {
	ListenHost     string   `yaml:"listen_host"`
	ListenPort     int      `yaml:"listen_port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	EnableMDNS     bool     `yaml:"enable_mdns"`
	EnableDHT      bool     `yaml:"enable_dht"`
	BroadcastRate  float64  `yaml:"broadcast_rate"`
	BroadcastBurst int      `yaml:"broadcast_burst"`
}

type UDPConfig struct {
	ServerAddr string `yaml:"server_addr"`
	ServerPort int    `yaml:"server_port"`
	ClientAddr string `yaml:"client_addr"`
	ClientPort int    `yaml:"client_port"`
	QueueSize  int    `yaml:"queue_size"`
}

type SyncConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	// ResyncInterval limits how often a peer is asked again after a gap
	// in a received log.
	ResyncInterval time.Duration `yaml:"resync_interval"`
	// Interval between periodic sync sessions with all topic peers. Zero
	// disables periodic sync.
	Interval time.Duration `yaml:"interval"`
}

type IdentityConfig struct {
	// KeyFile holds the hex encoded signing key seed. Empty means a fresh
	// key on every start.
	KeyFile string `yaml:"key_file"`
}

type APIConfig struct {
	// Addr of the status API. Empty disables it.
	Addr       string `yaml:"addr"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Topic:     "meshpit",
		NetworkID: "meshpit",
		LogLevel:  "",
		Network: NetworkConfig{
			ListenHost:     "0.0.0.0",
			ListenPort:     0,
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			EnableDHT:      false,
			BroadcastRate:  100,
			BroadcastBurst: 200,
		},
		UDP: UDPConfig{
			ServerAddr: "127.0.0.1",
			ServerPort: 0,
			ClientAddr: "127.0.0.1",
			ClientPort: 49494,
			QueueSize:  128,
		},
		Sync: SyncConfig{
			Enabled: true,
			Timeout:        30 * time.Second,
			ResyncInterval: 2 * time.Second,
			Interval:       time.Minute,
		},
		API: APIConfig{
			EnableCORS: true,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise only fail deep inside startup.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: topic must not be empty", ErrInvalidConfig)
	}
	if c.NetworkID == "" {
		return fmt.Errorf("%w: network_id must not be empty", ErrInvalidConfig)
	}
	if err := validatePort("network.listen_port", c.Network.ListenPort); err != nil {
		return err
	}
	if c.Network.BroadcastRate <= 0 || c.Network.BroadcastBurst <= 0 {
		return fmt.Errorf("%w: broadcast rate and burst must be positive", ErrInvalidConfig)
	}
	if net.ParseIP(c.UDP.ServerAddr) == nil {
		return fmt.Errorf("%w: udp.server_addr %q is not an IP address", ErrInvalidConfig, c.UDP.ServerAddr)
	}
	if net.ParseIP(c.UDP.ClientAddr) == nil {
		return fmt.Errorf("%w: udp.client_addr %q is not an IP address", ErrInvalidConfig, c.UDP.ClientAddr)
	}
	if err := validatePort("udp.server_port", c.UDP.ServerPort); err != nil {
		return err
	}
	if err := validatePort("udp.client_port", c.UDP.ClientPort); err != nil {
		return err
	}
	if c.UDP.ClientPort == 0 {
		return fmt.Errorf("%w: udp.client_port must be set", ErrInvalidConfig)
	}
	if c.UDP.QueueSize <= 0 {
		return fmt.Errorf("%w: udp.queue_size must be positive", ErrInvalidConfig)
	}
	if c.Sync.Enabled && c.Sync.Timeout <= 0 {
		return fmt.Errorf("%w: sync.timeout must be positive", ErrInvalidConfig)
	}
	if c.Sync.ResyncInterval < 0 || c.Sync.Interval < 0 {
		return fmt.Errorf("%w: sync intervals must not be negative", ErrInvalidConfig)
	}
	return nil
}

// UDPServerAddr returns the address the local socket binds to.
func (c *Config) UDPServerAddr() string {
	return net.JoinHostPort(c.UDP.ServerAddr, fmt.Sprint(c.UDP.ServerPort))
}

// UDPClientAddr returns the address payloads from the mesh are sent to.
func (c *Config) UDPClientAddr() string {
	return net.JoinHostPort(c.UDP.ClientAddr, fmt.Sprint(c.UDP.ClientPort))
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
	}
	return nil
}
