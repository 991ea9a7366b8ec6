package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

// Duration is a time.Duration that reads and writes as a string such as "1s" in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the configuration for the lanmesh daemon
type Config struct {
	// Default config file location
	configFile string

	// Node identity. The peer ID is derived from the key
	Node struct {
		PrivKey PrivKey `json:"privkey"`
	} `json:"node"`

	Network struct {
		ListenAddress    string   `json:"listen"`            // Multiaddr the RPC server binds to
		AdvertiseAddress string   `json:"advertise"`         // Multiaddr announced to peers instead of the detected ones
		MulticastAddress string   `json:"multicast"`         // host:port of the discovery multicast group
		AnnounceInterval Duration `json:"announce_interval"` // How often we announce ourselves
		AnnounceJitter   Duration `json:"announce_jitter"`
		DialTimeout      Duration `json:"dial_timeout"` // Connection establishment timeout
		IdleTimeout      Duration `json:"idle_timeout"` // Inbound connections silent for this long are closed
	} `json:"network"`

	Liveness struct {
		Interval  Duration `json:"interval"`
		Timeout   Duration `json:"timeout"`
		Threshold uint     `json:"threshold"` // Consecutive timeouts before a peer is disconnected
	} `json:"liveness"`

	DataStore struct {
		PeerIndexPath string `json:"peers"` // Empty disables persistence
	} `json:"datastore"`

	API struct {
		ListenAddress string `json:"listen"` // Empty disables the HTTP API
	} `json:"api"`

	Events struct {
		ZMQEndpoint string `json:"zmq"` // e.g. tcp://127.0.0.1:5556. Empty disables the publisher
	} `json:"events"`
}

// NewEmptyConfig generates a new configuration with default settings and no key
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.ListenAddress = "/ip4/0.0.0.0/tcp/0"
	cfg.Network.MulticastAddress = "239.192.0.1:9999"
	cfg.Network.AnnounceInterval = Duration(5 * time.Second)
	cfg.Network.AnnounceJitter = Duration(500 * time.Millisecond)
	cfg.Network.DialTimeout = Duration(10 * time.Second)
	cfg.Network.IdleTimeout = Duration(5 * time.Second)

	cfg.Liveness.Interval = Duration(time.Second)
	cfg.Liveness.Timeout = Duration(5 * time.Second)
	cfg.Liveness.Threshold = 1

	cfg.DataStore.PeerIndexPath = "/tmp/lanmesh/peers"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Validate checks the values that would otherwise fail deep inside the node.
func (c *Config) Validate() error {
	var errs error
	if !c.Node.PrivKey.Valid() {
		errs = multierr.Append(errs, errors.New("node.privkey is missing, run init first"))
	}
	if c.Network.ListenAddress == "" {
		errs = multierr.Append(errs, errors.New("network.listen is empty"))
	}
	if c.Network.MulticastAddress == "" {
		errs = multierr.Append(errs, errors.New("network.multicast is empty"))
	}
	if c.Network.AnnounceInterval <= 0 {
		errs = multierr.Append(errs, errors.New("network.announce_interval must be positive"))
	}
	if c.Network.AnnounceJitter < 0 || c.Network.AnnounceJitter >= c.Network.AnnounceInterval {
		errs = multierr.Append(errs, errors.New("network.announce_jitter must be smaller than network.announce_interval"))
	}
	if c.Network.DialTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("network.dial_timeout must be positive"))
	}
	if c.Liveness.Interval <= 0 || c.Liveness.Timeout <= 0 {
		errs = multierr.Append(errs, errors.New("liveness.interval and liveness.timeout must be positive"))
	}
	// Peers probe inbound connections once per interval; a shorter idle timeout drops them in between
	if c.Network.IdleTimeout < 0 || (c.Network.IdleTimeout > 0 && c.Network.IdleTimeout <= c.Liveness.Interval) {
		errs = multierr.Append(errs, fmt.Errorf("network.idle_timeout (%s) must be zero or longer than liveness.interval (%s)",
			c.Network.IdleTimeout.Std(), c.Liveness.Interval.Std()))
	}
	if c.Liveness.Threshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("liveness.threshold must be at least 1, got %d", c.Liveness.Threshold))
	}
	return errs
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// The file holds the private key
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
