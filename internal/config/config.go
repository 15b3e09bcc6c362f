package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Peer is a statically configured cluster member.
type Peer struct {
	Name    string `yaml:"name" validate:"required"`
	Address string `yaml:"address" validate:"required,url"`
	Host    string `yaml:"host"`
}

// GossipConfig holds the protocol parameters of the epidemic engine.
type GossipConfig struct {
	Fanout                int           `yaml:"fanout" validate:"min=1"`
	ForwardFanout         int           `yaml:"forward_fanout" validate:"min=1"`
	MaxTTL                int           `yaml:"max_ttl" validate:"min=2"`
	PContinue             float64       `yaml:"p_continue" validate:"gte=0,lte=1"`
	GossipPeriod          time.Duration `yaml:"gossip_period" validate:"gt=0"`
	AntiEntropyPeriod     time.Duration `yaml:"anti_entropy_period" validate:"gt=0"`
	PeerTimeout           time.Duration `yaml:"peer_timeout" validate:"gt=0"`
	SuspicionThreshold    uint32        `yaml:"suspicion_threshold" validate:"min=1"`
	ConvergenceThreshold  float64       `yaml:"convergence_threshold" validate:"gt=0,lte=1"`
	ConnectivityThreshold float64       `yaml:"connectivity_threshold" validate:"gte=0,lte=1"`
	ConvergenceWindow     time.Duration `yaml:"convergence_window" validate:"gt=0"`
	InboxSize             int           `yaml:"inbox_size" validate:"min=1"`
	ReplayWindow          time.Duration `yaml:"replay_window" validate:"gt=0"`
	MaxClockSkew          time.Duration `yaml:"max_clock_skew" validate:"gte=0"`
}

type MainConfig struct {
	Port         string       `yaml:"port" validate:"required,numeric"`
	WebPath      string       `yaml:"web_path" validate:"required,startswith=/"`
	LogPath      string       `yaml:"log_path"`
	LogLevel     string       `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	DataPath     string       `yaml:"data_path"`
	NodeName     string       `yaml:"node_name" validate:"required"`
	GlobalSecret string       `yaml:"global_secret"`
	MaxBodyBytes int64        `yaml:"max_body_bytes" validate:"min=1024"`
	Peers        []Peer       `yaml:"peers" validate:"dive"`
	Gossip       GossipConfig `yaml:"gossip"`
}

// DefaultGossipConfig returns the reference protocol parameters.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		Fanout:                3,
		ForwardFanout:         2,
		MaxTTL:                10,
		PContinue:             0.7,
		GossipPeriod:          time.Second,
		AntiEntropyPeriod:     5 * time.Second,
		PeerTimeout:           30 * time.Second,
		SuspicionThreshold:    5,
		ConvergenceThreshold:  0.8,
		ConnectivityThreshold: 0.7,
		ConvergenceWindow:     time.Minute,
		InboxSize:             1024,
		ReplayWindow:          10 * time.Minute,
		MaxClockSkew:          2 * time.Minute,
	}
}

// DefaultMainConfig returns the configuration used when no file is present.
func DefaultMainConfig() MainConfig {
	return MainConfig{
		Port:         "25556",
		WebPath:      "/gossip",
		LogPath:      "",
		LogLevel:     "info",
		DataPath:     "",
		NodeName:     "gossip-node",
		MaxBodyBytes: 10 * 1024 * 1024,
		Gossip:       DefaultGossipConfig(),
	}
}

// HistoryTTL is how long a processed message id is remembered. It covers
// every timestamp the replay window still accepts, so an id cannot be
// forgotten while a copy of its message would be processed again.
func (g GossipConfig) HistoryTTL() time.Duration {
	return max(time.Duration(g.MaxTTL)*g.GossipPeriod, g.ReplayWindow+g.MaxClockSkew)
}

// InReplayWindow reports whether a message stamped at ts may still be
// processed at now.
func (g GossipConfig) InReplayWindow(ts, now time.Time) bool {
	return now.Sub(ts) <= g.ReplayWindow && ts.Sub(now) <= g.MaxClockSkew
}

// Validate checks ranges and required fields.
func (c *MainConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == c.NodeName {
			return fmt.Errorf("invalid config: peer %q has the local node name", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("invalid config: duplicate peer %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// PeerByName returns the configured peer with the given name.
func (c *MainConfig) PeerByName(name string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return Peer{}, false
}

// LoadMainConfig Read the configuration file and return the configuration object
func LoadMainConfig(basePath string) (*MainConfig, error) {
	defaultCfg := DefaultMainConfig()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "gossip.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &defaultCfg, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// unmarshal over the defaults so omitted keys keep their default value
	cfg := DefaultMainConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &defaultCfg, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return &defaultCfg, err
	}

	return &cfg, nil
}
