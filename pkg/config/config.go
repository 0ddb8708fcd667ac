// Package config loads node configuration from an optional YAML file
// overlaid with command-line flags, producing the options the control
// surface and consensus core need at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/raftkv/pkg/types"
)

// Config is the full set of node options: the nine control-surface
// options this module is built around, plus the ambient additions
// (logging, metrics, data directory) every long-running node needs.
type Config struct {
	ID   uint64 `yaml:"id"`
	Addr string `yaml:"addr"`

	RaftLog           string `yaml:"raftlog"`
	RaftIntervalMS     int    `yaml:"raft_interval_ms"`
	RequestTimeoutMS   int    `yaml:"request_timeout_ms"`
	ElectionTimeoutMS  int    `yaml:"election_timeout_ms"`
	ReconnectIntervalMS int   `yaml:"reconnect_interval_ms"`
	MaxLogEntries     uint64 `yaml:"max_log_entries"`
	CompactDelayMS    int    `yaml:"compact_delay_ms"`

	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir    string `yaml:"data_dir"`
	ControlAddr string `yaml:"control_addr"`

	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig names a cluster member known at startup, seeded into the
// peer registry before any RAFT.NODE ADD has been issued.
type PeerConfig struct {
	ID   uint64 `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Default returns a Config with every option set to the values named
// in the control surface's configuration section.
func Default() Config {
	return Config{
		RaftIntervalMS:      100,
		RequestTimeoutMS:    250,
		ElectionTimeoutMS:   500,
		ReconnectIntervalMS: 100,
		MaxLogEntries:       10000,
		CompactDelayMS:      1000,
		LogLevel:            "info",
		DataDir:             "./data",
		RaftLog:             "raft.log",
		ControlAddr:         "127.0.0.1:7300",
	}
}

// Load reads path (if non-empty and present) as YAML over the default
// configuration. A missing path is not an error: callers are expected
// to rely on flags alone when no file is given.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// NodeAddr parses Addr into a types.NodeAddr.
func (c Config) NodeAddr() (types.NodeAddr, error) {
	return parseAddr(c.Addr)
}

func parseAddr(s string) (types.NodeAddr, error) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return types.NodeAddr{}, fmt.Errorf("config: address %q must be host:port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.NodeAddr{}, fmt.Errorf("config: invalid port in %q", s)
	}
	return types.NodeAddr{Host: host, Port: port}, nil
}

func (c Config) RaftInterval() time.Duration      { return time.Duration(c.RaftIntervalMS) * time.Millisecond }
func (c Config) RequestTimeout() time.Duration    { return time.Duration(c.RequestTimeoutMS) * time.Millisecond }
func (c Config) ElectionTimeout() time.Duration   { return time.Duration(c.ElectionTimeoutMS) * time.Millisecond }
func (c Config) ReconnectInterval() time.Duration { return time.Duration(c.ReconnectIntervalMS) * time.Millisecond }
func (c Config) CompactDelay() time.Duration      { return time.Duration(c.CompactDelayMS) * time.Millisecond }
