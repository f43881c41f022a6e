package host

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/cellhub/cellhub/hub"
)

// CellConfig describes one cell process the host spawns and supervises.
type CellConfig struct {
	// Name identifies the cell in logs and diagnostics.
	Name string `yaml:"name"`
	// BinaryPath is the cell executable the host forks/execs.
	BinaryPath string `yaml:"binary_path"`
	// Args are extra arguments appended after the standard
	// --hub-path/--peer-id/--doorbell-fd flags.
	Args []string `yaml:"args"`
}

// Config is the host's full configuration: the hub's static layout plus
// the fleet of cells to spawn.
type Config struct {
	// HubPath is the filesystem path of the shared-memory hub file.
	HubPath string `yaml:"hub_path"`
	// MaxPeers bounds how many cells may ever be registered at once.
	MaxPeers uint16 `yaml:"max_peers"`
	// RingCapacity is the descriptor capacity of every peer ring.
	RingCapacity uint32 `yaml:"ring_capacity"`
	// SizeClasses configures the five payload size classes, ascending.
	SizeClasses [hub.NumSizeClasses]SizeClassConfig `yaml:"size_classes"`
	// Cells lists the cell processes to spawn at startup.
	Cells []CellConfig `yaml:"cells"`
}

// SizeClassConfig is the YAML-friendly mirror of hub.SizeClassConfig
// (datasize.ByteSize already implements yaml.Unmarshaler via its
// UnmarshalText method, so "16MB" parses directly).
type SizeClassConfig struct {
	SlotSize  datasize.ByteSize `yaml:"slot_size"`
	SlotCount uint32            `yaml:"slot_count"`
}

// DefaultConfig mirrors hub.DefaultConfig's five illustrative classes.
func DefaultConfig() *Config {
	def := hub.DefaultConfig(16, 1024)
	cfg := &Config{
		HubPath:      "/tmp/cellhub.mem",
		MaxPeers:     def.MaxPeers,
		RingCapacity: def.RingCapacity,
	}
	for i, sc := range def.SizeClasses {
		cfg.SizeClasses[i] = SizeClassConfig{SlotSize: sc.SlotSize, SlotCount: sc.SlotCount}
	}
	return cfg
}

// LoadConfig reads and parses a YAML host configuration file, starting
// from DefaultConfig so an omitted field keeps its default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse host config YAML: %w", err)
	}
	return cfg, nil
}

// hubConfig converts the YAML configuration into a hub.Config.
func (c *Config) hubConfig() hub.Config {
	hc := hub.Config{MaxPeers: c.MaxPeers, RingCapacity: c.RingCapacity}
	for i, sc := range c.SizeClasses {
		hc.SizeClasses[i] = hub.SizeClassConfig{SlotSize: sc.SlotSize, SlotCount: sc.SlotCount}
	}
	return hc
}
