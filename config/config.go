// Package config loads run configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/lattice"
	"github.com/notargets/LatticeKernel/partitions"
	"github.com/notargets/LatticeKernel/storage"
)

// Config is the operator-facing description of a run. Empty fields take
// defaults: block strategy, periodic boundaries, even sites first, host
// backend.
type Config struct {
	Extent    []int    `yaml:"extent"`
	Processes int      `yaml:"processes"`
	Divisions []int    `yaml:"divisions"`
	Strategy  string   `yaml:"strategy"`
	Boundary  []string `yaml:"boundary"`
	// ParityOrder is even_first or odd_first
	ParityOrder string `yaml:"parity_order"`

	Backend     string `yaml:"backend"`
	VectorLanes int    `yaml:"vector_lanes"`
	// Device holds OCCA device properties as JSON, e.g. {"mode": "Serial"}
	Device string `yaml:"device"`
	// MemoryLimit caps each field allocation in bytes, zero for no cap
	MemoryLimit int64 `yaml:"memory_limit"`

	// LogLevel is a logrus level name, info when empty
	LogLevel string `yaml:"log_level"`
}

var (
	ValidStrategies   = map[string]bool{"": true, "block": true, "slab": true}
	ValidBoundaries   = map[string]bool{"periodic": true, "antiperiodic": true}
	ValidParityOrders = map[string]bool{"": true, "even_first": true, "odd_first": true}
	ValidBackends     = map[string]bool{"": true, "host": true, "vector": true, "device": true}
)

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lattice config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, failure.Configuration("parsing lattice config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks names and ranges. Whether the extent can be decomposed
// over the processes is decided by lattice setup.
func (c *Config) Validate() error {
	if len(c.Extent) == 0 {
		return failure.Configuration("extent is required")
	}
	for a, l := range c.Extent {
		if l < 1 {
			return failure.Configuration("extent[%d] must be positive, got %d", a, l)
		}
	}
	if c.Processes < 0 {
		return failure.Configuration("processes must be non-negative, got %d", c.Processes)
	}
	if len(c.Divisions) > 0 && len(c.Divisions) != len(c.Extent) {
		return failure.Configuration("divisions has %d entries, extent has %d", len(c.Divisions), len(c.Extent))
	}
	if !ValidStrategies[c.Strategy] {
		return failure.Configuration("unknown strategy %q", c.Strategy)
	}
	if len(c.Boundary) > 0 && len(c.Boundary) != len(c.Extent) {
		return failure.Configuration("boundary has %d entries, extent has %d", len(c.Boundary), len(c.Extent))
	}
	for _, b := range c.Boundary {
		if !ValidBoundaries[b] {
			return failure.Configuration("unknown boundary condition %q", b)
		}
	}
	if !ValidParityOrders[c.ParityOrder] {
		return failure.Configuration("unknown parity_order %q", c.ParityOrder)
	}
	if !ValidBackends[c.Backend] {
		return failure.Configuration("unknown backend %q", c.Backend)
	}
	if c.VectorLanes < 0 {
		return failure.Configuration("vector_lanes must be non-negative, got %d", c.VectorLanes)
	}
	if c.MemoryLimit < 0 {
		return failure.Configuration("memory_limit must be non-negative, got %d", c.MemoryLimit)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, failure.Configuration("unknown log_level %q", c.LogLevel)
	}
	return level, nil
}

// NumProcesses returns the process count, defaulting to the product of the
// divisions or one.
func (c *Config) NumProcesses() int {
	if c.Processes > 0 {
		return c.Processes
	}
	if len(c.Divisions) > 0 {
		return int(partitions.CoordinateVector(c.Divisions).Product())
	}
	return 1
}

// BackendKind maps the backend name.
func (c *Config) BackendKind() storage.Kind {
	switch c.Backend {
	case "vector":
		return storage.VectorKind
	case "device":
		return storage.DeviceKind
	default:
		return storage.HostKind
	}
}

// Lanes returns the vector lane width, four by default.
func (c *Config) Lanes() int {
	if c.VectorLanes > 0 {
		return c.VectorLanes
	}
	return 4
}

// LatticeConfig converts to the lattice setup parameters.
func (c *Config) LatticeConfig() lattice.Config {
	lc := lattice.Config{
		Extent:    partitions.CoordinateVector(c.Extent).Clone(),
		Divisions: partitions.CoordinateVector(c.Divisions).Clone(),
	}
	if len(lc.Divisions) == 0 {
		lc.Divisions = nil
	}
	if c.Strategy == "slab" {
		lc.Strategy = partitions.SlabPartition
	}
	if len(c.Boundary) > 0 {
		lc.Boundary = make([]lattice.BoundaryCondition, len(c.Boundary))
		for a, b := range c.Boundary {
			if b == "antiperiodic" {
				lc.Boundary[a] = lattice.Antiperiodic
			}
		}
	}
	if c.ParityOrder == "odd_first" {
		lc.ParityOrder = lattice.OddFirst
	}
	return lc
}
