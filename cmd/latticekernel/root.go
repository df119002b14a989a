package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/notargets/LatticeKernel/config"
)

var (
	configPath  string   // YAML run configuration
	extent      []int    // Global lattice extent
	processes   int      // Number of ranks
	divisions   []int    // Explicit process grid
	strategy    string   // Partition strategy
	boundary    []string // Boundary condition per axis
	parityOrder string   // Which parity gets the low site indices
	backend     string   // Field storage backend
	vectorLanes int      // Lane width of the vector backend
	device      string   // OCCA device properties
	logLevel    string   // Log verbosity level
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "latticekernel",
	Short: "Domain decomposition and halo exchange for periodic lattices",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config when given, applies the flags that were set
// explicitly on top of it and sets the log level from the result.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("extent") {
		cfg.Extent = extent
	}
	if flags.Changed("processes") {
		cfg.Processes = processes
	}
	if flags.Changed("divisions") {
		cfg.Divisions = divisions
	}
	if flags.Changed("strategy") {
		cfg.Strategy = strategy
	}
	if flags.Changed("boundary") {
		cfg.Boundary = boundary
	}
	if flags.Changed("parity-order") {
		cfg.ParityOrder = parityOrder
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("vector-lanes") {
		cfg.VectorLanes = vectorLanes
	}
	if flags.Changed("device") {
		cfg.Device = device
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("%v", err)
	}
	// The file's log_level applies unless --log-level was given
	level, _ := cfg.Level()
	logrus.SetLevel(level)
	return cfg
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML run configuration; flags override its values")

	rootCmd.PersistentFlags().IntSliceVar(&extent, "extent", nil, "Comma-separated global lattice extent")
	rootCmd.PersistentFlags().IntVar(&processes, "processes", 1, "Number of ranks")
	rootCmd.PersistentFlags().IntSliceVar(&divisions, "divisions", nil, "Comma-separated process grid, overrides the strategy")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "block", "Partition strategy (block, slab)")
	rootCmd.PersistentFlags().StringSliceVar(&boundary, "boundary", nil, "Comma-separated boundary per axis (periodic, antiperiodic)")
	rootCmd.PersistentFlags().StringVar(&parityOrder, "parity-order", "even_first", "Site order (even_first, odd_first)")

	selftestCmd.Flags().StringVar(&backend, "backend", "host", "Field storage backend (host, vector, device)")
	selftestCmd.Flags().IntVar(&vectorLanes, "vector-lanes", 4, "Lane width of the vector backend")
	selftestCmd.Flags().StringVar(&device, "device", "", "OCCA device properties as JSON; empty tries OpenMP, CUDA, Serial")

	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(selftestCmd)
}
