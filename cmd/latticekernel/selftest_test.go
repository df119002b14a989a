package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/LatticeKernel/config"
	"github.com/notargets/LatticeKernel/failure"
)

func TestSelfTest(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		halo int64
	}{
		{"2x2 host", config.Config{Extent: []int{8, 8}, Processes: 4}, 4 * 16},
		{"vector antiperiodic", config.Config{
			Extent: []int{4, 6}, Processes: 2, Backend: "vector", VectorLanes: 8,
			Boundary: []string{"antiperiodic", "antiperiodic"},
		}, 2*8 + 2*6},
		{"odd first slab", config.Config{
			Extent: []int{4, 4, 6}, Processes: 3, Strategy: "slab", ParityOrder: "odd_first",
		}, 3 * 2 * 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.cfg.Validate())
			report, err := runSelfTest(&tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.cfg.NumProcesses(), report.Ranks)
			assert.Equal(t, int64(product(tc.cfg.Extent)), report.Volume)
			assert.Equal(t, tc.halo, report.HaloChecked)
			assert.Equal(t, report.GathersDone, report.GathersAvoided)
		})
	}
}

func product(v []int) int {
	p := 1
	for _, x := range v {
		p *= x
	}
	return p
}

func TestSelfTestConfigurationError(t *testing.T) {
	cfg := config.Config{Extent: []int{2, 2}, Processes: 5}
	_, err := runSelfTest(&cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrConfiguration))
}

func TestLayoutReport(t *testing.T) {
	report, err := layoutReport(&config.Config{Extent: []int{8, 8}, Processes: 4})
	require.NoError(t, err)
	assert.Contains(t, report, "Process grid: (2,2)")
	assert.Contains(t, report, "Halo sites: 16 from 2 partitions")
}

func TestLoadConfigLogLevel(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("extent: [4, 4]\nlog_level: debug\n"), 0o644))
	configPath = path
	defer func() { configPath = "" }()

	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().StringVar(&logLevel, "log-level", "info", "")
		return cmd
	}

	// The file decides when the flag is left alone
	cfg := loadConfig(newCmd())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	// An explicit flag wins over the file
	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("log-level", "warn"))
	cfg = loadConfig(cmd)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
}
