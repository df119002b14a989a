package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/notargets/LatticeKernel/config"
	"github.com/notargets/LatticeKernel/partitions"
)

// layoutCmd prints the decomposition without running any rank
var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the partition and halo report of a decomposition",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		report, err := layoutReport(cfg)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		fmt.Print(report)
	},
}

func layoutReport(cfg *config.Config) (string, error) {
	lc := cfg.LatticeConfig()
	pb := &partitions.PartitionBuilder{
		Extent:        lc.Extent,
		NumPartitions: cfg.NumProcesses(),
		Strategy:      lc.Strategy,
		Divisions:     lc.Divisions,
	}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return "", err
	}
	return partitions.GenerateLayoutReport(layout), nil
}
