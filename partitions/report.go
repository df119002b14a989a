package partitions

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateLayoutReport creates a summary of the decomposition and the halo
// traffic it implies
func GenerateLayoutReport(layout *PartitionLayout) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Lattice Decomposition Report ===\n")
	fmt.Fprintf(&sb, "Lattice: extent %v, volume %d, %d partitions\n",
		layout.Extent, layout.Volume, layout.NumPartitions)
	fmt.Fprintf(&sb, "Process grid: %v\n\n", layout.Divisions)

	for _, p := range layout.Partitions {
		fmt.Fprintf(&sb, "Partition %d:\n", p.ID)
		fmt.Fprintf(&sb, "  Grid coordinate: %v\n", p.GridCoord)
		fmt.Fprintf(&sb, "  Sub-box: min %v size %v\n", p.Min, p.Size)
		fmt.Fprintf(&sb, "  Sites: %d (even %d, odd %d)\n", p.NumSites, p.EvenSites, p.OddSites)

		peers := make(map[int]int)
		halo := 0
		for _, d := range Directions(layout.Dim()) {
			if layout.IsSelfClosed(d.Axis()) {
				continue
			}
			n := p.FaceSites(d)
			peers[p.Neighbors[d]] += n
			halo += n
		}
		fmt.Fprintf(&sb, "  Halo sites: %d from %d partitions\n", halo, len(peers))
		if len(peers) > 0 {
			ranks := make([]int, 0, len(peers))
			for r := range peers {
				ranks = append(ranks, r)
			}
			sort.Ints(ranks)
			sb.WriteString("  Receive from: ")
			for _, r := range ranks {
				fmt.Fprintf(&sb, "P%d(%d) ", r, peers[r])
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	stats := layout.PartitionStatistics()
	fmt.Fprintf(&sb, "Summary:\n")
	fmt.Fprintf(&sb, "  Sites per partition: min %d, max %d, avg %.1f (imbalance %.3f)\n",
		stats.MinSites, stats.MaxSites, stats.AvgSites, stats.Imbalance)
	fmt.Fprintf(&sb, "  Largest halo: %d sites\n", stats.MaxHaloSites)
	return sb.String()
}
