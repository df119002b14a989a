package partitions

import (
	"fmt"
)

// Partition is the axis-aligned sub-box of the global lattice owned by one
// process. The partition ID is the process rank.
type Partition struct {
	// Unique identifier for this partition, equal to the owning rank
	ID int

	// Position in the process grid
	GridCoord CoordinateVector

	// Sub-box: global coordinate of the lowest corner and per-axis extent
	Min  CoordinateVector
	Size CoordinateVector

	// Site counts, split by the parity of the global coordinate sum
	NumSites  int
	EvenSites int
	OddSites  int

	// Rank of the neighboring partition in each of the 2*D directions.
	// Equal to ID along axes that are not divided.
	Neighbors []int
}

// Contains reports whether the global coordinate c lies inside the sub-box.
// c must already be reduced into the global extent.
func (p *Partition) Contains(c CoordinateVector) bool {
	for a := range c {
		if c[a] < p.Min[a] || c[a] >= p.Min[a]+p.Size[a] {
			return false
		}
	}
	return true
}

// FaceSites returns the number of sites on the face of the sub-box that
// borders direction d.
func (p *Partition) FaceSites(d Direction) int {
	n := 1
	for a, s := range p.Size {
		if a != d.Axis() {
			n *= s
		}
	}
	return n
}

// PartitionLayout manages the complete block decomposition of the lattice
type PartitionLayout struct {
	// All partitions, indexed by rank
	Partitions []Partition

	// Global sizing information
	Extent        CoordinateVector // global lattice extent
	Volume        int64            // product of Extent
	NumPartitions int              // total number of partitions (processes)

	// Process grid: number of divisions along each axis
	Divisions CoordinateVector

	// Largest sub-box extent along each axis
	MaxSize CoordinateVector

	// Split points per axis: axis a division j covers
	// [Splits[a][j], Splits[a][j+1])
	Splits [][]int

	// Coordinate to division lookup per axis, length Extent[a]
	owner [][]int
}

// Dim returns the lattice dimension.
func (pl *PartitionLayout) Dim() int { return len(pl.Extent) }

// GridRank maps a process-grid coordinate to a rank, axis 0 fastest.
func (pl *PartitionLayout) GridRank(g CoordinateVector) int {
	rank, stride := 0, 1
	for a := range g {
		rank += Mod(g[a], pl.Divisions[a]) * stride
		stride *= pl.Divisions[a]
	}
	return rank
}

// GridCoord is the inverse of GridRank.
func (pl *PartitionLayout) GridCoord(rank int) CoordinateVector {
	g := NewCoordinateVector(pl.Dim())
	for a := range g {
		g[a] = rank % pl.Divisions[a]
		rank /= pl.Divisions[a]
	}
	return g
}

// GetPartition returns the rank owning global coordinate c. c is reduced
// modulo the extent first.
func (pl *PartitionLayout) GetPartition(c CoordinateVector) int {
	g := NewCoordinateVector(pl.Dim())
	for a := range g {
		g[a] = pl.owner[a][Mod(c[a], pl.Extent[a])]
	}
	return pl.GridRank(g)
}

// IsSelfClosed reports whether axis is not divided, so every process wraps
// around it locally.
func (pl *PartitionLayout) IsSelfClosed(axis int) bool {
	return pl.Divisions[axis] == 1
}

// ValidateLayout checks that the sub-boxes tile the global volume exactly
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("have %d partitions, expected %d",
			len(pl.Partitions), pl.NumPartitions)
	}
	if pl.Divisions.Product() != int64(pl.NumPartitions) {
		return fmt.Errorf("divisions %v do not multiply to %d",
			pl.Divisions, pl.NumPartitions)
	}

	var total int64
	for i, p := range pl.Partitions {
		if p.ID != i {
			return fmt.Errorf("partition at position %d has ID %d", i, p.ID)
		}
		for a := range p.Size {
			if p.Size[a] < 1 {
				return fmt.Errorf("partition %d: axis %d has size %d", p.ID, a, p.Size[a])
			}
		}
		if int64(p.NumSites) != p.Size.Product() {
			return fmt.Errorf("partition %d: NumSites %d != box volume %d",
				p.ID, p.NumSites, p.Size.Product())
		}
		if p.EvenSites+p.OddSites != p.NumSites {
			return fmt.Errorf("partition %d: even %d + odd %d != %d",
				p.ID, p.EvenSites, p.OddSites, p.NumSites)
		}
		total += int64(p.NumSites)
	}
	if total != pl.Volume {
		return fmt.Errorf("partition volumes sum to %d, lattice volume is %d",
			total, pl.Volume)
	}

	// Split points must cover every axis without gaps or overlap
	for a := range pl.Extent {
		s := pl.Splits[a]
		if s[0] != 0 || s[len(s)-1] != pl.Extent[a] {
			return fmt.Errorf("axis %d: splits %v do not cover [0,%d)", a, s, pl.Extent[a])
		}
		for j := 1; j < len(s); j++ {
			if s[j] <= s[j-1] {
				return fmt.Errorf("axis %d: empty or overlapping division at %d", a, j-1)
			}
		}
	}
	return nil
}

// boxParityCounts returns the number of even and odd sites of a box whose
// lowest corner is min.
func boxParityCounts(min, size CoordinateVector) (even, odd int) {
	n := int(size.Product())
	allOdd := true
	for _, s := range size {
		if s%2 == 0 {
			allOdd = false
			break
		}
	}
	if !allOdd {
		return n / 2, n / 2
	}
	// Every side odd: the corner parity class has one extra site
	if min.Parity() == Even {
		return (n + 1) / 2, n / 2
	}
	return n / 2, (n + 1) / 2
}
