package partitions

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/LatticeKernel/failure"
)

// PartitionBuilder constructs a block decomposition of a periodic lattice
type PartitionBuilder struct {
	// Global lattice extent, one positive entry per axis
	Extent CoordinateVector

	// Number of processes to decompose over
	NumPartitions int

	Strategy PartitionStrategy

	// Optional explicit process grid. When set it overrides Strategy.
	Divisions CoordinateVector
}

// PartitionStrategy defines how the process grid is chosen
type PartitionStrategy int

const (
	// BlockPartition searches all process grids that divide the extent
	// evenly and picks the one with the least halo surface. When no such
	// grid exists it falls back to SlabPartition.
	BlockPartition PartitionStrategy = iota
	// SlabPartition splits only the axis with the largest extent.
	SlabPartition
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case SlabPartition:
		return "slab"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// BuildPartitions creates a partition layout. The result depends only on
// the builder fields, so every process computes the same layout.
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if err := pb.validateInput(); err != nil {
		return nil, err
	}

	divisions, err := pb.chooseDivisions()
	if err != nil {
		return nil, err
	}

	layout := pb.createLayout(divisions)

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

func (pb *PartitionBuilder) validateInput() error {
	if len(pb.Extent) == 0 {
		return failure.Configuration("lattice extent is empty")
	}
	for a, l := range pb.Extent {
		if l < 1 {
			return failure.Configuration("extent along axis %d is %d, must be positive", a, l)
		}
	}
	if pb.NumPartitions < 1 {
		return failure.Configuration("process count %d, must be positive", pb.NumPartitions)
	}
	if int64(pb.NumPartitions) > pb.Extent.Product() {
		return failure.Configuration("%d processes exceed lattice volume %d",
			pb.NumPartitions, pb.Extent.Product())
	}
	return nil
}

// chooseDivisions picks the process grid
func (pb *PartitionBuilder) chooseDivisions() (CoordinateVector, error) {
	if len(pb.Divisions) > 0 {
		return pb.checkExplicitDivisions()
	}

	switch pb.Strategy {
	case SlabPartition:
		return pb.slabDivisions()
	case BlockPartition:
		if best := pb.bestEvenDivisions(); best != nil {
			return best, nil
		}
		return pb.slabDivisions()
	default:
		return nil, failure.Configuration("unknown partition strategy %v", pb.Strategy)
	}
}

func (pb *PartitionBuilder) checkExplicitDivisions() (CoordinateVector, error) {
	if len(pb.Divisions) != len(pb.Extent) {
		return nil, failure.Configuration("divisions %v do not match dimension %d",
			pb.Divisions, len(pb.Extent))
	}
	for a, k := range pb.Divisions {
		if k < 1 || k > pb.Extent[a] {
			return nil, failure.Configuration("division %d along axis %d outside [1,%d]",
				k, a, pb.Extent[a])
		}
	}
	if pb.Divisions.Product() != int64(pb.NumPartitions) {
		return nil, failure.Configuration("divisions %v give %d processes, have %d",
			pb.Divisions, pb.Divisions.Product(), pb.NumPartitions)
	}
	return pb.Divisions.Clone(), nil
}

// slabDivisions splits the largest axis only. Ties go to the highest axis.
func (pb *PartitionBuilder) slabDivisions() (CoordinateVector, error) {
	axis := 0
	for a, l := range pb.Extent {
		if l >= pb.Extent[axis] {
			axis = a
		}
	}
	if pb.NumPartitions > pb.Extent[axis] {
		return nil, failure.Configuration("cannot split %d processes along axis %d of extent %d",
			pb.NumPartitions, axis, pb.Extent[axis])
	}
	div := NewCoordinateVector(len(pb.Extent))
	for a := range div {
		div[a] = 1
	}
	div[axis] = pb.NumPartitions
	return div, nil
}

// bestEvenDivisions enumerates every grid whose divisions divide the extent
// exactly and returns the best by (halo surface, local size spread, more
// divisions on higher axes). Nil when no grid divides evenly.
func (pb *PartitionBuilder) bestEvenDivisions() CoordinateVector {
	var (
		best    CoordinateVector
		current = NewCoordinateVector(len(pb.Extent))
	)
	var walk func(axis, remaining int)
	walk = func(axis, remaining int) {
		if axis == len(pb.Extent) {
			if remaining == 1 && (best == nil || pb.better(current, best)) {
				best = current.Clone()
			}
			return
		}
		for k := 1; k <= remaining && k <= pb.Extent[axis]; k++ {
			if remaining%k != 0 || pb.Extent[axis]%k != 0 {
				continue
			}
			current[axis] = k
			walk(axis+1, remaining/k)
		}
	}
	walk(0, pb.NumPartitions)
	return best
}

// better reports whether grid a is preferred over grid b
func (pb *PartitionBuilder) better(a, b CoordinateVector) bool {
	sa, sb := pb.haloSurface(a), pb.haloSurface(b)
	if sa != sb {
		return sa < sb
	}
	ra, rb := pb.sizeSpread(a), pb.sizeSpread(b)
	if ra != rb {
		return ra < rb
	}
	for axis := len(a) - 1; axis >= 0; axis-- {
		if a[axis] != b[axis] {
			return a[axis] > b[axis]
		}
	}
	return false
}

// haloSurface counts the halo sites of one sub-box for an even grid
func (pb *PartitionBuilder) haloSurface(div CoordinateVector) int64 {
	size := make(CoordinateVector, len(div))
	for a := range div {
		size[a] = pb.Extent[a] / div[a]
	}
	vol := size.Product()
	var surface int64
	for a := range div {
		if div[a] > 1 {
			surface += 2 * vol / int64(size[a])
		}
	}
	return surface
}

func (pb *PartitionBuilder) sizeSpread(div CoordinateVector) int {
	lo, hi := pb.Extent[0]/div[0], pb.Extent[0]/div[0]
	for a := range div {
		s := pb.Extent[a] / div[a]
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return hi - lo
}

// createLayout builds the partition structures for a process grid
func (pb *PartitionBuilder) createLayout(divisions CoordinateVector) *PartitionLayout {
	dim := len(pb.Extent)
	layout := &PartitionLayout{
		Extent:        pb.Extent.Clone(),
		Volume:        pb.Extent.Product(),
		NumPartitions: pb.NumPartitions,
		Divisions:     divisions,
		MaxSize:       NewCoordinateVector(dim),
		Splits:        make([][]int, dim),
		owner:         make([][]int, dim),
	}

	// Axis split points: sizes differ by at most one
	for a := 0; a < dim; a++ {
		k, l := divisions[a], pb.Extent[a]
		splits := make([]int, k+1)
		for j := 0; j <= k; j++ {
			splits[j] = j * l / k
		}
		layout.Splits[a] = splits

		owner := make([]int, l)
		for j := 0; j < k; j++ {
			for c := splits[j]; c < splits[j+1]; c++ {
				owner[c] = j
			}
			if s := splits[j+1] - splits[j]; s > layout.MaxSize[a] {
				layout.MaxSize[a] = s
			}
		}
		layout.owner[a] = owner
	}

	layout.Partitions = make([]Partition, pb.NumPartitions)
	for rank := range layout.Partitions {
		layout.Partitions[rank] = layout.createPartition(rank)
	}
	return layout
}

func (pl *PartitionLayout) createPartition(rank int) Partition {
	dim := pl.Dim()
	g := pl.GridCoord(rank)
	p := Partition{
		ID:        rank,
		GridCoord: g,
		Min:       NewCoordinateVector(dim),
		Size:      NewCoordinateVector(dim),
		Neighbors: make([]int, NumDirections(dim)),
	}
	for a := 0; a < dim; a++ {
		p.Min[a] = pl.Splits[a][g[a]]
		p.Size[a] = pl.Splits[a][g[a]+1] - p.Min[a]
	}
	p.NumSites = int(p.Size.Product())
	p.EvenSites, p.OddSites = boxParityCounts(p.Min, p.Size)

	for _, d := range Directions(dim) {
		p.Neighbors[d] = pl.GridRank(g.Step(d))
	}
	return p
}

// PartitionStatistics computes load balance and halo metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	sites := make([]float64, len(pl.Partitions))
	stats := PartitionStats{NumPartitions: pl.NumPartitions}
	for i, p := range pl.Partitions {
		sites[i] = float64(p.NumSites)
		halo := 0
		for _, d := range Directions(pl.Dim()) {
			if !pl.IsSelfClosed(d.Axis()) {
				halo += p.FaceSites(d)
			}
		}
		if halo > stats.MaxHaloSites {
			stats.MaxHaloSites = halo
		}
	}
	stats.MinSites = int(floats.Min(sites))
	stats.MaxSites = int(floats.Max(sites))
	stats.AvgSites = stat.Mean(sites, nil)
	stats.Imbalance = float64(stats.MaxSites) / stats.AvgSites
	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinSites      int
	MaxSites      int
	AvgSites      float64
	Imbalance     float64 // MaxSites / AvgSites
	MaxHaloSites  int     // largest halo over all partitions
}
