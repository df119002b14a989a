// Package lattice holds the per-process view of a block-decomposed periodic
// lattice: the local site ordering, the neighbor tables and the halo
// communication plan shared by every field living on it.
package lattice

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/partitions"
)

type (
	CoordinateVector = partitions.CoordinateVector
	Direction        = partitions.Direction
	Parity           = partitions.Parity
)

// BoundaryCondition describes what happens to a value crossing the global
// lattice edge along one axis.
type BoundaryCondition int

const (
	Periodic BoundaryCondition = iota
	Antiperiodic
)

func (bc BoundaryCondition) String() string {
	if bc == Antiperiodic {
		return "antiperiodic"
	}
	return "periodic"
}

// ParityOrder selects which parity class gets the low site indices.
type ParityOrder int

const (
	EvenFirst ParityOrder = iota
	OddFirst
)

// Config describes the global lattice.
type Config struct {
	Extent CoordinateVector

	// Optional explicit process grid, otherwise chosen by Strategy
	Divisions CoordinateVector
	Strategy  partitions.PartitionStrategy

	// Default boundary per axis; nil means periodic everywhere. Axes that
	// are antiperiodic and owned by a single process get extra halo slots.
	Boundary []BoundaryCondition

	ParityOrder ParityOrder
}

// NodeInfo describes the sub-box of this process. Immutable after Setup.
type NodeInfo struct {
	Rank      int
	GridCoord CoordinateVector
	Min       CoordinateVector
	Size      CoordinateVector

	Sites     int
	EvenSites int
	OddSites  int

	// Local sites plus every halo and special boundary slot
	FieldAllocSize int

	// Rank of the neighbor process in each direction
	Neighbors []int
}

// Lattice is the explicit context replacing a global lattice handle. Fields
// and reductions are constructed against one and must not outlive it.
type Lattice struct {
	comm   comm.Communicator
	cfg    Config
	layout *partitions.PartitionLayout
	node   NodeInfo
	dim    int

	first      Parity
	firstCount int

	// Local coordinates by site index, flattened dim-major per site
	coords []int
	// Lexicographic local position, axis 0 fastest, to site index
	lexToSite []int32
	stride    []int

	neighbors     [][]int32 // [direction][site]
	antiNeighbors [][]int32 // nil where no special boundary exists
	nodes         []CommNode
	special       []*SpecialBoundary

	nextTag int

	gathersDone    atomic.Int64
	gathersAvoided atomic.Int64

	torn bool
}

// Setup decomposes the lattice over the processes of c and builds the site
// ordering, neighbor tables and communication plan of this rank. Every rank
// must call Setup with the same configuration.
func Setup(c comm.Communicator, cfg Config) (*Lattice, error) {
	dim := len(cfg.Extent)
	if cfg.Boundary != nil && len(cfg.Boundary) != dim {
		return nil, failure.Configuration("%d boundary conditions for a %d dimensional lattice",
			len(cfg.Boundary), dim)
	}
	pb := &partitions.PartitionBuilder{
		Extent:        cfg.Extent,
		NumPartitions: c.Size(),
		Strategy:      cfg.Strategy,
		Divisions:     cfg.Divisions,
	}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return nil, fmt.Errorf("lattice setup: %w", err)
	}
	if err := checkConsistent(c, layout); err != nil {
		return nil, err
	}

	l := &Lattice{
		comm:   c,
		cfg:    cfg,
		layout: layout,
		dim:    dim,
		first:  partitions.Even,
	}
	if cfg.ParityOrder == OddFirst {
		l.first = partitions.Odd
	}

	p := layout.Partitions[c.Rank()]
	l.node = NodeInfo{
		Rank:      c.Rank(),
		GridCoord: p.GridCoord.Clone(),
		Min:       p.Min.Clone(),
		Size:      p.Size.Clone(),
		Sites:     p.NumSites,
		EvenSites: p.EvenSites,
		OddSites:  p.OddSites,
		Neighbors: append([]int(nil), p.Neighbors...),
	}

	l.buildSiteOrder()
	allocSize := l.buildHalo()
	l.node.FieldAllocSize = allocSize
	l.buildNeighbors()
	l.buildSendLists()

	log := logrus.WithFields(logrus.Fields{"rank": l.node.Rank})
	if l.node.Rank == 0 {
		logrus.Infof("lattice %v on %d processes, process grid %v, boundary %v",
			cfg.Extent, c.Size(), layout.Divisions, l.boundaryList())
	}
	log.Debugf("sub-box min %v size %v, sites %d (even %d, odd %d), field alloc size %d",
		l.node.Min, l.node.Size, l.node.Sites, l.node.EvenSites, l.node.OddSites, l.node.FieldAllocSize)
	return l, nil
}

// checkConsistent verifies that all ranks derived the same process grid
func checkConsistent(c comm.Communicator, layout *partitions.PartitionLayout) error {
	var sig []byte
	for _, v := range append(layout.Extent.Clone(), layout.Divisions...) {
		sig = binary.LittleEndian.AppendUint64(sig, uint64(v))
	}
	parts, err := c.Allgather(sig)
	if err != nil {
		return fmt.Errorf("lattice setup: %w", err)
	}
	for r, p := range parts {
		if string(p) != string(sig) {
			return failure.Configuration("rank %d built a different lattice decomposition than rank %d",
				r, c.Rank())
		}
	}
	return nil
}

// Teardown releases the tables. Using the lattice afterwards is a usage
// error.
func (l *Lattice) Teardown() {
	l.checkLive()
	logrus.WithFields(logrus.Fields{
		"rank":            l.node.Rank,
		"gathers_done":    l.gathersDone.Load(),
		"gathers_avoided": l.gathersAvoided.Load(),
	}).Debug("lattice teardown")
	l.torn = true
	l.coords = nil
	l.lexToSite = nil
	l.neighbors = nil
	l.antiNeighbors = nil
	l.nodes = nil
	l.special = nil
}

func (l *Lattice) checkLive() {
	if l == nil || l.torn {
		failure.UsagePanic("lattice used after teardown")
	}
}

// Live reports whether Teardown has not been called yet.
func (l *Lattice) Live() bool { return l != nil && !l.torn }

func (l *Lattice) Comm() comm.Communicator { return l.comm }

func (l *Lattice) Layout() *partitions.PartitionLayout { return l.layout }

func (l *Lattice) Node() NodeInfo { return l.node }

func (l *Lattice) Dim() int { return l.dim }

func (l *Lattice) Extent() CoordinateVector { return l.cfg.Extent.Clone() }

func (l *Lattice) Volume() int64 { return l.layout.Volume }

// Boundary returns the default boundary condition of axis.
func (l *Lattice) Boundary(axis int) BoundaryCondition {
	if l.cfg.Boundary == nil {
		return Periodic
	}
	return l.cfg.Boundary[axis]
}

func (l *Lattice) boundaryList() []string {
	out := make([]string, l.dim)
	for a := range out {
		out[a] = l.Boundary(a).String()
	}
	return out
}

// NextTagBlock reserves n consecutive message tags and returns the first.
// Ranks reserve tags in the same program order, so blocks agree everywhere.
func (l *Lattice) NextTagBlock(n int) int {
	l.checkLive()
	base := l.nextTag
	l.nextTag += n
	return base
}

// Stats counts halo gathers performed and skipped because the halo was
// already current.
type Stats struct {
	GathersDone    int64
	GathersAvoided int64
}

func (l *Lattice) Stats() Stats {
	return Stats{
		GathersDone:    l.gathersDone.Load(),
		GathersAvoided: l.gathersAvoided.Load(),
	}
}

// CountGather records one performed (done) or skipped halo gather.
func (l *Lattice) CountGather(done bool) {
	if done {
		l.gathersDone.Add(1)
	} else {
		l.gathersAvoided.Add(1)
	}
}
