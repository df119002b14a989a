package lattice

import (
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/partitions"
)

// Receive describes the halo region filled from one direction.
type Receive struct {
	Rank   int
	Offset int    // first halo slot
	Counts [2]int // slots whose reading site is in the first / second parity group
	slots  []int32
}

// Send describes the boundary sites shipped to the process that reads them
// through its halo in the same direction.
type Send struct {
	Rank   int
	Sites  []int32 // grouped by the parity of the reading site, first group first
	Counts [2]int
	// CrossesEdge is set when the message travels across the global lattice
	// edge, where antiperiodic fields flip sign.
	CrossesEdge bool
}

// CommNode is the communication plan of one direction. Local nodes belong to
// axes owned by a single process; they never communicate.
type CommNode struct {
	Dir   Direction
	Local bool
	From  Receive
	To    Send
}

// SpecialBoundary holds the negated wrap-around slots of an antiperiodic axis
// that is not divided between processes.
type SpecialBoundary struct {
	Dir    Direction
	Offset int
	Counts [2]int
	Src    []int32 // local site whose value is copied
	Dst    []int32 // special slot receiving it
}

// selectRange returns the slice of a first-group/second-group ordered list
// that belongs to reading sites of parity p.
func (l *Lattice) selectRange(counts [2]int, p Parity) (start, n int) {
	switch p {
	case partitions.All:
		return 0, counts[0] + counts[1]
	case l.first:
		return 0, counts[0]
	default:
		return counts[0], counts[1]
	}
}

// SendSites returns the sites to gather for readers of parity p.
func (l *Lattice) SendSites(d Direction, p Parity) []int32 {
	cn := l.CommNode(d)
	s, n := l.selectRange(cn.To.Counts, p)
	return cn.To.Sites[s : s+n]
}

// RecvSlots returns the halo slots filled for readers of parity p.
func (l *Lattice) RecvSlots(d Direction, p Parity) []int32 {
	cn := l.CommNode(d)
	s, n := l.selectRange(cn.From.Counts, p)
	return cn.From.slots[s : s+n]
}

// SpecialRange returns the source sites and special slots of direction d for
// readers of parity p.
func (l *Lattice) SpecialRange(d Direction, p Parity) (src, dst []int32) {
	sb := l.Special(d)
	if sb == nil {
		return nil, nil
	}
	s, n := l.selectRange(sb.Counts, p)
	return sb.Src[s : s+n], sb.Dst[s : s+n]
}

func (l *Lattice) CommNode(d Direction) *CommNode {
	l.checkLive()
	return &l.nodes[d]
}

// Special returns the special boundary of direction d, or nil.
func (l *Lattice) Special(d Direction) *SpecialBoundary {
	l.checkLive()
	return l.special[d]
}

// HasSpecialBoundary reports whether antiperiodic reads along axis are
// served from special slots.
func (l *Lattice) HasSpecialBoundary(axis int) bool {
	return l.Special(partitions.Up(axis)) != nil
}

// IsSelfClosed reports whether axis wraps around inside this process.
func (l *Lattice) IsSelfClosed(axis int) bool {
	return l.layout.IsSelfClosed(axis)
}

// edge returns the local coordinate of the face of the sub-box whose
// outward direction is d.
func (l *Lattice) edge(d Direction) int {
	if d.IsUp() {
		return l.node.Size[d.Axis()] - 1
	}
	return 0
}

// boundarySites lists, in site index order, the sites whose d-neighbor lies
// across the sub-box face, with their parity group.
func (l *Lattice) boundarySites(d Direction) (sites []int32, counts [2]int) {
	a, e := d.Axis(), l.edge(d)
	for i := 0; i < l.node.Sites; i++ {
		if l.coords[i*l.dim+a] != e {
			continue
		}
		sites = append(sites, int32(i))
		if i < l.firstCount {
			counts[0]++
		} else {
			counts[1]++
		}
	}
	return sites, counts
}

// buildHalo assigns halo and special slots after the local sites and returns
// the field allocation size.
func (l *Lattice) buildHalo() int {
	ndir := partitions.NumDirections(l.dim)
	l.nodes = make([]CommNode, ndir)
	l.special = make([]*SpecialBoundary, ndir)
	offset := l.node.Sites

	for _, d := range partitions.Directions(l.dim) {
		cn := &l.nodes[d]
		cn.Dir = d
		if l.IsSelfClosed(d.Axis()) {
			cn.Local = true
			continue
		}
		sites, counts := l.boundarySites(d)
		cn.From = Receive{
			Rank:   l.node.Neighbors[d],
			Offset: offset,
			Counts: counts,
			slots:  make([]int32, len(sites)),
		}
		for k := range sites {
			cn.From.slots[k] = int32(offset + k)
		}
		offset += len(sites)
	}

	for _, d := range partitions.Directions(l.dim) {
		a := d.Axis()
		if !l.IsSelfClosed(a) || l.Boundary(a) != Antiperiodic {
			continue
		}
		sites, counts := l.boundarySites(d)
		sb := &SpecialBoundary{
			Dir:    d,
			Offset: offset,
			Counts: counts,
			Dst:    make([]int32, len(sites)),
		}
		for k := range sites {
			sb.Dst[k] = int32(offset + k)
		}
		offset += len(sites)
		l.special[d] = sb
	}
	return offset
}

// buildNeighbors fills the periodic neighbor arrays, the antiperiodic
// variants for special boundaries and the special boundary source lists.
func (l *Lattice) buildNeighbors() {
	ndir := partitions.NumDirections(l.dim)
	l.neighbors = make([][]int32, ndir)
	l.antiNeighbors = make([][]int32, ndir)
	local := partitions.NewCoordinateVector(l.dim)

	for _, d := range partitions.Directions(l.dim) {
		a := d.Axis()
		nb := make([]int32, l.node.Sites)
		halo := 0
		for i := 0; i < l.node.Sites; i++ {
			copy(local, l.coords[i*l.dim:(i+1)*l.dim])
			local[a] += d.Sign()
			switch {
			case local[a] >= 0 && local[a] < l.node.Size[a]:
				nb[i] = l.lexToSite[l.lexOf(local)]
			case l.IsSelfClosed(a):
				local[a] = partitions.Mod(local[a], l.node.Size[a])
				nb[i] = l.lexToSite[l.lexOf(local)]
			default:
				// Boundary sites appear in index order, matching the slots
				nb[i] = l.nodes[d].From.slots[halo]
				halo++
			}
		}
		l.neighbors[d] = nb

		sb := l.special[d]
		if sb == nil {
			continue
		}
		anti := append([]int32(nil), nb...)
		sites, _ := l.boundarySites(d)
		sb.Src = make([]int32, len(sites))
		for k, i := range sites {
			sb.Src[k] = nb[i]
			anti[i] = sb.Dst[k]
		}
		l.antiNeighbors[d] = anti
	}
}

// buildSendLists fills the outgoing side of each remote CommNode. The
// receiver of direction d sits at nn[opposite(d)] and reads our lower face
// for up directions, our upper face for down directions. Both sides share
// the ranges of the other axes, so enumerating the face lexicographically
// inside each parity group of the reading sites reproduces the receiver's
// halo order.
func (l *Lattice) buildSendLists() {
	local := partitions.NewCoordinateVector(l.dim)
	for _, d := range partitions.Directions(l.dim) {
		cn := &l.nodes[d]
		if cn.Local {
			continue
		}
		a := d.Axis()
		face := l.edge(d.Opposite())
		var groups [2][]int32
		for lex := 0; lex < l.node.Sites; lex++ {
			l.lexCoord(lex, local)
			if local[a] != face {
				continue
			}
			reader := l.globalOf(local).Step(d.Opposite()).Mod(l.cfg.Extent)
			g := 1
			if reader.Parity() == l.first {
				g = 0
			}
			groups[g] = append(groups[g], l.lexToSite[lex])
		}
		cn.To = Send{
			Rank:   l.node.Neighbors[d.Opposite()],
			Sites:  append(groups[0], groups[1]...),
			Counts: [2]int{len(groups[0]), len(groups[1])},
		}
		g := l.node.GridCoord[a]
		if d.IsUp() {
			cn.To.CrossesEdge = g == 0
		} else {
			cn.To.CrossesEdge = g == l.layout.Divisions[a]-1
		}
	}
}

// Neighbor returns the index holding the periodic d-neighbor of site i: a
// local site or a halo slot.
func (l *Lattice) Neighbor(i int, d Direction) int {
	l.checkLive()
	l.checkSite(i)
	return int(l.neighbors[d][i])
}

// NeighborArray returns the neighbor table of direction d for boundary
// condition bc. The slice is shared and must not be modified.
func (l *Lattice) NeighborArray(d Direction, bc BoundaryCondition) []int32 {
	l.checkLive()
	if bc == Antiperiodic && l.antiNeighbors[d] != nil {
		return l.antiNeighbors[d]
	}
	if bc == Antiperiodic && l.IsSelfClosed(d.Axis()) {
		failure.UsagePanic("axis %d has no antiperiodic boundary slots", d.Axis())
	}
	return l.neighbors[d]
}
