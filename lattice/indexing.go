package lattice

import (
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/partitions"
)

// buildSiteOrder enumerates the sub-box lexicographically (axis 0 fastest)
// and places the first parity class before the other one.
func (l *Lattice) buildSiteOrder() {
	n := l.node.Sites
	l.stride = make([]int, l.dim)
	s := 1
	for a := range l.stride {
		l.stride[a] = s
		s *= l.node.Size[a]
	}
	l.coords = make([]int, n*l.dim)
	l.lexToSite = make([]int32, n)

	if l.first == partitions.Even {
		l.firstCount = l.node.EvenSites
	} else {
		l.firstCount = l.node.OddSites
	}
	next := [2]int{0, l.firstCount}
	local := partitions.NewCoordinateVector(l.dim)
	for lex := 0; lex < n; lex++ {
		l.lexCoord(lex, local)
		group := 1
		if l.globalOf(local).Parity() == l.first {
			group = 0
		}
		i := next[group]
		next[group]++
		l.lexToSite[lex] = int32(i)
		copy(l.coords[i*l.dim:(i+1)*l.dim], local)
	}
}

func (l *Lattice) lexCoord(lex int, out CoordinateVector) {
	for a := 0; a < l.dim; a++ {
		out[a] = lex % l.node.Size[a]
		lex /= l.node.Size[a]
	}
}

func (l *Lattice) lexOf(local CoordinateVector) int {
	lex := 0
	for a, v := range local {
		lex += v * l.stride[a]
	}
	return lex
}

func (l *Lattice) globalOf(local CoordinateVector) CoordinateVector {
	return local.Add(l.node.Min)
}

func (l *Lattice) checkSite(i int) {
	if i < 0 || i >= l.node.Sites {
		failure.UsagePanic("site index %d outside [0,%d)", i, l.node.Sites)
	}
}

// LocalCoordinate returns the coordinate of site i relative to the sub-box
// origin.
func (l *Lattice) LocalCoordinate(i int) CoordinateVector {
	l.checkLive()
	l.checkSite(i)
	return CoordinateVector(l.coords[i*l.dim : (i+1)*l.dim]).Clone()
}

// CoordinateOf returns the global coordinate of site i.
func (l *Lattice) CoordinateOf(i int) CoordinateVector {
	return l.globalOf(l.LocalCoordinate(i))
}

// IndexOf returns the site index of global coordinate c, reduced modulo the
// extent, and whether the site is owned by this process.
func (l *Lattice) IndexOf(c CoordinateVector) (int, bool) {
	l.checkLive()
	if len(c) != l.dim {
		failure.UsagePanic("coordinate %v has dimension %d, lattice has %d", c, len(c), l.dim)
	}
	local := c.Mod(l.cfg.Extent).Sub(l.node.Min)
	for a, v := range local {
		if v < 0 || v >= l.node.Size[a] {
			return -1, false
		}
	}
	return int(l.lexToSite[l.lexOf(local)]), true
}

// SiteParity returns the parity of site i.
func (l *Lattice) SiteParity(i int) Parity {
	l.checkSite(i)
	if i < l.firstCount {
		return l.first
	}
	return l.first.Opposite()
}

// FirstParity is the parity class occupying the low site indices.
func (l *Lattice) FirstParity() Parity { return l.first }

// LoopBegin returns the first site index of parity p.
func (l *Lattice) LoopBegin(p Parity) int {
	if p == l.first.Opposite() {
		return l.firstCount
	}
	return 0
}

// LoopEnd returns one past the last site index of parity p.
func (l *Lattice) LoopEnd(p Parity) int {
	if p == l.first {
		return l.firstCount
	}
	return l.node.Sites
}

// RankOf returns the rank owning global coordinate c.
func (l *Lattice) RankOf(c CoordinateVector) int {
	return l.layout.GetPartition(c)
}

// IsLocal reports whether global coordinate c belongs to this process.
func (l *Lattice) IsLocal(c CoordinateVector) bool {
	return l.RankOf(c) == l.node.Rank
}
