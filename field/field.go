// Package field provides lattice fields: per-site elements of a fixed
// number of scalar components, stored in any backend and addressed by the
// lattice site index space, with halo exchange and boundary conditions.
package field

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/halo"
	"github.com/notargets/LatticeKernel/lattice"
	"github.com/notargets/LatticeKernel/partitions"
	"github.com/notargets/LatticeKernel/storage"
)

// Field is a lattice field of components values of T per site.
//
// Halo freshness is tracked per rank: Set, Scatter, Assign and MarkChanged
// invalidate halos locally. Exchanges agree on the stale directions over
// all ranks before any transfer, so a write on one rank alone still
// reaches its neighbors.
type Field[T storage.Number] struct {
	lat        *lattice.Lattice
	backend    storage.Backend[T]
	components int
	boundary   []lattice.BoundaryCondition
	engine     *halo.Engine[T]

	// fresh[d][g] is set while the halo of direction d read by parity
	// group g (0 even, 1 odd) holds current values
	fresh [][2]bool
	// oddExtent is set when some axis has odd extent; wrapping then links
	// sites of equal parity
	oddExtent bool
	freed     bool
}

// New allocates a field on lat in backend. The backend is owned by the
// field from now on.
func New[T storage.Number](lat *lattice.Lattice, backend storage.Backend[T], components int) (*Field[T], error) {
	if !lat.Live() {
		failure.UsagePanic("field created on a torn down lattice")
	}
	if err := backend.Allocate(lat.Node().FieldAllocSize, components); err != nil {
		return nil, fmt.Errorf("field allocation on rank %d: %w", lat.Node().Rank, err)
	}
	f := &Field[T]{
		lat:        lat,
		backend:    backend,
		components: components,
		boundary:   make([]lattice.BoundaryCondition, lat.Dim()),
		fresh:      make([][2]bool, partitions.NumDirections(lat.Dim())),
	}
	for a := range f.boundary {
		f.boundary[a] = lat.Boundary(a)
		if lat.Extent()[a]%2 != 0 {
			f.oddExtent = true
		}
	}
	f.engine = halo.NewEngine(lat, backend)
	f.engine.Antiperiodic = func(axis int) bool {
		return f.boundary[axis] == lattice.Antiperiodic
	}
	return f, nil
}

// NewHost is New with a host backend.
func NewHost[T storage.Number](lat *lattice.Lattice, components int) (*Field[T], error) {
	return New[T](lat, storage.NewHost[T](0), components)
}

func (f *Field[T]) checkLive() {
	if f.freed {
		failure.UsagePanic("field used after Free")
	}
	if !f.lat.Live() {
		failure.UsagePanic("field used after lattice teardown")
	}
}

func (f *Field[T]) Lattice() *lattice.Lattice { return f.lat }

func (f *Field[T]) Components() int { return f.components }

// Backend exposes the storage, e.g. for Host.Data in hot loops.
func (f *Field[T]) Backend() storage.Backend[T] { return f.backend }

// Free releases the storage.
func (f *Field[T]) Free() {
	f.checkLive()
	f.backend.Free()
	f.freed = true
}

// Get returns a copy of element i, a local site or a halo slot.
func (f *Field[T]) Get(i int) []T {
	out := make([]T, f.components)
	f.GetInto(i, out)
	return out
}

// GetInto copies element i into out.
func (f *Field[T]) GetInto(i int, out []T) {
	f.checkLive()
	f.backend.Get(i, out)
}

// Set writes local site i. Halo slots are written by exchanges only.
func (f *Field[T]) Set(i int, v []T) {
	f.checkLive()
	f.checkLocal(i)
	f.backend.Set(i, v)
	f.MarkChanged(f.lat.SiteParity(i))
}

func (f *Field[T]) checkLocal(i int) {
	if i < 0 || i >= f.lat.Node().Sites {
		failure.UsagePanic("write to index %d outside local sites [0,%d)", i, f.lat.Node().Sites)
	}
}

// Fill sets every local site to v.
func (f *Field[T]) Fill(v []T) {
	f.Assign(partitions.All, func(_ int, out []T) { copy(out, v) })
}

// Assign computes the elements of all local sites of parity par.
func (f *Field[T]) Assign(par lattice.Parity, fn func(i int, out []T)) {
	f.checkLive()
	out := make([]T, f.components)
	for i := f.lat.LoopBegin(par); i < f.lat.LoopEnd(par); i++ {
		f.backend.Get(i, out)
		fn(i, out)
		f.backend.Set(i, out)
	}
	f.MarkChanged(par)
}

// ForEach calls fn for every local site of parity par.
func (f *Field[T]) ForEach(par lattice.Parity, fn func(i int)) {
	f.checkLive()
	for i := f.lat.LoopBegin(par); i < f.lat.LoopEnd(par); i++ {
		fn(i)
	}
}

// Gather copies the listed elements into buf, site major.
func (f *Field[T]) Gather(indices []int32, buf []T) {
	f.checkLive()
	f.backend.Gather(indices, buf, false)
}

// Scatter writes buf into the listed local sites.
func (f *Field[T]) Scatter(buf []T, indices []int32) {
	f.checkLive()
	for _, i := range indices {
		f.checkLocal(int(i))
	}
	f.backend.Scatter(buf, indices)
	f.MarkChanged(partitions.All)
}

// MarkChanged records that local sites of parity par were modified, so
// halos reading them are stale.
func (f *Field[T]) MarkChanged(par lattice.Parity) {
	for d := range f.fresh {
		switch {
		case par == partitions.All || f.oddExtent:
			f.fresh[d] = [2]bool{}
		default:
			// Sites of parity par are read by the other parity
			f.fresh[d][group(par.Opposite())] = false
		}
	}
}

func group(p lattice.Parity) int {
	if p == partitions.Odd {
		return 1
	}
	return 0
}

func groups(par lattice.Parity) []int {
	if par == partitions.All {
		return []int{0, 1}
	}
	return []int{group(par)}
}

// Boundary returns the boundary condition of axis.
func (f *Field[T]) Boundary(axis int) lattice.BoundaryCondition {
	return f.boundary[axis]
}

// SetBoundary changes the boundary condition of axis and invalidates its
// halos. Antiperiodic is only possible on a self-closed axis when the
// lattice reserved special slots for it.
func (f *Field[T]) SetBoundary(axis int, bc lattice.BoundaryCondition) {
	f.checkLive()
	if bc == lattice.Antiperiodic && f.lat.IsSelfClosed(axis) && !f.lat.HasSpecialBoundary(axis) {
		failure.UsagePanic("axis %d has no antiperiodic boundary slots; configure the lattice boundary", axis)
	}
	f.boundary[axis] = bc
	f.fresh[partitions.Up(axis)] = [2]bool{}
	f.fresh[partitions.Down(axis)] = [2]bool{}
}

// Neighbor returns the index holding the d-neighbor of site i under the
// field's boundary conditions.
func (f *Field[T]) Neighbor(i int, d lattice.Direction) int {
	return int(f.NeighborArray(d)[i])
}

// NeighborArray returns the neighbor table of direction d for this field.
func (f *Field[T]) NeighborArray(d lattice.Direction) []int32 {
	return f.lat.NeighborArray(d, f.boundary[d.Axis()])
}

// GetNeighbor returns the element at the d-neighbor of site i. The halo
// must have been exchanged.
func (f *Field[T]) GetNeighbor(i int, d lattice.Direction) []T {
	return f.Get(f.Neighbor(i, d))
}

// HaloFresh reports whether the halo of direction d read by parity par is
// current.
func (f *Field[T]) HaloFresh(d lattice.Direction, par lattice.Parity) bool {
	for _, g := range groups(par) {
		if !f.fresh[d][g] {
			return false
		}
	}
	return true
}

// Exchange brings the halos read by sites of parity par up to date in the
// given directions, all directions when none are given.
func (f *Field[T]) Exchange(par lattice.Parity, dirs ...lattice.Direction) {
	f.WaitExchange(f.StartExchange(par, dirs...))
}

// StartExchange begins an exchange and returns its token. All ranks must
// call it with the same parity and directions. Directions whose halos are
// current on every rank are skipped.
func (f *Field[T]) StartExchange(par lattice.Parity, dirs ...lattice.Direction) *halo.Token[T] {
	f.checkLive()
	if len(dirs) == 0 {
		dirs = partitions.Directions(f.lat.Dim())
	}
	votes := make([]int32, len(dirs))
	for k, d := range dirs {
		if !f.HaloFresh(d, par) {
			votes[k] = 1
		}
	}
	// A direction is exchanged when any rank holds it stale
	if err := comm.Allreduce(f.lat.Comm(), comm.OpSum, votes); err != nil {
		failure.Fatal(f.lat.Comm(), fmt.Errorf("exchange parity %v directions %v: %w", par, dirs, err))
	}
	var stale []lattice.Direction
	for k, d := range dirs {
		if votes[k] == 0 {
			f.lat.CountGather(false)
			continue
		}
		f.lat.CountGather(true)
		stale = append(stale, d)
	}
	return f.engine.Start(par, stale)
}

// WaitExchange completes an exchange and marks its halos current.
func (f *Field[T]) WaitExchange(tok *halo.Token[T]) {
	f.checkLive()
	f.engine.Wait(tok)
	for _, d := range tok.Dirs {
		for _, g := range groups(tok.Par) {
			f.fresh[d][g] = true
		}
	}
}

// SetElement writes the element at global coordinate c. All ranks must
// call it; only the owner stores the value.
func (f *Field[T]) SetElement(c lattice.CoordinateVector, v []T) {
	f.checkLive()
	if len(v) != f.components {
		failure.UsagePanic("element has %d components, field has %d", len(v), f.components)
	}
	if i, ok := f.lat.IndexOf(c); ok {
		f.backend.Set(i, v)
	}
	f.MarkChanged(c.Mod(f.lat.Extent()).Parity())
}

// GetElement returns the element at global coordinate c on every rank. All
// ranks must call it.
func (f *Field[T]) GetElement(c lattice.CoordinateVector) ([]T, error) {
	f.checkLive()
	owner := f.lat.RankOf(c)
	var v []T
	if i, ok := f.lat.IndexOf(c); ok {
		v = f.Get(i)
	}
	if err := comm.BroadcastSlice(f.lat.Comm(), &v, owner); err != nil {
		return nil, fmt.Errorf("get element %v: %w", c, err)
	}
	logrus.Tracef("element %v from rank %d", c, owner)
	return v, nil
}
