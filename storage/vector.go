package storage

import (
	"github.com/notargets/LatticeKernel/failure"
)

// Vector packs Lanes consecutive sites into one block per component so that
// a SIMD unit loads a component of Lanes sites at once. Site i lives in block
// i/Lanes at lane i%Lanes: data[(block*components+c)*Lanes+lane]. The
// allocation is rounded up to whole blocks.
type Vector[T Number] struct {
	Lanes int
	Limit int64

	data       []T
	sites      int
	components int
}

// NewVector returns an empty vectorized backend of the given lane width.
func NewVector[T Number](lanes int, limit int64) *Vector[T] {
	if lanes < 1 {
		failure.UsagePanic("vector backend with %d lanes", lanes)
	}
	return &Vector[T]{Lanes: lanes, Limit: limit}
}

func (v *Vector[T]) Kind() Kind { return VectorKind }

func (v *Vector[T]) Allocate(sites, components int) error {
	blocks := (sites + v.Lanes - 1) / v.Lanes
	if err := checkRequest[T](blocks*v.Lanes, components, v.Limit); err != nil {
		return err
	}
	v.data = make([]T, blocks*v.Lanes*components)
	v.sites, v.components = sites, components
	return nil
}

func (v *Vector[T]) Free() {
	v.data = nil
	v.sites = 0
}

func (v *Vector[T]) Sites() int      { return v.sites }
func (v *Vector[T]) Components() int { return v.components }

// Data exposes the blocked backing array.
func (v *Vector[T]) Data() []T { return v.data }

// offset returns the position of component 0 of site i; component c is
// Lanes further per component.
func (v *Vector[T]) offset(i int) int {
	block, lane := i/v.Lanes, i%v.Lanes
	return block*v.components*v.Lanes + lane
}

func (v *Vector[T]) Get(i int, out []T) {
	checkIndex(i, v.sites)
	checkElement(out, v.components)
	o := v.offset(i)
	for c := range out {
		out[c] = v.data[o+c*v.Lanes]
	}
}

func (v *Vector[T]) Set(i int, val []T) {
	checkIndex(i, v.sites)
	checkElement(val, v.components)
	o := v.offset(i)
	for c, x := range val {
		v.data[o+c*v.Lanes] = x
	}
}

func (v *Vector[T]) Gather(indices []int32, buf []T, negate bool) {
	nc := v.components
	checkBuffer(buf, len(indices), nc)
	for k, i := range indices {
		checkIndex(int(i), v.sites)
		o := v.offset(int(i))
		for c := 0; c < nc; c++ {
			buf[k*nc+c] = v.data[o+c*v.Lanes]
		}
	}
	if negate {
		Negate(buf)
	}
}

func (v *Vector[T]) Scatter(buf []T, indices []int32) {
	nc := v.components
	checkBuffer(buf, len(indices), nc)
	for k, i := range indices {
		checkIndex(int(i), v.sites)
		o := v.offset(int(i))
		for c := 0; c < nc; c++ {
			v.data[o+c*v.Lanes] = buf[k*nc+c]
		}
	}
}

func (v *Vector[T]) SetLocalBoundary(src, dst []int32, negate bool) {
	if len(src) != len(dst) {
		panicLength(len(src), len(dst))
	}
	for k := range src {
		checkIndex(int(src[k]), v.sites)
		checkIndex(int(dst[k]), v.sites)
		so, do := v.offset(int(src[k])), v.offset(int(dst[k]))
		for c := 0; c < v.components; c++ {
			x := v.data[so+c*v.Lanes]
			if negate {
				x = -x
			}
			v.data[do+c*v.Lanes] = x
		}
	}
}

func panicLength(src, dst int) {
	failure.UsagePanic("boundary lists differ in length: %d sources, %d destinations", src, dst)
}
