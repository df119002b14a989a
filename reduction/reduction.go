// Package reduction accumulates per-site contributions during a traversal
// and combines them over all processes with one collective per traversal.
package reduction

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/lattice"
)

type Number = comm.Number

// Reduction accumulates a fixed-size aggregate of Size values; scalars have
// Size one. Ranks are combined in rank order, so every rank obtains the same
// bits, although floating-point sums depend on the process count.
type Reduction[T Number] struct {
	lat  *lattice.Lattice
	op   comm.Op
	acc  []T
	out  []T
	done bool

	batch *Batch[T]
}

// New returns a reduction of size values combined with op.
func New[T Number](lat *lattice.Lattice, op comm.Op, size int) *Reduction[T] {
	if size < 1 {
		failure.UsagePanic("reduction of size %d", size)
	}
	r := &Reduction[T]{lat: lat, op: op, acc: make([]T, size)}
	r.Begin()
	return r
}

// NewSum returns a scalar sum.
func NewSum[T Number](lat *lattice.Lattice) *Reduction[T] {
	return New[T](lat, comm.OpSum, 1)
}

// NewProduct returns a scalar product.
func NewProduct[T Number](lat *lattice.Lattice) *Reduction[T] {
	return New[T](lat, comm.OpProduct, 1)
}

func identity[T Number](op comm.Op) T {
	if op == comm.OpProduct {
		return 1
	}
	return 0
}

// Begin starts a traversal, resetting the accumulator.
func (r *Reduction[T]) Begin() {
	id := identity[T](r.op)
	for i := range r.acc {
		r.acc[i] = id
	}
	r.out = nil
	r.done = false
}

// Accumulate adds one contribution to a scalar reduction.
func (r *Reduction[T]) Accumulate(v T) {
	r.checkOpen()
	if len(r.acc) != 1 {
		failure.UsagePanic("scalar contribution to a reduction of size %d", len(r.acc))
	}
	r.acc[0] = combineOne(r.op, r.acc[0], v)
}

// AccumulateSlice adds one aggregate contribution.
func (r *Reduction[T]) AccumulateSlice(v []T) {
	r.checkOpen()
	if len(v) != len(r.acc) {
		failure.UsagePanic("contribution of %d values to a reduction of size %d", len(v), len(r.acc))
	}
	for i, x := range v {
		r.acc[i] = combineOne(r.op, r.acc[i], x)
	}
}

func combineOne[T Number](op comm.Op, a, b T) T {
	if op == comm.OpProduct {
		return a * b
	}
	return a + b
}

func (r *Reduction[T]) checkOpen() {
	if r.done {
		failure.UsagePanic("accumulate after Value; call Begin to start a new traversal")
	}
}

// Local returns this rank's partial result.
func (r *Reduction[T]) Local() []T { return slices.Clone(r.acc) }

// Values returns the combined aggregate. The first call is collective and
// must be made on every rank; later calls return the cached result. A
// reduction in a batch reduces the whole batch.
func (r *Reduction[T]) Values() ([]T, error) {
	if !r.done {
		var err error
		if r.batch != nil {
			err = r.batch.Reduce()
		} else {
			err = r.reduce()
		}
		if err != nil {
			return nil, err
		}
	}
	return slices.Clone(r.out), nil
}

// Value returns the combined scalar.
func (r *Reduction[T]) Value() (T, error) {
	v, err := r.Values()
	if err != nil {
		var zero T
		return zero, err
	}
	return v[0], nil
}

func (r *Reduction[T]) reduce() error {
	out := slices.Clone(r.acc)
	if err := comm.Allreduce(r.lat.Comm(), r.op, out); err != nil {
		return fmt.Errorf("reduction %v: %w", r.op, err)
	}
	r.out, r.done = out, true
	return nil
}

// Batch coalesces several reductions of one traversal into a single
// collective. Members may use different operations and sizes.
type Batch[T Number] struct {
	lat     *lattice.Lattice
	members []*Reduction[T]
}

// NewBatch returns an empty batch.
func NewBatch[T Number](lat *lattice.Lattice) *Batch[T] {
	return &Batch[T]{lat: lat}
}

// Add places r in the batch and returns it.
func (b *Batch[T]) Add(r *Reduction[T]) *Reduction[T] {
	if r.batch != nil {
		failure.UsagePanic("reduction already belongs to a batch")
	}
	r.batch = b
	b.members = append(b.members, r)
	return r
}

// Begin starts a traversal for every member.
func (b *Batch[T]) Begin() {
	for _, r := range b.members {
		r.Begin()
	}
}

// Reduce combines every pending member with one allgather.
func (b *Batch[T]) Reduce() error {
	var (
		packed  []T
		pending []*Reduction[T]
	)
	for _, r := range b.members {
		if !r.done {
			packed = append(packed, r.acc...)
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	parts, err := b.lat.Comm().Allgather(comm.AsBytes(packed))
	if err != nil {
		return fmt.Errorf("batched reduction: %w", err)
	}
	ranks := make([][]T, len(parts))
	for k, p := range parts {
		ranks[k] = comm.FromBytes[T](p)
		if len(ranks[k]) != len(packed) {
			return failure.Communication("batched reduction: rank %d sent %d values, expected %d",
				k, len(ranks[k]), len(packed))
		}
	}
	off := 0
	for _, r := range pending {
		n := len(r.acc)
		out := slices.Clone(ranks[0][off : off+n])
		for _, vals := range ranks[1:] {
			if err := comm.Combine(r.op, out, vals[off:off+n]); err != nil {
				return err
			}
		}
		r.out, r.done = out, true
		off += n
	}
	logrus.Tracef("batched %d reductions into one collective", len(pending))
	return nil
}
