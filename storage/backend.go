// Package storage defines the field storage contract and its host memory
// implementations. Every backend is addressed by the same site index space;
// only the physical placement of an element's components differs.
package storage

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
)

// Number is the scalar base type of a field.
type Number = comm.Number

// Kind names a backend implementation.
type Kind int

const (
	HostKind Kind = iota
	VectorKind
	DeviceKind
)

func (k Kind) String() string {
	switch k {
	case HostKind:
		return "host"
	case VectorKind:
		return "vector"
	case DeviceKind:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Backend stores sites elements of components scalars each.
//
// Bulk buffers used by Gather and Scatter are site major: element k of the
// index list occupies buf[k*components:(k+1)*components]. This is also the
// wire format of halo messages.
type Backend[T Number] interface {
	Kind() Kind

	// Allocate reserves storage, releasing any previous allocation. Zero
	// sites is legal and leaves the backend empty.
	Allocate(sites, components int) error
	Free()
	Sites() int
	Components() int

	// Get and Set move one element. They are meant for setup and
	// diagnostics; on the device backend each call is a transfer.
	Get(i int, out []T)
	Set(i int, v []T)

	// Gather copies the listed elements into buf, negated if requested.
	Gather(indices []int32, buf []T, negate bool)
	// Scatter copies buf into the listed elements.
	Scatter(buf []T, indices []int32)
	// SetLocalBoundary copies element src[k] to dst[k], negated if
	// requested, without leaving the backend.
	SetLocalBoundary(src, dst []int32, negate bool)
}

// sizeOf returns the byte size of T.
func sizeOf[T Number]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// checkRequest validates an allocation request against a byte limit; zero
// limit means unlimited.
func checkRequest[T Number](sites, components int, limit int64) error {
	if sites < 0 || components < 1 {
		return failure.Usage("allocate %d sites of %d components", sites, components)
	}
	n := int64(sites) * int64(components)
	if sites > math.MaxInt32 || n > math.MaxInt64/sizeOf[T]() {
		return failure.Allocation("%d sites of %d components overflow", sites, components)
	}
	if limit > 0 && n*sizeOf[T]() > limit {
		return failure.Allocation("%d bytes requested, limit is %d", n*sizeOf[T](), limit)
	}
	return nil
}

func checkIndex(i, sites int) {
	if i < 0 || i >= sites {
		failure.UsagePanic("element index %d outside [0,%d)", i, sites)
	}
}

func checkElement[T Number](v []T, components int) {
	if len(v) != components {
		failure.UsagePanic("element has %d components, backend stores %d", len(v), components)
	}
}

func checkBuffer[T Number](buf []T, n, components int) {
	if len(buf) != n*components {
		failure.UsagePanic("buffer of %d values for %d elements of %d components",
			len(buf), n, components)
	}
}

// Negate flips the sign of every value in place.
func Negate[T Number](v []T) {
	for i := range v {
		v[i] = -v[i]
	}
}
