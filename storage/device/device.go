// Package device implements the field storage contract on OCCA device
// memory. Components are stored structure-of-arrays so that neighboring
// threads touch neighboring sites.
package device

import (
	"fmt"
	"reflect"
	"slices"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/storage"
)

// Backend keeps a field in one device allocation. Complex types are stored
// as two real scalars per component.
type Backend[T storage.Number] struct {
	Device *gocca.OCCADevice
	// Limit caps the allocation in bytes; zero means unlimited
	Limit int64

	ctype      string
	parts      int   // real scalars per component
	scalarSize int64 // bytes per real scalar

	sites      int
	components int

	data    *gocca.OCCAMemory
	staging *gocca.OCCAMemory
	stageN  int // scalars the staging buffer holds

	kernels map[string]*gocca.OCCAKernel
	indices map[indexKey]*indexList
	clock   uint64 // bumped on every index list lookup
}

// maxIndexLists bounds the cached device index lists. It exceeds the
// number of send, receive and special lists of a 4D lattice.
const maxIndexLists = 128

type indexKey struct {
	first *int32
	n     int
}

type indexList struct {
	host []int32
	mem  *gocca.OCCAMemory
	used uint64
}

// New returns an empty backend on dev.
func New[T storage.Number](dev *gocca.OCCADevice, limit int64) (*Backend[T], error) {
	if dev == nil {
		return nil, failure.Configuration("device backend without a device")
	}
	b := &Backend[T]{
		Device:  dev,
		Limit:   limit,
		indices: make(map[indexKey]*indexList),
	}
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int32:
		b.ctype, b.parts, b.scalarSize = "int", 1, 4
	case reflect.Int64:
		b.ctype, b.parts, b.scalarSize = "long", 1, 8
	case reflect.Float32:
		b.ctype, b.parts, b.scalarSize = "float", 1, 4
	case reflect.Float64:
		b.ctype, b.parts, b.scalarSize = "double", 1, 8
	case reflect.Complex64:
		b.ctype, b.parts, b.scalarSize = "float", 2, 4
	case reflect.Complex128:
		b.ctype, b.parts, b.scalarSize = "double", 2, 8
	default:
		return nil, failure.Configuration("no device scalar type for %v", reflect.TypeFor[T]())
	}
	if err := b.buildKernels(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend[T]) buildKernels() error {
	src := kernelSource(b.ctype)
	b.kernels = make(map[string]*gocca.OCCAKernel)
	for _, name := range []string{"gatherSites", "scatterSites", "copySites"} {
		var (
			kernel *gocca.OCCAKernel
			err    error
		)
		if b.Device.Mode() == "OpenMP" {
			// OpenMP builds do not get -O3 by default
			props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
			kernel, err = b.Device.BuildKernelFromString(src, name, props)
			props.Free()
		} else {
			kernel, err = b.Device.BuildKernelFromString(src, name, nil)
		}
		if err != nil {
			b.freeKernels()
			return fmt.Errorf("failed to build kernel %s: %w", name, err)
		}
		b.kernels[name] = kernel
	}
	return nil
}

func (b *Backend[T]) freeKernels() {
	for name, k := range b.kernels {
		k.Free()
		delete(b.kernels, name)
	}
}

func (b *Backend[T]) Kind() storage.Kind { return storage.DeviceKind }

func (b *Backend[T]) Sites() int      { return b.sites }
func (b *Backend[T]) Components() int { return b.components }

// scalars returns the number of real scalars per element
func (b *Backend[T]) scalars() int { return b.components * b.parts }

func (b *Backend[T]) Allocate(sites, components int) error {
	if sites < 0 || components < 1 {
		return failure.Usage("allocate %d sites of %d components", sites, components)
	}
	b.releaseMemory()
	if b.kernels == nil {
		if err := b.buildKernels(); err != nil {
			return err
		}
	}
	b.sites, b.components = sites, components
	if sites == 0 {
		return nil
	}
	bytes := int64(sites) * int64(b.scalars()) * b.scalarSize
	if b.Limit > 0 && bytes > b.Limit {
		b.sites = 0
		return failure.Allocation("%d device bytes requested, limit is %d", bytes, b.Limit)
	}
	zeros := make([]byte, bytes)
	b.data = b.Device.Malloc(bytes, unsafe.Pointer(&zeros[0]), nil)
	if b.data == nil {
		b.sites = 0
		return failure.Allocation("device malloc of %d bytes failed", bytes)
	}
	logrus.Debugf("device %s: allocated %d sites x %d components (%d bytes)",
		b.Device.Mode(), sites, components, bytes)
	return nil
}

func (b *Backend[T]) releaseMemory() {
	if b.data != nil {
		b.data.Free()
		b.data = nil
	}
	if b.staging != nil {
		b.staging.Free()
		b.staging = nil
		b.stageN = 0
	}
	for k, l := range b.indices {
		l.mem.Free()
		delete(b.indices, k)
	}
}

// Free releases device memory and kernels. Allocate may be called again.
func (b *Backend[T]) Free() {
	b.releaseMemory()
	b.freeKernels()
	b.kernels = nil
	b.sites = 0
}

func (b *Backend[T]) checkIndex(i int) {
	if i < 0 || i >= b.sites {
		failure.UsagePanic("element index %d outside [0,%d)", i, b.sites)
	}
}

// scalarOffset is the byte offset of real scalar s of site i
func (b *Backend[T]) scalarOffset(i, s int) int64 {
	return (int64(s)*int64(b.sites) + int64(i)) * b.scalarSize
}

func (b *Backend[T]) Get(i int, out []T) {
	b.checkIndex(i)
	if len(out) != b.components {
		failure.UsagePanic("element has %d components, backend stores %d", len(out), b.components)
	}
	base := unsafe.Pointer(&out[0])
	for s := 0; s < b.scalars(); s++ {
		ptr := unsafe.Add(base, int64(s)*b.scalarSize)
		b.data.CopyToWithOffset(ptr, b.scalarSize, b.scalarOffset(i, s))
	}
}

func (b *Backend[T]) Set(i int, v []T) {
	b.checkIndex(i)
	if len(v) != b.components {
		failure.UsagePanic("element has %d components, backend stores %d", len(v), b.components)
	}
	base := unsafe.Pointer(&v[0])
	for s := 0; s < b.scalars(); s++ {
		ptr := unsafe.Add(base, int64(s)*b.scalarSize)
		b.data.CopyFromWithOffset(ptr, b.scalarSize, b.scalarOffset(i, s))
	}
}

// deviceIndices returns the device copy of an index list, uploading it on
// first use. Lists are cached; the least recently used one is released
// when the cache is full.
func (b *Backend[T]) deviceIndices(idx []int32) *gocca.OCCAMemory {
	for _, i := range idx {
		b.checkIndex(int(i))
	}
	b.clock++
	key := indexKey{first: &idx[0], n: len(idx)}
	if l, ok := b.indices[key]; ok {
		if slices.Equal(l.host, idx) {
			l.used = b.clock
			return l.mem
		}
		l.mem.Free()
		delete(b.indices, key)
	}
	if len(b.indices) >= maxIndexLists {
		b.evictIndexList()
	}
	host := slices.Clone(idx)
	mem := b.Device.Malloc(int64(len(host))*4, unsafe.Pointer(&host[0]), nil)
	b.indices[key] = &indexList{host: host, mem: mem, used: b.clock}
	return mem
}

func (b *Backend[T]) evictIndexList() {
	var (
		oldest indexKey
		found  bool
		used   uint64
	)
	for k, l := range b.indices {
		if !found || l.used < used {
			oldest, used, found = k, l.used, true
		}
	}
	if found {
		b.indices[oldest].mem.Free()
		delete(b.indices, oldest)
	}
}

// stage returns a staging buffer holding at least n scalars
func (b *Backend[T]) stage(n int) *gocca.OCCAMemory {
	if n > b.stageN {
		if b.staging != nil {
			b.staging.Free()
		}
		b.staging = b.Device.Malloc(int64(n)*b.scalarSize, nil, nil)
		b.stageN = n
	}
	return b.staging
}

func (b *Backend[T]) checkBuffer(buf []T, n int) {
	if len(buf) != n*b.components {
		failure.UsagePanic("buffer of %d values for %d elements of %d components",
			len(buf), n, b.components)
	}
}

func (b *Backend[T]) run(name string, args ...interface{}) {
	if err := b.kernels[name].RunWithArgs(args...); err != nil {
		failure.Fatal(nil, fmt.Errorf("kernel %s: %w", name, err))
	}
}

func flag(negate bool) int32 {
	if negate {
		return 1
	}
	return 0
}

func (b *Backend[T]) Gather(indices []int32, buf []T, negate bool) {
	b.checkBuffer(buf, len(indices))
	if len(indices) == 0 {
		return
	}
	n, nc := len(indices), b.scalars()
	staging := b.stage(n * nc)
	b.run("gatherSites", int32(n), int32(nc), int32(b.sites),
		b.deviceIndices(indices), b.data, staging, flag(negate))
	b.Device.Finish()
	staging.CopyTo(unsafe.Pointer(&buf[0]), int64(n*nc)*b.scalarSize)
}

func (b *Backend[T]) Scatter(buf []T, indices []int32) {
	b.checkBuffer(buf, len(indices))
	if len(indices) == 0 {
		return
	}
	n, nc := len(indices), b.scalars()
	staging := b.stage(n * nc)
	staging.CopyFrom(unsafe.Pointer(&buf[0]), int64(n*nc)*b.scalarSize)
	b.run("scatterSites", int32(n), int32(nc), int32(b.sites),
		b.deviceIndices(indices), staging, b.data)
	b.Device.Finish()
}

func (b *Backend[T]) SetLocalBoundary(src, dst []int32, negate bool) {
	if len(src) != len(dst) {
		failure.UsagePanic("boundary lists differ in length: %d sources, %d destinations", len(src), len(dst))
	}
	if len(src) == 0 {
		return
	}
	b.run("copySites", int32(len(src)), int32(b.scalars()), int32(b.sites),
		b.deviceIndices(src), b.deviceIndices(dst), b.data, flag(negate))
	b.Device.Finish()
}
