package storage

// Host keeps elements contiguously in host memory, components of one site
// adjacent: data[i*components+c].
type Host[T Number] struct {
	// Limit caps the allocation in bytes; zero means unlimited
	Limit int64

	data       []T
	sites      int
	components int
}

// NewHost returns an empty host backend.
func NewHost[T Number](limit int64) *Host[T] {
	return &Host[T]{Limit: limit}
}

func (h *Host[T]) Kind() Kind { return HostKind }

func (h *Host[T]) Allocate(sites, components int) error {
	if err := checkRequest[T](sites, components, h.Limit); err != nil {
		return err
	}
	h.data = make([]T, sites*components)
	h.sites, h.components = sites, components
	return nil
}

func (h *Host[T]) Free() {
	h.data = nil
	h.sites = 0
}

func (h *Host[T]) Sites() int      { return h.sites }
func (h *Host[T]) Components() int { return h.components }

// Data exposes the backing array for hot loops.
func (h *Host[T]) Data() []T { return h.data }

func (h *Host[T]) Get(i int, out []T) {
	checkIndex(i, h.sites)
	checkElement(out, h.components)
	copy(out, h.data[i*h.components:(i+1)*h.components])
}

func (h *Host[T]) Set(i int, v []T) {
	checkIndex(i, h.sites)
	checkElement(v, h.components)
	copy(h.data[i*h.components:(i+1)*h.components], v)
}

func (h *Host[T]) Gather(indices []int32, buf []T, negate bool) {
	nc := h.components
	checkBuffer(buf, len(indices), nc)
	for k, i := range indices {
		checkIndex(int(i), h.sites)
		copy(buf[k*nc:(k+1)*nc], h.data[int(i)*nc:(int(i)+1)*nc])
	}
	if negate {
		Negate(buf)
	}
}

func (h *Host[T]) Scatter(buf []T, indices []int32) {
	nc := h.components
	checkBuffer(buf, len(indices), nc)
	for k, i := range indices {
		checkIndex(int(i), h.sites)
		copy(h.data[int(i)*nc:(int(i)+1)*nc], buf[k*nc:(k+1)*nc])
	}
}

func (h *Host[T]) SetLocalBoundary(src, dst []int32, negate bool) {
	if len(src) != len(dst) {
		panicLength(len(src), len(dst))
	}
	nc := h.components
	for k := range src {
		s, d := int(src[k]), int(dst[k])
		checkIndex(s, h.sites)
		checkIndex(d, h.sites)
		for c := 0; c < nc; c++ {
			v := h.data[s*nc+c]
			if negate {
				v = -v
			}
			h.data[d*nc+c] = v
		}
	}
}
