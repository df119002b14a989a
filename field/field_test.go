package field

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/lattice"
	"github.com/notargets/LatticeKernel/partitions"
	"github.com/notargets/LatticeKernel/storage"
)

type layoutCase struct {
	name   string
	extent lattice.CoordinateVector
	procs  int
}

var layoutCases = []layoutCase{
	{"8x8 on 2x2", lattice.CoordinateVector{8, 8}, 4},
	{"uneven slabs", lattice.CoordinateVector{7, 5}, 6},
	{"pair along axis", lattice.CoordinateVector{4, 6, 2}, 2},
	{"4d", lattice.CoordinateVector{4, 4, 4, 4}, 16},
	{"single", lattice.CoordinateVector{6, 4}, 1},
}

func backendsFor(name string) storage.Backend[float64] {
	switch name {
	case "vector":
		return storage.NewVector[float64](4, 0)
	default:
		return storage.NewHost[float64](0)
	}
}

// encode maps a global coordinate to a distinct non-zero value
func encode(c, extent lattice.CoordinateVector) float64 {
	c = c.Mod(extent)
	lin, stride := 0, 1
	for a := range c {
		lin += c[a] * stride
		stride *= extent[a]
	}
	return float64(lin + 1)
}

func withField(t *testing.T, procs int, cfg lattice.Config, backend string,
	fn func(l *lattice.Lattice, f *Field[float64]) error) {
	t.Helper()
	err := comm.Run(procs, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, cfg)
		if err != nil {
			return err
		}
		defer l.Teardown()
		f, err := New[float64](l, backendsFor(backend), 1)
		if err != nil {
			return err
		}
		defer f.Free()
		f.Assign(partitions.All, func(i int, out []float64) {
			out[0] = encode(l.CoordinateOf(i), cfg.Extent)
		})
		return fn(l, f)
	})
	require.NoError(t, err)
}

func TestHaloHoldsNeighborValues(t *testing.T) {
	for _, backend := range []string{"host", "vector"} {
		for _, tc := range layoutCases {
			t.Run(fmt.Sprintf("%s/%s", backend, tc.name), func(t *testing.T) {
				cfg := lattice.Config{Extent: tc.extent}
				withField(t, tc.procs, cfg, backend, func(l *lattice.Lattice, f *Field[float64]) error {
					f.Exchange(partitions.All)
					for i := 0; i < l.Node().Sites; i++ {
						for _, d := range partitions.Directions(l.Dim()) {
							want := encode(l.CoordinateOf(i).Step(d), tc.extent)
							assert.Equal(t, want, f.GetNeighbor(i, d)[0],
								"rank %d site %v dir %v", l.Node().Rank, l.CoordinateOf(i), d)
						}
					}
					return nil
				})
			})
		}
	}
}

func TestAntiperiodicNegatesAcrossEdge(t *testing.T) {
	cases := []layoutCase{
		{"mixed self-closed", lattice.CoordinateVector{4, 6}, 2},
		{"2x2", lattice.CoordinateVector{8, 8}, 4},
		{"single", lattice.CoordinateVector{4, 4}, 1},
		{"3d", lattice.CoordinateVector{4, 2, 6}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bc := make([]lattice.BoundaryCondition, len(tc.extent))
			for a := range bc {
				bc[a] = lattice.Antiperiodic
			}
			cfg := lattice.Config{Extent: tc.extent, Boundary: bc}
			withField(t, tc.procs, cfg, "host", func(l *lattice.Lattice, f *Field[float64]) error {
				f.Exchange(partitions.All)
				for i := 0; i < l.Node().Sites; i++ {
					c := l.CoordinateOf(i)
					for _, d := range partitions.Directions(l.Dim()) {
						n := c.Step(d)
						want := encode(n, tc.extent)
						if a := d.Axis(); n[a] < 0 || n[a] >= tc.extent[a] {
							want = -want
						}
						assert.Equal(t, want, f.GetNeighbor(i, d)[0], "site %v dir %v", c, d)
					}
				}
				return nil
			})
		})
	}
}

func TestParityScopedExchange(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{8, 8}}
	withField(t, 4, cfg, "host", func(l *lattice.Lattice, f *Field[float64]) error {
		f.Exchange(partitions.Even)
		node := l.Node()
		for i := 0; i < node.Sites; i++ {
			for _, d := range partitions.Directions(l.Dim()) {
				nb := f.Neighbor(i, d)
				got := f.Get(nb)[0]
				switch {
				case l.SiteParity(i) == partitions.Even || nb < node.Sites:
					assert.Equal(t, encode(l.CoordinateOf(i).Step(d), cfg.Extent), got)
				default:
					// Halo read by odd sites was not requested
					assert.Equal(t, 0.0, got)
				}
			}
		}
		assert.True(t, f.HaloFresh(partitions.Up(0), partitions.Even))
		assert.False(t, f.HaloFresh(partitions.Up(0), partitions.Odd))
		assert.False(t, f.HaloFresh(partitions.Up(0), partitions.All))
		return nil
	})
}

func TestExchangeIdempotentAndTracked(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{8, 8}}
	withField(t, 4, cfg, "host", func(l *lattice.Lattice, f *Field[float64]) error {
		f.Exchange(partitions.All)
		before := make([]float64, l.Node().FieldAllocSize)
		for i := range before {
			before[i] = f.Get(i)[0]
		}
		done := l.Stats().GathersDone

		f.Exchange(partitions.All)
		for i := range before {
			assert.Equal(t, before[i], f.Get(i)[0])
		}
		assert.Equal(t, done, l.Stats().GathersDone)
		assert.Equal(t, int64(4), l.Stats().GathersAvoided)

		// Writing even sites leaves the halos read by even sites current
		f.MarkChanged(partitions.Even)
		assert.True(t, f.HaloFresh(partitions.Up(1), partitions.Even))
		assert.False(t, f.HaloFresh(partitions.Up(1), partitions.Odd))
		f.Exchange(partitions.Odd, partitions.Up(1))
		assert.Equal(t, done+1, l.Stats().GathersDone)

		// Forcing a real second exchange reproduces the same halo
		f.MarkChanged(partitions.All)
		f.Exchange(partitions.All)
		for i := range before {
			assert.Equal(t, before[i], f.Get(i)[0])
		}
		return nil
	})
}

func TestWriteOnOneRankReachesNeighbor(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{4, 4}}
	withField(t, 2, cfg, "host", func(l *lattice.Lattice, f *Field[float64]) error {
		if !assert.Equal(t, lattice.CoordinateVector{1, 2}, l.Layout().Divisions) {
			return errors.New("unexpected process grid")
		}
		f.Exchange(partitions.All)

		// (0,0) lives on rank 0; rank 1 reads it through its Up(1) halo
		origin := lattice.CoordinateVector{0, 0}
		if i, ok := l.IndexOf(origin); ok {
			f.Set(i, []float64{42})
		}
		f.Exchange(partitions.All)

		up := partitions.Up(1)
		for i := 0; i < l.Node().Sites; i++ {
			n := l.CoordinateOf(i).Step(up).Mod(cfg.Extent)
			want := encode(n, cfg.Extent)
			if n.Equal(origin) {
				want = 42
			}
			assert.Equal(t, want, f.GetNeighbor(i, up)[0],
				"rank %d site %v", l.Node().Rank, l.CoordinateOf(i))
		}
		assert.True(t, f.HaloFresh(up, partitions.All))
		return nil
	})
}

func TestSplitExchangeOverlapsWork(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{6, 6}}
	withField(t, 3, cfg, "host", func(l *lattice.Lattice, f *Field[float64]) error {
		// The process grid is 1x3, so axis 1 communicates
		up := partitions.Up(1)
		tok := f.StartExchange(partitions.Odd, up)

		// A second start of the same direction and parity is refused
		assert.Panics(t, func() { f.engine.Start(partitions.Odd, []lattice.Direction{up}) })
		assert.True(t, f.engine.InFlight(up, partitions.Odd))

		// Local work while the transfer is in flight
		sum := 0.0
		f.ForEach(partitions.Even, func(i int) { sum += f.Get(i)[0] })
		assert.Greater(t, sum, 0.0)

		f.WaitExchange(tok)
		assert.False(t, f.engine.InFlight(up, partitions.Odd))
		for i := l.LoopBegin(partitions.Odd); i < l.LoopEnd(partitions.Odd); i++ {
			assert.Equal(t, encode(l.CoordinateOf(i).Step(up), cfg.Extent), f.GetNeighbor(i, up)[0])
		}
		assert.Panics(t, func() { f.WaitExchange(tok) })
		return nil
	})
}

func TestCollectiveElementAccess(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{4, 4}}
	withField(t, 4, cfg, "vector", func(l *lattice.Lattice, f *Field[float64]) error {
		c := lattice.CoordinateVector{3, 1}
		f.Exchange(partitions.All)
		f.SetElement(c, []float64{-7})
		assert.False(t, f.HaloFresh(partitions.Up(0), partitions.All))

		v, err := f.GetElement(c)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{-7}, v)

		// Coordinates are taken modulo the extent
		v, err = f.GetElement(lattice.CoordinateVector{-1, 5})
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{-7}, v)

		f.Exchange(partitions.All)
		for i := 0; i < l.Node().Sites; i++ {
			if l.CoordinateOf(i).Step(partitions.Up(0)).Mod(cfg.Extent).Equal(c) {
				assert.Equal(t, -7.0, f.GetNeighbor(i, partitions.Up(0))[0])
			}
		}
		return nil
	})
}

func TestSetBoundaryPerField(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{4, 8}}
	withField(t, 2, cfg, "host", func(l *lattice.Lattice, f *Field[float64]) error {
		if !assert.Equal(t, lattice.CoordinateVector{1, 2}, l.Layout().Divisions) {
			return errors.New("unexpected process grid")
		}
		// Axis 0 is self-closed without special slots
		assert.Panics(t, func() { f.SetBoundary(0, lattice.Antiperiodic) })

		f.Exchange(partitions.All)
		f.SetBoundary(1, lattice.Antiperiodic)
		assert.False(t, f.HaloFresh(partitions.Up(1), partitions.All))
		f.Exchange(partitions.All)
		for i := 0; i < l.Node().Sites; i++ {
			c := l.CoordinateOf(i)
			n := c.Step(partitions.Down(1))
			want := encode(n, cfg.Extent)
			if n[1] < 0 {
				want = -want
			}
			assert.Equal(t, want, f.GetNeighbor(i, partitions.Down(1))[0])
		}
		return nil
	})
}

func TestFieldUsageErrors(t *testing.T) {
	err := comm.Run(1, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, lattice.Config{Extent: lattice.CoordinateVector{4}})
		if err != nil {
			return err
		}
		f, err := NewHost[int64](l, 2)
		if err != nil {
			return err
		}
		assert.Panics(t, func() { f.Set(4, []int64{1, 2}) })
		assert.Panics(t, func() { f.Set(0, []int64{1}) })
		f.Set(0, []int64{1, 2})
		assert.Equal(t, []int64{1, 2}, f.Get(0))

		f.Free()
		func() {
			defer func() {
				assert.True(t, errors.Is(failure.FromRecovered(recover()), failure.ErrUsage))
			}()
			f.Get(0)
		}()

		l.Teardown()
		assert.Panics(t, func() { _, _ = NewHost[int64](l, 1) })
		return nil
	})
	require.NoError(t, err)
}

func TestAllocationFailure(t *testing.T) {
	err := comm.Run(2, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, lattice.Config{Extent: lattice.CoordinateVector{16, 16}})
		if err != nil {
			return err
		}
		defer l.Teardown()
		_, err = New[float64](l, storage.NewHost[float64](64), 1)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrAllocation))
}

func TestTransportFailureIsFatal(t *testing.T) {
	cfg := lattice.Config{Extent: lattice.CoordinateVector{4, 4}}
	err := comm.Run(2, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, cfg)
		if err != nil {
			return err
		}
		f, err := NewHost[float64](l, 1)
		if err != nil {
			return err
		}
		if c.Rank() == 1 {
			c.Abort(errors.New("link down"))
		}
		// Both ranks observe the abort inside the exchange
		f.Exchange(partitions.All)
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrCommunication))
}
