package lattice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/partitions"
)

// runLattice sets up the same lattice on n in-process ranks and calls fn on
// each of them.
func runLattice(t *testing.T, n int, cfg Config, fn func(l *Lattice) error) {
	t.Helper()
	err := comm.Run(n, func(c comm.Communicator) error {
		l, err := Setup(c, cfg)
		if err != nil {
			return err
		}
		defer l.Teardown()
		return fn(l)
	})
	require.NoError(t, err)
}

func linear(c, extent CoordinateVector) int64 {
	c = c.Mod(extent)
	var lin, stride int64 = 0, 1
	for a := range c {
		lin += int64(c[a]) * stride
		stride *= int64(extent[a])
	}
	return lin
}

func TestTwoByTwoScenario(t *testing.T) {
	cfg := Config{Extent: CoordinateVector{8, 8}}
	runLattice(t, 4, cfg, func(l *Lattice) error {
		node := l.Node()
		assert.Equal(t, CoordinateVector{4, 4}, node.Size)
		assert.Equal(t, 16, node.Sites)
		assert.Equal(t, 8, node.EvenSites)
		assert.Equal(t, 8, node.OddSites)

		distinct := map[int]bool{}
		for _, r := range node.Neighbors {
			assert.NotEqual(t, node.Rank, r)
			distinct[r] = true
		}
		assert.Len(t, distinct, 2)

		// One border of length 4 per direction
		assert.Equal(t, 16, node.FieldAllocSize-node.Sites)
		for _, d := range partitions.Directions(2) {
			cn := l.CommNode(d)
			assert.False(t, cn.Local)
			assert.Equal(t, 4, cn.From.Counts[0]+cn.From.Counts[1])
			assert.Len(t, cn.To.Sites, 4)
		}
		return nil
	})
}

func TestSiteOrderRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		extent CoordinateVector
		procs  int
		order  ParityOrder
	}{
		{"4d single", CoordinateVector{4, 4, 4, 4}, 1, EvenFirst},
		{"3d uneven", CoordinateVector{5, 3, 4}, 3, EvenFirst},
		{"2d odd first", CoordinateVector{6, 4}, 4, OddFirst},
		{"1d", CoordinateVector{9}, 2, EvenFirst},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Extent: tc.extent, ParityOrder: tc.order}
			runLattice(t, tc.procs, cfg, func(l *Lattice) error {
				node := l.Node()
				for i := 0; i < node.Sites; i++ {
					c := l.CoordinateOf(i)
					j, ok := l.IndexOf(c)
					assert.True(t, ok)
					assert.Equal(t, i, j)
					assert.Equal(t, c.Parity(), l.SiteParity(i))
					assert.True(t, l.IsLocal(c))
				}
				// Parity groups are contiguous
				for _, p := range []Parity{partitions.Even, partitions.Odd} {
					for i := l.LoopBegin(p); i < l.LoopEnd(p); i++ {
						assert.Equal(t, p, l.SiteParity(i))
					}
				}
				assert.Equal(t, 0, l.LoopBegin(partitions.All))
				assert.Equal(t, node.Sites, l.LoopEnd(partitions.All))
				return nil
			})
		})
	}
}

func TestOddFirstOrdering(t *testing.T) {
	cfg := Config{Extent: CoordinateVector{4, 4}, ParityOrder: OddFirst}
	runLattice(t, 1, cfg, func(l *Lattice) error {
		assert.Equal(t, partitions.Odd, l.FirstParity())
		assert.Equal(t, partitions.Odd, l.SiteParity(0))
		assert.Equal(t, 0, l.LoopBegin(partitions.Odd))
		assert.Equal(t, 8, l.LoopEnd(partitions.Odd))
		assert.Equal(t, 8, l.LoopBegin(partitions.Even))
		assert.Equal(t, 16, l.LoopEnd(partitions.Even))
		return nil
	})
}

func TestEveryCoordinateOwnedOnce(t *testing.T) {
	extent := CoordinateVector{6, 5, 4}
	volume := int(extent.Product())
	err := comm.Run(6, func(c comm.Communicator) error {
		l, err := Setup(c, Config{Extent: extent})
		if err != nil {
			return err
		}
		defer l.Teardown()

		owned := make([]int32, volume)
		for i := 0; i < l.Node().Sites; i++ {
			owned[linear(l.CoordinateOf(i), extent)]++
		}
		if err := comm.Allreduce(c, comm.OpSum, owned); err != nil {
			return err
		}
		for lin, n := range owned {
			assert.Equal(t, int32(1), n, "site %d", lin)
		}
		total, err := comm.ReduceSum(c, int64(l.Node().Sites))
		if err != nil {
			return err
		}
		assert.Equal(t, l.Volume(), total)
		return nil
	})
	require.NoError(t, err)
}

func TestNeighborTable(t *testing.T) {
	extent := CoordinateVector{6, 4, 3}
	runLattice(t, 4, Config{Extent: extent}, func(l *Lattice) error {
		node := l.Node()
		for _, d := range partitions.Directions(l.Dim()) {
			cn := l.CommNode(d)
			for i := 0; i < node.Sites; i++ {
				want := l.CoordinateOf(i).Step(d).Mod(extent)
				nb := l.Neighbor(i, d)
				if nb < node.Sites {
					assert.Equal(t, want, l.CoordinateOf(nb), "site %d dir %v", i, d)
					continue
				}
				assert.False(t, cn.Local)
				assert.GreaterOrEqual(t, nb, cn.From.Offset)
				assert.Less(t, nb, cn.From.Offset+cn.From.Counts[0]+cn.From.Counts[1])
				assert.Equal(t, cn.From.Rank, l.RankOf(want))
			}
		}
		return nil
	})
}

func TestPeriodicity(t *testing.T) {
	extent := CoordinateVector{3, 4, 2}
	runLattice(t, 1, Config{Extent: extent}, func(l *Lattice) error {
		for i := 0; i < l.Node().Sites; i++ {
			for a := 0; a < l.Dim(); a++ {
				j := i
				for k := 0; k < extent[a]; k++ {
					j = l.Neighbor(j, partitions.Up(a))
				}
				assert.Equal(t, i, j)
				assert.Equal(t, i, l.Neighbor(l.Neighbor(i, partitions.Up(a)), partitions.Down(a)))
			}
			// Closed loop around a plaquette
			j := l.Neighbor(i, partitions.Up(0))
			j = l.Neighbor(j, partitions.Up(1))
			j = l.Neighbor(j, partitions.Down(0))
			j = l.Neighbor(j, partitions.Down(1))
			assert.Equal(t, i, j)
		}
		assert.Equal(t, l.Node().Sites, l.Node().FieldAllocSize)
		return nil
	})
}

// TestSendListsMatchHalo ships the global coordinates of every send list to
// its receiver, which checks them against the neighbors its halo slots stand
// for.
func TestSendListsMatchHalo(t *testing.T) {
	cases := []struct {
		name   string
		extent CoordinateVector
		procs  int
	}{
		{"2x2", CoordinateVector{8, 8}, 4},
		{"uneven", CoordinateVector{7, 5}, 6},
		{"two along axis", CoordinateVector{4, 6, 2}, 2},
		{"4d", CoordinateVector{4, 4, 4, 4}, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runLattice(t, tc.procs, Config{Extent: tc.extent}, func(l *Lattice) error {
				c := l.Comm()
				for _, p := range []Parity{partitions.Even, partitions.Odd, partitions.All} {
					var reqs []comm.Request
					got := map[Direction][]int64{}
					for _, d := range partitions.Directions(l.Dim()) {
						cn := l.CommNode(d)
						if cn.Local {
							continue
						}
						sites := l.SendSites(d, p)
						out := make([]int64, len(sites))
						for k, s := range sites {
							out[k] = linear(l.CoordinateOf(int(s)), tc.extent)
						}
						in := make([]int64, len(l.RecvSlots(d, p)))
						got[d] = in
						tag := int(d)*3 + int(p)
						reqs = append(reqs,
							c.Irecv(cn.From.Rank, tag, comm.AsBytes(in)),
							c.Isend(cn.To.Rank, tag, comm.AsBytes(out)))
					}
					if err := comm.WaitAll(reqs...); err != nil {
						return err
					}
					for d, in := range got {
						slots := l.RecvSlots(d, p)
						readers := map[int32]int{}
						for i := 0; i < l.Node().Sites; i++ {
							readers[int32(l.Neighbor(i, d))] = i
						}
						for k, slot := range slots {
							i := readers[slot]
							if p != partitions.All {
								assert.Equal(t, p, l.SiteParity(i))
							}
							want := linear(l.CoordinateOf(i).Step(d), tc.extent)
							assert.Equal(t, want, in[k], "rank %d dir %v slot %d", l.Node().Rank, d, slot)
						}
					}
				}
				return nil
			})
		})
	}
}

func TestSpecialBoundary(t *testing.T) {
	cfg := Config{
		Extent:   CoordinateVector{4, 6},
		Boundary: []BoundaryCondition{Antiperiodic, Antiperiodic},
	}
	runLattice(t, 2, cfg, func(l *Lattice) error {
		node := l.Node()
		if !assert.Equal(t, CoordinateVector{1, 2}, l.Layout().Divisions) {
			return errors.New("unexpected process grid")
		}

		// Axis 0 wraps locally and gets special slots, axis 1 communicates
		assert.True(t, l.HasSpecialBoundary(0))
		assert.False(t, l.HasSpecialBoundary(1))
		assert.Nil(t, l.Special(partitions.Up(1)))
		halo := 2 * 4
		special := 2 * 3
		assert.Equal(t, node.Sites+halo+special, node.FieldAllocSize)

		up := partitions.Up(0)
		anti := l.NeighborArray(up, Antiperiodic)
		periodic := l.NeighborArray(up, Periodic)
		src, dst := l.SpecialRange(up, partitions.All)
		assert.Len(t, src, 3)
		for k := range dst {
			assert.GreaterOrEqual(t, int(dst[k]), node.Sites+halo)
		}
		for i := 0; i < node.Sites; i++ {
			if l.LocalCoordinate(i)[0] != 3 {
				assert.Equal(t, periodic[i], anti[i])
				continue
			}
			assert.GreaterOrEqual(t, int(anti[i]), node.Sites+halo)
			assert.Equal(t, 0, l.CoordinateOf(int(periodic[i]))[0])
		}

		// Crossing flags on the divided axis
		g := node.GridCoord[1]
		assert.Equal(t, g == 0, l.CommNode(partitions.Up(1)).To.CrossesEdge)
		assert.Equal(t, g == 1, l.CommNode(partitions.Down(1)).To.CrossesEdge)
		return nil
	})
}

func TestNoSpecialSlotsForPeriodicAxis(t *testing.T) {
	runLattice(t, 1, Config{Extent: CoordinateVector{4}}, func(l *Lattice) error {
		assert.Panics(t, func() { l.NeighborArray(partitions.Up(0), Antiperiodic) })
		return nil
	})
}

func TestSetupErrors(t *testing.T) {
	err := comm.Run(2, func(c comm.Communicator) error {
		_, err := Setup(c, Config{
			Extent:   CoordinateVector{4, 4},
			Boundary: []BoundaryCondition{Periodic},
		})
		return err
	})
	assert.True(t, errors.Is(err, failure.ErrConfiguration))

	err = comm.Run(3, func(c comm.Communicator) error {
		_, err := Setup(c, Config{Extent: CoordinateVector{2, 1}})
		return err
	})
	assert.True(t, errors.Is(err, failure.ErrConfiguration))
}

func TestTeardownAndTags(t *testing.T) {
	err := comm.Run(1, func(c comm.Communicator) error {
		l, err := Setup(c, Config{Extent: CoordinateVector{2, 2}})
		if err != nil {
			return err
		}
		assert.Equal(t, 0, l.NextTagBlock(12))
		assert.Equal(t, 12, l.NextTagBlock(12))

		l.CountGather(true)
		l.CountGather(false)
		l.CountGather(false)
		assert.Equal(t, Stats{GathersDone: 1, GathersAvoided: 2}, l.Stats())

		l.Teardown()
		assert.False(t, l.Live())
		assert.Panics(t, func() { l.Neighbor(0, partitions.Up(0)) })
		assert.Panics(t, func() { l.NextTagBlock(1) })
		return nil
	})
	require.NoError(t, err)
}
