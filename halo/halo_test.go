package halo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/lattice"
	"github.com/notargets/LatticeKernel/partitions"
	"github.com/notargets/LatticeKernel/storage"
)

func TestTagsAreDistinct(t *testing.T) {
	err := comm.Run(1, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, lattice.Config{Extent: lattice.CoordinateVector{4, 4, 4}})
		if err != nil {
			return err
		}
		defer l.Teardown()
		a := NewEngine[float32](l, storage.NewHost[float32](0))
		b := NewEngine[float32](l, storage.NewHost[float32](0))

		seen := map[int]bool{}
		for _, e := range []*Engine[float32]{a, b} {
			for _, d := range partitions.Directions(3) {
				for _, p := range []lattice.Parity{partitions.Even, partitions.Odd, partitions.All} {
					tag := e.Tag(d, p)
					assert.False(t, seen[tag], "tag %d reused", tag)
					seen[tag] = true
				}
			}
		}
		assert.Len(t, seen, 2*6*3)
		return nil
	})
	require.NoError(t, err)
}

// TestEngineExchange drives the engine without a field: two ranks along
// axis 0 swap their boundary planes, negated across the global edge.
func TestEngineExchange(t *testing.T) {
	extent := lattice.CoordinateVector{4, 2}
	err := comm.Run(2, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, lattice.Config{Extent: extent, Divisions: lattice.CoordinateVector{2, 1}})
		if err != nil {
			return err
		}
		defer l.Teardown()

		h := storage.NewHost[int32](0)
		if err := h.Allocate(l.Node().FieldAllocSize, 1); err != nil {
			return err
		}
		for i := 0; i < l.Node().Sites; i++ {
			h.Set(i, []int32{int32(l.CoordinateOf(i)[0]*10 + l.CoordinateOf(i)[1] + 1)})
		}
		e := NewEngine[int32](l, h)
		e.Antiperiodic = func(axis int) bool { return axis == 0 }

		up, down := partitions.Up(0), partitions.Down(0)
		e.Exchange(partitions.All, []lattice.Direction{up, down})
		sendBuf := &e.sendBufs[up][partitions.All][0]
		recvBuf := &e.recvBufs[down][partitions.All][0]

		// A second exchange reuses the wire buffers and gives the same halo
		e.Exchange(partitions.All, []lattice.Direction{up, down})
		assert.Same(t, sendBuf, &e.sendBufs[up][partitions.All][0])
		assert.Same(t, recvBuf, &e.recvBufs[down][partitions.All][0])

		out := []int32{0}
		for i := 0; i < l.Node().Sites; i++ {
			c := l.CoordinateOf(i)
			for _, d := range []lattice.Direction{up, down} {
				n := c.Step(d)
				want := int32(partitions.Mod(n[0], 4)*10 + n[1] + 1)
				if n[0] < 0 || n[0] >= 4 {
					want = -want
				}
				h.Get(l.Neighbor(i, d), out)
				assert.Equal(t, want, out[0], "site %v dir %v", c, d)
			}
		}

		// Axis 1 is self-closed and has no special slots
		e.Antiperiodic = func(int) bool { return true }
		assert.Panics(t, func() { e.Start(partitions.All, []lattice.Direction{partitions.Up(1)}) })
		return nil
	})
	require.NoError(t, err)
}
