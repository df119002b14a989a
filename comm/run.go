package comm

import (
	"golang.org/x/sync/errgroup"

	"github.com/notargets/LatticeKernel/failure"
)

// Run starts size ranks of a fresh World, each on its own goroutine, and
// waits for all of them. A rank that returns an error or panics aborts the
// world so the others cannot deadlock; the first error is returned.
func Run(size int, fn func(c Communicator) error) error {
	w := NewWorld(size)
	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		c := w.Comm(rank)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = failure.FromRecovered(r)
				}
				if err != nil {
					w.Abort(err)
				}
			}()
			return fn(c)
		})
	}
	return g.Wait()
}
