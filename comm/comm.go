// Package comm is the transport layer between lattice processes. A
// Communicator is one rank's view of the world: point-to-point transfers
// are non-blocking and return a Request, collectives block until every rank
// has joined.
//
// Tags must be unique among concurrently in-flight transfers for a given
// (source, destination) pair. Messages with the same (source, destination,
// tag) are delivered in the order they were sent.
package comm

// Request is a handle on a posted transfer.
type Request interface {
	// Wait blocks until the transfer has completed. A non-nil error means the
	// transfer, and therefore the whole computation, has failed.
	Wait() error
}

// Communicator connects one rank to all others.
type Communicator interface {
	Rank() int
	Size() int

	// Isend posts a send of data to rank dst. The data is copied before
	// Isend returns, so the caller may reuse its buffer immediately.
	Isend(dst, tag int, data []byte) Request
	// Irecv posts a receive from rank src. buf must have exactly the length
	// of the incoming message; it is filled by the time Wait returns.
	Irecv(src, tag int, buf []byte) Request

	// Allgather returns the contribution of every rank, indexed by rank.
	Allgather(data []byte) ([][]byte, error)
	Barrier() error

	// Abort fails every rank: all pending and future operations return a
	// communication error wrapping err.
	Abort(err error)

	Stats() Stats
}

// Stats counts traffic issued by one rank.
type Stats struct {
	MessagesSent int64
	BytesSent    int64
	Collectives  int64
}

// WaitAll waits on every request and returns the first error.
func WaitAll(reqs ...Request) error {
	var first error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if err := r.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
