package comm

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/failure"
)

// World is an in-process set of ranks that exchange messages through shared
// mailboxes. Each rank is expected to run on its own goroutine.
type World struct {
	size int

	mu    sync.Mutex
	boxes map[msgKey]*mailbox
	round *gatherRound

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

type msgKey struct {
	src, dst, tag int
}

type mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
}

type gatherRound struct {
	parts   [][]byte
	arrived int
	done    chan struct{}
}

// NewWorld creates a world of size ranks.
func NewWorld(size int) *World {
	if size < 1 {
		failure.UsagePanic("world size %d, must be positive", size)
	}
	return &World{
		size:    size,
		boxes:   make(map[msgKey]*mailbox),
		round:   newGatherRound(size),
		aborted: make(chan struct{}),
	}
}

func newGatherRound(size int) *gatherRound {
	return &gatherRound{
		parts: make([][]byte, size),
		done:  make(chan struct{}),
	}
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Comm returns the communicator of one rank.
func (w *World) Comm(rank int) *LocalComm {
	if rank < 0 || rank >= w.size {
		failure.UsagePanic("rank %d outside world of size %d", rank, w.size)
	}
	return &LocalComm{world: w, rank: rank}
}

// Abort fails every rank. Only the first call has an effect.
func (w *World) Abort(err error) {
	w.abortOnce.Do(func() {
		w.abortErr = err
		logrus.WithError(err).Debug("world aborted")
		close(w.aborted)
	})
}

// Err returns the abort cause, or nil while the world is healthy.
func (w *World) Err() error {
	select {
	case <-w.aborted:
		return failure.Communication("world aborted: %v", w.abortErr)
	default:
		return nil
	}
}

func (w *World) mailbox(k msgKey) *mailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	box, ok := w.boxes[k]
	if !ok {
		box = &mailbox{signal: make(chan struct{}, 1)}
		w.boxes[k] = box
	}
	return box
}

func (b *mailbox) push(msg []byte) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	msg := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return msg, true
}

// LocalComm is the Communicator of one rank of a World.
type LocalComm struct {
	world *World
	rank  int

	messages    atomic.Int64
	bytes       atomic.Int64
	collectives atomic.Int64
}

func (c *LocalComm) Rank() int { return c.rank }
func (c *LocalComm) Size() int { return c.world.size }

// World returns the world the rank belongs to.
func (c *LocalComm) World() *World { return c.world }

func (c *LocalComm) Abort(err error) { c.world.Abort(err) }

func (c *LocalComm) Stats() Stats {
	return Stats{
		MessagesSent: c.messages.Load(),
		BytesSent:    c.bytes.Load(),
		Collectives:  c.collectives.Load(),
	}
}

type doneRequest struct{ err error }

func (r doneRequest) Wait() error { return r.err }

func (c *LocalComm) Isend(dst, tag int, data []byte) Request {
	if dst < 0 || dst >= c.world.size {
		return doneRequest{failure.Communication("send to rank %d outside world of size %d", dst, c.world.size)}
	}
	if err := c.world.Err(); err != nil {
		return doneRequest{err}
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	c.world.mailbox(msgKey{src: c.rank, dst: dst, tag: tag}).push(msg)
	c.messages.Add(1)
	c.bytes.Add(int64(len(data)))
	return doneRequest{}
}

type recvRequest struct {
	world *World
	box   *mailbox
	buf   []byte
	src   int
	tag   int
	done  bool
	err   error
}

func (c *LocalComm) Irecv(src, tag int, buf []byte) Request {
	if src < 0 || src >= c.world.size {
		return doneRequest{failure.Communication("receive from rank %d outside world of size %d", src, c.world.size)}
	}
	return &recvRequest{
		world: c.world,
		box:   c.world.mailbox(msgKey{src: src, dst: c.rank, tag: tag}),
		buf:   buf,
		src:   src,
		tag:   tag,
	}
}

func (r *recvRequest) Wait() error {
	if r.done {
		return r.err
	}
	r.done = true
	for {
		if msg, ok := r.box.pop(); ok {
			if len(msg) != len(r.buf) {
				r.err = failure.Communication("message from rank %d tag %d has %d bytes, expected %d",
					r.src, r.tag, len(msg), len(r.buf))
				return r.err
			}
			copy(r.buf, msg)
			return nil
		}
		select {
		case <-r.box.signal:
		case <-r.world.aborted:
			// A message that arrived before the abort is still delivered
			if msg, ok := r.box.pop(); ok && len(msg) == len(r.buf) {
				copy(r.buf, msg)
				return nil
			}
			r.err = r.world.Err()
			return r.err
		}
	}
}

func (c *LocalComm) Allgather(data []byte) ([][]byte, error) {
	if err := c.world.Err(); err != nil {
		return nil, err
	}
	part := make([]byte, len(data))
	copy(part, data)
	c.collectives.Add(1)

	w := c.world
	w.mu.Lock()
	round := w.round
	round.parts[c.rank] = part
	round.arrived++
	if round.arrived == w.size {
		w.round = newGatherRound(w.size)
		close(round.done)
	}
	w.mu.Unlock()

	select {
	case <-round.done:
		return round.parts, nil
	case <-w.aborted:
		select {
		case <-round.done:
			return round.parts, nil
		default:
			return nil, w.Err()
		}
	}
}

func (c *LocalComm) Barrier() error {
	_, err := c.Allgather(nil)
	return err
}
