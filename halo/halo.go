// Package halo moves boundary values between neighboring processes. An
// Engine serves one field: it gathers the send lists of the lattice
// communication plan into wire buffers, posts non-blocking transfers and
// scatters what arrives into the halo slots.
package halo

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/failure"
	"github.com/notargets/LatticeKernel/lattice"
	"github.com/notargets/LatticeKernel/partitions"
	"github.com/notargets/LatticeKernel/storage"
)

// tagsPerDirection is one tag per parity selector
const tagsPerDirection = 3

// Engine exchanges halos of one field.
type Engine[T storage.Number] struct {
	lat     *lattice.Lattice
	backend storage.Backend[T]
	tagBase int

	// Antiperiodic reports whether values crossing the global edge along
	// axis are negated
	Antiperiodic func(axis int) bool

	inFlight [][tagsPerDirection]bool
	// wire buffers per direction and parity, reused across exchanges
	sendBufs [][tagsPerDirection][]T
	recvBufs [][tagsPerDirection][]T
}

// Token is the handle of a started exchange.
type Token[T storage.Number] struct {
	Par  lattice.Parity
	Dirs []lattice.Direction

	reqs  []comm.Request
	recvs []pendingRecv[T]
	done  bool
}

type pendingRecv[T storage.Number] struct {
	buf   []T
	slots []int32
}

// NewEngine reserves a tag block on lat for one field stored in backend.
func NewEngine[T storage.Number](lat *lattice.Lattice, backend storage.Backend[T]) *Engine[T] {
	ndir := partitions.NumDirections(lat.Dim())
	return &Engine[T]{
		lat:          lat,
		backend:      backend,
		tagBase:      lat.NextTagBlock(ndir * tagsPerDirection),
		Antiperiodic: func(int) bool { return false },
		inFlight:     make([][tagsPerDirection]bool, ndir),
		sendBufs:     make([][tagsPerDirection][]T, ndir),
		recvBufs:     make([][tagsPerDirection][]T, ndir),
	}
}

// wireBuffer returns *slot resized to n values, growing it when needed
func wireBuffer[T storage.Number](slot *[]T, n int) []T {
	if cap(*slot) < n {
		*slot = make([]T, n)
	}
	*slot = (*slot)[:n]
	return *slot
}

// Tag returns the message tag of direction d and parity p.
func (e *Engine[T]) Tag(d lattice.Direction, p lattice.Parity) int {
	return e.tagBase + int(d)*tagsPerDirection + int(p)
}

// Start begins the exchange of the halos read by sites of parity par in
// the given directions. Receives are posted before the gathers so that
// peers are never left waiting on an unposted buffer. Starting an exchange
// that is still in flight for the same direction and parity is a usage
// error.
func (e *Engine[T]) Start(par lattice.Parity, dirs []lattice.Direction) *Token[T] {
	nc := e.backend.Components()
	c := e.lat.Comm()
	tok := &Token[T]{Par: par, Dirs: append([]lattice.Direction(nil), dirs...)}

	for _, d := range dirs {
		if e.inFlight[d][par] {
			failure.UsagePanic("exchange of direction %v parity %v already in flight", d, par)
		}
	}

	for _, d := range dirs {
		cn := e.lat.CommNode(d)
		if cn.Local {
			continue
		}
		e.inFlight[d][par] = true
		slots := e.lat.RecvSlots(d, par)
		if len(slots) == 0 {
			continue
		}
		buf := wireBuffer(&e.recvBufs[d][par], len(slots)*nc)
		tok.reqs = append(tok.reqs, c.Irecv(cn.From.Rank, e.Tag(d, par), comm.AsBytes(buf)))
		tok.recvs = append(tok.recvs, pendingRecv[T]{buf: buf, slots: slots})
	}

	for _, d := range dirs {
		cn := e.lat.CommNode(d)
		if cn.Local {
			e.localBoundary(d, par)
			continue
		}
		sites := e.lat.SendSites(d, par)
		if len(sites) == 0 {
			continue
		}
		buf := wireBuffer(&e.sendBufs[d][par], len(sites)*nc)
		negate := cn.To.CrossesEdge && e.Antiperiodic(d.Axis())
		e.backend.Gather(sites, buf, negate)
		tok.reqs = append(tok.reqs, c.Isend(cn.To.Rank, e.Tag(d, par), comm.AsBytes(buf)))
	}
	return tok
}

// localBoundary fills the special slots of an antiperiodic axis that
// wraps inside this process
func (e *Engine[T]) localBoundary(d lattice.Direction, par lattice.Parity) {
	if !e.Antiperiodic(d.Axis()) {
		return
	}
	src, dst := e.lat.SpecialRange(d, par)
	if src == nil {
		failure.UsagePanic("axis %d has no antiperiodic boundary slots", d.Axis())
	}
	e.backend.SetLocalBoundary(src, dst, true)
}

// Wait completes an exchange. A transport failure is fatal for every rank.
func (e *Engine[T]) Wait(tok *Token[T]) {
	if tok == nil || tok.done {
		failure.UsagePanic("wait on a finished or missing exchange")
	}
	tok.done = true
	if err := comm.WaitAll(tok.reqs...); err != nil {
		failure.Fatal(e.lat.Comm(), fmt.Errorf("halo exchange parity %v directions %v: %w",
			tok.Par, tok.Dirs, err))
	}
	for _, r := range tok.recvs {
		e.backend.Scatter(r.buf, r.slots)
	}
	for _, d := range tok.Dirs {
		e.inFlight[d][tok.Par] = false
	}
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.WithFields(logrus.Fields{
			"rank": e.lat.Node().Rank,
			"par":  tok.Par,
			"dirs": tok.Dirs,
		}).Trace("halo exchange complete")
	}
}

// Exchange runs Start and Wait back to back.
func (e *Engine[T]) Exchange(par lattice.Parity, dirs []lattice.Direction) {
	e.Wait(e.Start(par, dirs))
}

// InFlight reports whether an exchange of direction d and parity par has
// been started and not waited for.
func (e *Engine[T]) InFlight(d lattice.Direction, par lattice.Parity) bool {
	return e.inFlight[d][par]
}
