package partitions

import (
	"fmt"
	"strings"
)

// CoordinateVector is a D-dimensional integer site or grid coordinate.
type CoordinateVector []int

// NewCoordinateVector returns a zero vector of dimension d.
func NewCoordinateVector(d int) CoordinateVector {
	return make(CoordinateVector, d)
}

// Dim returns the number of axes.
func (c CoordinateVector) Dim() int { return len(c) }

// Clone returns an independent copy.
func (c CoordinateVector) Clone() CoordinateVector {
	out := make(CoordinateVector, len(c))
	copy(out, c)
	return out
}

// Equal reports whether both vectors have the same dimension and entries.
func (c CoordinateVector) Equal(o CoordinateVector) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// Add returns c + o.
func (c CoordinateVector) Add(o CoordinateVector) CoordinateVector {
	out := c.Clone()
	for i := range out {
		out[i] += o[i]
	}
	return out
}

// Sub returns c - o.
func (c CoordinateVector) Sub(o CoordinateVector) CoordinateVector {
	out := c.Clone()
	for i := range out {
		out[i] -= o[i]
	}
	return out
}

// Mod reduces every entry into [0, extent[i]).
func (c CoordinateVector) Mod(extent CoordinateVector) CoordinateVector {
	out := c.Clone()
	for i := range out {
		out[i] = Mod(out[i], extent[i])
	}
	return out
}

// Step returns c moved one site in direction d, without periodic reduction.
func (c CoordinateVector) Step(d Direction) CoordinateVector {
	out := c.Clone()
	out[d.Axis()] += d.Sign()
	return out
}

// Product returns the product of the entries, i.e. the volume of a box.
func (c CoordinateVector) Product() int64 {
	p := int64(1)
	for _, v := range c {
		p *= int64(v)
	}
	return p
}

// Parity returns Even when the coordinate sum is even.
func (c CoordinateVector) Parity() Parity {
	s := 0
	for _, v := range c {
		s += v
	}
	if s%2 == 0 {
		return Even
	}
	return Odd
}

func (c CoordinateVector) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Mod is the non-negative remainder of a modulo n.
func Mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// Direction encodes a signed lattice direction: axis*2 for the positive
// ("up") direction and axis*2+1 for the negative ("down") one.
type Direction int

// Up returns the positive direction along axis.
func Up(axis int) Direction { return Direction(2 * axis) }

// Down returns the negative direction along axis.
func Down(axis int) Direction { return Direction(2*axis + 1) }

// NumDirections returns 2*dim.
func NumDirections(dim int) int { return 2 * dim }

// Directions lists all 2*dim directions in encoding order.
func Directions(dim int) []Direction {
	dirs := make([]Direction, 2*dim)
	for i := range dirs {
		dirs[i] = Direction(i)
	}
	return dirs
}

// Axis returns the axis the direction moves along.
func (d Direction) Axis() int { return int(d) / 2 }

// IsUp reports whether d points towards increasing coordinates.
func (d Direction) IsUp() bool { return int(d)%2 == 0 }

// Sign returns +1 for up and -1 for down.
func (d Direction) Sign() int {
	if d.IsUp() {
		return 1
	}
	return -1
}

// Opposite returns the direction pointing the other way along the same axis.
func (d Direction) Opposite() Direction { return d ^ 1 }

// Unit returns the unit displacement vector of d in dim dimensions.
func (d Direction) Unit(dim int) CoordinateVector {
	u := NewCoordinateVector(dim)
	u[d.Axis()] = d.Sign()
	return u
}

func (d Direction) String() string {
	if d.IsUp() {
		return fmt.Sprintf("+%d", d.Axis())
	}
	return fmt.Sprintf("-%d", d.Axis())
}

// Parity classifies sites by the parity of their coordinate sum.
type Parity uint8

const (
	Even Parity = iota
	Odd
	All
)

// Opposite swaps Even and Odd; All maps to itself.
func (p Parity) Opposite() Parity {
	switch p {
	case Even:
		return Odd
	case Odd:
		return Even
	default:
		return All
	}
}

func (p Parity) String() string {
	switch p {
	case Even:
		return "even"
	case Odd:
		return "odd"
	default:
		return "all"
	}
}
