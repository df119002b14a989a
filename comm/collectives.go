package comm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/LatticeKernel/failure"
)

// Number is the set of element types that can be reduced.
type Number interface {
	~int32 | ~int64 | ~float32 | ~float64 | ~complex64 | ~complex128
}

// Op selects how reductions combine values.
type Op int

const (
	OpSum Op = iota
	OpProduct
)

func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpProduct:
		return "product"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// AsBytes views a slice of numbers as its raw bytes without copying.
func AsBytes[T Number](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// FromBytes copies raw bytes into a new slice of numbers.
func FromBytes[T Number](b []byte) []T {
	var zero T
	out := make([]T, len(b)/int(unsafe.Sizeof(zero)))
	copy(AsBytes(out), b)
	return out
}

// Allreduce combines values elementwise over all ranks, in place. Ranks are
// combined in rank order so every rank obtains bit-identical results.
func Allreduce[T Number](c Communicator, op Op, values []T) error {
	parts, err := c.Allgather(AsBytes(values))
	if err != nil {
		return err
	}
	n := len(AsBytes(values))
	for r, p := range parts {
		if len(p) != n {
			return failure.Communication("allreduce: rank %d contributed %d bytes, expected %d", r, len(p), n)
		}
	}
	acc := FromBytes[T](parts[0])
	for _, p := range parts[1:] {
		if err := Combine(op, acc, FromBytes[T](p)); err != nil {
			return err
		}
	}
	copy(values, acc)
	return nil
}

// Combine folds src into dst elementwise.
func Combine[T Number](op Op, dst, src []T) error {
	if f64, ok := any(dst).([]float64); ok {
		s64 := any(src).([]float64)
		switch op {
		case OpSum:
			floats.Add(f64, s64)
			return nil
		case OpProduct:
			floats.Mul(f64, s64)
			return nil
		}
	}
	switch op {
	case OpSum:
		for i := range dst {
			dst[i] += src[i]
		}
	case OpProduct:
		for i := range dst {
			dst[i] *= src[i]
		}
	default:
		return failure.Usage("unknown reduction %v", op)
	}
	return nil
}

// ReduceSum returns the sum of v over all ranks.
func ReduceSum[T Number](c Communicator, v T) (T, error) {
	vals := []T{v}
	err := Allreduce(c, OpSum, vals)
	return vals[0], err
}

// ReduceProduct returns the product of v over all ranks.
func ReduceProduct[T Number](c Communicator, v T) (T, error) {
	vals := []T{v}
	err := Allreduce(c, OpProduct, vals)
	return vals[0], err
}

// BroadcastBytes returns the bytes held by root on every rank.
func BroadcastBytes(c Communicator, data []byte, root int) ([]byte, error) {
	if root < 0 || root >= c.Size() {
		return nil, failure.Usage("broadcast root %d outside world of size %d", root, c.Size())
	}
	var mine []byte
	if c.Rank() == root {
		mine = data
	}
	parts, err := c.Allgather(mine)
	if err != nil {
		return nil, err
	}
	return parts[root], nil
}

// Broadcast copies *v from root to every rank. T must be a fixed-size type
// in the encoding/binary sense: no ints, pointers, strings or slices.
func Broadcast[T any](c Communicator, v *T, root int) error {
	if binary.Size(v) < 0 {
		return failure.Usage("broadcast of %T: not a fixed-size type", *v)
	}
	var buf bytes.Buffer
	if c.Rank() == root {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return failure.Usage("broadcast of %T: %v", *v, err)
		}
	}
	data, err := BroadcastBytes(c, buf.Bytes(), root)
	if err != nil {
		return err
	}
	if c.Rank() == root {
		return nil
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return failure.Communication("broadcast decode of %T: %v", *v, err)
	}
	return nil
}

// BroadcastSlice replaces *list on every rank with root's slice. The length
// travels with the payload, so receivers need not know it in advance.
func BroadcastSlice[T any](c Communicator, list *[]T, root int) error {
	if binary.Size(make([]T, 1)) < 0 {
		return failure.Usage("broadcast of %T: not a fixed-size element type", *list)
	}
	var buf bytes.Buffer
	if c.Rank() == root {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(len(*list))); err != nil {
			return failure.Usage("broadcast length: %v", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, *list); err != nil {
			return failure.Usage("broadcast of %T: %v", *list, err)
		}
	}
	data, err := BroadcastBytes(c, buf.Bytes(), root)
	if err != nil {
		return err
	}
	if c.Rank() == root {
		return nil
	}
	r := bytes.NewReader(data)
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return failure.Communication("broadcast length decode: %v", err)
	}
	out := make([]T, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return failure.Communication("broadcast decode of %T: %v", out, err)
	}
	*list = out
	return nil
}
