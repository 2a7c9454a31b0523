package cpu

import (
	"fmt"
	"slices"

	"github.com/flowmatch/flowmatch/ml"
)

type Context struct {
	b *Backend
}

func (c *Context) newTensor(dtype ml.DType, shape []int) *Tensor {
	if len(shape) > maxDims {
		panic(fmt.Errorf("cpu: up to %d dimensions supported, got %v", maxDims, shape))
	}

	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("cpu: invalid shape %v", shape))
		}
		n *= d
	}

	return &Tensor{
		b:     c.b,
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, n),
	}
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: %d values do not fit shape %v", len(s), shape))
	}

	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeI32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: %d values do not fit shape %v", len(s), shape))
	}

	for i, v := range s {
		t.data[i] = float32(v)
	}

	return t
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step == 0 {
		panic("cpu: arange step must be non-zero")
	}

	var s []float32
	for v := start; v < stop; v += step {
		s = append(s, v)
	}

	t := c.newTensor(dtype, []int{len(s)})
	copy(t.data, s)
	return t
}

// Forward and Compute are no-ops: every operation is eager.
func (c *Context) Forward(...ml.Tensor) ml.Context {
	return c
}

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Close() {}
