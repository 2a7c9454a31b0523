package ml

import (
	"fmt"
)

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// Size returns the size of the type in bytes.
func (t DType) Size() int {
	switch t {
	case DTypeF16:
		return 2
	default:
		return 4
	}
}

// BackendParams controls how a backend is set up.
type BackendParams struct {
	// NumThreads is the upper bound on goroutines used for a single
	// operation. Zero means one per CPU.
	NumThreads int
}

// Backend creates contexts in which tensors are allocated and computed.
type Backend interface {
	Name() string
	NewContext() Context
	Close()
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: " + name + " already registered")
	}

	backends[name] = f
}

func NewBackend(name string, params BackendParams) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context owns the tensors created through it. Contexts are not safe for
// concurrent use.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Arange creates a 1D tensor with values within an interval
	// (start, stop] increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	Forward(...Tensor) Context
	Compute(...Tensor)

	Close()
}

// Tensor is an n-dimensional array of up to four dimensions. Dimension 0
// varies fastest in memory: a hidden-state tensor is laid out as
// (features, sequence, batch).
//
// Binary operations broadcast the second operand per dimension when the
// first operand's extent is a multiple of the second's (index modulo the
// smaller extent).
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	Cast(ctx Context, dtype DType) Tensor

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	// Mulmat contracts dimension 0 of both operands: for a receiver of
	// shape (k, m, ...) and an argument of shape (k, n, ...) the result
	// has shape (m, n, ...), with the receiver's batch dimensions
	// broadcast against the argument's.
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor

	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	Tanh(ctx Context) Tensor
	Sin(ctx Context) Tensor
	Cos(ctx Context) Tensor

	// RoPE rotates consecutive pairs along dimension 0 by the angles in
	// cos/sin, which hold one row of dimension-0 extent per position in
	// the receiver's dimension 2.
	RoPE(ctx Context, cos, sin Tensor) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	// Permute moves source dimension i to position shape[i] in the
	// result.
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of dimension 1 by the indices in t2; SetRows
	// scatters the rows of t2 into a copy of the receiver at the given
	// indices.
	Rows(ctx Context, t2 Tensor) Tensor
	SetRows(ctx Context, t2, indices Tensor) Tensor

	Slice(ctx Context, dim, low, high, step int) Tensor
	Chunk(ctx Context, dim, chunks int) []Tensor
	ChunkSections(ctx Context, dim int, sections ...int) []Tensor

	Copy(ctx Context, t2 Tensor) Tensor
	Duplicate(ctx Context) Tensor
}

func mul[T int | int64](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}
