package cpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"

	"github.com/flowmatch/flowmatch/ml"
)

const maxDims = 4

// Tensor is a dense buffer in dimension-0-fastest order. The element at
// coordinates (i0, i1, i2, i3) lives at i0 + d0*(i1 + d1*(i2 + d2*i3)).
// F16 and I32 tensors keep their values as float32 internally; the dtype
// governs rounding on store and the encoding of Bytes.
type Tensor struct {
	b     *Backend
	dtype ml.DType
	shape []int
	data  []float32
}

func (t *Tensor) dims() [maxDims]int {
	d := [maxDims]int{1, 1, 1, 1}
	copy(d[:], t.shape)
	return d
}

func at(d [maxDims]int, i0, i1, i2, i3 int) int {
	return i0 + d[0]*(i1+d[1]*(i2+d[2]*i3))
}

func (t *Tensor) Dim(n int) int {
	if n < len(t.shape) {
		return t.shape[n]
	}

	return 1
}

func (t *Tensor) Stride(n int) int {
	stride := t.dtype.Size()
	for i := 0; i < n && i < len(t.shape); i++ {
		stride *= t.shape[i]
	}

	return stride
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *Tensor) Bytes() []byte {
	b := make([]byte, len(t.data)*t.dtype.Size())
	switch t.dtype {
	case ml.DTypeF16:
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(v).Bits())
		}
	case ml.DTypeI32:
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(v)))
		}
	default:
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
	}

	return b
}

func (t *Tensor) like(dtype ml.DType) *Tensor {
	return &Tensor{
		b:     t.b,
		dtype: dtype,
		shape: slices.Clone(t.shape),
		data:  make([]float32, len(t.data)),
	}
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := t.like(dtype)
	switch dtype {
	case ml.DTypeF16:
		for i, v := range t.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeI32:
		for i, v := range t.data {
			out.data[i] = float32(int32(v))
		}
	default:
		copy(out.data, t.data)
	}

	return out
}

func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	out := t.like(t.dtype)
	copy(out.data, t.data)
	return out
}

// Copy writes the receiver's values into t2, which must have the same
// number of elements. Values are rounded if t2 holds F16.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	if len(u.data) != len(t.data) {
		panic(fmt.Errorf("cpu: cannot copy %v into %v", t.shape, u.shape))
	}

	if u.dtype == ml.DTypeF16 {
		for i, v := range t.data {
			u.data[i] = float16.Fromfloat32(v).Float32()
		}
	} else {
		copy(u.data, t.data)
	}

	return u
}

func (t *Tensor) binary(t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	u := t2.(*Tensor)
	d, e := t.dims(), u.dims()
	for i := range d {
		if e[i] == 0 || d[i]%e[i] != 0 {
			panic(fmt.Errorf("cpu: cannot broadcast %v onto %v", u.shape, t.shape))
		}
	}

	out := t.like(t.dtype)
	for i3 := 0; i3 < d[3]; i3++ {
		for i2 := 0; i2 < d[2]; i2++ {
			for i1 := 0; i1 < d[1]; i1++ {
				ti := at(d, 0, i1, i2, i3)
				ui := at(e, 0, i1%e[1], i2%e[2], i3%e[3])
				for i0 := 0; i0 < d[0]; i0++ {
					out.data[ti+i0] = op(t.data[ti+i0], u.data[ui+i0%e[0]])
				}
			}
		}
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a / b })
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.data) || len(shape) > maxDims {
		panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(shape), data: make([]float32, len(t.data))}
	copy(out.data, t.data)
	return out
}

// Permute moves source dimension i to position order[i] and
// materializes the result.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != maxDims {
		panic(fmt.Errorf("cpu: permute wants %d axes, got %v", maxDims, order))
	}

	seen := [maxDims]bool{}
	for _, dst := range order {
		if dst < 0 || dst >= maxDims || seen[dst] {
			panic(fmt.Errorf("cpu: invalid permute order %v", order))
		}
		seen[dst] = true
	}

	d := t.dims()
	var nd [maxDims]int
	for i, dst := range order {
		nd[dst] = d[i]
	}

	rank := maxDims
	for rank > 1 && nd[rank-1] == 1 {
		rank--
	}

	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(nd[:rank]), data: make([]float32, len(t.data))}
	var src, dst [maxDims]int
	for src[3] = 0; src[3] < d[3]; src[3]++ {
		for src[2] = 0; src[2] < d[2]; src[2]++ {
			for src[1] = 0; src[1] < d[1]; src[1]++ {
				for src[0] = 0; src[0] < d[0]; src[0]++ {
					for i, o := range order {
						dst[o] = src[i]
					}
					out.data[at(nd, dst[0], dst[1], dst[2], dst[3])] = t.data[at(d, src[0], src[1], src[2], src[3])]
				}
			}
		}
	}

	return out
}

// Contiguous is a no-op: cpu tensors are always materialized.
func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if dim < 0 || dim >= maxDims {
		panic(fmt.Errorf("cpu: invalid concat dimension %d", dim))
	}

	d, e := t.dims(), u.dims()
	for i := range d {
		if i != dim && d[i] != e[i] {
			panic(fmt.Errorf("cpu: cannot concat %v with %v on dimension %d", t.shape, u.shape, dim))
		}
	}

	nd := d
	nd[dim] = d[dim] + e[dim]

	rank := max(len(t.shape), len(u.shape), dim+1)
	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(nd[:rank]), data: make([]float32, len(t.data)+len(u.data))}
	for i3 := 0; i3 < nd[3]; i3++ {
		for i2 := 0; i2 < nd[2]; i2++ {
			for i1 := 0; i1 < nd[1]; i1++ {
				for i0 := 0; i0 < nd[0]; i0++ {
					i := [maxDims]int{i0, i1, i2, i3}
					var v float32
					if i[dim] < d[dim] {
						v = t.data[at(d, i[0], i[1], i[2], i[3])]
					} else {
						i[dim] -= d[dim]
						v = u.data[at(e, i[0], i[1], i[2], i[3])]
					}
					out.data[at(nd, i0, i1, i2, i3)] = v
				}
			}
		}
	}

	return out
}

func (t *Tensor) rowIndices(indices ml.Tensor) []int {
	idx := indices.(*Tensor)
	rows := make([]int, len(idx.data))
	for i, v := range idx.data {
		r := int(v)
		if r < 0 || r >= t.Dim(1) {
			panic(fmt.Errorf("cpu: row index %d out of range for %v", r, t.shape))
		}
		rows[i] = r
	}

	return rows
}

// Rows gathers rows of dimension 1.
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	rows := t.rowIndices(t2)
	d := t.dims()

	nd := d
	nd[1] = len(rows)
	rank := max(len(t.shape), 2)
	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(nd[:rank]), data: make([]float32, d[0]*len(rows)*d[2]*d[3])}
	for i3 := 0; i3 < d[3]; i3++ {
		for i2 := 0; i2 < d[2]; i2++ {
			for j, r := range rows {
				src := at(d, 0, r, i2, i3)
				dst := at(nd, 0, j, i2, i3)
				copy(out.data[dst:dst+d[0]], t.data[src:src+d[0]])
			}
		}
	}

	return out
}

// SetRows returns a copy of the receiver with the rows of t2 scattered
// into dimension 1 at the given indices. t2's batch dimensions broadcast
// against the receiver's.
func (t *Tensor) SetRows(ctx ml.Context, t2, indices ml.Tensor) ml.Tensor {
	src := t2.(*Tensor)
	rows := t.rowIndices(indices)
	d, e := t.dims(), src.dims()
	if e[0] != d[0] || e[1] != len(rows) {
		panic(fmt.Errorf("cpu: cannot scatter %v rows into %v at %d indices", src.shape, t.shape, len(rows)))
	}

	out := t.like(t.dtype)
	copy(out.data, t.data)
	for i3 := 0; i3 < d[3]; i3++ {
		for i2 := 0; i2 < d[2]; i2++ {
			for j, r := range rows {
				from := at(e, 0, j, i2%e[2], i3%e[3])
				to := at(d, 0, r, i2, i3)
				copy(out.data[to:to+d[0]], src.data[from:from+d[0]])
			}
		}
	}

	return out
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	d := t.dims()
	if dim < 0 || dim >= maxDims || low < 0 || high > d[dim] || low > high || step <= 0 {
		panic(fmt.Errorf("cpu: invalid slice [%d:%d:%d] of %v on dimension %d", low, high, step, t.shape, dim))
	}

	nd := d
	nd[dim] = (high - low + step - 1) / step

	rank := max(len(t.shape), dim+1)
	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(nd[:rank]), data: make([]float32, nd[0]*nd[1]*nd[2]*nd[3])}
	for i3 := 0; i3 < nd[3]; i3++ {
		for i2 := 0; i2 < nd[2]; i2++ {
			for i1 := 0; i1 < nd[1]; i1++ {
				for i0 := 0; i0 < nd[0]; i0++ {
					i := [maxDims]int{i0, i1, i2, i3}
					i[dim] = low + i[dim]*step
					out.data[at(nd, i0, i1, i2, i3)] = t.data[at(d, i[0], i[1], i[2], i[3])]
				}
			}
		}
	}

	return out
}

func (t *Tensor) Chunk(ctx ml.Context, dim, chunks int) []ml.Tensor {
	if chunks <= 0 || t.Dim(dim)%chunks != 0 {
		panic(fmt.Errorf("cpu: cannot chunk dimension %d of %v into %d parts", dim, t.shape, chunks))
	}

	size := t.Dim(dim) / chunks
	out := make([]ml.Tensor, chunks)
	for i := range out {
		out[i] = t.Slice(ctx, dim, i*size, (i+1)*size, 1)
	}

	return out
}

func (t *Tensor) ChunkSections(ctx ml.Context, dim int, sections ...int) []ml.Tensor {
	total := 0
	for _, s := range sections {
		total += s
	}
	if total != t.Dim(dim) {
		panic(fmt.Errorf("cpu: sections %v do not cover dimension %d of %v", sections, dim, t.shape))
	}

	out := make([]ml.Tensor, len(sections))
	low := 0
	for i, s := range sections {
		out[i] = t.Slice(ctx, dim, low, low+s, 1)
		low += s
	}

	return out
}
