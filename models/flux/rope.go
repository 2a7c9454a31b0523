package flux

import (
	"fmt"
	"math"

	"github.com/flowmatch/flowmatch/ml"
)

// PositionTable holds rotary cos/sin angles, one row of PEDim values per
// joint sequence position. Both elements of a rotation pair carry the
// same angle.
type PositionTable struct {
	Cos, Sin ml.Tensor
}

func (t *PositionTable) Len() int {
	return t.Cos.Dim(1)
}

// Rows restricts the table to the given positions.
func (t *PositionTable) Rows(ctx ml.Context, indices ml.Tensor) *PositionTable {
	return &PositionTable{
		Cos: t.Cos.Rows(ctx, indices),
		Sin: t.Sin.Rows(ctx, indices),
	}
}

// Slice restricts the table to positions [low, high).
func (t *PositionTable) Slice(ctx ml.Context, low, high int) *PositionTable {
	return &PositionTable{
		Cos: t.Cos.Slice(ctx, 1, low, high, 1),
		Sin: t.Sin.Slice(ctx, 1, low, high, 1),
	}
}

// EmbedND builds rotary tables from n-axis position ids. Each axis
// contributes AxesDim[i] table columns with frequencies
// theta^(-2j/AxesDim[i]); the axes are concatenated in order.
type EmbedND struct {
	Theta   int
	AxesDim []int
}

// Forward computes the table for ids of shape (len(AxesDim), positions).
func (e *EmbedND) Forward(ctx ml.Context, ids ml.Tensor) *PositionTable {
	naxes := ids.Dim(0)
	if naxes != len(e.AxesDim) {
		panic(fmt.Errorf("position ids carry %d axes, want %d", naxes, len(e.AxesDim)))
	}

	n := ids.Dim(1)
	vals := ids.Floats()

	peDim := 0
	for _, d := range e.AxesDim {
		peDim += d
	}

	cos := make([]float32, peDim*n)
	sin := make([]float32, peDim*n)
	for p := 0; p < n; p++ {
		off := 0
		for a, dim := range e.AxesDim {
			pos := float64(vals[a+p*naxes])
			for j := 0; j < dim/2; j++ {
				freq := math.Pow(float64(e.Theta), -2*float64(j)/float64(dim))
				angle := pos * freq

				i := off + 2*j + p*peDim
				cos[i] = float32(math.Cos(angle))
				cos[i+1] = cos[i]
				sin[i] = float32(math.Sin(angle))
				sin[i+1] = sin[i]
			}
			off += dim
		}
	}

	return &PositionTable{
		Cos: ctx.FromFloats(cos, peDim, n),
		Sin: ctx.FromFloats(sin, peDim, n),
	}
}

// TextIDs returns all-zero position ids for n text tokens.
func (e *EmbedND) TextIDs(ctx ml.Context, n int) ml.Tensor {
	return ctx.FromInts(make([]int32, len(e.AxesDim)*n), len(e.AxesDim), n)
}

// ImageIDs returns position ids for an h by w latent grid in row-major
// token order. The last two axes carry row and column; leading axes stay
// zero. With a single axis the token index is used directly.
func (e *EmbedND) ImageIDs(ctx ml.Context, h, w int) ml.Tensor {
	naxes := len(e.AxesDim)
	ids := make([]int32, naxes*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			if naxes == 1 {
				ids[p] = int32(p)
				continue
			}
			ids[naxes-2+p*naxes] = int32(y)
			ids[naxes-1+p*naxes] = int32(x)
		}
	}

	return ctx.FromInts(ids, naxes, h*w)
}

const (
	timeEmbedDim  = 256
	timeMaxPeriod = 10000
	timeFactor    = 1000
)

// timestepEmbedding builds the sinusoidal embedding of per-batch scalar
// timesteps, shape (dim, batch).
func timestepEmbedding(ctx ml.Context, t ml.Tensor, dim int) ml.Tensor {
	half := dim / 2
	ts := t.Floats()

	out := make([]float32, dim*len(ts))
	for b, tv := range ts {
		for i := 0; i < half; i++ {
			freq := math.Exp(-math.Log(timeMaxPeriod) * float64(i) / float64(half))
			angle := float64(tv) * timeFactor * freq
			out[i+b*dim] = float32(math.Cos(angle))
			out[half+i+b*dim] = float32(math.Sin(angle))
		}
	}

	return ctx.FromFloats(out, dim, len(ts))
}
