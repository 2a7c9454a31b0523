package cpu

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/flowmatch/flowmatch/ml"
)

func (t *Tensor) unary(op func(float32) float32) ml.Tensor {
	out := t.like(t.dtype)
	for i, v := range t.data {
		out.data[i] = op(v)
	}

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	f := float32(s)
	return t.unary(func(v float32) float32 { return v * f })
}

// GELU uses the tanh approximation.
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	const c = 0.797884560802865 // sqrt(2/pi)
	return t.unary(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Tanh(c*(v+0.044715*v*v*v)))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return v / (1 + math32.Exp(-v)) })
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return 1 / (1 + math32.Exp(-v)) })
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Tanh)
}

func (t *Tensor) Sin(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Sin)
}

func (t *Tensor) Cos(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Cos)
}

// Softmax normalizes over dimension 0.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	d := t.dims()
	out := t.like(t.dtype)
	for row := 0; row < len(t.data); row += d[0] {
		x := t.data[row : row+d[0]]
		y := out.data[row : row+d[0]]

		maxv := x[0]
		for _, v := range x {
			maxv = max(maxv, v)
		}

		var sum float32
		for i, v := range x {
			y[i] = math32.Exp(v - maxv)
			sum += y[i]
		}

		for i := range y {
			y[i] /= sum
		}
	}

	return out
}

// LayerNorm normalizes over dimension 0. weight and bias may be nil for
// the non-affine form.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	var w, b []float32
	if weight != nil {
		w = weight.(*Tensor).data
	}
	if bias != nil {
		b = bias.(*Tensor).data
	}

	d := t.dims()
	if w != nil && len(w) != d[0] || b != nil && len(b) != d[0] {
		panic(fmt.Errorf("cpu: layer norm weights do not match dimension %d", d[0]))
	}

	out := t.like(t.dtype)
	for row := 0; row < len(t.data); row += d[0] {
		x := t.data[row : row+d[0]]
		y := out.data[row : row+d[0]]

		var mean float32
		for _, v := range x {
			mean += v
		}
		mean /= float32(d[0])

		var variance float32
		for _, v := range x {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(d[0])

		scale := 1 / math32.Sqrt(variance+eps)
		for i, v := range x {
			y[i] = (v - mean) * scale
			if w != nil {
				y[i] *= w[i]
			}
			if b != nil {
				y[i] += b[i]
			}
		}
	}

	return out
}

// RMSNorm normalizes over dimension 0. weight may be nil.
func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	var w []float32
	if weight != nil {
		w = weight.(*Tensor).data
	}

	d := t.dims()
	if w != nil && len(w) != d[0] {
		panic(fmt.Errorf("cpu: rms norm weight does not match dimension %d", d[0]))
	}

	out := t.like(t.dtype)
	for row := 0; row < len(t.data); row += d[0] {
		x := t.data[row : row+d[0]]
		y := out.data[row : row+d[0]]

		var ss float32
		for _, v := range x {
			ss += v * v
		}

		scale := 1 / math32.Sqrt(ss/float32(d[0])+eps)
		for i, v := range x {
			y[i] = v * scale
			if w != nil {
				y[i] *= w[i]
			}
		}
	}

	return out
}

// RoPE rotates consecutive pairs along dimension 0. cos and sin hold one
// row per position in the receiver's dimension 2, repeat-interleaved so
// both elements of a pair carry the same angle.
func (t *Tensor) RoPE(ctx ml.Context, cos, sin ml.Tensor) ml.Tensor {
	cs, sn := cos.(*Tensor), sin.(*Tensor)
	d := t.dims()
	if d[0]%2 != 0 || cs.Dim(0) != d[0] || cs.Dim(1) != d[2] || sn.Dim(0) != d[0] || sn.Dim(1) != d[2] {
		panic(fmt.Errorf("cpu: rope tables %v/%v do not match %v", cs.shape, sn.shape, t.shape))
	}

	out := t.like(t.dtype)
	for i3 := 0; i3 < d[3]; i3++ {
		for i2 := 0; i2 < d[2]; i2++ {
			pos := i2 * d[0]
			for i1 := 0; i1 < d[1]; i1++ {
				row := at(d, 0, i1, i2, i3)
				for i0 := 0; i0 < d[0]; i0 += 2 {
					c, s := cs.data[pos+i0], sn.data[pos+i0]
					x0, x1 := t.data[row+i0], t.data[row+i0+1]
					out.data[row+i0] = x0*c - x1*s
					out.data[row+i0+1] = x1*c + x0*s
				}
			}
		}
	}

	return out
}
