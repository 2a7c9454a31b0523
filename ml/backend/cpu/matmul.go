package cpu

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/flowmatch/flowmatch/ml"
)

// Mulmat contracts dimension 0: receiver (k, m, ...) times argument
// (k, n, ...) gives (m, n, ...). The receiver's batch dimensions
// broadcast against the argument's. Batches run in parallel, one GEMM
// each.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	d, e := t.dims(), u.dims()
	if d[0] != e[0] || e[2]%d[2] != 0 || e[3]%d[3] != 0 {
		panic(fmt.Errorf("cpu: cannot multiply %v by %v", t.shape, u.shape))
	}

	k, m, n := d[0], d[1], e[1]
	nd := [maxDims]int{m, n, e[2], e[3]}
	rank := max(len(t.shape), len(u.shape), 2)
	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(nd[:rank]), data: make([]float32, m*n*e[2]*e[3])}

	var g errgroup.Group
	g.SetLimit(t.b.threads)
	for i3 := 0; i3 < e[3]; i3++ {
		for i2 := 0; i2 < e[2]; i2++ {
			a := t.data[at(d, 0, 0, i2%d[2], i3%d[3]):][: k*m : k*m]
			b := u.data[at(e, 0, 0, i2, i3):][: k*n : k*n]
			c := out.data[at(nd, 0, 0, i2, i3):][: m*n : m*n]
			g.Go(func() error {
				// out[i_m + i_n*m] = sum_k a[k + i_m*k'] * b[k + i_n*k'],
				// i.e. C(n x m) = B(n x k) * A(m x k)^T in row-major terms.
				blas32.Gemm(blas.NoTrans, blas.Trans, 1,
					blas32.General{Rows: n, Cols: k, Stride: k, Data: b},
					blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
					0,
					blas32.General{Rows: n, Cols: m, Stride: m, Data: c})
				return nil
			})
		}
	}
	g.Wait()

	return out
}
