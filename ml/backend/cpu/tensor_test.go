package cpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/flowmatch/flowmatch/ml"
)

func setup(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(backend.Close)

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func approx(t *testing.T, want, got []float32, tolerance float64) {
	t.Helper()

	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, tolerance)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestMulmat(t *testing.T) {
	ctx := setup(t)

	// a is (k=2, m=3): rows a[:,m]
	a := ctx.FromFloats([]float32{
		1, 2,
		3, 4,
		5, 6,
	}, 2, 3)
	// b is (k=2, n=2)
	b := ctx.FromFloats([]float32{
		1, 1,
		0, 2,
	}, 2, 2)

	out := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{3, 2}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	// out[m, n] = sum_k a[k, m] * b[k, n]
	approx(t, []float32{
		3, 7, 11,
		4, 8, 12,
	}, out.Floats(), 1e-6)
}

func TestMulmatBatchBroadcast(t *testing.T) {
	ctx := setup(t)

	// weight (k=2, m=2) against a batched input (k=2, n=1, batch=2)
	w := ctx.FromFloats([]float32{
		1, 0,
		0, 1,
	}, 2, 2)
	x := ctx.FromFloats([]float32{
		3, 5,
		7, 11,
	}, 2, 1, 2)

	out := w.Mulmat(ctx, x)
	if diff := cmp.Diff([]int{2, 1, 2}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	approx(t, []float32{3, 5, 7, 11}, out.Floats(), 1e-6)
}

func TestAddBroadcast(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{
		1, 2,
		3, 4,
		5, 6,
	}, 2, 3)
	bias := ctx.FromFloats([]float32{10, 20}, 2)

	approx(t, []float32{11, 22, 13, 24, 15, 26}, x.Add(ctx, bias).Floats(), 1e-6)

	// dimension 1 broadcast: (2, 3) + (2, 1)
	gate := ctx.FromFloats([]float32{2, 3}, 2, 1)
	approx(t, []float32{2, 6, 6, 12, 10, 18}, x.Mul(ctx, gate).Floats(), 1e-6)
}

func TestSoftmax(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{1, 2, 3, 4, 1000, 1000}, 2, 3)
	out := x.Softmax(ctx).Floats()

	for row := 0; row < 3; row++ {
		var sum float32
		for i := 0; i < 2; i++ {
			sum += out[row*2+i]
		}
		approx(t, []float32{1}, []float32{sum}, 1e-5)
	}

	// large values must not overflow
	approx(t, []float32{0.5, 0.5}, out[4:], 1e-5)
}

func TestPermute(t *testing.T) {
	ctx := setup(t)

	// (2, 3): element (i0, i1) = i0 + 10*i1
	x := ctx.FromFloats([]float32{
		0, 1,
		10, 11,
		20, 21,
	}, 2, 3)

	// source dimension 0 moves to position 1 and vice versa
	out := x.Permute(ctx, 1, 0, 2, 3)
	if diff := cmp.Diff([]int{3, 2}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	approx(t, []float32{0, 10, 20, 1, 11, 21}, out.Floats(), 0)

	// a permute swapping dimensions 1 and 2 is self-inverse
	y := ctx.FromFloats([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 2, 2, 3)
	roundTrip := y.Permute(ctx, 0, 2, 1, 3).Permute(ctx, 0, 2, 1, 3)
	approx(t, y.Floats(), roundTrip.Floats(), 0)
}

func TestRowsSetRows(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{
		1, 2,
		3, 4,
		5, 6,
		7, 8,
	}, 2, 4)

	rows := x.Rows(ctx, ctx.FromInts([]int32{3, 1}, 2))
	if diff := cmp.Diff([]int{2, 2}, rows.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	approx(t, []float32{7, 8, 3, 4}, rows.Floats(), 0)

	repl := ctx.FromFloats([]float32{10, 20, 30, 40}, 2, 2)
	out := x.SetRows(ctx, repl, ctx.FromInts([]int32{0, 2}, 2))
	approx(t, []float32{10, 20, 3, 4, 30, 40, 7, 8}, out.Floats(), 0)

	// the receiver is unchanged
	approx(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, x.Floats(), 0)
}

func TestSliceChunk(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{0, 1, 2, 3, 4, 5}, 6)

	approx(t, []float32{2, 3, 4}, x.Slice(ctx, 0, 2, 5, 1).Floats(), 0)
	approx(t, []float32{1, 3, 5}, x.Slice(ctx, 0, 1, 6, 2).Floats(), 0)

	chunks := x.Chunk(ctx, 0, 3)
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(chunks))
	}
	approx(t, []float32{2, 3}, chunks[1].Floats(), 0)

	sections := x.ChunkSections(ctx, 0, 4, 2)
	approx(t, []float32{0, 1, 2, 3}, sections[0].Floats(), 0)
	approx(t, []float32{4, 5}, sections[1].Floats(), 0)
}

func TestConcat(t *testing.T) {
	ctx := setup(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	b := ctx.FromFloats([]float32{5, 6}, 2, 1)

	out := a.Concat(ctx, b, 1)
	if diff := cmp.Diff([]int{2, 3}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	approx(t, []float32{1, 2, 3, 4, 5, 6}, out.Floats(), 0)

	out = a.Concat(ctx, ctx.FromFloats([]float32{7, 8}, 1, 2), 0)
	approx(t, []float32{1, 2, 7, 3, 4, 8}, out.Floats(), 0)
}

func TestLayerNorm(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{1, 3, 2, 2}, 2, 2)
	out := x.LayerNorm(ctx, nil, nil, 1e-6).Floats()

	// first row (1, 3): mean 2, std 1
	approx(t, []float32{-1, 1, 0, 0}, out, 1e-3)

	w := ctx.FromFloats([]float32{2, 2}, 2)
	b := ctx.FromFloats([]float32{1, 1}, 2)
	approx(t, []float32{-1, 3, 1, 1}, x.LayerNorm(ctx, w, b, 1e-6).Floats(), 1e-3)
}

func TestRMSNorm(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{3, 4}, 2)
	// rms = sqrt((9+16)/2)
	rms := float32(3.5355339)
	approx(t, []float32{3 / rms, 4 / rms}, x.RMSNorm(ctx, nil, 0).Floats(), 1e-4)
}

func TestRoPE(t *testing.T) {
	ctx := setup(t)

	// one pair, one head, two positions: rotate by 0 and pi/2
	x := ctx.FromFloats([]float32{1, 0, 1, 0}, 2, 1, 2)
	cos := ctx.FromFloats([]float32{1, 1, 0, 0}, 2, 2)
	sin := ctx.FromFloats([]float32{0, 0, 1, 1}, 2, 2)

	out := x.RoPE(ctx, cos, sin)
	approx(t, []float32{1, 0, 0, 1}, out.Floats(), 1e-6)
}

func TestCastF16(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{1, 0.333333, -2.5, 65504}, 4)
	half := x.Cast(ctx, ml.DTypeF16)

	if half.DType() != ml.DTypeF16 {
		t.Fatalf("want F16, got %v", half.DType())
	}
	if len(half.Bytes()) != 8 {
		t.Fatalf("want 8 bytes, got %d", len(half.Bytes()))
	}

	back := half.Cast(ctx, ml.DTypeF32)
	approx(t, x.Floats(), back.Floats(), 1e-3)
}

func TestArange(t *testing.T) {
	ctx := setup(t)

	out := ctx.Arange(0, 5, 1, ml.DTypeF32)
	if diff := cmp.Diff([]int{5}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	approx(t, []float32{0, 1, 2, 3, 4}, out.Floats(), 0)
}

func TestDump(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	s := ml.Dump(ctx, x, ml.DumpOptions{Items: 3, Precision: 1})
	if s != "[[1.0, 2.0],\n [3.0, 4.0]]" {
		t.Errorf("unexpected dump output: %q", s)
	}
}
