package flux

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/flowmatch/flowmatch/logutil"
	"github.com/flowmatch/flowmatch/ml"
)

func TestMain(m *testing.M) {
	// run the trace paths without spamming the test log
	slog.SetDefault(logutil.NewLogger(io.Discard, logutil.LevelTrace))
	os.Exit(m.Run())
}

func testParams() Params {
	return Params{
		InChannels:        4,
		VecInDim:          8,
		ContextInDim:      8,
		HiddenSize:        16,
		MLPRatio:          4,
		NumHeads:          2,
		Depth:             1,
		DepthSingleBlocks: 1,
		AxesDim:           []int{4, 4},
		Theta:             10000,
		QKVBias:           true,
	}
}

func TestParamsValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"heads do not divide hidden size", func(p *Params) { p.NumHeads = 3 }},
		{"axes do not sum to head dim", func(p *Params) { p.AxesDim = []int{4, 2} }},
		{"odd axis dim", func(p *Params) { p.AxesDim = []int{3, 5} }},
		{"zero hidden size", func(p *Params) { p.HiddenSize = 0 }},
		{"zero theta", func(p *Params) { p.Theta = 0 }},
		{"negative depth", func(p *Params) { p.Depth = -1 }},
		{"zero mlp ratio", func(p *Params) { p.MLPRatio = 0 }},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)

			_, err := New(p)
			if !errors.Is(err, ErrInvalidParams) {
				t.Errorf("want ErrInvalidParams, got %v", err)
			}
		})
	}

	if _, err := New(testParams()); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestParamsFromConfig(t *testing.T) {
	// values arrive as float64 when decoded from JSON
	p, err := ParamsFromConfig(map[string]any{
		"in_channels":         float64(4),
		"vec_in_dim":          float64(8),
		"context_in_dim":      float64(8),
		"hidden_size":         float64(16),
		"mlp_ratio":           float64(4),
		"num_heads":           float64(2),
		"depth":               float64(1),
		"depth_single_blocks": float64(1),
		"axes_dim":            []any{float64(4), float64(4)},
		"theta":               float64(10000),
		"qkv_bias":            true,
		"guidance_embed":      false,
	})
	require.NoError(t, err)

	if diff := cmp.Diff(testParams(), p); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

type testInputs struct {
	img, imgIDs, txt, txtIDs, timestep, vector ml.Tensor
}

func newTestInputs(t *testing.T, ctx ml.Context, m *Transformer) testInputs {
	t.Helper()

	img := make([]float32, m.InChannels*6)
	for i := range img {
		img[i] = float32(i%7)*0.1 - 0.3
	}

	txt := make([]float32, m.ContextInDim*3)
	for i := range txt {
		txt[i] = float32(i%5)*0.2 - 0.4
	}

	vec := make([]float32, m.VecInDim)
	for i := range vec {
		vec[i] = float32(i) * 0.1
	}

	return testInputs{
		img:      ctx.FromFloats(img, m.InChannels, 6, 1),
		imgIDs:   m.PEEmbedder.ImageIDs(ctx, 2, 3),
		txt:      ctx.FromFloats(txt, m.ContextInDim, 3, 1),
		txtIDs:   m.PEEmbedder.TextIDs(ctx, 3),
		timestep: ctx.FromFloats([]float32{0.5}, 1),
		vector:   ctx.FromFloats(vec, m.VecInDim, 1),
	}
}

func TestForwardShape(t *testing.T) {
	ctx := setup(t)

	m, err := New(testParams())
	require.NoError(t, err)
	m.InitWeights(ctx, 42)

	in := newTestInputs(t, ctx, m)
	out, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
	require.NoError(t, err)

	// the prediction has the image latents' shape
	if diff := cmp.Diff([]int{4, 6, 1}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	for i, v := range out.Floats() {
		if v != v {
			t.Fatalf("output[%d] is NaN", i)
		}
	}
}

func TestForwardDeterministic(t *testing.T) {
	ctx := setup(t)

	m, err := New(testParams())
	require.NoError(t, err)
	m.InitWeights(ctx, 42)

	in := newTestInputs(t, ctx, m)
	first, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
	require.NoError(t, err)
	second, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Floats(), second.Floats()); diff != "" {
		t.Errorf("repeated forward differs (-first +second):\n%s", diff)
	}
}

func TestGuidanceIgnoredWhenDisabled(t *testing.T) {
	ctx := setup(t)

	m, err := New(testParams())
	require.NoError(t, err)
	m.InitWeights(ctx, 42)

	in := newTestInputs(t, ctx, m)
	without, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
	require.NoError(t, err)

	guidance := ctx.FromFloats([]float32{4}, 1)
	with, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, guidance)
	require.NoError(t, err)

	if diff := cmp.Diff(without.Floats(), with.Floats()); diff != "" {
		t.Errorf("guidance changed the output of a non-distilled model:\n%s", diff)
	}
}

func TestGuidanceRequiredWhenEnabled(t *testing.T) {
	ctx := setup(t)

	p := testParams()
	p.GuidanceEmbed = true
	m, err := New(p)
	require.NoError(t, err)
	m.InitWeights(ctx, 42)

	in := newTestInputs(t, ctx, m)
	_, err = m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
	if !errors.Is(err, ErrMissingGuidance) {
		t.Fatalf("want ErrMissingGuidance, got %v", err)
	}

	guidance := ctx.FromFloats([]float32{4}, 1)
	out, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, guidance)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{4, 6, 1}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestInputShapeErrors(t *testing.T) {
	ctx := setup(t)

	m, err := New(testParams())
	require.NoError(t, err)
	m.InitWeights(ctx, 42)

	good := newTestInputs(t, ctx, m)

	cases := []struct {
		name   string
		mutate func(*testInputs)
	}{
		{"nil image", func(in *testInputs) { in.img = nil }},
		{"wrong image features", func(in *testInputs) {
			in.img = ctx.FromFloats(make([]float32, 5*6), 5, 6, 1)
		}},
		{"wrong text features", func(in *testInputs) {
			in.txt = ctx.FromFloats(make([]float32, 7*3), 7, 3, 1)
		}},
		{"wrong vector size", func(in *testInputs) {
			in.vector = ctx.FromFloats(make([]float32, 9), 9, 1)
		}},
		{"rank 2 image", func(in *testInputs) {
			in.img = ctx.FromFloats(make([]float32, 4*6), 4, 6)
		}},
		{"batch mismatch", func(in *testInputs) {
			in.txt = ctx.FromFloats(make([]float32, 8*3*2), 8, 3, 2)
		}},
		{"ids cover wrong length", func(in *testInputs) {
			in.imgIDs = m.PEEmbedder.ImageIDs(ctx, 2, 2)
		}},
		{"ids carry wrong axes", func(in *testInputs) {
			in.imgIDs = ctx.FromInts(make([]int32, 3*6), 3, 6)
		}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			in := good
			tt.mutate(&in)

			_, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
			if !errors.Is(err, ErrInputShape) {
				t.Errorf("want ErrInputShape, got %v", err)
			}
		})
	}
}

func TestForwardLargerGraph(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-block graph")
	}

	ctx := setup(t)

	p := testParams()
	p.Depth = 2
	p.DepthSingleBlocks = 3
	m, err := New(p)
	require.NoError(t, err)
	m.InitWeights(ctx, 7)

	in := newTestInputs(t, ctx, m)
	out, err := m.Forward(ctx, in.img, in.imgIDs, in.txt, in.txtIDs, in.timestep, in.vector, nil)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{4, 6, 1}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}
