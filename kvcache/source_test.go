package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/flowmatch/flowmatch/ml"
	"github.com/flowmatch/flowmatch/ml/backend/cpu"
)

func setup(t *testing.T) ml.Context {
	t.Helper()

	backend := cpu.New(ml.BackendParams{NumThreads: 1})
	t.Cleanup(backend.Close)

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func TestSourceCacheLayers(t *testing.T) {
	ctx := setup(t)
	cache := NewSourceCache(ml.DTypeF32)
	cache.StartForward(4)

	if cache.TextLength() != 4 {
		t.Fatalf("want text length 4, got %d", cache.TextLength())
	}

	for layer := 0; layer < 3; layer++ {
		cache.SetLayer(layer)
		cache.Put(ctx,
			ctx.FromFloats([]float32{float32(layer)}, 1, 1),
			ctx.FromFloats([]float32{float32(layer) * 10}, 1, 1))
	}

	if cache.Len() != 3 {
		t.Fatalf("want 3 layer slots, got %d", cache.Len())
	}

	for layer := 0; layer < 3; layer++ {
		k, v, ok := cache.At(ctx, layer)
		if !ok {
			t.Fatalf("layer %d not recorded", layer)
		}
		if k.Floats()[0] != float32(layer) || v.Floats()[0] != float32(layer)*10 {
			t.Errorf("layer %d holds k=%v v=%v", layer, k.Floats(), v.Floats())
		}
	}

	if _, _, ok := cache.At(ctx, 3); ok {
		t.Error("layer 3 should not be recorded")
	}
	if _, _, ok := cache.At(ctx, -1); ok {
		t.Error("negative layers should not be recorded")
	}
}

func TestSourceCacheGetReturnsActiveLayer(t *testing.T) {
	ctx := setup(t)
	cache := NewSourceCache(ml.DTypeF32)

	cache.SetLayer(1)
	cache.Put(ctx, ctx.FromFloats([]float32{7}, 1), ctx.FromFloats([]float32{8}, 1))

	k, v, mask := cache.Get(ctx)
	if mask != nil {
		t.Error("mask should be nil")
	}
	if k.Floats()[0] != 7 || v.Floats()[0] != 8 {
		t.Errorf("got k=%v v=%v", k.Floats(), v.Floats())
	}
}

func TestSourceCachePutIsolatesStorage(t *testing.T) {
	ctx := setup(t)
	cache := NewSourceCache(ml.DTypeF32)
	cache.SetLayer(0)

	k := ctx.FromFloats([]float32{1, 2}, 2)
	cache.Put(ctx, k, ctx.FromFloats([]float32{3, 4}, 2))

	// overwriting the caller's tensor must not change the recording
	ctx.FromFloats([]float32{9, 9}, 2).Copy(ctx, k)

	got, _, _ := cache.At(ctx, 0)
	if diff := cmp.Diff([]float32{1, 2}, got.Floats()); diff != "" {
		t.Errorf("recorded keys mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceCacheF16Storage(t *testing.T) {
	ctx := setup(t)
	cache := NewSourceCache(ml.DTypeF16)
	cache.SetLayer(0)

	vals := []float32{0.1, 1.5, -3.25, 100.06}
	cache.Put(ctx, ctx.FromFloats(vals, 4), ctx.FromFloats(vals, 4))

	k, _, ok := cache.At(ctx, 0)
	if !ok {
		t.Fatal("layer 0 not recorded")
	}
	if k.DType() != ml.DTypeF32 {
		t.Fatalf("reads should come back as F32, got %v", k.DType())
	}

	if diff := cmp.Diff(vals, k.Floats(), cmpopts.EquateApprox(1e-3, 0)); diff != "" {
		t.Errorf("rounded values out of tolerance (-want +got):\n%s", diff)
	}
}

func TestSourceCacheStartForwardResets(t *testing.T) {
	ctx := setup(t)
	cache := NewSourceCache(ml.DTypeF32)

	cache.StartForward(2)
	cache.SetLayer(0)
	cache.Put(ctx, ctx.FromFloats([]float32{1}, 1), ctx.FromFloats([]float32{1}, 1))

	cache.StartForward(5)
	if cache.TextLength() != 5 {
		t.Fatalf("want text length 5, got %d", cache.TextLength())
	}
	if _, _, ok := cache.At(ctx, 0); ok {
		t.Error("recordings should be cleared by StartForward")
	}
}
