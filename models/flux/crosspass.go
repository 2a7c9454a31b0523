package flux

import (
	"slices"

	"github.com/flowmatch/flowmatch/kvcache"
	"github.com/flowmatch/flowmatch/ml"
)

// PassInfo is the caller-owned, mutable state of one pass through the
// transformer under the key/value injection protocol. The source pass
// runs with Inverse true and records every block's fused keys and
// values into its banks; the target pass runs with Inverse false and a
// reference to the source pass's PassInfo, consuming the recordings.
//
// The transformer mutates the pass state as a side effect of the
// forward call: Layer tracks the running block index, TextLen and
// PEMask are filled in, and the banks are written on the source pass.
type PassInfo struct {
	// Inverse marks the recording (source) pass.
	Inverse bool

	// Layer is the loop-local block index. It resets to zero at the top
	// of each stream loop and advances once per block, so the dual and
	// single loops address separate namespaces.
	Layer int

	// MaskIndices lists the image-token positions whose keys and values
	// the target pass takes from the source. Required on the target
	// pass; may be empty for a no-op injection.
	MaskIndices []int32

	// TextLen is the text prefix length of this pass's fused sequence,
	// set by the transformer before the block loops run.
	TextLen int

	// PEMask is the joint rotary table restricted to the text prefix
	// plus the masked image positions, derived on the target pass.
	PEMask *PositionTable

	// Dual and Single are the per-loop recording banks.
	Dual, Single *kvcache.SourceCache
}

type passOptions struct {
	cacheDType ml.DType
}

type PassOption func(*passOptions)

// WithCacheDType narrows the bank storage, trading recall precision for
// memory. The default is F32.
func WithCacheDType(dtype ml.DType) PassOption {
	return func(o *passOptions) {
		o.cacheDType = dtype
	}
}

// NewPassInfo allocates fresh pass state. Every call returns independent
// banks; passes share state only when explicitly paired through
// ForwardInject.
func NewPassInfo(inverse bool, maskIndices []int32, opts ...PassOption) *PassInfo {
	o := passOptions{cacheDType: ml.DTypeF32}
	for _, opt := range opts {
		opt(&o)
	}

	return &PassInfo{
		Inverse:     inverse,
		MaskIndices: slices.Clone(maskIndices),
		Dual:        kvcache.NewSourceCache(o.cacheDType),
		Single:      kvcache.NewSourceCache(o.cacheDType),
	}
}

type streamLoop int

const (
	dualLoop streamLoop = iota
	singleLoop
)

// ForwardState threads one pass's cross-pass context through the block
// loops. It is internal to a single forward call.
type ForwardState struct {
	Pass *PassInfo

	// Source is the paired recording pass's state; nil on the source
	// pass.
	Source *PassInfo

	// SourceImage is the projected source trajectory latent, used to
	// recompute replacement rows when the paired bank has no recording
	// for a layer.
	SourceImage ml.Tensor

	// Aux is forwarded verbatim and never inspected.
	Aux any

	recorder   *kvcache.SourceCache
	source     *kvcache.SourceCache
	maskRows   ml.Tensor // MaskIndices, image-relative
	injectRows ml.Tensor // TextLen + MaskIndices in this pass's fused sequence
}

// enterLayer points the state at a block: it advances the loop-local
// layer id and selects the banks for the loop.
func (s *ForwardState) enterLayer(loop streamLoop, layer int) {
	s.Pass.Layer = layer
	if loop == dualLoop {
		s.recorder = s.Pass.Dual
	} else {
		s.recorder = s.Pass.Single
	}

	if s.Source != nil {
		if loop == dualLoop {
			s.source = s.Source.Dual
		} else {
			s.source = s.Source.Single
		}
	}
}

// cache returns the recording bank positioned at the current layer.
func (s *ForwardState) cache() kvcache.Cache {
	s.recorder.SetLayer(s.Pass.Layer)
	return s.recorder
}

// inject replaces the masked fused rows of k and v with the source
// pass's rows for the current layer. recompute supplies replacement
// rows when the bank has no recording.
func (s *ForwardState) inject(ctx ml.Context, k, v ml.Tensor, recompute func(ml.Context) (ml.Tensor, ml.Tensor)) (ml.Tensor, ml.Tensor) {
	if len(s.Pass.MaskIndices) == 0 {
		return k, v
	}

	if srcK, srcV, ok := s.source.At(ctx, s.Pass.Layer); ok {
		srcRows := rowsTensor(ctx, s.source.TextLength(), s.Pass.MaskIndices)
		k = setRows(ctx, k, gatherRows(ctx, srcK, srcRows), s.injectRows)
		v = setRows(ctx, v, gatherRows(ctx, srcV, srcRows), s.injectRows)
		return k, v
	}

	kr, vr := recompute(ctx)
	k = setRows(ctx, k, kr, s.injectRows)
	v = setRows(ctx, v, vr, s.injectRows)
	return k, v
}

func rowsTensor(ctx ml.Context, offset int, indices []int32) ml.Tensor {
	rows := make([]int32, len(indices))
	for i, v := range indices {
		rows[i] = int32(offset) + v
	}

	return ctx.FromInts(rows, len(rows))
}

// gatherRows and setRows address dimension 2 of a (d, heads, seq, batch)
// tensor by moving the sequence next to the feature dimension first.
func gatherRows(ctx ml.Context, t, indices ml.Tensor) ml.Tensor {
	return t.Permute(ctx, 0, 2, 1, 3).Rows(ctx, indices).Permute(ctx, 0, 2, 1, 3)
}

func setRows(ctx ml.Context, dst, src, indices ml.Tensor) ml.Tensor {
	d := dst.Permute(ctx, 0, 2, 1, 3)
	s := src.Permute(ctx, 0, 2, 1, 3)
	return d.SetRows(ctx, s, indices).Permute(ctx, 0, 2, 1, 3)
}
