package flux

import (
	"github.com/flowmatch/flowmatch/ml"
	"github.com/flowmatch/flowmatch/ml/nn"
)

// The kv block variants run the same computation as the plain blocks
// plus the two-pass injection protocol. On the recording pass the fused
// keys and values pass through the bank; on the target pass the masked
// image rows are replaced with the source pass's rows before attention.

type doubleBlockKV struct {
	doubleBlock
}

// NewDoubleStreamBlockKV builds the injection-aware dual-stream block.
func NewDoubleStreamBlockKV(p Params) DoubleStreamBlock {
	return &doubleBlockKV{doubleBlock: *newDoubleBlock(p)}
}

func (b *doubleBlockKV) Forward(ctx ml.Context, img, txt, vec ml.Tensor, pe *PositionTable, state *ForwardState) (ml.Tensor, ml.Tensor) {
	if state == nil {
		return b.doubleBlock.Forward(ctx, img, txt, vec, pe, state)
	}

	imgMods := b.ImgMod.Forward(ctx, vec)
	txtMods := b.TxtMod.Forward(ctx, vec)

	q, k, v := b.project(ctx, img, txt, imgMods[0], txtMods[0], pe)

	var attn ml.Tensor
	if state.Pass.Inverse {
		attn = nn.Attention(ctx, q, k, v, b.scale, state.cache())
	} else {
		k, v = state.inject(ctx, k, v, func(ctx ml.Context) (ml.Tensor, ml.Tensor) {
			return b.sourceRows(ctx, state, imgMods[0])
		})
		attn = nn.Attention(ctx, q, k, v, b.scale, nil)
	}

	return b.finish(ctx, img, txt, attn, imgMods, txtMods)
}

// sourceRows recomputes replacement key/value rows from the projected
// source trajectory latent when the paired bank has no recording for
// this layer. The current pass's conditioning drives the modulation; the
// keys are rotated with the masked image rows of the derived position
// mask.
func (b *doubleBlock) sourceRows(ctx ml.Context, state *ForwardState, mod ModulationOut) (ml.Tensor, ml.Tensor) {
	_, k, v := splitQKV(ctx, b.ImgAttnQKV.Forward(ctx, modulate(ctx, state.SourceImage, mod)), b.heads, b.headDim)
	k = b.ImgAttnKNorm.Forward(ctx, k, normEps)

	k = gatherRows(ctx, k, state.maskRows)
	v = gatherRows(ctx, v, state.maskRows)

	peMask := state.Pass.PEMask.Slice(ctx, state.Pass.TextLen, state.Pass.PEMask.Len())
	k = k.RoPE(ctx, peMask.Cos, peMask.Sin)
	return k, v
}

type singleBlockKV struct {
	singleBlock
}

// NewSingleStreamBlockKV builds the injection-aware single-stream block.
func NewSingleStreamBlockKV(p Params) SingleStreamBlock {
	return &singleBlockKV{singleBlock: *newSingleBlock(p)}
}

func (b *singleBlockKV) Forward(ctx ml.Context, x, vec ml.Tensor, pe *PositionTable, state *ForwardState) ml.Tensor {
	if state == nil {
		return b.singleBlock.Forward(ctx, x, vec, pe, state)
	}

	mod := b.Mod.Forward(ctx, vec)[0]
	q, k, v, mlp := b.project(ctx, x, mod, pe)

	var attn ml.Tensor
	if state.Pass.Inverse {
		attn = nn.Attention(ctx, q, k, v, b.scale, state.cache())
	} else {
		k, v = state.inject(ctx, k, v, func(ctx ml.Context) (ml.Tensor, ml.Tensor) {
			return b.sourceRows(ctx, state, mod)
		})
		attn = nn.Attention(ctx, q, k, v, b.scale, nil)
	}

	return b.finish(ctx, x, attn, mlp, mod)
}

func (b *singleBlock) sourceRows(ctx ml.Context, state *ForwardState, mod ModulationOut) (ml.Tensor, ml.Tensor) {
	proj := b.Linear1.Forward(ctx, modulate(ctx, state.SourceImage, mod))
	parts := proj.ChunkSections(ctx, 0, 3*b.hiddenSize, b.mlpHidden)
	_, k, v := splitQKV(ctx, parts[0], b.heads, b.headDim)
	k = b.KNorm.Forward(ctx, k, normEps)

	k = gatherRows(ctx, k, state.maskRows)
	v = gatherRows(ctx, v, state.maskRows)

	peMask := state.Pass.PEMask.Slice(ctx, state.Pass.TextLen, state.Pass.PEMask.Len())
	k = k.RoPE(ctx, peMask.Cos, peMask.Sin)
	return k, v
}
