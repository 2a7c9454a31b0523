package flux

import (
	"math"

	"github.com/flowmatch/flowmatch/ml"
	"github.com/flowmatch/flowmatch/ml/nn"
)

const normEps = 1e-6

// DoubleStreamBlock processes the text and image streams through joint
// attention while keeping them separate. state carries cross-pass
// context and is nil outside the injection protocol.
type DoubleStreamBlock interface {
	Forward(ctx ml.Context, img, txt, vec ml.Tensor, pe *PositionTable, state *ForwardState) (ml.Tensor, ml.Tensor)
}

// SingleStreamBlock processes the fused text+image sequence.
type SingleStreamBlock interface {
	Forward(ctx ml.Context, x, vec ml.Tensor, pe *PositionTable, state *ForwardState) ml.Tensor
}

type ModulationOut struct {
	Shift, Scale, Gate ml.Tensor
}

// Modulation produces shift/scale/gate triples from the conditioning
// vector, one triple per modulated branch.
type Modulation struct {
	Lin *nn.Linear

	triples int
}

func (m *Modulation) Forward(ctx ml.Context, vec ml.Tensor) []ModulationOut {
	out := m.Lin.Forward(ctx, vec.SILU(ctx))
	out = out.Reshape(ctx, out.Dim(0), 1, out.Dim(1))

	parts := out.Chunk(ctx, 0, 3*m.triples)
	mods := make([]ModulationOut, m.triples)
	for i := range mods {
		mods[i] = ModulationOut{Shift: parts[3*i], Scale: parts[3*i+1], Gate: parts[3*i+2]}
	}

	return mods
}

// modulate applies a non-affine layer norm followed by
// x*(1+scale)+shift.
func modulate(ctx ml.Context, t ml.Tensor, m ModulationOut) ml.Tensor {
	t = t.LayerNorm(ctx, nil, nil, normEps)
	return t.Add(ctx, t.Mul(ctx, m.Scale)).Add(ctx, m.Shift)
}

// splitQKV splits a fused projection (3h, seq, batch) into per-head
// query, key and value of shape (headDim, heads, seq, batch).
func splitQKV(ctx ml.Context, qkv ml.Tensor, heads, headDim int) (q, k, v ml.Tensor) {
	parts := qkv.Chunk(ctx, 0, 3)
	q = parts[0].Reshape(ctx, headDim, heads, parts[0].Dim(1), parts[0].Dim(2))
	k = parts[1].Reshape(ctx, headDim, heads, parts[1].Dim(1), parts[1].Dim(2))
	v = parts[2].Reshape(ctx, headDim, heads, parts[2].Dim(1), parts[2].Dim(2))
	return q, k, v
}

type doubleBlock struct {
	ImgMod *Modulation
	TxtMod *Modulation

	ImgAttnQKV   *nn.Linear
	ImgAttnQNorm *nn.RMSNorm
	ImgAttnKNorm *nn.RMSNorm
	ImgAttnProj  *nn.Linear

	TxtAttnQKV   *nn.Linear
	TxtAttnQNorm *nn.RMSNorm
	TxtAttnKNorm *nn.RMSNorm
	TxtAttnProj  *nn.Linear

	ImgMLPIn  *nn.Linear
	ImgMLPOut *nn.Linear
	TxtMLPIn  *nn.Linear
	TxtMLPOut *nn.Linear

	heads   int
	headDim int
	scale   float64
}

func newDoubleBlock(p Params) *doubleBlock {
	return &doubleBlock{
		ImgMod:       &Modulation{Lin: &nn.Linear{}, triples: 2},
		TxtMod:       &Modulation{Lin: &nn.Linear{}, triples: 2},
		ImgAttnQKV:   &nn.Linear{},
		ImgAttnQNorm: &nn.RMSNorm{},
		ImgAttnKNorm: &nn.RMSNorm{},
		ImgAttnProj:  &nn.Linear{},
		TxtAttnQKV:   &nn.Linear{},
		TxtAttnQNorm: &nn.RMSNorm{},
		TxtAttnKNorm: &nn.RMSNorm{},
		TxtAttnProj:  &nn.Linear{},
		ImgMLPIn:     &nn.Linear{},
		ImgMLPOut:    &nn.Linear{},
		TxtMLPIn:     &nn.Linear{},
		TxtMLPOut:    &nn.Linear{},
		heads:        p.NumHeads,
		headDim:      p.HeadDim(),
		scale:        1 / math.Sqrt(float64(p.HeadDim())),
	}
}

// NewDoubleStreamBlock builds the plain dual-stream block.
func NewDoubleStreamBlock(p Params) DoubleStreamBlock {
	return newDoubleBlock(p)
}

// project computes the joint query/key/value with rotary positions
// applied, text rows first.
func (b *doubleBlock) project(ctx ml.Context, img, txt ml.Tensor, imgMod, txtMod ModulationOut, pe *PositionTable) (q, k, v ml.Tensor) {
	imgQ, imgK, imgV := splitQKV(ctx, b.ImgAttnQKV.Forward(ctx, modulate(ctx, img, imgMod)), b.heads, b.headDim)
	imgQ = b.ImgAttnQNorm.Forward(ctx, imgQ, normEps)
	imgK = b.ImgAttnKNorm.Forward(ctx, imgK, normEps)

	txtQ, txtK, txtV := splitQKV(ctx, b.TxtAttnQKV.Forward(ctx, modulate(ctx, txt, txtMod)), b.heads, b.headDim)
	txtQ = b.TxtAttnQNorm.Forward(ctx, txtQ, normEps)
	txtK = b.TxtAttnKNorm.Forward(ctx, txtK, normEps)

	q = txtQ.Concat(ctx, imgQ, 2).RoPE(ctx, pe.Cos, pe.Sin)
	k = txtK.Concat(ctx, imgK, 2).RoPE(ctx, pe.Cos, pe.Sin)
	v = txtV.Concat(ctx, imgV, 2)
	return q, k, v
}

// finish splits the joint attention back into streams and applies the
// gated projection and MLP residuals.
func (b *doubleBlock) finish(ctx ml.Context, img, txt, attn ml.Tensor, imgMods, txtMods []ModulationOut) (ml.Tensor, ml.Tensor) {
	txtLen := txt.Dim(1)
	flat := attn.Reshape(ctx, b.heads*b.headDim, attn.Dim(2), attn.Dim(3))
	txtAttn := flat.Slice(ctx, 1, 0, txtLen, 1)
	imgAttn := flat.Slice(ctx, 1, txtLen, flat.Dim(1), 1)

	img = img.Add(ctx, b.ImgAttnProj.Forward(ctx, imgAttn).Mul(ctx, imgMods[0].Gate))
	img = img.Add(ctx, b.ImgMLPOut.Forward(ctx, b.ImgMLPIn.Forward(ctx, modulate(ctx, img, imgMods[1])).GELU(ctx)).Mul(ctx, imgMods[1].Gate))

	txt = txt.Add(ctx, b.TxtAttnProj.Forward(ctx, txtAttn).Mul(ctx, txtMods[0].Gate))
	txt = txt.Add(ctx, b.TxtMLPOut.Forward(ctx, b.TxtMLPIn.Forward(ctx, modulate(ctx, txt, txtMods[1])).GELU(ctx)).Mul(ctx, txtMods[1].Gate))

	return img, txt
}

func (b *doubleBlock) Forward(ctx ml.Context, img, txt, vec ml.Tensor, pe *PositionTable, state *ForwardState) (ml.Tensor, ml.Tensor) {
	imgMods := b.ImgMod.Forward(ctx, vec)
	txtMods := b.TxtMod.Forward(ctx, vec)

	q, k, v := b.project(ctx, img, txt, imgMods[0], txtMods[0], pe)
	attn := nn.Attention(ctx, q, k, v, b.scale, nil)

	return b.finish(ctx, img, txt, attn, imgMods, txtMods)
}

type singleBlock struct {
	Mod *Modulation

	// Linear1 produces the fused qkv and mlp activations; Linear2
	// projects concat(attention, gelu(mlp)) back to the hidden size.
	Linear1 *nn.Linear
	Linear2 *nn.Linear

	QNorm *nn.RMSNorm
	KNorm *nn.RMSNorm

	heads      int
	headDim    int
	hiddenSize int
	mlpHidden  int
	scale      float64
}

func newSingleBlock(p Params) *singleBlock {
	return &singleBlock{
		Mod:        &Modulation{Lin: &nn.Linear{}, triples: 1},
		Linear1:    &nn.Linear{},
		Linear2:    &nn.Linear{},
		QNorm:      &nn.RMSNorm{},
		KNorm:      &nn.RMSNorm{},
		heads:      p.NumHeads,
		headDim:    p.HeadDim(),
		hiddenSize: p.HiddenSize,
		mlpHidden:  p.MLPHiddenDim(),
		scale:      1 / math.Sqrt(float64(p.HeadDim())),
	}
}

// NewSingleStreamBlock builds the plain single-stream block.
func NewSingleStreamBlock(p Params) SingleStreamBlock {
	return newSingleBlock(p)
}

func (b *singleBlock) project(ctx ml.Context, x ml.Tensor, mod ModulationOut, pe *PositionTable) (q, k, v, mlp ml.Tensor) {
	proj := b.Linear1.Forward(ctx, modulate(ctx, x, mod))
	parts := proj.ChunkSections(ctx, 0, 3*b.hiddenSize, b.mlpHidden)

	q, k, v = splitQKV(ctx, parts[0], b.heads, b.headDim)
	q = b.QNorm.Forward(ctx, q, normEps).RoPE(ctx, pe.Cos, pe.Sin)
	k = b.KNorm.Forward(ctx, k, normEps).RoPE(ctx, pe.Cos, pe.Sin)
	return q, k, v, parts[1]
}

func (b *singleBlock) finish(ctx ml.Context, x, attn, mlp ml.Tensor, mod ModulationOut) ml.Tensor {
	flat := attn.Reshape(ctx, b.heads*b.headDim, attn.Dim(2), attn.Dim(3))
	out := b.Linear2.Forward(ctx, flat.Concat(ctx, mlp.GELU(ctx), 0))
	return x.Add(ctx, out.Mul(ctx, mod.Gate))
}

func (b *singleBlock) Forward(ctx ml.Context, x, vec ml.Tensor, pe *PositionTable, state *ForwardState) ml.Tensor {
	mod := b.Mod.Forward(ctx, vec)[0]
	q, k, v, mlp := b.project(ctx, x, mod, pe)
	attn := nn.Attention(ctx, q, k, v, b.scale, nil)
	return b.finish(ctx, x, attn, mlp, mod)
}

// LastLayer projects the image stream back to latent channels after a
// final adaLN modulation.
type LastLayer struct {
	AdaLNModulation *nn.Linear
	Linear          *nn.Linear
}

func (l *LastLayer) Forward(ctx ml.Context, x, vec ml.Tensor) ml.Tensor {
	mod := l.AdaLNModulation.Forward(ctx, vec.SILU(ctx))
	mod = mod.Reshape(ctx, mod.Dim(0), 1, mod.Dim(1))
	parts := mod.Chunk(ctx, 0, 2)
	shift, scale := parts[0], parts[1]

	x = x.LayerNorm(ctx, nil, nil, normEps)
	x = x.Add(ctx, x.Mul(ctx, scale)).Add(ctx, shift)
	return l.Linear.Forward(ctx, x)
}
