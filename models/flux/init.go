package flux

import (
	"math/rand"

	"github.com/flowmatch/flowmatch/ml"
	"github.com/flowmatch/flowmatch/ml/nn"
)

// InitWeights fills every weight with small deterministic values drawn
// from seed. It exists for tests and benchmarks; production weights are
// loaded into the exported fields by the caller. Blocks built by custom
// factories are left untouched.
func (m *Transformer) InitWeights(ctx ml.Context, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	h := m.HiddenSize

	initLinear(ctx, rng, m.ImgIn, m.InChannels, h, true)
	initLinear(ctx, rng, m.TxtIn, m.ContextInDim, h, true)
	initEmbedder(ctx, rng, m.TimeIn, timeEmbedDim, h)
	initEmbedder(ctx, rng, m.VectorIn, m.VecInDim, h)
	if m.GuidanceIn != nil {
		initEmbedder(ctx, rng, m.GuidanceIn, timeEmbedDim, h)
	}

	for _, blk := range m.DoubleBlocks {
		switch b := blk.(type) {
		case *doubleBlockKV:
			m.initDouble(ctx, rng, &b.doubleBlock)
		case *doubleBlock:
			m.initDouble(ctx, rng, b)
		}
	}

	for _, blk := range m.SingleBlocks {
		switch b := blk.(type) {
		case *singleBlockKV:
			m.initSingle(ctx, rng, &b.singleBlock)
		case *singleBlock:
			m.initSingle(ctx, rng, b)
		}
	}

	initLinear(ctx, rng, m.FinalLayer.AdaLNModulation, h, 2*h, true)
	initLinear(ctx, rng, m.FinalLayer.Linear, h, m.InChannels, true)
}

func (m *Transformer) initDouble(ctx ml.Context, rng *rand.Rand, b *doubleBlock) {
	h, mlp := m.HiddenSize, m.MLPHiddenDim()

	initLinear(ctx, rng, b.ImgMod.Lin, h, 6*h, true)
	initLinear(ctx, rng, b.TxtMod.Lin, h, 6*h, true)

	initLinear(ctx, rng, b.ImgAttnQKV, h, 3*h, m.QKVBias)
	initLinear(ctx, rng, b.TxtAttnQKV, h, 3*h, m.QKVBias)
	initNorm(ctx, b.ImgAttnQNorm, m.HeadDim())
	initNorm(ctx, b.ImgAttnKNorm, m.HeadDim())
	initNorm(ctx, b.TxtAttnQNorm, m.HeadDim())
	initNorm(ctx, b.TxtAttnKNorm, m.HeadDim())
	initLinear(ctx, rng, b.ImgAttnProj, h, h, true)
	initLinear(ctx, rng, b.TxtAttnProj, h, h, true)

	initLinear(ctx, rng, b.ImgMLPIn, h, mlp, true)
	initLinear(ctx, rng, b.ImgMLPOut, mlp, h, true)
	initLinear(ctx, rng, b.TxtMLPIn, h, mlp, true)
	initLinear(ctx, rng, b.TxtMLPOut, mlp, h, true)
}

func (m *Transformer) initSingle(ctx ml.Context, rng *rand.Rand, b *singleBlock) {
	h, mlp := m.HiddenSize, m.MLPHiddenDim()

	initLinear(ctx, rng, b.Mod.Lin, h, 3*h, true)
	initLinear(ctx, rng, b.Linear1, h, 3*h+mlp, true)
	initLinear(ctx, rng, b.Linear2, h+mlp, h, true)
	initNorm(ctx, b.QNorm, m.HeadDim())
	initNorm(ctx, b.KNorm, m.HeadDim())
}

func initEmbedder(ctx ml.Context, rng *rand.Rand, e *nn.MLPEmbedder, in, out int) {
	initLinear(ctx, rng, e.InLayer, in, out, true)
	initLinear(ctx, rng, e.OutLayer, out, out, true)
}

func initLinear(ctx ml.Context, rng *rand.Rand, l *nn.Linear, in, out int, bias bool) {
	l.Weight = randomTensor(ctx, rng, in, out)
	if bias {
		l.Bias = randomTensor(ctx, rng, out)
	}
}

func initNorm(ctx ml.Context, n *nn.RMSNorm, dim int) {
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}

	n.Weight = ctx.FromFloats(ones, dim)
}

func randomTensor(ctx ml.Context, rng *rand.Rand, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * 0.02
	}

	return ctx.FromFloats(data, shape...)
}
