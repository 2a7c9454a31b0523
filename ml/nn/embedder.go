package nn

import (
	"github.com/flowmatch/flowmatch/ml"
)

// MLPEmbedder projects a conditioning signal into the model dimension
// through a two-layer MLP with a SiLU gate.
type MLPEmbedder struct {
	InLayer  *Linear
	OutLayer *Linear
}

func (m *MLPEmbedder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.OutLayer.Forward(ctx, m.InLayer.Forward(ctx, t).SILU(ctx))
}
