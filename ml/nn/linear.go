package nn

import (
	"github.com/flowmatch/flowmatch/ml"
)

// Linear applies y = Wx + b. Weight has shape (in, out), matching the
// Mulmat contraction over dimension 0.
type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
