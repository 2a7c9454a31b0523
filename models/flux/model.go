// Package flux implements the forward graph of a dual-stream diffusion
// transformer for flow-matching image generation and editing, including
// a two-pass key/value injection mode for structure-preserving edits: a
// source pass records every block's attention keys and values, and a
// paired target pass re-injects them at masked image positions.
package flux

import (
	"fmt"
	"log/slog"

	"github.com/flowmatch/flowmatch/logutil"
	"github.com/flowmatch/flowmatch/ml"
	"github.com/flowmatch/flowmatch/ml/nn"
)

// Transformer holds the model graph. Weights are exported tensor fields
// populated by the caller (or InitWeights in tests).
type Transformer struct {
	Params

	ImgIn      *nn.Linear
	TxtIn      *nn.Linear
	TimeIn     *nn.MLPEmbedder
	VectorIn   *nn.MLPEmbedder
	GuidanceIn *nn.MLPEmbedder // nil unless Params.GuidanceEmbed

	PEEmbedder *EmbedND

	DoubleBlocks []DoubleStreamBlock
	SingleBlocks []SingleStreamBlock

	FinalLayer *LastLayer

	// injectCapable marks a model whose blocks speak the injection
	// protocol, either the kv variants or caller-supplied factories.
	injectCapable bool
}

func New(p Params, opts ...Option) (*Transformer, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	injectCapable := o.kvInjection || o.doubleFactory != nil || o.singleFactory != nil

	if o.doubleFactory == nil {
		o.doubleFactory = NewDoubleStreamBlock
		if o.kvInjection {
			o.doubleFactory = NewDoubleStreamBlockKV
		}
	}
	if o.singleFactory == nil {
		o.singleFactory = NewSingleStreamBlock
		if o.kvInjection {
			o.singleFactory = NewSingleStreamBlockKV
		}
	}

	m := &Transformer{
		Params:     p,
		ImgIn:      &nn.Linear{},
		TxtIn:      &nn.Linear{},
		TimeIn:     &nn.MLPEmbedder{InLayer: &nn.Linear{}, OutLayer: &nn.Linear{}},
		VectorIn:   &nn.MLPEmbedder{InLayer: &nn.Linear{}, OutLayer: &nn.Linear{}},
		PEEmbedder: &EmbedND{Theta: p.Theta, AxesDim: p.AxesDim},
		FinalLayer: &LastLayer{AdaLNModulation: &nn.Linear{}, Linear: &nn.Linear{}},

		injectCapable: injectCapable,
	}

	if p.GuidanceEmbed {
		m.GuidanceIn = &nn.MLPEmbedder{InLayer: &nn.Linear{}, OutLayer: &nn.Linear{}}
	}

	m.DoubleBlocks = make([]DoubleStreamBlock, p.Depth)
	for i := range m.DoubleBlocks {
		m.DoubleBlocks[i] = o.doubleFactory(p)
	}

	m.SingleBlocks = make([]SingleStreamBlock, p.DepthSingleBlocks)
	for i := range m.SingleBlocks {
		m.SingleBlocks[i] = o.singleFactory(p)
	}

	slog.Debug("initialized transformer",
		"hidden_size", p.HiddenSize,
		"heads", p.NumHeads,
		"depth", p.Depth,
		"depth_single_blocks", p.DepthSingleBlocks,
		"kv_injection", o.kvInjection)

	return m, nil
}

func (m *Transformer) checkInputs(img, imgIDs, txt, txtIDs, timestep, vector, guidance ml.Tensor) error {
	if img == nil || txt == nil || imgIDs == nil || txtIDs == nil || timestep == nil || vector == nil {
		return fmt.Errorf("%w: image, text, position ids, timestep and vector are all required", ErrInputShape)
	}

	if len(img.Shape()) != 3 || len(txt.Shape()) != 3 {
		return fmt.Errorf("%w: hidden states want 3 dimensions (features, sequence, batch), got image %v and text %v", ErrInputShape, img.Shape(), txt.Shape())
	}

	if img.Dim(0) != m.InChannels {
		return fmt.Errorf("%w: image features %d, want in_channels %d", ErrInputShape, img.Dim(0), m.InChannels)
	}

	if txt.Dim(0) != m.ContextInDim {
		return fmt.Errorf("%w: text features %d, want context_in_dim %d", ErrInputShape, txt.Dim(0), m.ContextInDim)
	}

	if vector.Dim(0) != m.VecInDim {
		return fmt.Errorf("%w: vector features %d, want vec_in_dim %d", ErrInputShape, vector.Dim(0), m.VecInDim)
	}

	if img.Dim(2) != txt.Dim(2) {
		return fmt.Errorf("%w: image batch %d does not match text batch %d", ErrInputShape, img.Dim(2), txt.Dim(2))
	}

	naxes := len(m.AxesDim)
	if imgIDs.Dim(0) != naxes || txtIDs.Dim(0) != naxes {
		return fmt.Errorf("%w: position ids want %d axes, got image %d and text %d", ErrInputShape, naxes, imgIDs.Dim(0), txtIDs.Dim(0))
	}

	if imgIDs.Dim(1) != img.Dim(1) || txtIDs.Dim(1) != txt.Dim(1) {
		return fmt.Errorf("%w: position ids cover %d image and %d text positions, want %d and %d", ErrInputShape, imgIDs.Dim(1), txtIDs.Dim(1), img.Dim(1), txt.Dim(1))
	}

	if m.GuidanceEmbed && guidance == nil {
		return ErrMissingGuidance
	}

	return nil
}

// Forward predicts the flow-matching velocity for the image latents.
//
// Shapes: img (in_channels, imgLen, batch), txt (context_in_dim, txtLen,
// batch), imgIDs/txtIDs (len(axes_dim), positions), timestep and
// guidance one scalar per batch element, vector (vec_in_dim, batch).
// guidance is ignored unless the model is guidance-distilled. The output
// has the image latents' shape.
func (m *Transformer) Forward(ctx ml.Context, img, imgIDs, txt, txtIDs, timestep, vector, guidance ml.Tensor) (ml.Tensor, error) {
	if err := m.checkInputs(img, imgIDs, txt, txtIDs, timestep, vector, guidance); err != nil {
		return nil, err
	}

	return m.forward(ctx, img, imgIDs, txt, txtIDs, timestep, vector, guidance, nil, nil), nil
}

// ForwardInject runs one pass of the key/value injection protocol.
//
// The source pass runs with pass.Inverse true and source nil; it records
// into pass's banks. The target pass runs with pass.Inverse false, the
// source pass's PassInfo, and the source trajectory latent that was fed
// to the source pass. pass is mutated as a side effect (layer counters,
// text length, derived position mask, recorded banks); source is only
// read. aux is forwarded to the blocks verbatim.
func (m *Transformer) ForwardInject(ctx ml.Context, img, imgIDs, txt, txtIDs, timestep, vector, guidance ml.Tensor, pass, source *PassInfo, sourceLatent ml.Tensor, aux any) (ml.Tensor, error) {
	if err := m.checkInputs(img, imgIDs, txt, txtIDs, timestep, vector, guidance); err != nil {
		return nil, err
	}

	if !m.injectCapable {
		return nil, fmt.Errorf("%w: model was built without injection-capable blocks", ErrCrossPass)
	}

	if pass == nil {
		return nil, fmt.Errorf("%w: pass state is required", ErrCrossPass)
	}

	if pass.Dual == nil || pass.Single == nil {
		return nil, fmt.Errorf("%w: pass state is missing its banks, allocate it with NewPassInfo", ErrCrossPass)
	}

	if !pass.Inverse {
		if source == nil {
			return nil, fmt.Errorf("%w: the target pass needs the source pass state", ErrCrossPass)
		}

		if pass.MaskIndices == nil {
			return nil, fmt.Errorf("%w: the target pass needs mask indices", ErrCrossPass)
		}

		if sourceLatent == nil {
			return nil, fmt.Errorf("%w: the target pass needs the source trajectory latent", ErrCrossPass)
		}

		for _, mi := range pass.MaskIndices {
			if mi < 0 || int(mi) >= img.Dim(1) {
				return nil, fmt.Errorf("%w: mask index %d outside the %d image positions", ErrCrossPass, mi, img.Dim(1))
			}
		}
	}

	state := &ForwardState{Pass: pass, Source: source, Aux: aux}
	return m.forward(ctx, img, imgIDs, txt, txtIDs, timestep, vector, guidance, state, sourceLatent), nil
}

func (m *Transformer) forward(ctx ml.Context, img, imgIDs, txt, txtIDs, timestep, vector, guidance ml.Tensor, state *ForwardState, sourceLatent ml.Tensor) ml.Tensor {
	imgH := m.ImgIn.Forward(ctx, img)
	txtH := m.TxtIn.Forward(ctx, txt)

	vec := m.TimeIn.Forward(ctx, timestepEmbedding(ctx, timestep, timeEmbedDim))
	if m.GuidanceEmbed {
		vec = vec.Add(ctx, m.GuidanceIn.Forward(ctx, timestepEmbedding(ctx, guidance, timeEmbedDim)))
	}
	vec = vec.Add(ctx, m.VectorIn.Forward(ctx, vector))

	pe := m.PEEmbedder.Forward(ctx, txtIDs.Concat(ctx, imgIDs, 1))

	txtLen := txtH.Dim(1)
	if state != nil {
		state.Pass.TextLen = txtLen
		if state.Pass.Inverse {
			state.Pass.Dual.StartForward(txtLen)
			state.Pass.Single.StartForward(txtLen)
		} else {
			state.SourceImage = m.ImgIn.Forward(ctx, sourceLatent)
			state.Pass.PEMask = derivePEMask(ctx, pe, txtLen, state.Pass.MaskIndices)
			state.maskRows = rowsTensor(ctx, 0, state.Pass.MaskIndices)
			state.injectRows = rowsTensor(ctx, txtLen, state.Pass.MaskIndices)
		}
	}

	for i, block := range m.DoubleBlocks {
		if state != nil {
			state.enterLayer(dualLoop, i)
		}
		imgH, txtH = block.Forward(ctx, imgH, txtH, vec, pe, state)
	}

	x := txtH.Concat(ctx, imgH, 1)
	for i, block := range m.SingleBlocks {
		if state != nil {
			state.enterLayer(singleLoop, i)
		}
		x = block.Forward(ctx, x, vec, pe, state)
	}

	x = x.Slice(ctx, 1, txtLen, x.Dim(1), 1)
	return m.FinalLayer.Forward(ctx, x, vec)
}

// derivePEMask restricts the joint rotary table to the text prefix plus
// the masked image positions.
func derivePEMask(ctx ml.Context, pe *PositionTable, textLen int, maskIndices []int32) *PositionTable {
	rows := make([]int32, 0, textLen+len(maskIndices))
	for i := 0; i < textLen; i++ {
		rows = append(rows, int32(i))
	}
	for _, mi := range maskIndices {
		rows = append(rows, int32(textLen)+mi)
	}

	logutil.Trace("derived cross-pass position mask", "text_len", textLen, "mask", len(maskIndices))

	return pe.Rows(ctx, ctx.FromInts(rows, len(rows)))
}
