package flux

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrInvalidParams reports a model configuration that violates a
	// structural constraint. Detected at construction, never defaulted.
	ErrInvalidParams = errors.New("invalid model parameters")

	// ErrInputShape reports a conditioning or latent tensor whose shape
	// does not match the configuration.
	ErrInputShape = errors.New("input shape mismatch")

	// ErrMissingGuidance reports a missing guidance strength on a
	// guidance-distilled model.
	ErrMissingGuidance = errors.New("guidance strength is required for a guidance-distilled model")

	// ErrCrossPass reports a violation of the two-pass injection
	// protocol, such as a missing mask or source state on the target
	// pass.
	ErrCrossPass = errors.New("cross-pass protocol violation")
)

// Params holds the transformer configuration. It is immutable after
// validation in New.
type Params struct {
	InChannels        int     `json:"in_channels"`
	VecInDim          int     `json:"vec_in_dim"`
	ContextInDim      int     `json:"context_in_dim"`
	HiddenSize        int     `json:"hidden_size"`
	MLPRatio          float32 `json:"mlp_ratio"`
	NumHeads          int     `json:"num_heads"`
	Depth             int     `json:"depth"`
	DepthSingleBlocks int     `json:"depth_single_blocks"`
	AxesDim           []int   `json:"axes_dim"`
	Theta             int     `json:"theta"`
	QKVBias           bool    `json:"qkv_bias"`
	GuidanceEmbed     bool    `json:"guidance_embed"`
}

func (p Params) HeadDim() int {
	return p.HiddenSize / p.NumHeads
}

func (p Params) MLPHiddenDim() int {
	return int(float32(p.HiddenSize) * p.MLPRatio)
}

// PEDim is the per-head rotary dimension, the sum of the axis
// dimensions.
func (p Params) PEDim() int {
	var sum int
	for _, d := range p.AxesDim {
		sum += d
	}

	return sum
}

func (p Params) validate() error {
	for _, f := range []struct {
		name  string
		value int
	}{
		{"in_channels", p.InChannels},
		{"vec_in_dim", p.VecInDim},
		{"context_in_dim", p.ContextInDim},
		{"hidden_size", p.HiddenSize},
		{"num_heads", p.NumHeads},
		{"theta", p.Theta},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidParams, f.name, f.value)
		}
	}

	if p.MLPRatio <= 0 {
		return fmt.Errorf("%w: mlp_ratio must be positive, got %v", ErrInvalidParams, p.MLPRatio)
	}

	if p.Depth < 0 || p.DepthSingleBlocks < 0 {
		return fmt.Errorf("%w: block depths must be non-negative", ErrInvalidParams)
	}

	if p.HiddenSize%p.NumHeads != 0 {
		return fmt.Errorf("%w: hidden size %d is not divisible by %d heads", ErrInvalidParams, p.HiddenSize, p.NumHeads)
	}

	for _, d := range p.AxesDim {
		if d <= 0 || d%2 != 0 {
			return fmt.Errorf("%w: axis dimensions must be positive and even, got %v", ErrInvalidParams, p.AxesDim)
		}
	}

	if p.PEDim() != p.HeadDim() {
		return fmt.Errorf("%w: axis dimensions %v sum to %d, want head dimension %d", ErrInvalidParams, p.AxesDim, p.PEDim(), p.HeadDim())
	}

	return nil
}

// ParamsFromConfig decodes a diffusers-style configuration map. The
// result is validated by New.
func ParamsFromConfig(config map[string]any) (Params, error) {
	var p Params
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		Result:           &p,
	})
	if err != nil {
		return Params{}, err
	}

	if err := decoder.Decode(config); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	return p, nil
}

// DoubleStreamFactory and SingleStreamFactory build the blocks wired at
// construction. Tests substitute their own to observe the orchestration.
type (
	DoubleStreamFactory func(Params) DoubleStreamBlock
	SingleStreamFactory func(Params) SingleStreamBlock
)

type options struct {
	kvInjection   bool
	doubleFactory DoubleStreamFactory
	singleFactory SingleStreamFactory
}

type Option func(*options)

// WithKVInjection wires the block variants that speak the two-pass
// key/value injection protocol.
func WithKVInjection() Option {
	return func(o *options) {
		o.kvInjection = true
	}
}

// WithBlockFactories overrides block construction.
func WithBlockFactories(double DoubleStreamFactory, single SingleStreamFactory) Option {
	return func(o *options) {
		o.doubleFactory = double
		o.singleFactory = single
	}
}
