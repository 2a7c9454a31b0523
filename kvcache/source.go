package kvcache

import (
	"github.com/flowmatch/flowmatch/ml"
)

// SourceCache records one key and one value tensor per layer and returns
// them exactly as stored. It backs the cross-pass injection protocol:
// the recording pass writes every layer through Put, and a paired pass
// reads the recorded rows back through At without disturbing the
// recorder's own state.
//
// Storage may optionally be narrowed to F16. The values read back are
// the rounded ones, so the recording pass and the reading pass see the
// same numbers.
//
// Not safe for concurrent use.
type SourceCache struct {
	// the active layer for Get and Put
	curLayer int

	// length of the text prefix in the recorded fused sequence, set by
	// StartForward
	textLen int

	dtype ml.DType

	keys, values []ml.Tensor
}

func NewSourceCache(dtype ml.DType) *SourceCache {
	return &SourceCache{dtype: dtype}
}

// StartForward resets the cache for a new recording pass and records the
// text prefix length of the sequence about to be stored.
func (c *SourceCache) StartForward(textLen int) {
	c.textLen = textLen
	for i := range c.keys {
		c.keys[i] = nil
		c.values[i] = nil
	}
}

func (c *SourceCache) SetLayer(layer int) {
	if layer >= len(c.keys) {
		c.keys = append(c.keys, make([]ml.Tensor, layer-len(c.keys)+1)...)
		c.values = append(c.values, make([]ml.Tensor, layer-len(c.values)+1)...)
	}

	c.curLayer = layer
}

func (c *SourceCache) Put(ctx ml.Context, key, value ml.Tensor) {
	if c.dtype != key.DType() {
		key = key.Cast(ctx, c.dtype)
		value = value.Cast(ctx, c.dtype)
	} else {
		key = key.Duplicate(ctx)
		value = value.Duplicate(ctx)
	}

	c.keys[c.curLayer] = key
	c.values[c.curLayer] = value
}

func (c *SourceCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	key, value, _ := c.At(ctx, c.curLayer)
	return key, value, nil
}

// At reads the recorded tensors for a layer without touching the active
// layer. ok is false when nothing was recorded there.
func (c *SourceCache) At(ctx ml.Context, layer int) (key, value ml.Tensor, ok bool) {
	if layer < 0 || layer >= len(c.keys) || c.keys[layer] == nil {
		return nil, nil, false
	}

	key, value = c.keys[layer], c.values[layer]
	if c.dtype != ml.DTypeF32 {
		key = key.Cast(ctx, ml.DTypeF32)
		value = value.Cast(ctx, ml.DTypeF32)
	}

	return key, value, true
}

// TextLength returns the text prefix length recorded at StartForward.
func (c *SourceCache) TextLength() int {
	return c.textLen
}

// Len returns the number of layer slots seen so far.
func (c *SourceCache) Len() int {
	return len(c.keys)
}
