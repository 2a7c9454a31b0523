// Package kvcache stores per-layer key/value tensors produced during a
// forward pass so a later pass can read them back.
package kvcache

import (
	"github.com/flowmatch/flowmatch/ml"
)

type Cache interface {
	// SetLayer sets the active layer for Get and Put
	SetLayer(layer int)

	// Get returns the history of key and value tensors plus an
	// attention mask for the active layer. The mask may be nil.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)

	// Put stores key and value tensors in the cache for the active
	// layer.
	Put(ctx ml.Context, key, value ml.Tensor)
}
