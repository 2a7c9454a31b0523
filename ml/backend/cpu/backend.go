// Package cpu is an eager, pure-Go reference backend. Tensors are dense
// float32 buffers in dimension-0-fastest order and every operation
// computes immediately, which makes results reproducible and easy to
// test against scalar math.
package cpu

import (
	"log/slog"
	"runtime"

	"github.com/flowmatch/flowmatch/ml"
)

func init() {
	ml.RegisterBackend("cpu", func(params ml.BackendParams) (ml.Backend, error) {
		return New(params), nil
	})
}

type Backend struct {
	threads int
}

func New(params ml.BackendParams) *Backend {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	slog.Debug("initializing cpu backend", "threads", threads)

	return &Backend{threads: threads}
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) Close() {}
