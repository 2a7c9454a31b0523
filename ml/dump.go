package ml

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Precision for weights and activations
	DumpPrecision = 4

	// Items to display left and right of each dimension
	DumpItems = 3
)

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end
	// of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump renders a tensor for debugging, numpy style.
func Dump(ctx Context, t Tensor, opts ...DumpOptions) string {
	items, precision := DumpItems, DumpPrecision
	if len(opts) > 0 {
		items, precision = opts[0].Items, opts[0].Precision
	}

	if t.DType() == DTypeI32 {
		return dump(ctx, t, items, func(f float32) string {
			return strconv.FormatInt(int64(f), 10)
		})
	}

	return dump(ctx, t, items, func(f float32) string {
		return strconv.FormatFloat(float64(f), 'f', precision, 32)
	})
}

func dump(ctx Context, t Tensor, items int, fn func(float32) string) string {
	ctx.Compute(t)
	s := t.Floats()

	shape := t.Shape()
	// iterate from the outermost dimension inward
	var sb strings.Builder
	var f func(dims []int, stride int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		sb.WriteString("[")
		defer func() { sb.WriteString("]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= items && i < dims[0]-items {
				sb.WriteString("..., ")
				// skip to next printable element
				skip := dims[0] - 2*items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				sb.WriteString(fn(s[stride+i]))
				if i < dims[0]-1 {
					sb.WriteString(", ")
				}
			}
		}
	}

	// dims reversed so the fastest-varying dimension prints innermost
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[len(dims)-1-i] = d
	}

	f(dims, 0)

	return sb.String()
}
