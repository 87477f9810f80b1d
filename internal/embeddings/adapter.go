package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDimensionMismatch is returned when a vector cannot be adapted under the
// configured mode.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Adapt modes. "truncate" only shortens, "pad" only extends, the default
// does either.
const (
	AdaptPadOrTruncate = "pad_or_truncate"
	AdaptTruncate      = "truncate"
	AdaptPad           = "pad"
)

// dimsAdapter coerces a provider's vectors to the width the persistent
// embedding store was created with.
type dimsAdapter struct {
	base   Provider
	target int
	mode   string
}

// WrapToDims returns base unchanged when it already produces target
// components, otherwise an adapter applying mode.
func WrapToDims(base Provider, target int, mode string) Provider {
	if base == nil || target <= 0 || base.Dimensions() == target {
		return base
	}
	m := strings.ToLower(strings.TrimSpace(mode))
	if m == "" {
		m = AdaptPadOrTruncate
	}
	return &dimsAdapter{base: base, target: target, mode: m}
}

func (a *dimsAdapter) Name() string { return a.base.Name() }

func (a *dimsAdapter) Dimensions() int { return a.target }

func (a *dimsAdapter) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vecs, err := a.base.Embed(ctx, inputs)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		if out[i], err = a.adapt(v); err != nil {
			return nil, fmt.Errorf("%s input %d: %w", a.base.Name(), i, err)
		}
	}
	return out, nil
}

func (a *dimsAdapter) adapt(v []float32) ([]float32, error) {
	switch {
	case len(v) == a.target:
		return v, nil
	case len(v) > a.target:
		if a.mode == AdaptPad {
			return nil, fmt.Errorf("%w: got %d, want %d (mode %s)", ErrDimensionMismatch, len(v), a.target, a.mode)
		}
		return v[:a.target], nil
	default:
		if a.mode == AdaptTruncate {
			return nil, fmt.Errorf("%w: got %d, want %d (mode %s)", ErrDimensionMismatch, len(v), a.target, a.mode)
		}
		out := make([]float32, a.target)
		copy(out, v)
		return out, nil
	}
}
