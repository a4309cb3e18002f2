package testutil

import (
	"context"
	"sync/atomic"

	"github.com/fundus-screen/backend/internal/models"
)

// StaticPredictor returns a fixed probability for every tensor.
type StaticPredictor struct {
	P     float64
	Err   error
	calls atomic.Int64
}

func (s *StaticPredictor) Predict(ctx context.Context, t models.Tensor) (float64, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.Err != nil {
		return 0, s.Err
	}
	return s.P, nil
}

func (s *StaticPredictor) Ready() bool { return s.Err == nil }

// Calls reports how many times Predict ran.
func (s *StaticPredictor) Calls() int64 { return s.calls.Load() }
