package runner

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// MockAdapter mocks engine.Adapter. Invoke may be given either a fixed
// engine.Outcome or a func(context.Context) engine.Outcome via Return.
type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Connect(ctx context.Context, target string) (*engine.Handle, error) {
	args := m.Called(ctx, target)
	if h := args.Get(0); h != nil {
		return h.(*engine.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdapter) Invoke(ctx context.Context, h *engine.Handle, spec operation.Spec, a operation.Args) engine.Outcome {
	args := m.Called(ctx, h, spec, a)
	if fn, ok := args.Get(0).(func(context.Context) engine.Outcome); ok {
		return fn(ctx)
	}
	return args.Get(0).(engine.Outcome)
}

func (m *MockAdapter) Cleanup(ctx context.Context, h *engine.Handle, spec operation.Spec, residue engine.Residue) error {
	args := m.Called(ctx, h, spec, residue)
	return args.Error(0)
}

func (m *MockAdapter) Close(h *engine.Handle) error {
	args := m.Called(h)
	return args.Error(0)
}
