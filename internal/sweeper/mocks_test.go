package sweeper

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// MockTarget mocks the Target interface.
type MockTarget struct {
	mock.Mock
}

func (m *MockTarget) Connect(ctx context.Context, target string) (*engine.Handle, error) {
	args := m.Called(ctx, target)
	if h := args.Get(0); h != nil {
		return h.(*engine.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTarget) Invoke(ctx context.Context, h *engine.Handle, spec operation.Spec, a operation.Args) engine.Outcome {
	args := m.Called(ctx, h, spec, a)
	return args.Get(0).(engine.Outcome)
}

func (m *MockTarget) Close(h *engine.Handle) error {
	args := m.Called(h)
	return args.Error(0)
}

func (m *MockTarget) Leftovers(ctx context.Context, h *engine.Handle) (engine.Residue, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(engine.Residue), args.Error(1)
}

func (m *MockTarget) Cleanup(ctx context.Context, h *engine.Handle, spec operation.Spec, residue engine.Residue) error {
	args := m.Called(ctx, h, spec, residue)
	return args.Error(0)
}
