package checkpoint

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	steps   map[string]map[string][]byte
	pending []string
}

func NewMemory() *Memory {
	return &Memory{steps: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, runID, step string) ([]byte, bool, error) {
	if err := validate(runID, step); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.steps[runID][step]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Put(_ context.Context, runID, step string, value []byte) error {
	if err := validate(runID, step); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.steps[runID]
	if !ok {
		run = make(map[string][]byte)
		m.steps[runID] = run
	}
	run[step] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) MarkPending(_ context.Context, runID string) error {
	if err := validate(runID, "pending"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.pending {
		if id == runID {
			return nil
		}
	}
	m.pending = append(m.pending, runID)
	return nil
}

func (m *Memory) MarkDone(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.pending {
		if id == runID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Pending(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.pending...), nil
}

func (m *Memory) Close() error { return nil }
