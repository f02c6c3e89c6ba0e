package idempotency

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

type state uint8

const (
	stateClaimed state = iota + 1
	stateProcessed
)

// Memory is a process-local ledger guarded by a mutex.
type Memory struct {
	mu  sync.Mutex
	ids map[uuid.UUID]state
}

var _ rpc.Ledger = (*Memory)(nil)

// NewMemory returns an empty ledger.
func NewMemory() *Memory { return &Memory{ids: make(map[uuid.UUID]state)} }

func (m *Memory) IsProcessed(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ids[id] == stateProcessed, nil
}

func (m *Memory) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ids[id]; exists {
		return false, nil
	}

	m.ids[id] = stateClaimed

	return true, nil
}

func (m *Memory) MarkProcessed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	m.ids[id] = stateProcessed
	m.mu.Unlock()

	return nil
}

func (m *Memory) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[id] == stateClaimed {
		delete(m.ids, id)
	}

	return nil
}

// Len reports how many ids are claimed or processed.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.ids)
}
