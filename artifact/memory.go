package artifact

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/storekit/conveyor"
)

// Memory is an in-process Store for tests and examples.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	seq   atomic.Int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory artifact store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, suggestedName string, data []byte) (string, error) {
	ref := fmt.Sprintf("%s#%d", sanitizeName(suggestedName), m.seq.Add(1))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *Memory) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[ref]
	if !ok {
		return nil, conveyor.ErrArtifactNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}

// Len reports how many artifacts are stored. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
