package session

import (
	"context"
	"sync"
)

// MemoryBackend guarda a sessão apenas em memória (processo único, testes).
type MemoryBackend struct {
	mu  sync.RWMutex
	rec Record
}

// NewMemoryBackend cria backend vazio.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(ctx context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRecord(m.rec), nil
}

func (m *MemoryBackend) Save(ctx context.Context, rec Record) error {
	m.mu.Lock()
	m.rec = cloneRecord(rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.rec = nil
	m.mu.Unlock()
	return nil
}

func cloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
