// Package chat guarda os painéis de conversa abertos, um por incidente.
package chat

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gestaozabele/sos/internal/util"
)

// Session é o painel de conversa de um incidente.
type Session struct {
	SosID       string    `json:"sosId"`
	CitizenName string    `json:"citizenName,omitempty"`
	IsOpen      bool      `json:"isOpen"`
	IsMinimized bool      `json:"isMinimized"`
	OpenedAt    time.Time `json:"openedAt"`
}

type registry struct {
	order    []string
	sessions map[string]Session
}

// Manager publica cada alteração como um novo registro imutável.
type Manager struct {
	now     func() time.Time
	mu      sync.Mutex
	current atomic.Pointer[registry]
}

type Option func(*Manager)

// WithClock troca o relógio usado em OpenedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{now: util.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&registry{sessions: map[string]Session{}})
	return m
}

// Open cria o painel ou o traz para frente; nunca duplica.
func (m *Manager) Open(sosID, citizenName string) Session {
	sosID = strings.TrimSpace(sosID)
	var out Session
	m.mutate(func(r *registry) {
		s, ok := r.sessions[sosID]
		if !ok {
			s = Session{SosID: sosID, OpenedAt: m.now()}
			r.order = append(r.order, sosID)
		}
		if citizenName != "" {
			s.CitizenName = citizenName
		}
		s.IsOpen = true
		s.IsMinimized = false
		r.sessions[sosID] = s
		out = s
	})
	return out
}

// Close descarta o painel.
func (m *Manager) Close(sosID string) bool {
	removed := false
	m.mutate(func(r *registry) {
		if _, ok := r.sessions[sosID]; !ok {
			return
		}
		delete(r.sessions, sosID)
		for i, id := range r.order {
			if id == sosID {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
		removed = true
	})
	return removed
}

func (m *Manager) ToggleMinimize(sosID string) (Session, bool) {
	return m.setMinimized(sosID, func(cur bool) bool { return !cur })
}

func (m *Manager) Minimize(sosID string) (Session, bool) {
	return m.setMinimized(sosID, func(bool) bool { return true })
}

func (m *Manager) Maximize(sosID string) (Session, bool) {
	return m.setMinimized(sosID, func(bool) bool { return false })
}

func (m *Manager) Get(sosID string) (Session, bool) {
	s, ok := m.current.Load().sessions[sosID]
	return s, ok
}

// List devolve os painéis na ordem de abertura.
func (m *Manager) List() []Session {
	r := m.current.Load()
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// setMinimized é no-op quando o painel não existe.
func (m *Manager) setMinimized(sosID string, next func(bool) bool) (Session, bool) {
	var out Session
	found := false
	m.mutate(func(r *registry) {
		s, ok := r.sessions[sosID]
		if !ok {
			return
		}
		s.IsMinimized = next(s.IsMinimized)
		r.sessions[sosID] = s
		out, found = s, true
	})
	return out, found
}

func (m *Manager) mutate(fn func(*registry)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	next := &registry{
		order:    append([]string(nil), cur.order...),
		sessions: make(map[string]Session, len(cur.sessions)),
	}
	for k, v := range cur.sessions {
		next.sessions[k] = v
	}
	fn(next)
	m.current.Store(next)
}
