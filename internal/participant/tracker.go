package participant

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gestaozabele/sos/internal/util"
)

// Snapshot é a visão local de um incidente.
type Snapshot struct {
	SosID        string        `json:"sosId"`
	Participants []Participant `json:"participants"`
	Joined       bool          `json:"joined"`
	Error        string        `json:"error,omitempty"`
	RefreshedAt  *time.Time    `json:"refreshedAt,omitempty"`
}

// Tracker guarda a última lista boa de ativos de um incidente. O REST é a
// fonte de verdade; o polling cobre eventos de push perdidos.
type Tracker struct {
	client   *Client
	sosID    string
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	seq         uint64
	applied     uint64
	active      []Participant
	lastErr     string
	joined      bool
	refreshedAt time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Tracker)

// WithClock troca o relógio usado em RefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(client *Client, sosID string, interval time.Duration, logger zerolog.Logger, opts ...Option) *Tracker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := &Tracker{
		client:   client,
		sosID:    sosID,
		interval: interval,
		logger:   logger.With().Str("component", "participant").Str("sos_id", sosID).Logger(),
		now:      util.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) SosID() string {
	return t.sosID
}

// Refresh busca os ativos. Em falha, mantém a lista anterior e guarda a mensagem.
// Buscas concorrentes são ordenadas pelo início: a resposta de uma busca mais
// antiga que a última aplicada é descartada.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	t.seq++
	n := t.seq
	t.mu.Unlock()

	items, err := t.client.FetchActive(ctx, t.sosID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if n < t.applied {
		t.logger.Debug().Uint64("seq", n).Msg("participante: resposta antiga descartada")
		return err
	}
	t.applied = n
	if err != nil {
		t.lastErr = err.Error()
		t.logger.Warn().Err(err).Msg("participante: falha ao atualizar ativos")
		return err
	}
	t.active = items
	t.lastErr = ""
	t.refreshedAt = t.now()
	return nil
}

// Join entra no incidente e atualiza a lista local.
func (t *Tracker) Join(ctx context.Context, userType UserType) (Participant, error) {
	p, err := t.client.Join(ctx, t.sosID, userType)
	if err != nil {
		t.setError(err)
		return Participant{}, err
	}
	t.setJoined(true)
	_ = t.Refresh(ctx)
	return p, nil
}

// Leave marca a saída do usuário e atualiza a lista local.
func (t *Tracker) Leave(ctx context.Context, userID string) error {
	if err := t.client.Leave(ctx, t.sosID, userID); err != nil {
		t.setError(err)
		return err
	}
	t.setJoined(false)
	_ = t.Refresh(ctx)
	return nil
}

// Resume evita um join redundante quando o usuário já está ativo.
// Devolve true quando a participação existente foi reaproveitada.
func (t *Tracker) Resume(ctx context.Context, userID string, userType UserType) (bool, error) {
	active, err := t.client.CheckActive(ctx, t.sosID, userID)
	if err != nil {
		t.setError(err)
		return false, err
	}
	if active {
		t.setJoined(true)
		_ = t.Refresh(ctx)
		t.logger.Info().Str("user_id", userID).Msg("participante: sessão retomada sem novo join")
		return true, nil
	}
	if _, err := t.Join(ctx, userType); err != nil {
		return false, err
	}
	return false, nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{
		SosID:        t.sosID,
		Participants: slices.Clone(t.active),
		Joined:       t.joined,
		Error:        t.lastErr,
	}
	if snap.Participants == nil {
		snap.Participants = []Participant{}
	}
	if !t.refreshedAt.IsZero() {
		at := t.refreshedAt
		snap.RefreshedAt = &at
	}
	return snap
}

// Start inicia o polling. Chamadas repetidas são ignoradas.
func (t *Tracker) Start(parent context.Context) {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.poll(ctx, t.done)
}

// Stop encerra o polling e aguarda a goroutine sair.
func (t *Tracker) Stop() {
	t.loopMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	_ = t.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.Refresh(ctx)
		}
	}
}

func (t *Tracker) setError(err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

func (t *Tracker) setJoined(v bool) {
	t.mu.Lock()
	t.joined = v
	t.mu.Unlock()
}
