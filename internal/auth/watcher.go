package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gestaozabele/sos/internal/session"
)

// WatcherConfig controla a verificação periódica de expiração.
type WatcherConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	// OnRefreshed recebe o par novo após renovação bem sucedida.
	OnRefreshed func(session.TokenPair)
	// OnExpired é chamado quando a sessão não pode mais ser renovada.
	OnExpired func(error)
}

// Watcher renova o token em segundo plano antes que ele expire.
type Watcher struct {
	manager *Manager
	cfg     WatcherConfig
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(manager *Manager, cfg WatcherConfig, logger zerolog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 60 * time.Second
	}
	return &Watcher{manager: manager, cfg: cfg, logger: logger}
}

// Start inicia o loop. Chamadas repetidas enquanto ativo são ignoradas.
func (w *Watcher) Start(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.runLoop(ctx, w.done)
}

// Stop encerra o loop e aguarda sua saída.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.cfg.Interval).Dur("threshold", w.cfg.Threshold).Msg("auth: verificação de expiração iniciada")

	w.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("auth: verificação de expiração encerrada")
			return
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce executa uma verificação e devolve o erro observado, se houver.
func (w *Watcher) CheckOnce(ctx context.Context) error {
	res, err := w.manager.CheckAndRefresh(ctx, w.cfg.Threshold)
	switch {
	case err == nil:
		if res.WasRefreshed && w.cfg.OnRefreshed != nil {
			if pair, ok := w.manager.store.Pair(); ok {
				w.cfg.OnRefreshed(pair)
			}
		}
		return nil
	case errors.Is(err, ErrNoToken):
		return err
	case errors.Is(err, ErrAuthenticationExpired):
		w.logger.Warn().Msg("auth: sessão expirada, novo login necessário")
		if w.cfg.OnExpired != nil {
			w.cfg.OnExpired(err)
		}
		return err
	default:
		w.logger.Warn().Err(err).Msg("auth: renovação falhou, nova tentativa no próximo ciclo")
		return err
	}
}
