package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gestaozabele/sos/internal/auth"
	"github.com/gestaozabele/sos/internal/realtime"
)

type realtimeConn interface {
	State() realtime.State
	LastError() error
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, sosID string) error
}

// supervisor reabre a conexão do gateway quando ela fica DISCONNECTED após
// falha de dial ou esgotamento das tentativas de reconexão.
type supervisor struct {
	rt       realtimeConn
	rooms    []string
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	kick     chan struct{}
}

func newSupervisor(rt realtimeConn, rooms []string, interval, timeout time.Duration, logger zerolog.Logger) *supervisor {
	return &supervisor{
		rt:       rt,
		rooms:    rooms,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Kick pede uma verificação imediata que ignora falhas de autenticação
// anteriores. Usado após a renovação do token.
func (s *supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx, false)
		case <-s.kick:
			s.check(ctx, true)
		}
	}
}

// check retorna true quando uma nova conexão foi tentada.
func (s *supervisor) check(ctx context.Context, force bool) bool {
	if s.rt.State() != realtime.StateDisconnected {
		return false
	}
	if !force && authFailure(s.rt.LastError()) {
		return false
	}

	// Disconnect descarta as salas; o conjunto configurado volta antes do dial.
	for _, sosID := range s.rooms {
		if err := s.rt.JoinRoom(ctx, sosID); err != nil {
			s.logger.Warn().Err(err).Str("sos_id", sosID).Msg("falha ao registrar sala")
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.rt.Connect(connectCtx); err != nil {
		s.logger.Warn().Err(err).Msg("gateway segue indisponível")
	} else {
		s.logger.Info().Msg("gateway reconectado")
	}
	return true
}

// authFailure indica falhas que só um novo login ou renovação resolve.
func authFailure(err error) bool {
	return errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrNoToken) || errors.Is(err, auth.ErrAuthenticationExpired)
}
