package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gestaozabele/sos/internal/auth"
	"github.com/gestaozabele/sos/internal/bff"
	"github.com/gestaozabele/sos/internal/chat"
	"github.com/gestaozabele/sos/internal/config"
	internalhttp "github.com/gestaozabele/sos/internal/http"
	"github.com/gestaozabele/sos/internal/participant"
	"github.com/gestaozabele/sos/internal/realtime"
	"github.com/gestaozabele/sos/internal/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("agente encerrado com erro")
	}
}

func run() error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	logger := log.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("sessão: %w", err)
	}
	defer closeBackend()

	store, err := session.Open(ctx, backend, logger.With().Str("component", "session").Logger())
	if err != nil {
		return fmt.Errorf("sessão: %w", err)
	}
	defer store.Close()

	bffClient := bff.New(cfg.BFFURL, cfg.HTTPTimeout)
	manager := auth.NewManager(bffClient, store, auth.ManagerConfig{
		RESTThreshold: cfg.Token.RefreshThreshold,
	}, logger.With().Str("component", "auth").Logger())

	if cfg.Session.AccessToken != "" {
		pair := session.TokenPair{AccessToken: cfg.Session.AccessToken, RefreshToken: cfg.Session.RefreshToken}
		if err := manager.Seed(ctx, pair, nil); err != nil {
			return fmt.Errorf("sessão: %w", err)
		}
	}
	claims, err := manager.Claims()
	if err != nil {
		return fmt.Errorf("sessão: informe SOS_ACCESS_TOKEN ou persista um par válido: %w", err)
	}

	chats := chat.NewManager()
	rt := realtime.New(realtime.Config{
		URL:                  cfg.GatewayURL,
		UserType:             cfg.Realtime.UserType,
		DisplayName:          cfg.Realtime.DisplayName,
		RefreshThreshold:     cfg.Realtime.RefreshThreshold,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectBase:        cfg.Realtime.ReconnectBase,
		ReconnectMax:         cfg.Realtime.ReconnectMax,
		Jitter:               true,
		PingInterval:         cfg.Realtime.PingInterval,
		TypingRate:           cfg.Realtime.TypingRate,
	}, realtime.WebsocketDialer{}, manager, logger)

	participants := participant.NewClient(bffClient, manager)
	trackers := make(map[string]*participant.Tracker, len(cfg.Incidents))
	views := make(map[string]internalhttp.ParticipantView, len(cfg.Incidents))
	for _, sosID := range cfg.Incidents {
		tr := participant.NewTracker(participants, sosID, cfg.ParticipantPoll, logger)
		trackers[sosID] = tr
		views[sosID] = tr
	}

	rt.SetHandlers(eventHandlers(ctx, logger, chats, trackers))
	sup := newSupervisor(rt, cfg.Incidents, cfg.Realtime.SuperviseInterval, cfg.HTTPTimeout,
		logger.With().Str("component", "supervisor").Logger())

	watcher := auth.NewWatcher(manager, auth.WatcherConfig{
		Interval:  cfg.Token.CheckInterval,
		Threshold: cfg.Token.RefreshThreshold,
		OnRefreshed: func(session.TokenPair) {
			if rt.State() != realtime.StateConnected {
				sup.Kick()
				return
			}
			go func() {
				if err := rt.Reauthenticate(ctx); err != nil {
					logger.Warn().Err(err).Msg("falha ao reautenticar gateway")
				}
			}()
		},
		OnExpired: func(err error) {
			logger.Error().Err(err).Msg("sessão expirada; desconectando")
			rt.Disconnect()
		},
	}, logger)
	watcher.Start(ctx)
	defer watcher.Stop()

	for sosID, tr := range trackers {
		if err := rt.JoinRoom(ctx, sosID); err != nil {
			logger.Warn().Err(err).Str("sos_id", sosID).Msg("falha ao registrar sala")
		}
		resumed, err := tr.Resume(ctx, claims.SubjectID, participant.UserType(cfg.Realtime.UserType))
		if err != nil {
			logger.Warn().Err(err).Str("sos_id", sosID).Msg("falha ao entrar no incidente")
		} else if resumed {
			logger.Info().Str("sos_id", sosID).Msg("participação retomada")
		}
		tr.Start(ctx)
		defer tr.Stop()
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.HTTPTimeout)
	err = rt.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		if authFailure(err) {
			return fmt.Errorf("realtime: %w", err)
		}
		logger.Warn().Err(err).Msg("gateway indisponível; painel segue ativo")
	}
	defer rt.Disconnect()
	go sup.run(ctx)

	handler := internalhttp.NewRouter(internalhttp.Deps{
		Realtime:       rt,
		Tokens:         manager,
		TokenThreshold: cfg.Token.RefreshThreshold,
		Participants:   views,
		Chats:          chats,
		AllowOrigins:   cfg.AllowOrigins,
		RateLimit:      cfg.RateLimitStatus,
		Logger:         logger.With().Str("component", "http").Logger(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("painel ouvindo em %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("encerrando...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// eventHandlers liga os eventos do gateway ao estado local. Handlers rodam no
// laço de leitura, por isso chamadas REST vão para goroutines.
func eventHandlers(ctx context.Context, logger zerolog.Logger, chats *chat.Manager, trackers map[string]*participant.Tracker) realtime.Handlers {
	refresh := func(sosID string) {
		tr, ok := trackers[sosID]
		if !ok {
			return
		}
		go func() {
			if err := tr.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Str("sos_id", sosID).Msg("falha ao atualizar participantes")
			}
		}()
	}

	return realtime.Handlers{
		Location: func(ev realtime.LocationBroadcast) {
			logger.Debug().Str("sos_id", ev.SosID).Str("user_id", ev.UserID).
				Float64("lat", ev.Lat).Float64("lng", ev.Lng).Msg("localização recebida")
		},
		Message: func(ev realtime.MessageBroadcast) {
			if ev.SenderType == string(participant.UserTypeCitizen) {
				chats.Open(ev.SosID, ev.SenderDisplayName)
			}
			logger.Info().Str("sos_id", ev.SosID).Str("sender", ev.SenderID).Msg("mensagem recebida")
		},
		Status: func(ev realtime.StatusBroadcast) {
			logger.Info().Str("sos_id", ev.SosID).Str("status", ev.Status).Str("by", ev.UpdatedBy).Msg("status do incidente")
		},
		ParticipantJoined: func(ev realtime.ParticipantEvent) {
			refresh(ev.SosID)
		},
		ParticipantLeft: func(ev realtime.ParticipantEvent) {
			refresh(ev.SosID)
		},
		ServerError: func(ev realtime.ServerError) {
			logger.Warn().Str("code", ev.Code).Msg(ev.Message)
		},
		TransportError: func(err error) {
			logger.Warn().Err(err).Msg("erro de transporte")
		},
		StateChange: func(st realtime.State) {
			logger.Info().Str("state", string(st)).Msg("realtime")
		},
	}
}
