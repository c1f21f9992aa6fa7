package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gestaozabele/sos/internal/bff"
	"github.com/gestaozabele/sos/internal/session"
	"github.com/gestaozabele/sos/internal/util"
)

const (
	defaultRefreshPath   = "/api/identity/refresh"
	defaultRESTThreshold = 60 * time.Second
)

// ManagerConfig define parâmetros de renovação.
type ManagerConfig struct {
	RefreshPath   string
	RESTThreshold time.Duration
	Now           func() time.Time
}

// Manager é o único escritor do par de tokens do Store.
type Manager struct {
	client *bff.Client
	store  *session.Store
	logger zerolog.Logger

	refreshPath   string
	restThreshold time.Duration
	now           func() time.Time

	group   singleflight.Group
	revoked atomic.Bool
}

// NewManager cria o gerenciador.
func NewManager(client *bff.Client, store *session.Store, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = defaultRefreshPath
	}
	if cfg.RESTThreshold <= 0 {
		cfg.RESTThreshold = defaultRESTThreshold
	}
	if cfg.Now == nil {
		cfg.Now = util.Now
	}
	return &Manager{
		client:        client,
		store:         store,
		logger:        logger,
		refreshPath:   cfg.RefreshPath,
		restThreshold: cfg.RESTThreshold,
		now:           cfg.Now,
	}
}

// Seed grava um par obtido fora do fluxo de refresh (login, variáveis de ambiente).
func (m *Manager) Seed(ctx context.Context, pair session.TokenPair, user *session.User) error {
	if pair.TokenType == "" {
		pair.TokenType = "Bearer"
	}
	if err := m.store.Update(ctx, pair, user); err != nil {
		return err
	}
	m.revoked.Store(false)
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh troca o refresh token por um novo par. Chamadas concorrentes compartilham
// a mesma requisição em andamento.
func (m *Manager) Refresh(ctx context.Context) (session.TokenPair, error) {
	v, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if shared {
		m.logger.Debug().Msg("auth: refresh compartilhado")
	}
	if err != nil {
		return session.TokenPair{}, err
	}
	return v.(session.TokenPair), nil
}

func (m *Manager) doRefresh(ctx context.Context) (session.TokenPair, error) {
	snap := m.store.Snapshot()
	current := snap.Pair
	if !snap.Authenticated() || strings.TrimSpace(current.RefreshToken) == "" {
		return session.TokenPair{}, ErrNoToken
	}

	var next session.TokenPair
	err := m.client.Do(ctx, http.MethodPost, m.refreshPath, current.AccessToken,
		refreshRequest{RefreshToken: current.RefreshToken}, &next)
	if err != nil {
		if bff.IsStatus(err, http.StatusUnauthorized) {
			m.expireSession(ctx, snap.Revision)
			return session.TokenPair{}, ErrAuthenticationExpired
		}
		m.logger.Warn().Err(err).Msg("auth: falha transitória no refresh")
		return session.TokenPair{}, &RefreshError{Cause: err}
	}

	if strings.TrimSpace(next.AccessToken) == "" {
		return session.TokenPair{}, &RefreshError{Cause: bff.ErrMalformedResponse}
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.TokenType == "" {
		next.TokenType = "Bearer"
	}

	// Logout ou novo login durante a requisição vencem o par renovado.
	if err := m.store.UpdateIf(ctx, snap.Revision, next, nil); err != nil {
		if errors.Is(err, session.ErrStaleRevision) {
			return m.afterStaleRefresh()
		}
		return session.TokenPair{}, &RefreshError{Cause: err}
	}
	m.logger.Info().Int("expires_in", next.ExpiresIn).Msg("auth: token renovado")
	return next, nil
}

// afterStaleRefresh descarta o par renovado. Sessão encerrada continua encerrada;
// um par gravado por novo login é devolvido no lugar.
func (m *Manager) afterStaleRefresh() (session.TokenPair, error) {
	pair, ok := m.store.Pair()
	if m.revoked.Load() || !ok {
		m.logger.Info().Msg("auth: refresh descartado, sessão encerrada durante a requisição")
		return session.TokenPair{}, ErrAuthenticationExpired
	}
	m.logger.Info().Msg("auth: refresh descartado, sessão substituída durante a requisição")
	return pair, nil
}

// expireSession encerra a sessão lida em revision. Um login feito durante a
// requisição não é apagado por um 401 do par antigo.
func (m *Manager) expireSession(ctx context.Context, revision uint64) {
	if m.store.Snapshot().Revision != revision {
		m.logger.Warn().Msg("auth: refresh rejeitado para par já substituído")
		return
	}
	m.revoked.Store(true)
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error().Err(err).Msg("auth: falha ao limpar sessão expirada")
	}
	m.logger.Warn().Msg("auth: refresh rejeitado, sessão encerrada")
}

// EnsureFresh devolve um token utilizável por pelo menos threshold.
// Token expirado não é renovado aqui: o chamador deve obter credenciais novas.
func (m *Manager) EnsureFresh(ctx context.Context, threshold time.Duration) (string, error) {
	pair, ok := m.store.Pair()
	if !ok {
		return "", ErrNoToken
	}
	now := m.now()
	if IsExpired(pair.AccessToken, now) {
		return "", ErrTokenExpired
	}

	res, err := RefreshIfNeeded(ctx, pair.AccessToken, threshold, now, func(ctx context.Context) (string, error) {
		next, err := m.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

// AccessToken serve chamadas REST: renova no limiar REST e, em falha transitória,
// segue com o token atual enquanto ele não expirou.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	token, err := m.EnsureFresh(ctx, m.restThreshold)
	if err == nil {
		return token, nil
	}
	if errors.Is(err, ErrRefreshFailed) {
		if pair, ok := m.store.Pair(); ok && !IsExpired(pair.AccessToken, m.now()) {
			return pair.AccessToken, nil
		}
	}
	return "", err
}

// CheckAndRefresh renova o token atual, mesmo expirado, se estiver dentro do threshold.
func (m *Manager) CheckAndRefresh(ctx context.Context, threshold time.Duration) (RefreshResult, error) {
	pair, ok := m.store.Pair()
	if !ok {
		return RefreshResult{}, ErrNoToken
	}
	return RefreshIfNeeded(ctx, pair.AccessToken, threshold, m.now(), func(ctx context.Context) (string, error) {
		next, err := m.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return next.AccessToken, nil
	})
}

// State classifica o token atual. REVOKED só após logout ou 401 no refresh.
func (m *Manager) State(threshold time.Duration) TokenState {
	if m.revoked.Load() {
		return StateRevoked
	}
	pair, ok := m.store.Pair()
	if !ok {
		return StateExpired
	}
	return StateOf(pair.AccessToken, threshold, m.now())
}

// Claims decodifica o access token atual.
func (m *Manager) Claims() (*Claims, error) {
	pair, ok := m.store.Pair()
	if !ok {
		return nil, ErrNoToken
	}
	return Decode(pair.AccessToken)
}

// Logout encerra a sessão local.
func (m *Manager) Logout(ctx context.Context) error {
	m.revoked.Store(true)
	return m.store.Clear(ctx)
}
