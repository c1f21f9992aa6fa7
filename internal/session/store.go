package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gestaozabele/sos/internal/util"
)

// Chaves persistidas no backend.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyExpiresIn    = "expiresIn"
	KeyTokenType    = "tokenType"
	KeyUser         = "user"
)

// Keys lista todas as chaves gravadas por sessão.
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresIn, KeyTokenType, KeyUser}

var (
	// ErrEmptyPair indica tentativa de gravar par sem access token.
	ErrEmptyPair = errors.New("par de tokens vazio")
	// ErrStaleRevision indica que a sessão mudou (login, logout, refresh) desde a leitura.
	ErrStaleRevision = errors.New("sessão alterada desde a leitura")
)

// TokenPair representa o par emitido pelo provedor de identidade.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// User guarda o perfil mínimo exibido pelo console.
type User struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	CityCode    string `json:"cityCode,omitempty"`
}

// Snapshot é o valor imutável publicado pelo Store. Revision cresce a cada
// escrita, inclusive Clear.
type Snapshot struct {
	Pair      TokenPair
	User      *User
	UpdatedAt time.Time
	Revision  uint64
}

// Authenticated informa se existe access token.
func (s Snapshot) Authenticated() bool {
	return s.Pair.AccessToken != ""
}

// Record é o formato chave/valor entregue aos backends.
type Record map[string]string

// Backend persiste o registro da sessão. Save substitui todas as chaves de uma vez.
type Backend interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// Store mantém o estado de sessão compartilhado do processo.
type Store struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Option ajusta o Store na abertura.
type Option func(*Store)

// WithClock troca o relógio usado em UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open cria o Store e carrega o estado persistido.
func Open(ctx context.Context, backend Backend, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{backend: backend, logger: logger, now: util.Now}
	for _, opt := range opts {
		opt(s)
	}

	rec, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	snap := fromRecord(rec)
	s.current.Store(&snap)

	if snap.Authenticated() {
		s.logger.Info().Msg("sessão: credenciais restauradas do armazenamento")
	}
	return s, nil
}

// Snapshot devolve o estado atual completo.
func (s *Store) Snapshot() Snapshot {
	if snap := s.current.Load(); snap != nil {
		return *snap
	}
	return Snapshot{}
}

// Pair devolve o par atual e se ele existe.
func (s *Store) Pair() (TokenPair, bool) {
	snap := s.Snapshot()
	return snap.Pair, snap.Authenticated()
}

// Update grava novo par (e perfil, se informado) substituindo o valor anterior inteiro.
func (s *Store) Update(ctx context.Context, pair TokenPair, user *User) error {
	return s.write(ctx, nil, pair, user)
}

// UpdateIf grava o par somente se nenhuma escrita ocorreu desde a revisão lida.
// Caso contrário devolve ErrStaleRevision sem tocar no armazenamento.
func (s *Store) UpdateIf(ctx context.Context, revision uint64, pair TokenPair, user *User) error {
	return s.write(ctx, &revision, pair, user)
}

func (s *Store) write(ctx context.Context, expected *uint64, pair TokenPair, user *User) error {
	if strings.TrimSpace(pair.AccessToken) == "" {
		return ErrEmptyPair
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	if expected != nil && cur.Revision != *expected {
		return ErrStaleRevision
	}
	if user == nil {
		user = cur.User
	}
	next := Snapshot{Pair: pair, User: copyUser(user), UpdatedAt: s.now(), Revision: cur.Revision + 1}

	rec, err := toRecord(next)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}

// Clear remove credenciais e perfil.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := Snapshot{UpdatedAt: s.now(), Revision: s.Snapshot().Revision + 1}
	s.current.Store(&empty)
	if err := s.backend.Clear(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("sessão: falha ao limpar armazenamento")
		return err
	}
	return nil
}

// Close libera o backend quando ele mantém recursos abertos.
func (s *Store) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func toRecord(snap Snapshot) (Record, error) {
	rec := Record{
		KeyAccessToken:  snap.Pair.AccessToken,
		KeyRefreshToken: snap.Pair.RefreshToken,
		KeyExpiresIn:    strconv.Itoa(snap.Pair.ExpiresIn),
		KeyTokenType:    snap.Pair.TokenType,
		KeyUser:         "",
	}
	if snap.User != nil {
		raw, err := json.Marshal(snap.User)
		if err != nil {
			return nil, err
		}
		rec[KeyUser] = string(raw)
	}
	return rec, nil
}

func fromRecord(rec Record) Snapshot {
	var snap Snapshot
	if len(rec) == 0 {
		return snap
	}
	snap.Pair = TokenPair{
		AccessToken:  rec[KeyAccessToken],
		RefreshToken: rec[KeyRefreshToken],
		TokenType:    rec[KeyTokenType],
	}
	if n, err := strconv.Atoi(rec[KeyExpiresIn]); err == nil {
		snap.Pair.ExpiresIn = n
	}
	if raw := rec[KeyUser]; raw != "" {
		var user User
		if err := json.Unmarshal([]byte(raw), &user); err == nil {
			snap.User = &user
		}
	}
	return snap
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
