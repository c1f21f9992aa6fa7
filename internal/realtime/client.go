// Package realtime mantém a conexão única com o gateway de SOS: salas,
// eventos tipados, reconexão limitada e reautenticação.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gestaozabele/sos/internal/auth"
	"github.com/gestaozabele/sos/internal/util"
)

// State é o estado da conexão.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
)

// TokenGate fornece um token válido por pelo menos threshold, renovando se preciso.
type TokenGate interface {
	EnsureFresh(ctx context.Context, threshold time.Duration) (string, error)
}

// Config parametriza o cliente.
type Config struct {
	URL         string
	UserType    string
	DisplayName string

	RefreshThreshold     time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	Jitter               bool
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	TypingRate           float64

	// Now marca ConnectedAt. Padrão: util.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 5 * c.ReconnectBase
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.TypingRate <= 0 {
		c.TypingRate = 2
	}
	if c.UserType == "" {
		c.UserType = "admin"
	}
	if c.Now == nil {
		c.Now = util.Now
	}
}

// Status é o retrato exposto para diagnóstico.
type Status struct {
	State        State      `json:"state"`
	Rooms        []string   `json:"rooms"`
	Attempts     int        `json:"reconnectAttempts"`
	ConnectionID string     `json:"connectionId,omitempty"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// Client é dono exclusivo da conexão física.
type Client struct {
	cfg    Config
	dialer Dialer
	tokens TokenGate
	logger zerolog.Logger

	hmu      sync.Mutex
	handlers atomic.Pointer[Handlers]

	mu          sync.Mutex
	state       State
	gen         uint64
	conn        Conn
	connID      string
	connCancel  context.CancelFunc
	stop        context.CancelFunc
	life        context.Context
	rooms       []string
	typing      map[string]*rate.Limiter
	attempts    int
	lastErr     error
	connectedAt time.Time

	// writeMu serializa frames; nunca é tomado antes de mu.
	writeMu sync.Mutex
}

func New(cfg Config, dialer Dialer, tokens TokenGate, logger zerolog.Logger) *Client {
	cfg.defaults()
	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		tokens: tokens,
		logger: logger.With().Str("component", "realtime").Logger(),
		state:  StateDisconnected,
		typing: make(map[string]*rate.Limiter),
	}
	c.handlers.Store(&Handlers{})
	return c
}

// Connect abre a conexão. É no-op quando já conectado ou com tentativa em andamento.
// Token expirado ou ausente aborta sem handshake; token perto de expirar é renovado
// antes do handshake. ctx limita apenas a fase de conexão.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.life, c.stop = context.WithCancel(context.Background())
	c.state = StateConnecting
	c.lastErr = nil
	c.attempts = 0
	c.mu.Unlock()

	c.emitState(StateConnecting)
	return c.dialAndAttach(ctx, gen)
}

// Reauthenticate recicla a conexão ativa com o token atual; salas são reenviadas.
func (c *Client) Reauthenticate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel, c.connID = nil, nil, ""
	c.state = StateConnecting
	c.mu.Unlock()

	cancel()
	_ = conn.Close()
	c.logger.Info().Msg("realtime: reautenticando conexão")
	c.emitState(StateConnecting)

	next, err := c.establish(ctx)
	if err != nil {
		if terminalAuth(err) {
			c.fail(gen, err)
			return err
		}
		// A conexão anterior existia: a falha conta como queda.
		c.retry(gen, err)
		return err
	}
	if !c.attach(next, gen) {
		_ = next.Close()
		return ErrClosed
	}
	return nil
}

// Disconnect encerra a conexão e descarta as salas. Idempotente.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	prev := c.state
	conn, cancel, stop := c.conn, c.connCancel, c.stop
	c.conn, c.connCancel, c.stop, c.life = nil, nil, nil, nil
	c.state = StateDisconnected
	c.connID = ""
	c.rooms = nil
	c.typing = make(map[string]*rate.Limiter)
	c.attempts = 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if prev != StateDisconnected {
		c.logger.Info().Str("from", string(prev)).Msg("realtime: desconectado")
		c.emitState(StateDisconnected)
	}
}

// JoinRoom registra a sala e envia o join se conectado. Desconectado, o join
// é enviado na próxima conexão bem sucedida.
func (c *Client) JoinRoom(ctx context.Context, sosID string) error {
	sosID = strings.TrimSpace(sosID)
	if sosID == "" {
		return ErrEmptyRoom
	}

	c.mu.Lock()
	if !slices.Contains(c.rooms, sosID) {
		c.rooms = append(c.rooms, sosID)
	}
	conn, gen, connected := c.conn, c.gen, c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, conn, gen, EventRoomJoin, c.joinPayload(sosID))
}

// LeaveRoom remove a sala do conjunto de reentrada e envia leave-room se conectado.
func (c *Client) LeaveRoom(ctx context.Context, sosID string) error {
	sosID = strings.TrimSpace(sosID)
	if sosID == "" {
		return ErrEmptyRoom
	}

	c.mu.Lock()
	c.rooms = slices.DeleteFunc(c.rooms, func(r string) bool { return r == sosID })
	delete(c.typing, sosID)
	conn, gen, connected := c.conn, c.gen, c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, conn, gen, EventRoomLeave, roomPayload{SosID: sosID})
}

// EmitTypingStart é best-effort e limitado por sala.
func (c *Client) EmitTypingStart(ctx context.Context, sosID string) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	lim, ok := c.typing[sosID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.TypingRate), 1)
		c.typing[sosID] = lim
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if !lim.Allow() {
		return
	}
	_ = c.send(ctx, conn, gen, EventTypingStart, roomPayload{SosID: sosID})
}

// EmitTypingStop é best-effort e nunca limitado.
func (c *Client) EmitTypingStop(ctx context.Context, sosID string) {
	c.mu.Lock()
	conn, gen, connected := c.conn, c.gen, c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return
	}
	_ = c.send(ctx, conn, gen, EventTypingStop, roomPayload{SosID: sosID})
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms devolve as salas na ordem em que foram pedidas.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rooms)
}

// LastError devolve a última falha persistente, se houver.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:        c.state,
		Rooms:        slices.Clone(c.rooms),
		Attempts:     c.attempts,
		ConnectionID: c.connID,
	}
	if st.Rooms == nil {
		st.Rooms = []string{}
	}
	if c.state == StateConnected {
		at := c.connectedAt
		st.ConnectedAt = &at
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Client) joinPayload(sosID string) joinRoomPayload {
	return joinRoomPayload{SosID: sosID, UserType: c.cfg.UserType, DisplayName: c.cfg.DisplayName}
}

func (c *Client) dialAndAttach(ctx context.Context, gen uint64) error {
	conn, err := c.establish(ctx)
	if err != nil {
		c.fail(gen, err)
		return err
	}
	if !c.attach(conn, gen) {
		_ = conn.Close()
		return ErrClosed
	}
	return nil
}

// establish passa pelo portão de token antes de qualquer handshake.
func (c *Client) establish(ctx context.Context) (Conn, error) {
	token, err := c.tokens.EnsureFresh(ctx, c.cfg.RefreshThreshold)
	if err != nil {
		return nil, err
	}
	conn, err := c.dialer.Dial(ctx, c.cfg.URL, token)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// attach publica a conexão e só então reenvia as salas, na ordem pedida.
func (c *Client) attach(conn Conn, gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen || c.life == nil {
		c.mu.Unlock()
		return false
	}
	connCtx, cancel := context.WithCancel(c.life)
	c.conn = conn
	c.connCancel = cancel
	c.connID = util.NewID()
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.connectedAt = c.cfg.Now()
	rooms := slices.Clone(c.rooms)
	connID := c.connID
	c.writeMu.Lock()
	c.mu.Unlock()

	go c.readLoop(connCtx, conn, gen)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(connCtx, conn, gen)
	}

	var replayErr error
	for _, room := range rooms {
		if err := c.writeFrame(connCtx, conn, EventRoomJoin, c.joinPayload(room)); err != nil {
			replayErr = err
			break
		}
	}
	c.writeMu.Unlock()

	c.logger.Info().Str("connection_id", connID).Int("rooms", len(rooms)).Msg("realtime: conectado")
	c.emitState(StateConnected)

	if replayErr != nil {
		c.drop(gen, &TransportError{Op: "write", Err: replayErr})
	}
	return true
}

// fail leva a DISCONNECTED preservando as salas pedidas.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.lastErr = err
	stop := c.stop
	c.stop, c.life = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.logger.Warn().Err(err).Msg("realtime: conexão não estabelecida")
	if isTransport(err) {
		c.reportTransport(err)
	}
	c.emitState(StateDisconnected)
}

// drop trata a queda de uma conexão estabelecida e inicia a reconexão.
func (c *Client) drop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel, c.connID = nil, nil, ""
	c.state = StateReconnecting
	c.lastErr = err
	life := c.life
	c.mu.Unlock()

	cancel()
	_ = conn.Close()
	c.logger.Warn().Err(err).Msg("realtime: conexão perdida")
	c.reportTransport(err)
	c.emitState(StateReconnecting)

	go c.reconnectLoop(life, next)
}

// retry leva uma tentativa de reconexão planejada que falhou para RECONNECTING.
func (c *Client) retry(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.life == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	c.state = StateReconnecting
	c.lastErr = err
	life := c.life
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("realtime: reautenticação falhou")
	if isTransport(err) {
		c.reportTransport(err)
	}
	c.emitState(StateReconnecting)

	go c.reconnectLoop(life, next)
}

func (c *Client) reconnectLoop(ctx context.Context, gen uint64) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if !c.setAttempt(gen, attempt) {
			return
		}
		delay := c.backoff(attempt)
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime: reconectando")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.establish(ctx)
		if err == nil {
			if !c.attach(conn, gen) {
				_ = conn.Close()
			}
			return
		}
		lastErr = err

		if terminalAuth(err) {
			c.fail(gen, err)
			return
		}
		c.noteError(gen, err)
	}

	c.fail(gen, fmt.Errorf("%w após %d tentativas: %w", ErrReconnectExhausted, c.cfg.MaxReconnectAttempts, lastErr))
}

// terminalAuth indica falhas que só um novo login resolve.
func terminalAuth(err error) bool {
	return errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrNoToken) || errors.Is(err, auth.ErrAuthenticationExpired)
}

func (c *Client) setAttempt(gen uint64, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.attempts = attempt
	return true
}

func (c *Client) noteError(gen uint64, err error) {
	c.mu.Lock()
	if gen == c.gen {
		c.lastErr = err
	}
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("realtime: tentativa de reconexão falhou")
	if isTransport(err) {
		c.reportTransport(err)
	}
}

// backoff cresce em potências de dois a partir de ReconnectBase até ReconnectMax.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.ReconnectBase
	for i := 1; i < attempt && delay < c.cfg.ReconnectMax; i++ {
		delay *= 2
	}
	if delay > c.cfg.ReconnectMax {
		delay = c.cfg.ReconnectMax
	}
	if c.cfg.Jitter {
		delay += time.Duration(rand.Int64N(int64(delay)/2 + 1))
	}
	return delay
}

func (c *Client) send(ctx context.Context, conn Conn, gen uint64, event string, data any) error {
	c.writeMu.Lock()
	err := c.writeFrame(ctx, conn, event, data)
	c.writeMu.Unlock()
	if err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.drop(gen, terr)
		return terr
	}
	return nil
}

// writeFrame exige writeMu.
func (c *Client) writeFrame(ctx context.Context, conn Conn, event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, frame)
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.drop(gen, &TransportError{Op: "read", Err: err})
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.drop(gen, &TransportError{Op: "ping", Err: err})
				}
				return
			}
		}
	}
}

// dispatch roda na goroutine de leitura; a ordem do servidor é preservada.
func (c *Client) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.logger.Warn().Int("bytes", len(raw)).Msg("realtime: frame descartado")
		c.reportTransport(&TransportError{Op: "decode", Err: ErrMalformedFrame})
		return
	}

	h := c.handlers.Load()
	switch env.Event {
	case EventLocationBroadcast:
		deliver(c, env, h.Location)
	case EventMessageBroadcast:
		deliver(c, env, h.Message)
	case EventStatusBroadcast:
		deliver(c, env, h.Status)
	case EventTypingStart:
		deliver(c, env, h.TypingStart)
	case EventTypingStop:
		deliver(c, env, h.TypingStop)
	case EventParticipantJoined:
		deliver(c, env, h.ParticipantJoined)
	case EventParticipantLeft:
		deliver(c, env, h.ParticipantLeft)
	case EventError:
		if h.ServerError == nil {
			c.logger.Warn().Bytes("data", env.Data).Msg("realtime: erro do servidor sem handler")
			return
		}
		deliver(c, env, h.ServerError)
	default:
		c.logger.Debug().Str("event", env.Event).Msg("realtime: evento ignorado")
	}
}

func deliver[T any](c *Client, env Envelope, fn func(T)) {
	if fn == nil {
		return
	}
	var payload T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.reportTransport(&TransportError{Op: "decode " + env.Event, Err: err})
			return
		}
	}
	fn(payload)
}
