package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/sos/internal/auth"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	frames []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.frames...)
}

func (f *fakeConn) joinedRooms() []string {
	var rooms []string
	for _, env := range f.sent() {
		if env.Event != EventRoomJoin {
			continue
		}
		var p joinRoomPayload
		_ = json.Unmarshal(env.Data, &p)
		rooms = append(rooms, p.SosID)
	}
	return rooms
}

func (f *fakeConn) push(event string, data any) {
	raw, _ := encodeFrame(event, data)
	f.in <- raw
}

type fakeDialer struct {
	mu      sync.Mutex
	tokens  []string
	conns    []*fakeConn
	failing  bool
	failNext int

	dials   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	d.dials.Add(1)
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.release != nil {
		<-d.release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("gateway indisponível")
	}
	if d.failing {
		return nil, errors.New("gateway indisponível")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeGate struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (g *fakeGate) EnsureFresh(ctx context.Context, threshold time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.token, g.err
}

func (g *fakeGate) set(token string, err error) {
	g.mu.Lock()
	g.token, g.err = token, err
	g.mu.Unlock()
}

func testConfig() Config {
	return Config{
		URL:                  "ws://gateway.test/realtime",
		UserType:             "admin",
		DisplayName:          "Central",
		MaxReconnectAttempts: 3,
		ReconnectBase:        time.Millisecond,
		ReconnectMax:         4 * time.Millisecond,
		TypingRate:           0.001,
	}
}

func newTestClient(t *testing.T, d *fakeDialer, g *fakeGate) *Client {
	t.Helper()
	c := New(testConfig(), d, g, zerolog.Nop())
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectIsSingleFlight(t *testing.T) {
	d := &fakeDialer{entered: make(chan struct{}, 2), release: make(chan struct{})}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	<-d.entered

	require.Equal(t, StateConnecting, c.State())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	close(d.release)
	require.NoError(t, <-done)
	require.Equal(t, StateConnected, c.State())
	require.EqualValues(t, 1, d.dials.Load())

	require.NoError(t, c.Connect(context.Background()))
	require.EqualValues(t, 1, d.dials.Load())
}

func TestRoomsReplayedInOrderAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom(context.Background(), "A"))
	require.NoError(t, c.JoinRoom(context.Background(), "B"))
	require.NoError(t, c.JoinRoom(context.Background(), "A"))
	require.Equal(t, []string{"A", "B"}, c.Rooms())

	first := d.conn(0)
	require.Equal(t, []string{"A", "B", "A"}, first.joinedRooms())
	_ = first.Close()

	require.Eventually(t, func() bool {
		return d.connCount() == 2 && c.State() == StateConnected
	}, time.Second, time.Millisecond)

	second := d.conn(1)
	require.Eventually(t, func() bool { return len(second.joinedRooms()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"A", "B"}, second.joinedRooms())

	var join joinRoomPayload
	require.NoError(t, json.Unmarshal(second.sent()[0].Data, &join))
	require.Equal(t, joinRoomPayload{SosID: "A", UserType: "admin", DisplayName: "Central"}, join)
}

func TestJoinBeforeConnectIsReplayed(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	require.NoError(t, c.JoinRoom(context.Background(), "S1"))
	require.ErrorIs(t, c.JoinRoom(context.Background(), " "), ErrEmptyRoom)
	require.NoError(t, c.Connect(context.Background()))

	require.Equal(t, []string{"S1"}, d.conn(0).joinedRooms())
}

func TestLeaveRoomRemovesFromReplay(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom(context.Background(), "A"))
	require.NoError(t, c.JoinRoom(context.Background(), "B"))
	require.NoError(t, c.LeaveRoom(context.Background(), "A"))

	frames := d.conn(0).sent()
	require.Equal(t, EventRoomLeave, frames[len(frames)-1].Event)
	require.Equal(t, []string{"B"}, c.Rooms())

	_ = d.conn(0).Close()
	require.Eventually(t, func() bool {
		conn := d.conn(1)
		return conn != nil && len(conn.joinedRooms()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"B"}, d.conn(1).joinedRooms())
}

func TestReconnectIsBounded(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	var mu sync.Mutex
	var transportErrs []error
	c.OnTransportError(func(err error) {
		mu.Lock()
		transportErrs = append(transportErrs, err)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom(context.Background(), "A"))
	d.setFailing(true)
	_ = d.conn(0).Close()

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	require.ErrorIs(t, c.LastError(), ErrReconnectExhausted)
	require.EqualValues(t, 1+3, d.dials.Load())

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1+3, d.dials.Load())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transportErrs) > 0 && errors.Is(transportErrs[len(transportErrs)-1], ErrReconnectExhausted)
	}, time.Second, time.Millisecond)

	d.setFailing(false)
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, []string{"A"}, d.conn(1).joinedRooms())
}

func TestConnectWithExpiredTokenAborts(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{err: auth.ErrTokenExpired})

	var transportCalls atomic.Int32
	c.OnTransportError(func(error) { transportCalls.Add(1) })

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, auth.ErrTokenExpired)
	require.EqualValues(t, 0, d.dials.Load())
	require.Equal(t, StateDisconnected, c.State())
	require.ErrorIs(t, c.LastError(), auth.ErrTokenExpired)
	require.EqualValues(t, 0, transportCalls.Load())
}

func TestInitialDialFailureDoesNotRetry(t *testing.T) {
	d := &fakeDialer{failing: true}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	var transportErr error
	c.OnTransportError(func(err error) { transportErr = err })

	err := c.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "dial", terr.Op)
	require.ErrorIs(t, transportErr, ErrTransport)
	require.Equal(t, StateDisconnected, c.State())

	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 1, d.dials.Load())
}

func TestReconnectStopsOnExpiredToken(t *testing.T) {
	d := &fakeDialer{}
	g := &fakeGate{token: "tok"}
	c := newTestClient(t, d, g)

	require.NoError(t, c.Connect(context.Background()))
	g.set("", auth.ErrTokenExpired)
	_ = d.conn(0).Close()

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	require.ErrorIs(t, c.LastError(), auth.ErrTokenExpired)
	require.EqualValues(t, 1, d.dials.Load())
}

func TestMessagesDeliveredInServerOrder(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	got := make(chan MessageBroadcast, 2)
	c.OnMessage(func(m MessageBroadcast) { got <- m })

	require.NoError(t, c.Connect(context.Background()))
	conn := d.conn(0)
	conn.push(EventMessageBroadcast, MessageBroadcast{ID: "1", SosID: "S1", Content: "a"})
	conn.push(EventMessageBroadcast, MessageBroadcast{ID: "2", SosID: "S1", Content: "b"})

	first, second := <-got, <-got
	require.Equal(t, "a", first.Content)
	require.Equal(t, "b", second.Content)
	require.Equal(t, "S1", second.SosID)
}

func TestReRegisteringHandlerReplaces(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	var oldCalls atomic.Int32
	got := make(chan StatusBroadcast, 1)
	c.OnStatus(func(StatusBroadcast) { oldCalls.Add(1) })
	c.OnStatus(func(s StatusBroadcast) { got <- s })

	require.NoError(t, c.Connect(context.Background()))
	d.conn(0).push(EventStatusBroadcast, StatusBroadcast{SosID: "S1", Status: "EM_ATENDIMENTO"})

	require.Equal(t, "EM_ATENDIMENTO", (<-got).Status)
	require.EqualValues(t, 0, oldCalls.Load())
}

func TestServerErrorsAndMalformedFramesAreReported(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	serverErrs := make(chan ServerError, 1)
	transportErrs := make(chan error, 1)
	c.SetHandlers(Handlers{
		ServerError:    func(e ServerError) { serverErrs <- e },
		TransportError: func(err error) { transportErrs <- err },
	})

	require.NoError(t, c.Connect(context.Background()))
	conn := d.conn(0)
	conn.push(EventError, ServerError{Message: "sala inexistente", Code: "ROOM_NOT_FOUND"})
	conn.in <- []byte("nao-json")

	se := <-serverErrs
	require.Equal(t, "sala inexistente", se.Message)
	require.ErrorIs(t, <-transportErrs, ErrMalformedFrame)
	require.Equal(t, StateConnected, c.State())
}

func TestTypingStartIsThrottledStopIsNot(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	c.EmitTypingStart(context.Background(), "S1")
	c.EmitTypingStop(context.Background(), "S1")
	require.NoError(t, c.Connect(context.Background()))

	c.EmitTypingStart(context.Background(), "S1")
	c.EmitTypingStart(context.Background(), "S1")
	c.EmitTypingStart(context.Background(), "S2")
	c.EmitTypingStop(context.Background(), "S1")
	c.EmitTypingStop(context.Background(), "S1")

	var events []string
	for _, env := range d.conn(0).sent() {
		events = append(events, env.Event)
	}
	require.Equal(t, []string{EventTypingStart, EventTypingStart, EventTypingStop, EventTypingStop}, events)
}

func TestDisconnectIsIdempotentAndClearsRooms(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	var states []State
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom(context.Background(), "A"))
	c.Disconnect()
	c.Disconnect()

	require.Equal(t, StateDisconnected, c.State())
	require.Empty(t, c.Rooms())
	require.Empty(t, c.Status().ConnectionID)

	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 1, d.dials.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestDisconnectDuringHandshake(t *testing.T) {
	d := &fakeDialer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	<-d.entered
	c.Disconnect()
	close(d.release)

	require.ErrorIs(t, <-done, ErrClosed)
	require.Equal(t, StateDisconnected, c.State())
}

func TestReauthenticateUsesNewToken(t *testing.T) {
	d := &fakeDialer{}
	g := &fakeGate{token: "tok-1"}
	c := newTestClient(t, d, g)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom(context.Background(), "S1"))
	firstID := c.Status().ConnectionID

	g.set("tok-2", nil)
	require.NoError(t, c.Reauthenticate(context.Background()))

	require.Equal(t, StateConnected, c.State())
	require.Equal(t, []string{"tok-1", "tok-2"}, d.tokens)
	require.Equal(t, []string{"S1"}, d.conn(1).joinedRooms())
	require.NotEqual(t, firstID, c.Status().ConnectionID)

	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 2, d.dials.Load())
}

func TestReauthenticateDialFailureReconnects(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeGate{token: "tok"})

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom(context.Background(), "A"))
	require.NoError(t, c.JoinRoom(context.Background(), "B"))

	d.mu.Lock()
	d.failNext = 2
	d.mu.Unlock()

	err := c.Reauthenticate(context.Background())
	require.ErrorIs(t, err, ErrTransport)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 5
	}, time.Second, time.Millisecond)
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, 2, d.connCount())
	require.Equal(t, []string{"A", "B"}, d.conn(1).joinedRooms())
	require.Equal(t, []string{"A", "B"}, c.Rooms())
	require.EqualValues(t, 4, d.dials.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected, StateConnecting, StateReconnecting, StateConnected}, states)
}

func TestReauthenticateWithExpiredTokenDisconnects(t *testing.T) {
	d := &fakeDialer{}
	g := &fakeGate{token: "tok"}
	c := newTestClient(t, d, g)

	require.NoError(t, c.Connect(context.Background()))
	g.set("", auth.ErrTokenExpired)

	require.ErrorIs(t, c.Reauthenticate(context.Background()), auth.ErrTokenExpired)
	require.Equal(t, StateDisconnected, c.State())
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, d.dials.Load())
}

func TestBackoffIsBounded(t *testing.T) {
	c := New(Config{ReconnectBase: time.Second, ReconnectMax: 5 * time.Second}, &fakeDialer{}, &fakeGate{}, zerolog.Nop())

	require.Equal(t, time.Second, c.backoff(1))
	require.Equal(t, 2*time.Second, c.backoff(2))
	require.Equal(t, 4*time.Second, c.backoff(3))
	require.Equal(t, 5*time.Second, c.backoff(4))
	require.Equal(t, 5*time.Second, c.backoff(40))
}

func TestStatusUsesConfiguredClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Now = func() time.Time { return at }
	c := New(cfg, &fakeDialer{}, &fakeGate{token: "tok"}, zerolog.Nop())
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	st := c.Status()
	require.NotNil(t, st.ConnectedAt)
	require.Equal(t, at, *st.ConnectedAt)
}
