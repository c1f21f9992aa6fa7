package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHandshakeURLAddsToken(t *testing.T) {
	got, err := HandshakeURL("wss://gw.example.com/realtime?tenant=3550308", "a.b.c")
	require.NoError(t, err)
	require.Equal(t, "wss://gw.example.com/realtime?tenant=3550308&token=a.b.c", got)
}

func TestClientOverWebsocket(t *testing.T) {
	tokens := make(chan string, 1)
	frames := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frames <- string(data)

		msg := `{"event":"message:broadcast","data":{"id":"m1","sosId":"S1","senderType":"citizen","content":"socorro"}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	c := New(cfg, WebsocketDialer{}, &fakeGate{token: "tok-ws"}, zerolog.Nop())
	t.Cleanup(c.Disconnect)

	got := make(chan MessageBroadcast, 1)
	c.OnMessage(func(m MessageBroadcast) { got <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.JoinRoom(ctx, "S1"))
	require.NoError(t, c.Connect(ctx))

	require.Equal(t, "tok-ws", <-tokens)
	require.JSONEq(t, `{"event":"sos:room:join","data":{"sosId":"S1","userType":"admin","displayName":"Central"}}`, <-frames)

	select {
	case m := <-got:
		require.Equal(t, "socorro", m.Content)
		require.Equal(t, "citizen", m.SenderType)
	case <-ctx.Done():
		t.Fatal("mensagem não recebida")
	}
}
