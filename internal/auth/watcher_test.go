package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/sos/internal/session"
)

func TestWatcherCheckOnceNotifiesRefresh(t *testing.T) {
	fake := &fakeIdentity{t: t, body: okRefreshBody}
	m, _ := newManager(t, fake, &session.TokenPair{AccessToken: mintToken(t, fixedNow.Add(20*time.Second)), RefreshToken: "r1"})

	var got session.TokenPair
	w := NewWatcher(m, WatcherConfig{
		Interval:    time.Hour,
		Threshold:   time.Minute,
		OnRefreshed: func(p session.TokenPair) { got = p },
		OnExpired:   func(error) { t.Fatal("não deveria expirar") },
	}, zerolog.Nop())

	require.NoError(t, w.CheckOnce(context.Background()))
	require.Equal(t, "new", got.AccessToken)
}

func TestWatcherRefreshesAlreadyExpiredToken(t *testing.T) {
	fake := &fakeIdentity{t: t, body: okRefreshBody}
	m, store := newManager(t, fake, &session.TokenPair{AccessToken: mintToken(t, fixedNow.Add(-time.Minute)), RefreshToken: "r1"})

	w := NewWatcher(m, WatcherConfig{Threshold: time.Minute}, zerolog.Nop())
	require.NoError(t, w.CheckOnce(context.Background()))

	pair, _ := store.Pair()
	require.Equal(t, "new", pair.AccessToken)
}

func TestWatcherCheckOnceReportsExpiry(t *testing.T) {
	fake := &fakeIdentity{t: t, status: http.StatusUnauthorized}
	m, _ := newManager(t, fake, &session.TokenPair{AccessToken: mintToken(t, fixedNow.Add(20*time.Second)), RefreshToken: "r1"})

	var expired error
	w := NewWatcher(m, WatcherConfig{Threshold: time.Minute, OnExpired: func(err error) { expired = err }}, zerolog.Nop())

	err := w.CheckOnce(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationExpired)
	require.ErrorIs(t, expired, ErrAuthenticationExpired)
}

func TestWatcherTransientFailureDoesNotExpire(t *testing.T) {
	fake := &fakeIdentity{t: t, status: http.StatusInternalServerError}
	m, _ := newManager(t, fake, &session.TokenPair{AccessToken: mintToken(t, fixedNow.Add(20*time.Second)), RefreshToken: "r1"})

	w := NewWatcher(m, WatcherConfig{Threshold: time.Minute, OnExpired: func(error) { t.Fatal("falha transitória não encerra sessão") }}, zerolog.Nop())

	err := w.CheckOnce(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
}

func TestWatcherStartStop(t *testing.T) {
	fake := &fakeIdentity{t: t, body: okRefreshBody}
	m, _ := newManager(t, fake, &session.TokenPair{AccessToken: mintToken(t, fixedNow.Add(time.Hour)), RefreshToken: "r1"})

	w := NewWatcher(m, WatcherConfig{Interval: 5 * time.Millisecond, Threshold: time.Minute}, zerolog.Nop())
	w.Start(context.Background())
	w.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	w.Stop()

	require.EqualValues(t, 0, fake.calls.Load())
	require.Nil(t, w.cancel)
}
