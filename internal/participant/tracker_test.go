package participant

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTrackerJoinRefreshesCache(t *testing.T) {
	f, b := newFake(t)
	tr := NewTracker(NewClient(b, staticToken{token: "tok-U1"}), "S1", time.Hour, zerolog.Nop())

	_, err := tr.Join(context.Background(), UserTypeAdmin)
	require.NoError(t, err)

	snap := tr.Snapshot()
	require.True(t, snap.Joined)
	require.Len(t, snap.Participants, 1)
	require.Empty(t, snap.Error)
	require.NotNil(t, snap.RefreshedAt)
	require.Equal(t, 1, f.count("active"))

	require.NoError(t, tr.Leave(context.Background(), "U1"))
	snap = tr.Snapshot()
	require.False(t, snap.Joined)
	require.Empty(t, snap.Participants)
}

func TestTrackerKeepsLastKnownGoodOnFailure(t *testing.T) {
	f, b := newFake(t)
	tr := NewTracker(NewClient(b, staticToken{token: "tok-U1"}), "S1", time.Hour, zerolog.Nop())
	ctx := context.Background()

	_, err := tr.Join(ctx, UserTypeAdmin)
	require.NoError(t, err)

	f.setDown(true)
	require.Error(t, tr.Refresh(ctx))

	snap := tr.Snapshot()
	require.Len(t, snap.Participants, 1)
	require.Contains(t, snap.Error, "banco indisponível")

	f.setDown(false)
	require.NoError(t, tr.Refresh(ctx))
	require.Empty(t, tr.Snapshot().Error)
}

func TestTrackerResumeSkipsJoinWhenActive(t *testing.T) {
	f, b := newFake(t)
	client := NewClient(b, staticToken{token: "tok-U1"})
	ctx := context.Background()

	_, err := client.Join(ctx, "S123", UserTypeRescuer)
	require.NoError(t, err)
	joinsBefore := f.count("join")

	tr := NewTracker(client, "S123", time.Hour, zerolog.Nop())
	resumed, err := tr.Resume(ctx, "U1", UserTypeRescuer)
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, joinsBefore, f.count("join"))
	require.True(t, tr.Snapshot().Joined)
	require.Len(t, tr.Snapshot().Participants, 1)
}

func TestTrackerResumeJoinsWhenInactive(t *testing.T) {
	f, b := newFake(t)
	tr := NewTracker(NewClient(b, staticToken{token: "tok-U2"}), "S9", time.Hour, zerolog.Nop())

	resumed, err := tr.Resume(context.Background(), "U2", UserTypeCitizen)
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, 1, f.count("join"))
	require.True(t, tr.Snapshot().Joined)
}

func TestTrackerPollsUntilStopped(t *testing.T) {
	f, b := newFake(t)
	tr := NewTracker(NewClient(b, staticToken{token: "tok-U1"}), "S1", 5*time.Millisecond, zerolog.Nop())

	tr.Start(context.Background())
	tr.Start(context.Background())
	require.Eventually(t, func() bool { return f.count("active") >= 3 }, time.Second, time.Millisecond)
	tr.Stop()
	tr.Stop()
	time.Sleep(10 * time.Millisecond)

	after := f.count("active")
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, f.count("active"))
}

func TestTrackerDiscardsOlderConcurrentRefresh(t *testing.T) {
	f, b := newFake(t)
	client := NewClient(b, staticToken{token: "tok-U1"})
	tr := NewTracker(client, "S1", time.Hour, zerolog.Nop())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.holdNextActive(func() {
		close(entered)
		<-release
	})

	older := make(chan error, 1)
	go func() { older <- tr.Refresh(ctx) }()
	<-entered

	_, err := client.Join(ctx, "S1", UserTypeAdmin)
	require.NoError(t, err)
	require.NoError(t, tr.Refresh(ctx))
	require.Len(t, tr.Snapshot().Participants, 1)

	close(release)
	require.NoError(t, <-older)
	require.Len(t, tr.Snapshot().Participants, 1)
	require.Equal(t, 2, f.count("active"))
}

func TestTrackerUsesInjectedClock(t *testing.T) {
	_, b := newFake(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(NewClient(b, staticToken{token: "tok-U1"}), "S1", time.Hour, zerolog.Nop(),
		WithClock(func() time.Time { return at }))

	require.NoError(t, tr.Refresh(context.Background()))
	snap := tr.Snapshot()
	require.NotNil(t, snap.RefreshedAt)
	require.Equal(t, at, *snap.RefreshedAt)
}
