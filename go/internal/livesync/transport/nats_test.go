package transport

import (
	"context"
	"testing"
	"time"

	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func newNATSTransport(t *testing.T, s *server.Server) *NATSTransport {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = s.ClientURL()
	cfg.MaxReconnects = 0
	cfg.ReconnectWait = 10 * time.Millisecond
	tr, err := NewNATSTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestNATSTransport_DeliversToOthersOnly(t *testing.T) {
	ctx := context.Background()
	tr := newNATSTransport(t, runNATSServer(t))
	name := events.ChannelName("161803")

	leader, err := tr.Open(ctx, name, Options{ExcludeSelf: true})
	require.NoError(t, err)
	defer leader.Close()
	follower, err := tr.Open(ctx, name, Options{ExcludeSelf: true})
	require.NoError(t, err)
	defer follower.Close()
	other, err := tr.Open(ctx, events.ChannelName("999999"), Options{ExcludeSelf: true})
	require.NoError(t, err)
	defer other.Close()

	leaderGot := make(chan events.Message, 4)
	followerGot := make(chan events.Message, 4)
	otherGot := make(chan events.Message, 4)
	leader.On(events.TypeScroll, func(m events.Message) { leaderGot <- m })
	follower.On(events.TypeScroll, func(m events.Message) { followerGot <- m })
	other.On(events.TypeScroll, func(m events.Message) { otherGot <- m })

	require.NoError(t, leader.Send(ctx, events.NewScroll("1:4")))

	msg := receive(t, followerGot)
	assert.Equal(t, events.VerseKey("1:4"), msg.Scroll.Verse)

	require.NoError(t, tr.nc.Flush())
	assert.Never(t, func() bool { return len(leaderGot) > 0 || len(otherGot) > 0 },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestNATSTransport_HeadersOnPublish(t *testing.T) {
	ctx := context.Background()
	s := runNATSServer(t)
	tr := newNATSTransport(t, s)
	name := events.ChannelName("202020")

	ch, err := tr.Open(ctx, name, Options{ExcludeSelf: true})
	require.NoError(t, err)
	defer ch.Close()

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync(name)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, ch.Send(ctx, events.NewSetting("translation", "he")))

	m, err := sub.NextMsg(waitFor)
	require.NoError(t, err)
	assert.Equal(t, ch.(*natsChannel).id, m.Header.Get(HeaderSenderID))
	assert.Equal(t, string(events.TypeSetting), m.Header.Get(HeaderMessageType))

	decoded, err := events.Decode(m.Data)
	require.NoError(t, err)
	assert.Equal(t, "translation", decoded.Setting.Key)

	// Publishers outside the transport carry no sender id and are delivered
	got := make(chan events.Message, 1)
	ch.On(events.TypeTime, func(m events.Message) { got <- m })
	data, err := events.Encode(events.NewTime(7))
	require.NoError(t, err)
	require.NoError(t, nc.Publish(name, data))
	assert.Equal(t, 7.0, receive(t, got).Time.Minutes)
}

func TestNATSTransport_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := newNATSTransport(t, runNATSServer(t))

	dropped := make(chan error, 1)
	ch, err := tr.Open(ctx, "megillah.live.303030", Options{OnDrop: func(err error) { dropped <- err }})
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(ctx, events.NewTime(1)), ErrChannelClosed)

	tr.mu.Lock()
	assert.Empty(t, tr.channels)
	tr.mu.Unlock()

	require.NoError(t, tr.Close())
	select {
	case err := <-dropped:
		t.Fatalf("closed channel reported a drop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSTransport_CloseFromHandler(t *testing.T) {
	ctx := context.Background()
	tr := newNATSTransport(t, runNATSServer(t))
	name := events.ChannelName("404040")

	leader, err := tr.Open(ctx, name, Options{ExcludeSelf: true})
	require.NoError(t, err)
	defer leader.Close()
	follower, err := tr.Open(ctx, name, Options{ExcludeSelf: true})
	require.NoError(t, err)

	closed := make(chan error, 1)
	follower.On(events.TypeTime, func(events.Message) { closed <- follower.Close() })

	require.NoError(t, leader.Send(ctx, events.NewTime(5)))
	require.NoError(t, receive(t, closed))
	assert.ErrorIs(t, follower.Send(ctx, events.NewTime(6)), ErrChannelClosed)
}

func TestNATSTransport_ConnectionLossReportsDrop(t *testing.T) {
	ctx := context.Background()
	s := runNATSServer(t)
	tr := newNATSTransport(t, s)

	dropped := make(chan error, 2)
	ch, err := tr.Open(ctx, "megillah.live.505050", Options{OnDrop: func(err error) { dropped <- err }})
	require.NoError(t, err)
	closedEarly, err := tr.Open(ctx, "megillah.live.505051", Options{OnDrop: func(err error) { dropped <- err }})
	require.NoError(t, err)
	require.NoError(t, closedEarly.Close())

	s.Shutdown()

	err = receive(t, dropped)
	assert.ErrorContains(t, err, "nats connection closed")
	assert.ErrorIs(t, ch.Send(ctx, events.NewTime(1)), ErrChannelClosed)
	assert.Error(t, tr.Ping(ctx))

	select {
	case err := <-dropped:
		t.Fatalf("drop reported twice: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSTransport_OpenAfterClose(t *testing.T) {
	tr := newNATSTransport(t, runNATSServer(t))
	require.NoError(t, tr.Ping(context.Background()))
	require.NoError(t, tr.Close())

	_, err := tr.Open(context.Background(), "megillah.live.606060", Options{})
	assert.ErrorContains(t, err, "nats connection closed")
}
