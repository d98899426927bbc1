package livesync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/megillah-live/reader/go/internal/livesync/arbiter"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/megillah-live/reader/go/internal/livesync/pending"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every UI callback a controller fires
type recorder struct {
	scrolls  []events.VerseKey
	times    []float64
	words    []string
	verses   []events.VerseKey
	settings map[string]any
	errs     []error
	viewport []arbiter.ScrollRequest
}

func newRecorder() *recorder {
	return &recorder{settings: map[string]any{}}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnScrollTarget:   func(v events.VerseKey) { r.scrolls = append(r.scrolls, v) },
		OnTimeUpdate:     func(m float64) { r.times = append(r.times, m) },
		OnWordHighlight:  func(id string) { r.words = append(r.words, id) },
		OnVerseHighlight: func(v events.VerseKey) { r.verses = append(r.verses, v) },
		OnSettingChange:  func(k string, v any) { r.settings[k] = v },
		OnError:          func(err error) { r.errs = append(r.errs, err) },
	}
}

func (r *recorder) ScrollTo(req arbiter.ScrollRequest) {
	r.viewport = append(r.viewport, req)
}

type harness struct {
	records *store.MemoryStore
	tr      *transport.Memory
	clock   *clockwork.FakeClock
}

func newHarness() *harness {
	return &harness{
		records: store.NewMemoryStore(),
		tr:      transport.NewMemory(),
		clock:   clockwork.NewFakeClock(),
	}
}

func (h *harness) controller(opts ...Option) *Controller {
	base := []Option{WithClock(h.clock)}
	return NewController(h.records, h.tr, append(base, opts...)...)
}

func (h *harness) follower(t *testing.T, code string) (*Controller, *Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	c := h.controller(WithHandlers(rec.handlers()), WithViewport(rec))
	s, err := c.Join(context.Background(), code, "")
	require.NoError(t, err)
	require.Equal(t, RoleFollower, s.Role())
	return c, s, rec
}

func fixedCode(code string) Option {
	return WithCodeGenerator(func() (string, error) { return code, nil })
}

func TestJoin_RoleResolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.records.Insert(ctx, store.Record{Code: "314159", Password: "purim"}))

	tests := []struct {
		name     string
		password string
		role     Role
	}{
		{"matching password", "purim", RoleLeader},
		{"wrong password", "pesach", RoleFollower},
		{"empty password", "", RoleFollower},
		{"case differs", "Purim", RoleFollower},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := h.controller()
			defer c.Close()

			s, err := c.Join(ctx, "314159", tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.role, s.Role())
			assert.Equal(t, "314159", s.Code())
			assert.True(t, s.Active())
		})
	}
}

func TestJoin_EmptyStoredPasswordNeverGrantsLeader(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.records.Insert(ctx, store.Record{Code: "100001", Password: ""}))

	s, err := h.controller().Join(ctx, "100001", "")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, s.Role())
}

func TestJoin_UnknownCode(t *testing.T) {
	h := newHarness()
	c := h.controller()

	s, err := c.Join(context.Background(), "000000", "whatever")
	assert.Nil(t, s)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "000000", notFound.Code)
	assert.Equal(t, "session not found", UserMessage(err))
	assert.Equal(t, 0, h.tr.OpenChannels())
	assert.Nil(t, c.Session())
	assert.False(t, c.Loading())
}

func TestCreate_LeaderWithPendingSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	pend := pending.NewMemoryStore()
	c := h.controller(WithPendingStore(pend), fixedCode("271828"))

	s, err := c.Create(ctx, "megillah")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, s.Role())
	assert.Equal(t, "271828", s.Code())
	assert.Equal(t, 1, h.tr.Subscribers(events.ChannelName("271828")))

	stored, err := h.records.FetchPassword(ctx, "271828")
	require.NoError(t, err)
	assert.Equal(t, "megillah", stored)

	p, ok, err := c.Pending()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pending.Session{Code: "271828", Password: "megillah"}, p)
}

func TestCreate_ReloadThenBroadcastClearsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	pend := pending.NewFileStore(t.TempDir())

	first := h.controller(WithPendingStore(pend), fixedCode("161803"))
	_, err := first.Create(ctx, "ahasuerus")
	require.NoError(t, err)
	first.Close()

	// reload: a new controller over the same durable store
	reloaded := h.controller(WithPendingStore(pending.NewFileStore(pend.Dir)))
	p, ok, err := reloaded.Pending()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pending.Session{Code: "161803", Password: "ahasuerus"}, p)

	s, err := reloaded.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, s.Role())
	assert.Equal(t, "161803", s.Code())

	require.NoError(t, s.Broadcast(ctx, "1:1"))
	assert.True(t, s.Broadcasting())

	_, ok, err = reloaded.Pending()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreate_StoreFailure(t *testing.T) {
	h := newHarness()
	h.records.InsertErr = errors.New("duplicate key value violates unique constraint")
	c := h.controller()

	s, err := c.Create(context.Background(), "pw")
	assert.Nil(t, s)

	var createErr *CreateError
	require.ErrorAs(t, err, &createErr)
	assert.Equal(t, "duplicate key value violates unique constraint", err.Error())
	assert.Equal(t, 0, h.tr.OpenChannels())
	assert.False(t, c.Loading())
}

func TestCreate_TransportFailure(t *testing.T) {
	h := newHarness()
	h.tr.OpenErr = errors.New("nats: no servers available for connection")
	c := h.controller(fixedCode("222333"))

	_, err := c.Create(context.Background(), "pw")

	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "222333", trErr.Code)
	assert.Contains(t, UserMessage(err), "no servers available")
	assert.Nil(t, c.Session())
}

func TestFollower_ReceivesLeaderBroadcasts(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	leaderCtl := h.controller(fixedCode("123456"))
	leader, err := leaderCtl.Create(ctx, "pw")
	require.NoError(t, err)

	_, follower, rec := h.follower(t, "123456")

	require.NoError(t, leader.Broadcast(ctx, "1:1"))
	require.NoError(t, leader.SendTime(ctx, 24.5))
	require.NoError(t, leader.SendSetting(ctx, "showTranslation", true))

	assert.Equal(t, []events.VerseKey{"1:1"}, rec.scrolls)
	assert.Equal(t, []float64{24.5}, rec.times)
	assert.Equal(t, true, rec.settings["showTranslation"])
	require.Len(t, rec.viewport, 1)
	assert.Equal(t, arbiter.DefaultMargin, rec.viewport[0].Margin)
	assert.True(t, rec.viewport[0].Smooth)

	latest, ok := follower.LatestVerse()
	require.True(t, ok)
	assert.Equal(t, events.VerseKey("1:1"), latest)
}

func TestLeader_ScrollThrottle(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	leader, err := h.controller(fixedCode("123456")).Create(ctx, "pw")
	require.NoError(t, err)
	_, _, rec := h.follower(t, "123456")

	start := h.clock.Now()
	verses := []events.VerseKey{"1:1", "1:2", "1:3", "1:4"}
	for i, offset := range []time.Duration{0, 50, 150, 250} {
		h.clock.Advance(start.Add(offset * time.Millisecond).Sub(h.clock.Now()))
		require.NoError(t, leader.Broadcast(ctx, verses[i]))
	}

	assert.Equal(t, []events.VerseKey{"1:1", "1:4"}, rec.scrolls)
}

func TestFollower_HighlightSuppressesScroll(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	leader, err := h.controller(fixedCode("123456")).Create(ctx, "pw")
	require.NoError(t, err)
	_, _, rec := h.follower(t, "123456")

	require.NoError(t, leader.SendWord(ctx, "3:7-5"))
	h.clock.Advance(1000 * time.Millisecond)
	require.NoError(t, leader.Broadcast(ctx, "4:1"))
	h.clock.Advance(2500 * time.Millisecond)
	require.NoError(t, leader.Broadcast(ctx, "4:1"))
	require.NoError(t, leader.SendWord(ctx, "v:4:2"))

	assert.Equal(t, []string{"3:7-5"}, rec.words)
	assert.Equal(t, []events.VerseKey{"4:2"}, rec.verses)
	assert.Equal(t, []events.VerseKey{"3:7", "4:1", "4:2"}, rec.scrolls)
}

func TestFollower_DuplicateScrollMovesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	leader, err := h.controller(fixedCode("123456")).Create(ctx, "pw")
	require.NoError(t, err)
	_, _, rec := h.follower(t, "123456")

	require.NoError(t, leader.Broadcast(ctx, "5:5"))
	h.clock.Advance(time.Second)
	require.NoError(t, leader.Broadcast(ctx, "5:5"))

	assert.Len(t, rec.viewport, 1)
}

func TestFollower_SyncToggleJumpsToLatest(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	leader, err := h.controller(fixedCode("123456")).Create(ctx, "pw")
	require.NoError(t, err)
	_, follower, rec := h.follower(t, "123456")

	follower.SetFollowing(false)
	assert.False(t, follower.Following())
	require.NoError(t, leader.Broadcast(ctx, "2:1"))
	h.clock.Advance(time.Second)
	require.NoError(t, leader.Broadcast(ctx, "2:2"))
	assert.Empty(t, rec.scrolls)

	follower.SetFollowing(true)
	assert.Equal(t, []events.VerseKey{"2:2"}, rec.scrolls)
}

func TestFollower_CannotSend(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	_, err := h.controller(fixedCode("123456")).Create(ctx, "pw")
	require.NoError(t, err)
	_, follower, _ := h.follower(t, "123456")

	assert.NoError(t, follower.Broadcast(ctx, "1:1"), "broadcast is a no-op for followers")
	assert.ErrorIs(t, follower.SendTime(ctx, 1), ErrNotLeader)
	assert.ErrorIs(t, follower.SendWord(ctx, "1:1-1"), ErrNotLeader)
	assert.ErrorIs(t, follower.SendSetting(ctx, "k", 1), ErrNotLeader)
	assert.ErrorIs(t, follower.StartBroadcasting(), ErrNotLeader)
}

func TestLeader_IgnoresInbound(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	recA := newRecorder()
	a, err := h.controller(fixedCode("123456"), WithHandlers(recA.handlers())).Create(ctx, "pw")
	require.NoError(t, err)

	// a second leader on the same code, e.g. the same reader on another device
	b, err := h.controller().Join(ctx, "123456", "pw")
	require.NoError(t, err)
	require.True(t, b.IsLeader())

	require.NoError(t, b.Broadcast(ctx, "9:1"))
	require.NoError(t, a.Broadcast(ctx, "9:2"))

	assert.Empty(t, recA.scrolls)
	assert.False(t, a.Following())
}

func TestLeave_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.controller(fixedCode("123456"))
	s, err := c.Create(ctx, "pw")
	require.NoError(t, err)

	c.Leave()
	assert.Nil(t, c.Session())
	assert.False(t, s.Active())
	assert.Equal(t, 0, h.tr.OpenChannels())

	assert.NotPanics(t, func() {
		c.Leave()
		s.Leave()
	})
	assert.Nil(t, c.Session())
	assert.Equal(t, 0, h.tr.OpenChannels())
	assert.NoError(t, s.Broadcast(ctx, "1:1"))
}

func TestSession_LeaveFromSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.controller(fixedCode("123456"))
	s, err := c.Create(ctx, "pw")
	require.NoError(t, err)

	s.Leave()
	assert.Nil(t, c.Session())
	assert.Equal(t, 0, h.tr.OpenChannels())
}

func TestController_OneChannelAtATime(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.records.Insert(ctx, store.Record{Code: "555555", Password: "x"}))
	c := h.controller(fixedCode("444444"))

	first, err := c.Create(ctx, "pw")
	require.NoError(t, err)
	second, err := c.Join(ctx, "555555", "")
	require.NoError(t, err)

	assert.False(t, first.Active())
	assert.True(t, second.Active())
	assert.Equal(t, 1, h.tr.OpenChannels())
}

type blockingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) FetchPassword(ctx context.Context, code string) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStore.FetchPassword(ctx, code)
}

func TestJoin_InFlightGuards(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Insert(ctx, store.Record{Code: "777777", Password: "pw"}))
	bs := &blockingStore{MemoryStore: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
	tr := transport.NewMemory()
	c := NewController(bs, tr)

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.Join(ctx, "777777", "pw")
		done <- result{s, err}
	}()
	<-bs.entered

	assert.True(t, c.Loading())
	_, err := c.Join(ctx, "777777", "pw")
	assert.ErrorIs(t, err, ErrOperationInFlight)

	// the UI unmounts while the join is still pending
	c.Close()
	close(bs.release)

	select {
	case r := <-done:
		assert.Nil(t, r.s)
		assert.ErrorIs(t, r.err, ErrSessionAbandoned)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not resolve")
	}
	assert.Equal(t, 0, tr.OpenChannels())
	assert.Nil(t, c.Session())

	_, err = c.Create(ctx, "pw")
	assert.ErrorIs(t, err, ErrControllerClosed)
}

func TestTransportDrop_ReportsError(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	_, err := h.controller(fixedCode("123456")).Create(ctx, "pw")
	require.NoError(t, err)
	c, follower, rec := h.follower(t, "123456")

	h.tr.Drop(events.ChannelName("123456"), errors.New("connection reset"))

	require.Len(t, rec.errs, 1)
	var trErr *TransportError
	require.ErrorAs(t, rec.errs[0], &trErr)
	assert.Equal(t, "123456", trErr.Code)
	assert.Nil(t, c.Session())
	assert.False(t, follower.Active())

	// manual retry by re-joining
	again, err := c.Join(ctx, "123456", "")
	require.NoError(t, err)
	assert.True(t, again.Active())
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	_, err := h.controller(WithPendingStore(pending.NewMemoryStore())).Resume(ctx)
	assert.ErrorIs(t, err, ErrNoPendingSession)

	stale := pending.NewMemoryStore()
	require.NoError(t, stale.Save(pending.Session{Code: "000001", Password: "gone"}))
	_, err = h.controller(WithPendingStore(stale)).Resume(ctx)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
	_, ok, _ := stale.Load()
	assert.False(t, ok, "stale pending session is cleared")
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	pend := pending.NewMemoryStore()
	c := h.controller(WithPendingStore(pend), fixedCode("888888"))
	_, err := c.Create(ctx, "pw")
	require.NoError(t, err)

	require.NoError(t, c.Abandon())
	_, ok, _ := pend.Load()
	assert.False(t, ok)
	assert.Nil(t, c.Session())
	assert.Equal(t, 0, h.tr.OpenChannels())
}

func TestStartBroadcasting_ClearsOnlyOwnPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	pend := pending.NewMemoryStore()
	c := h.controller(WithPendingStore(pend), fixedCode("121212"))
	s, err := c.Create(ctx, "pw")
	require.NoError(t, err)

	require.NoError(t, pend.Save(pending.Session{Code: "343434", Password: "other"}))
	require.NoError(t, s.StartBroadcasting())
	p, ok, _ := pend.Load()
	require.True(t, ok)
	assert.Equal(t, "343434", p.Code)
}

func TestFreshCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[1-9][0-9]{5}$`)
	for i := 0; i < 200; i++ {
		code, err := FreshCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "session not found", UserMessage(fmt.Errorf("join: %w", &NotFoundError{Code: "1"})))
	assert.Equal(t, "insert failed", UserMessage(&CreateError{Err: errors.New("insert failed")}))
}

func TestFollower_LeaveFromHandlerOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	tr := transport.NewRedisTransport(client)
	records := store.NewMemoryStore()

	leaderCtl := NewController(records, tr, fixedCode("818181"))
	defer leaderCtl.Close()
	leader, err := leaderCtl.Create(ctx, "pw")
	require.NoError(t, err)

	left := make(chan struct{})
	var followerCtl *Controller
	followerCtl = NewController(records, tr, WithHandlers(Handlers{
		OnTimeUpdate: func(float64) {
			followerCtl.Leave()
			close(left)
		},
	}))
	defer followerCtl.Close()
	_, err = followerCtl.Join(ctx, "818181", "")
	require.NoError(t, err)

	require.NoError(t, leader.SendTime(ctx, 5))

	select {
	case <-left:
	case <-time.After(3 * time.Second):
		t.Fatal("leave from an inbound handler did not return")
	}
	assert.Nil(t, followerCtl.Session())
}
