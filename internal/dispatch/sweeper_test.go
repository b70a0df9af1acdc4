package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/scenario"
)

func newSweeper(t *testing.T, f *fixture, opts SweeperOpts) *Sweeper {
	t.Helper()
	opts.Store = f.store
	opts.Clock = f.clock.Now
	s, err := NewSweeper(opts)
	require.NoError(t, err)
	return s
}

func TestNewSweeper_Validation(t *testing.T) {
	_, err := NewSweeper(SweeperOpts{})
	assert.ErrorContains(t, err, "store is required")

	s, err := NewSweeper(SweeperOpts{Store: newMemStore()})
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, s.interval)
	assert.Equal(t, DefaultSweepBatch, s.batch)
	assert.ErrorContains(t, s.Run(context.Background()), "bus is required")
}

func TestSweeper_PollEmitsTimeoutOnce(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	s := newSweeper(t, f, SweeperOpts{})
	ctx := context.Background()

	req := f.handle(t, serverAction("u1", "GET_TOKEN"))
	msgs, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs, "callback not yet due")

	f.clock.Advance(5 * time.Second)
	msgs, err = s.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	timeout := msgs[0]
	assert.Equal(t, message.NameLocalTimeout, timeout.Name)
	assert.Equal(t, req.CallbackID(), timeout.CallbackID())
	assert.Equal(t, "B2C:u1", timeout.UserID())
	assert.Equal(t, "s1", timeout.SessionID)
	assert.True(t, f.user(t, "B2C:u1").Behaviors.Has(req.CallbackID()), "entry left for the dispatcher")

	msgs, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs, "already fired")

	resp := f.handle(t, timeout)
	assert.Equal(t, "Таймаут", resp.PayloadString("pronounceText"))
	assert.Equal(t, 0, f.user(t, "B2C:u1").Behaviors.Len())
}

func TestSweeper_BatchLimit(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	s := newSweeper(t, f, SweeperOpts{Batch: 2})
	for _, u := range []string{"u1", "u2", "u3"} {
		f.handle(t, serverAction(u, "GET_TOKEN"))
	}
	f.clock.Advance(time.Minute)

	first, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)
}

type failingStore struct{ *memStore }

func (failingStore) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, errors.New("db down")
}

func TestSweeper_PollError(t *testing.T) {
	s, err := NewSweeper(SweeperOpts{Store: failingStore{newMemStore()}})
	require.NoError(t, err)
	_, err = s.Poll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestSweeper_RunPublishes(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	b := bus.New(bus.Opts{Size: 4})
	defer b.Close()
	s := newSweeper(t, f, SweeperOpts{Bus: b, Interval: 10 * time.Millisecond})

	req := f.handle(t, serverAction("u1", "GET_TOKEN"))
	f.clock.Advance(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	msg, ok := b.ConsumeInbound(waitCtx)
	require.True(t, ok, "timed out waiting for timeout message")
	assert.Equal(t, req.CallbackID(), msg.CallbackID())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSweeper_SweepRetriesWhenBusFull(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	b := bus.New(bus.Opts{Size: 1})
	defer b.Close()
	s := newSweeper(t, f, SweeperOpts{Bus: b})
	ctx := context.Background()

	req := f.handle(t, serverAction("u1", "GET_TOKEN"))
	f.clock.Advance(5 * time.Second)
	require.True(t, b.PublishInbound(newMessage("u2", message.NameRunApp)))

	sent, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, uint64(1), b.DroppedInbound())

	_, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)

	sent, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	msg, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, req.CallbackID(), msg.CallbackID())

	sent, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "already fired")
}

func TestSweeper_SweepRequiresBus(t *testing.T) {
	s, err := NewSweeper(SweeperOpts{Store: newMemStore()})
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	assert.ErrorContains(t, err, "bus is required")
}

func TestTimeoutMessage_WithoutBase(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	msg := timeoutMessage("B2C:u9", "cb-7", dialog.Callback{OriginMessageID: 12}, now)
	assert.Equal(t, "B2C:u9", msg.UserID())
	assert.Equal(t, int64(12), msg.ID)
	assert.Equal(t, "cb-7", msg.CallbackID())
	assert.Equal(t, message.KindLocalTimeout, msg.Kind())
	assert.Equal(t, now, msg.Timestamp)
}
