package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/scenario"
	"github.com/zulandar/switchyard/internal/userstore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// --- NewDispatcher tests ---

func TestNewDispatcher_Validation(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, scenario.ContextManagerOpts{})

	_, err := NewDispatcher(DispatcherOpts{Store: newMemStore()})
	assert.ErrorContains(t, err, "manager is required")

	_, err = NewDispatcher(DispatcherOpts{Manager: m})
	assert.ErrorContains(t, err, "store is required")

	_, err = NewDispatcher(DispatcherOpts{Manager: m, Store: newMemStore(), SkipAge: time.Second, WarnAge: time.Minute})
	assert.ErrorContains(t, err, "exceeds skip age")

	d, err := NewDispatcher(DispatcherOpts{Manager: m, Store: newMemStore()})
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, d.workers)
	assert.Equal(t, DefaultQueueSize, d.queueSize)
	assert.Equal(t, DefaultSaveRetries, d.saveRetries)
	assert.Len(t, d.locks, DefaultWorkers)
}

func TestRun_RequiresBus(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	assert.ErrorContains(t, f.d.Run(context.Background()), "bus is required")
}

// --- Handle tests ---

func TestHandle_AnswersAndPersists(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})

	resp := f.handle(t, voice("u1", "привет"))
	assert.Equal(t, message.NameAnswerToUser, resp.Name)
	assert.Equal(t, "Здравствуйте", resp.PayloadString("pronounceText"))

	u := f.user(t, "B2C:u1")
	assert.Equal(t, "HELLO", u.Context.Event)
	assert.Equal(t, message.NameAnswerToUser, u.Context.LastResponseMessageName)

	entries := f.exchanges.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "B2C:u1", entries[0].UserID)
	assert.Equal(t, message.NameMessageToSkill, entries[0].MessageName)
	assert.Equal(t, "HELLO", entries[0].Event)
	assert.Equal(t, message.NameAnswerToUser, entries[0].ResponseName)
	assert.Empty(t, entries[0].Error)
}

func TestHandle_RejectsMessageWithoutUser(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	_, err := f.d.Handle(context.Background(), &message.Message{Name: message.NameMessageToSkill})
	assert.ErrorContains(t, err, "has no user id")

	_, err = f.d.Handle(context.Background(), nil)
	assert.ErrorContains(t, err, "message is required")
}

func TestHandle_ReplyRoutedThroughScenario(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})

	req := f.handle(t, serverAction("u1", "GET_TOKEN"))
	require.Equal(t, "GET_TOKEN_REQUEST", req.Name)
	id := req.CallbackID()
	require.NotEmpty(t, id)
	assert.True(t, f.user(t, "B2C:u1").Behaviors.Has(id), "callback persisted")

	f.clock.Advance(time.Second)
	resp := f.handle(t, reply("u1", "GET_TOKEN_RESPONSE", id, map[string]any{"token": "abc"}))
	assert.Equal(t, "Токен получен", resp.PayloadString("pronounceText"))
	assert.Equal(t, 0, f.user(t, "B2C:u1").Behaviors.Len())
}

func TestHandle_FailedReplyRunsFailAction(t *testing.T) {
	tests := []struct {
		name  string
		reply func(id string) *message.Message
	}{
		{"error payload", func(id string) *message.Message {
			return reply("u1", "GET_TOKEN_RESPONSE", id, map[string]any{"error": "upstream down"})
		}},
		{"error name", func(id string) *message.Message {
			return reply("u1", "GET_TOKEN_ERROR", id, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
			req := f.handle(t, serverAction("u1", "GET_TOKEN"))

			resp := f.handle(t, tt.reply(req.CallbackID()))
			assert.Equal(t, "Не удалось", resp.PayloadString("pronounceText"))
			require.NotEmpty(t, resp.DebugInfo.CallHistory)
			assert.Equal(t, "token_failed", resp.DebugInfo.CallHistory[len(resp.DebugInfo.CallHistory)-1].Action)
			assert.Equal(t, 0, f.user(t, "B2C:u1").Behaviors.Len())
		})
	}
}

func TestHandle_MisstateReply(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	req := f.handle(t, onScreen(serverAction("u1", "GET_TOKEN"), "menu"))
	require.Equal(t, "GET_TOKEN_REQUEST", req.Name)

	resp := f.handle(t, onScreen(reply("u1", "GET_TOKEN_RESPONSE", req.CallbackID(), nil), "main"))
	assert.Equal(t, "Не туда", resp.PayloadString("pronounceText"))
}

func TestHandle_UnknownCallbackSkipped(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{})
	f.handle(t, voice("u1", "привет"))
	saves := f.store.saveCount()

	_, err := f.d.Handle(context.Background(), reply("u1", "GET_TOKEN_RESPONSE", "cb-404", nil))
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, saves, f.store.saveCount(), "state untouched")

	entries := f.exchanges.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "cb-404", entries[1].CallbackID)
	assert.Contains(t, entries[1].Error, "not outstanding")
}

func TestHandle_RestoresIdleTransaction(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{TransactionTimeout: 2 * time.Second})
	req := f.handle(t, serverAction("u1", "GET_TOKEN"))

	// The transaction goes idle before the behavior deadline.
	f.clock.Advance(2500 * time.Millisecond)
	resp := f.handle(t, reply("u1", "GET_TOKEN_RESPONSE", req.CallbackID(), nil))
	assert.Equal(t, "Токен получен", resp.PayloadString("pronounceText"))
	assert.Equal(t, "GET_TOKEN", resp.DebugInfo.BaseEvent)
}

func TestHandle_ExpiresCallbacksOnNewMessage(t *testing.T) {
	f := newFixture(t, DispatcherOpts{}, scenario.ContextManagerOpts{TransactionTimeout: time.Minute})
	req := f.handle(t, serverAction("u1", "GET_TOKEN"))

	f.clock.Advance(5 * time.Second)
	f.handle(t, voice("u1", "привет"))
	assert.False(t, f.user(t, "B2C:u1").Behaviors.Has(req.CallbackID()))
}

func TestHandle_SkipAndWarnAge(t *testing.T) {
	f := newFixture(t, DispatcherOpts{SkipAge: 30 * time.Second, WarnAge: 5 * time.Second}, scenario.ContextManagerOpts{})

	stale := voice("u1", "привет")
	stale.Timestamp = f.clock.Now().Add(-time.Minute)
	_, err := f.d.Handle(context.Background(), stale)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, 0, f.store.saveCount())

	slow := voice("u1", "привет")
	slow.Timestamp = f.clock.Now().Add(-10 * time.Second)
	resp := f.handle(t, slow)
	assert.Equal(t, "Здравствуйте", resp.PayloadString("pronounceText"))
}

func TestHandle_RetriesOnConflict(t *testing.T) {
	f := newFixture(t, DispatcherOpts{SaveRetries: 3}, scenario.ContextManagerOpts{})
	f.store.conflicts = 2

	resp := f.handle(t, voice("u1", "привет"))
	assert.Equal(t, "Здравствуйте", resp.PayloadString("pronounceText"))
	assert.Equal(t, 1, f.store.saveCount())
	assert.Len(t, f.exchanges.all(), 1, "one exchange per message")
}

func TestHandle_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, DispatcherOpts{SaveRetries: 1}, scenario.ContextManagerOpts{})
	f.store.conflicts = 5

	_, err := f.d.Handle(context.Background(), voice("u1", "привет"))
	assert.True(t, errors.Is(err, userstore.ErrConflict), "err = %v", err)
	assert.Equal(t, 3, f.store.conflicts, "initial attempt plus one retry")

	entries := f.exchanges.all()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "version conflict")
}

func TestFailed(t *testing.T) {
	tests := []struct {
		name string
		msg  *message.Message
		want bool
	}{
		{"plain reply", reply("u1", "GET_TOKEN_RESPONSE", "cb", nil), false},
		{"error name", reply("u1", message.NameError, "cb", nil), true},
		{"suffixed name", reply("u1", "PAY_ERROR", "cb", nil), true},
		{"error string", reply("u1", "PAY_RESPONSE", "cb", map[string]any{"error": "x"}), true},
		{"empty error", reply("u1", "PAY_RESPONSE", "cb", map[string]any{"error": ""}), false},
		{"false error", reply("u1", "PAY_RESPONSE", "cb", map[string]any{"error": false}), false},
		{"error object", reply("u1", "PAY_RESPONSE", "cb", map[string]any{"error": map[string]any{"code": 1}}), true},
		{"null error", reply("u1", "PAY_RESPONSE", "cb", map[string]any{"error": nil}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Failed(tt.msg))
		})
	}
}

// --- Run tests ---

func TestRun_DeliversPerUser(t *testing.T) {
	f := newFixture(t, DispatcherOpts{Workers: 3, QueueSize: 4}, scenario.ContextManagerOpts{})
	b := bus.New(bus.Opts{Size: 16})
	defer b.Close()
	f.d.bus = b

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		require.True(t, b.PublishInbound(voice(u, "привет")))
		require.True(t, b.PublishInbound(voice(u, "абракадабра")))
	}

	got := make(map[string][]string)
	for i := 0; i < 2*len(users); i++ {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		d, ok := b.SubscribeOutbound(waitCtx)
		waitCancel()
		require.True(t, ok, "timed out waiting for delivery")
		got[d.UserID] = append(got[d.UserID], d.Response.PayloadString("pronounceText"))
	}
	for _, u := range users {
		assert.Equal(t, []string{"Здравствуйте", "Не поняла"}, got["B2C:"+u], "user %s in order", u)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_StopsWhenBusCloses(t *testing.T) {
	f := newFixture(t, DispatcherOpts{Workers: 2}, scenario.ContextManagerOpts{})
	b := bus.New(bus.Opts{})
	f.d.bus = b

	done := make(chan error, 1)
	go func() { done <- f.d.Run(context.Background()) }()
	b.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after bus close")
	}
}

// --- userstore integration ---

func TestHandle_WithSQLiteStore(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(gdb))

	clock := newTestClock()
	store, err := userstore.NewStore(userstore.StoreOpts{DB: gdb, Clock: clock.Now})
	require.NoError(t, err)
	d, err := NewDispatcher(DispatcherOpts{
		Manager:   newManager(t, clock, scenario.ContextManagerOpts{}),
		Store:     store,
		Exchanges: store,
		Clock:     clock.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	req, err := d.Handle(ctx, serverAction("u1", "GET_TOKEN"))
	require.NoError(t, err)

	due, err := store.DueForTimeout(ctx, clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B2C:u1"}, due)

	resp, err := d.Handle(ctx, reply("u1", "GET_TOKEN_RESPONSE", req.CallbackID(), nil))
	require.NoError(t, err)
	assert.Equal(t, "Токен получен", resp.PayloadString("pronounceText"))

	due, err = store.DueForTimeout(ctx, clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	logs, err := store.RecentExchanges(ctx, "B2C:u1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "GET_TOKEN_RESPONSE", logs[0].MessageName)
	assert.Equal(t, "GET_TOKEN_REQUEST", logs[1].ResponseName)
}
