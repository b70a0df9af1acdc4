// Package dispatch runs inbound messages through the scenario engine.
//
// A Dispatcher serializes the messages of each user, loads the user's state
// before every message and saves it afterwards with optimistic concurrency.
// A Sweeper turns expired integration callbacks into LOCAL_TIMEOUT messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/scenario"
	"github.com/zulandar/switchyard/internal/userstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSkipped is returned by Handle for messages that are dropped without
// touching the user's state: messages older than the skip age and
// integration replies whose callback is no longer outstanding.
var ErrSkipped = errors.New("dispatch: message skipped")

// Default pool parameters.
const (
	DefaultWorkers     = 8
	DefaultQueueSize   = 100
	DefaultSaveRetries = 3
)

// Store loads and saves user state. userstore.Store satisfies it.
type Store interface {
	LoadOrNew(ctx context.Context, userID string) (*dialog.User, int64, error)
	Save(ctx context.Context, u *dialog.User, version int64) (int64, error)
}

// ExchangeLogger records one row per handled message.
type ExchangeLogger interface {
	LogExchange(ctx context.Context, entry *models.ExchangeLog) error
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Manager *scenario.ContextManager
	Store   Store
	Bus     *bus.Bus // required by Run only

	Workers     int           // defaults to DefaultWorkers
	QueueSize   int           // per-worker queue, defaults to DefaultQueueSize
	SkipAge     time.Duration // zero disables
	WarnAge     time.Duration // zero disables
	SaveRetries int           // defaults to DefaultSaveRetries

	Exchanges ExchangeLogger // optional
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Dispatcher processes messages with at most one message per user in flight.
type Dispatcher struct {
	manager     *scenario.ContextManager
	store       Store
	bus         *bus.Bus
	exchanges   ExchangeLogger
	workers     int
	queueSize   int
	skipAge     time.Duration
	warnAge     time.Duration
	saveRetries int
	clock       func() time.Time
	log         *zap.Logger

	locks []sync.Mutex
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("dispatch: manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if opts.SkipAge > 0 && opts.WarnAge > opts.SkipAge {
		return nil, fmt.Errorf("dispatch: warn age %v exceeds skip age %v", opts.WarnAge, opts.SkipAge)
	}
	d := &Dispatcher{
		manager:     opts.Manager,
		store:       opts.Store,
		bus:         opts.Bus,
		exchanges:   opts.Exchanges,
		workers:     opts.Workers,
		queueSize:   opts.QueueSize,
		skipAge:     opts.SkipAge,
		warnAge:     opts.WarnAge,
		saveRetries: opts.SaveRetries,
		clock:       opts.Clock,
		log:         opts.Logger,
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.queueSize <= 0 {
		d.queueSize = DefaultQueueSize
	}
	if d.saveRetries <= 0 {
		d.saveRetries = DefaultSaveRetries
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	d.locks = make([]sync.Mutex, d.workers)
	return d, nil
}

// Run consumes the bus until ctx is cancelled or the bus is closed. Each
// user is hashed onto one worker, so a user's messages are handled in the
// order they were published.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.bus == nil {
		return fmt.Errorf("dispatch: run: bus is required")
	}
	d.log.Info("dispatcher started", zap.Int("workers", d.workers))
	defer d.log.Info("dispatcher stopped")

	queues := make([]chan *message.Message, d.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		q := make(chan *message.Message, d.queueSize)
		queues[i] = q
		g.Go(func() error {
			for msg := range q {
				d.deliver(gctx, msg)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			msg, ok := d.bus.ConsumeInbound(gctx)
			if !ok {
				return nil
			}
			select {
			case queues[d.shard(msg.UserID())] <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

// deliver handles one queued message and publishes its response.
func (d *Dispatcher) deliver(ctx context.Context, msg *message.Message) {
	resp, err := d.Handle(ctx, msg)
	if err != nil {
		if errors.Is(err, ErrSkipped) {
			d.log.Debug("message skipped", zap.String("message", msg.String()), zap.Error(err))
			return
		}
		d.log.Error("message failed", zap.String("message", msg.String()), zap.Error(err))
		return
	}
	if resp == nil {
		return
	}
	d.bus.PublishOutbound(bus.Delivery{UserID: msg.UserID(), Message: msg, Response: resp})
}

// Handle processes msg synchronously under the user's lock and returns the
// engine's response. It returns ErrSkipped for dropped messages. The
// response is nil when the engine runs in base-kit mode and nothing
// answered.
func (d *Dispatcher) Handle(ctx context.Context, msg *message.Message) (*message.Response, error) {
	if msg == nil {
		return nil, fmt.Errorf("dispatch: message is required")
	}
	start := d.clock()
	userID := msg.UserID()
	if userID == "" {
		return nil, fmt.Errorf("dispatch: %s has no user id", msg)
	}

	age := msg.Age(start)
	if d.skipAge > 0 && age > d.skipAge {
		d.log.Warn("dropping stale message",
			zap.String("user", userID),
			zap.String("message", msg.String()),
			zap.Duration("age", age))
		err := fmt.Errorf("%w: %s is %v old", ErrSkipped, msg, age)
		d.logExchange(ctx, msg, nil, "", err, start)
		return nil, err
	}
	if d.warnAge > 0 && age > d.warnAge {
		d.log.Warn("slow message",
			zap.String("user", userID),
			zap.String("message", msg.String()),
			zap.Duration("age", age))
	}

	mu := &d.locks[d.shard(userID)]
	mu.Lock()
	defer mu.Unlock()

	var (
		resp  *message.Response
		event string
		err   error
	)
	for attempt := 0; ; attempt++ {
		resp, event, err = d.handleOnce(ctx, userID, msg)
		if !errors.Is(err, userstore.ErrConflict) || attempt >= d.saveRetries {
			break
		}
		d.log.Warn("user state changed concurrently, retrying",
			zap.String("user", userID),
			zap.Int("attempt", attempt+1))
	}
	d.logExchange(ctx, msg, resp, event, err, start)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// handleOnce loads the user, runs msg through the engine and saves the
// result. Nothing is saved when processing fails.
func (d *Dispatcher) handleOnce(ctx context.Context, userID string, msg *message.Message) (*message.Response, string, error) {
	u, version, err := d.store.LoadOrNew(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("dispatch: load %s: %w", userID, err)
	}
	resp, err := d.process(ctx, u, msg)
	if err != nil {
		return nil, "", err
	}
	if _, err := d.store.Save(ctx, u, version); err != nil {
		return nil, "", fmt.Errorf("dispatch: save %s: %w", userID, err)
	}
	return resp, u.Context.Event, nil
}

// process routes msg for u. Integration replies are matched against the
// user's outstanding callbacks first.
func (d *Dispatcher) process(ctx context.Context, u *dialog.User, msg *message.Message) (*message.Response, error) {
	u.Normalize()
	runner := d.manager.Behaviors()
	id := msg.CallbackID()
	if id == "" {
		if expired := runner.Expire(u); len(expired) > 0 {
			d.log.Debug("dropped expired callbacks", zap.String("user", u.ID), zap.Int("count", len(expired)))
		}
		return d.manager.Process(ctx, u, msg)
	}

	cb, ok := u.Behaviors.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: callback %s is not outstanding for %s", ErrSkipped, id, u.ID)
	}
	d.restoreTransaction(u, cb)
	if msg.Kind() == message.KindLocalTimeout {
		return d.manager.Process(ctx, u, msg)
	}

	outcome := scenario.OutcomeSuccess
	switch {
	case runner.CheckMisstate(u, id, d.manager.CurrentScenarioID(u, msg)) && runner.HasAction(u, id, scenario.OutcomeMisstate):
		outcome = scenario.OutcomeMisstate
	case Failed(msg):
		outcome = scenario.OutcomeFail
	}
	resp, handled, err := d.manager.Resolve(ctx, u, msg, outcome)
	if err != nil || handled {
		return resp, err
	}
	return d.manager.Process(ctx, u, msg)
}

// restoreTransaction brings back the transaction that sent the request cb
// answers when it has gone idle in the meantime.
func (d *Dispatcher) restoreTransaction(u *dialog.User, cb dialog.Callback) {
	now := d.clock()
	if u.Context.Local.Live(now, d.manager.TransactionTimeout()) {
		return
	}
	local, ok := u.Snapshot(cb.OriginMessageID)
	if !ok {
		if cb.LocalVars == nil {
			return
		}
		local = cb.LocalVars.Clone()
	}
	local.Step(now)
	u.Context.Local = local
	d.log.Debug("transaction restored",
		zap.String("user", u.ID),
		zap.Int64("origin_message", cb.OriginMessageID),
		zap.String("base_event", local.BaseEvent))
}

// Failed reports whether an integration reply carries a failure: an ERROR
// or *_ERROR name, or a non-empty "error" payload key.
func Failed(msg *message.Message) bool {
	if msg.Name == message.NameError || strings.HasSuffix(msg.Name, "_ERROR") {
		return true
	}
	v, ok := msg.Payload.Get("error")
	if !ok || v == nil {
		return false
	}
	switch e := v.(type) {
	case string:
		return e != ""
	case bool:
		return e
	case map[string]any:
		return len(e) > 0
	default:
		return true
	}
}

func (d *Dispatcher) logExchange(ctx context.Context, msg *message.Message, resp *message.Response, event string, err error, start time.Time) {
	if d.exchanges == nil {
		return
	}
	entry := &models.ExchangeLog{
		UserID:      msg.UserID(),
		MessageID:   msg.ID,
		MessageName: msg.Name,
		Event:       event,
		CallbackID:  msg.CallbackID(),
		LatencyMs:   int(d.clock().Sub(start) / time.Millisecond),
		CreatedAt:   start,
	}
	if resp != nil {
		entry.ResponseName = resp.Name
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := d.exchanges.LogExchange(context.WithoutCancel(ctx), entry); lerr != nil {
		d.log.Warn("exchange log failed", zap.String("user", entry.UserID), zap.Error(lerr))
	}
}

func (d *Dispatcher) shard(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(d.workers))
}
