package dispatch

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// Default sweeper parameters.
const (
	DefaultSweepInterval = time.Second
	DefaultSweepBatch    = 100

	firedCacheSize = 10000
)

// TimeoutStore finds users with expired callbacks. userstore.Store
// satisfies it.
type TimeoutStore interface {
	DueForTimeout(ctx context.Context, now time.Time, limit int) ([]string, error)
	Load(ctx context.Context, userID string) (*dialog.User, int64, error)
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Store    TimeoutStore
	Bus      *bus.Bus      // required by Run only
	Interval time.Duration // defaults to DefaultSweepInterval
	Batch    int           // defaults to DefaultSweepBatch
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Sweeper emits a LOCAL_TIMEOUT message for every integration callback whose
// deadline has passed. Entries stay in the user's table; the dispatcher
// resolves them when the timeout message is handled. Each callback fires
// once.
type Sweeper struct {
	store    TimeoutStore
	bus      *bus.Bus
	interval time.Duration
	batch    int
	clock    func() time.Time
	log      *zap.Logger
	fired    *lru.Cache[string, struct{}]
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: sweeper: store is required")
	}
	fired, err := lru.New[string, struct{}](firedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: sweeper: %w", err)
	}
	s := &Sweeper{
		store:    opts.Store,
		bus:      opts.Bus,
		interval: opts.Interval,
		batch:    opts.Batch,
		clock:    opts.Clock,
		log:      opts.Logger,
		fired:    fired,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.batch <= 0 {
		s.batch = DefaultSweepBatch
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

// Poll performs one sweep and returns the timeout messages for callbacks
// that expired since the last sweep.
func (s *Sweeper) Poll(ctx context.Context) ([]*message.Message, error) {
	now := s.clock()
	ids, err := s.store.DueForTimeout(ctx, now, s.batch)
	if err != nil {
		return nil, err
	}
	var out []*message.Message
	for _, userID := range ids {
		u, _, err := s.store.Load(ctx, userID)
		if err != nil {
			s.log.Warn("sweeper: load user", zap.String("user", userID), zap.Error(err))
			continue
		}
		for _, cbID := range u.Behaviors.Expiring(now) {
			key := firedKey(userID, cbID)
			if s.fired.Contains(key) {
				continue
			}
			s.fired.Add(key, struct{}{})
			cb, _ := u.Behaviors.Get(cbID)
			out = append(out, timeoutMessage(userID, cbID, cb, now))
		}
	}
	return out, nil
}

// Run sweeps every interval until ctx is cancelled, publishing timeout
// messages on the bus.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.bus == nil {
		return fmt.Errorf("dispatch: sweeper: bus is required")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Warn("sweeper: poll failed", zap.Error(err))
			}
		}
	}
}

// Sweep polls once and publishes the timeout messages, returning how many
// were queued. A message the bus refuses is unmarked so the next sweep
// emits it again.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.bus == nil {
		return 0, fmt.Errorf("dispatch: sweeper: bus is required")
	}
	msgs, err := s.Poll(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, msg := range msgs {
		if !s.bus.PublishInbound(msg) {
			s.fired.Remove(firedKey(msg.UserID(), msg.CallbackID()))
			s.log.Warn("sweeper: timeout not queued, will retry",
				zap.String("user", msg.UserID()),
				zap.String("callback", msg.CallbackID()))
			continue
		}
		sent++
	}
	return sent, nil
}

func firedKey(userID, callbackID string) string {
	return userID + "/" + callbackID
}

// timeoutMessage builds the LOCAL_TIMEOUT for one callback, addressed like
// the message that started the transaction when it is known.
func timeoutMessage(userID, callbackID string, cb dialog.Callback, now time.Time) *message.Message {
	msg := &message.Message{
		Name:      message.NameLocalTimeout,
		ID:        cb.OriginMessageID,
		UUID:      message.UUID{UserID: userID},
		Timestamp: now,
	}
	if lv := cb.LocalVars; lv != nil && lv.BaseMessage != nil {
		if base := lv.BaseMessage; base.UserID() == userID {
			msg.UUID = base.UUID
			msg.SessionID = base.SessionID
		}
	}
	msg.SetHeader(message.HeaderCallbackID, callbackID)
	return msg
}
