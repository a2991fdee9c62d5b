// Package scheduler persists and fires per-agent schedules: absolute
// times, relative delays, and 5-field cron expressions. A single alarm
// tracks the nearest pending fire time across the schedule and queue
// tables; missed fires are replayed on hydration.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

// Common errors.
var (
	ErrInvalidWhen     = errors.New("unsupported schedule time")
	ErrUnknownCallback = errors.New("callback is not registered")
)

// retryDelay spaces out re-fires of rows whose callbacks failed, so
// at-least-once retries do not spin hot.
const retryDelay = 30 * time.Second

// epochMillisFloor splits ambiguous numeric "when" values: numbers at or
// above this are absolute epoch milliseconds, below are seconds-from-now.
const epochMillisFloor = 1e12

// Invoker resolves and runs named callbacks on the owning agent. The
// instance implements it; invocations run inside its single-writer loop.
type Invoker interface {
	HasCallback(name string) bool
	InvokeCallback(ctx context.Context, name string, payload json.RawMessage) error
	OnError(err error)
}

// Scheduler manages one agent's schedule rows and its alarm.
type Scheduler struct {
	store *storage.Store
	inv   Invoker
	log   *logger.Logger

	// fire is called (from the timer goroutine) when the alarm expires;
	// the instance uses it to enqueue alarm processing into its mailbox.
	fire func()

	// now is swappable for tests.
	now func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// New creates a scheduler over the agent's store. fire is invoked on alarm
// expiry and must be non-blocking.
func New(store *storage.Store, inv Invoker, fire func(), log *logger.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		inv:   inv,
		log:   log.WithFields(zap.String("component", "scheduler")),
		fire:  fire,
		now:   time.Now,
	}
}

// Close stops the alarm. Pending rows stay persisted for the next hydration.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Schedule normalizes when, validates the callback, persists the row, and
// re-arms the alarm. Accepted forms for when: time.Time (absolute),
// positive number of seconds from now, absolute epoch milliseconds, or a
// 5-field cron expression.
func (s *Scheduler) Schedule(ctx context.Context, when any, callback string, payload any) (storage.Schedule, error) {
	if !s.inv.HasCallback(callback) {
		return storage.Schedule{}, fmt.Errorf("%q: %w", callback, ErrUnknownCallback)
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return storage.Schedule{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		data = raw
	}

	now := s.now()
	sched, err := normalize(when, now)
	if err != nil {
		return storage.Schedule{}, err
	}
	sched.ID = uuid.New().String()
	sched.Callback = callback
	sched.Payload = data
	sched.CreatedAt = now.Unix()

	if err := s.store.PutSchedule(ctx, sched); err != nil {
		return storage.Schedule{}, err
	}
	if err := s.Arm(ctx, 0); err != nil {
		return storage.Schedule{}, err
	}

	s.log.Debug("schedule created",
		zap.String("schedule_id", sched.ID),
		zap.String("callback", callback),
		zap.String("kind", string(sched.Kind)),
		zap.Int64("time", sched.Time))
	return sched, nil
}

// Cancel deletes a schedule row and re-arms the alarm.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	return s.Arm(ctx, 0)
}

// Get returns one schedule row.
func (s *Scheduler) Get(ctx context.Context, id string) (storage.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns schedule rows matching the filter.
func (s *Scheduler) List(ctx context.Context, filter storage.ScheduleFilter) ([]storage.Schedule, error) {
	return s.store.ListSchedules(ctx, filter)
}

// ProcessDue fires every schedule whose time has arrived, in ascending
// time order. One-shot rows are deleted on success; cron rows advance to
// their next fire. Failed rows are retained and re-fire on the next alarm
// (at-least-once). Must run inside the instance's single-writer loop.
func (s *Scheduler) ProcessDue(ctx context.Context) error {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now.Unix())
	if err != nil {
		return err
	}

	for _, row := range due {
		if !s.inv.HasCallback(row.Callback) {
			s.log.Warn("dropping schedule with unknown callback",
				zap.String("schedule_id", row.ID),
				zap.String("callback", row.Callback))
			if row.Kind == storage.ScheduleCron {
				s.advanceCron(ctx, row, now)
			} else if err := s.store.DeleteSchedule(ctx, row.ID); err != nil {
				return err
			}
			continue
		}

		if err := s.inv.InvokeCallback(ctx, row.Callback, row.Payload); err != nil {
			s.log.Error("schedule callback failed",
				zap.String("schedule_id", row.ID),
				zap.String("callback", row.Callback),
				zap.Error(err))
			s.inv.OnError(err)
			continue // row retained, retried on the next alarm
		}

		if row.Kind == storage.ScheduleCron {
			s.advanceCron(ctx, row, now)
		} else if err := s.store.DeleteSchedule(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

// advanceCron rewrites a cron row's fire time to the next occurrence
// strictly after now. An unparseable expression deletes the row.
func (s *Scheduler) advanceCron(ctx context.Context, row storage.Schedule, now time.Time) {
	next, err := NextCronFire(row.Cron, now)
	if err != nil {
		s.log.Error("invalid cron expression on stored schedule, deleting",
			zap.String("schedule_id", row.ID),
			zap.String("cron", row.Cron),
			zap.Error(err))
		_ = s.store.DeleteSchedule(ctx, row.ID)
		return
	}
	if err := s.store.UpdateScheduleTime(ctx, row.ID, next.Unix()); err != nil {
		s.log.Error("failed to advance cron schedule",
			zap.String("schedule_id", row.ID), zap.Error(err))
	}
}

// Arm points the single alarm at min(time) across schedule rows, or at now
// when queue items are pending. minDelay clamps past-due wake-ups; the
// post-processing pass uses it to space out retries of failed rows.
func (s *Scheduler) Arm(ctx context.Context, minDelay time.Duration) error {
	next, ok, err := s.store.NextScheduleTime(ctx)
	if err != nil {
		return err
	}

	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var wake time.Time
	switch {
	case depth > 0:
		wake = now
	case ok:
		wake = time.Unix(next, 0)
	default:
		s.stopTimer()
		return nil
	}
	if ok && depth > 0 {
		if t := time.Unix(next, 0); t.Before(wake) {
			wake = t
		}
	}

	// minDelay clamps only past-due wake-ups (retained retries); a genuinely
	// future schedule keeps its own fire time.
	d := time.Until(wake)
	if d <= 0 {
		d = minDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.fire)
	return nil
}

// RetryDelay is the clamp instances pass to Arm after a processing pass,
// so retained (failed) rows re-fire without spinning.
func RetryDelay() time.Duration { return retryDelay }

func (s *Scheduler) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// normalize maps the accepted "when" forms onto a schedule row.
func normalize(when any, now time.Time) (storage.Schedule, error) {
	switch v := when.(type) {
	case time.Time:
		return storage.Schedule{Kind: storage.ScheduleScheduled, Time: v.Unix()}, nil
	case string:
		if _, err := cron.ParseStandard(v); err != nil {
			return storage.Schedule{}, fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidWhen, v, err)
		}
		next, err := NextCronFire(v, now)
		if err != nil {
			return storage.Schedule{}, err
		}
		return storage.Schedule{Kind: storage.ScheduleCron, Cron: v, Time: next.Unix()}, nil
	case int, int32, int64, float64:
		n := toInt64(v)
		if n >= epochMillisFloor {
			return storage.Schedule{Kind: storage.ScheduleScheduled, Time: n / 1000}, nil
		}
		if n <= 0 {
			return storage.Schedule{}, fmt.Errorf("%w: delay must be positive", ErrInvalidWhen)
		}
		return storage.Schedule{
			Kind:         storage.ScheduleDelayed,
			Time:         now.Unix() + n,
			DelaySeconds: n,
		}, nil
	case time.Duration:
		secs := int64(v / time.Second)
		if secs <= 0 {
			return storage.Schedule{}, fmt.Errorf("%w: delay must be positive", ErrInvalidWhen)
		}
		return storage.Schedule{
			Kind:         storage.ScheduleDelayed,
			Time:         now.Unix() + secs,
			DelaySeconds: secs,
		}, nil
	default:
		return storage.Schedule{}, fmt.Errorf("%w: %T", ErrInvalidWhen, when)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// NextCronFire computes the first fire of a standard 5-field cron
// expression strictly after t. robfig/cron's standard parser handles DST
// transitions and leap years.
func NextCronFire(spec string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return sched.Next(t), nil
}
