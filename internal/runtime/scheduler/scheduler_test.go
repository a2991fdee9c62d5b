package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

type fakeInvoker struct {
	callbacks map[string]bool
	invoked   []string
	payloads  []json.RawMessage
	fail      map[string]error
	errors    []error
}

func newFakeInvoker(names ...string) *fakeInvoker {
	inv := &fakeInvoker{callbacks: make(map[string]bool), fail: make(map[string]error)}
	for _, n := range names {
		inv.callbacks[n] = true
	}
	return inv
}

func (f *fakeInvoker) HasCallback(name string) bool { return f.callbacks[name] }

func (f *fakeInvoker) InvokeCallback(ctx context.Context, name string, payload json.RawMessage) error {
	f.invoked = append(f.invoked, name)
	f.payloads = append(f.payloads, payload)
	return f.fail[name]
}

func (f *fakeInvoker) OnError(err error) { f.errors = append(f.errors, err) }

func setupScheduler(t *testing.T, inv Invoker) (*Scheduler, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := New(store, inv, func() {}, logger.Default())
	t.Cleanup(s.Close)
	return s, store
}

func TestScheduleAbsoluteTime(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, _ := setupScheduler(t, inv)

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	sched, err := s.Schedule(context.Background(), at, "tick", map[string]int{"n": 1})
	require.NoError(t, err)

	assert.Equal(t, storage.ScheduleScheduled, sched.Kind)
	assert.Equal(t, at.Unix(), sched.Time)
	assert.NotEmpty(t, sched.ID)
	assert.JSONEq(t, `{"n":1}`, string(sched.Payload))
}

func TestScheduleDelaySeconds(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, _ := setupScheduler(t, inv)

	before := time.Now().Unix()
	sched, err := s.Schedule(context.Background(), 30, "tick", nil)
	require.NoError(t, err)

	assert.Equal(t, storage.ScheduleDelayed, sched.Kind)
	assert.Equal(t, int64(30), sched.DelaySeconds)
	assert.GreaterOrEqual(t, sched.Time, before+30)
}

func TestScheduleEpochMillis(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, _ := setupScheduler(t, inv)

	at := time.Now().Add(2 * time.Hour)
	sched, err := s.Schedule(context.Background(), float64(at.UnixMilli()), "tick", nil)
	require.NoError(t, err)

	assert.Equal(t, storage.ScheduleScheduled, sched.Kind)
	assert.Equal(t, at.UnixMilli()/1000, sched.Time)
}

func TestScheduleCron(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, _ := setupScheduler(t, inv)

	sched, err := s.Schedule(context.Background(), "*/5 * * * *", "tick", nil)
	require.NoError(t, err)

	assert.Equal(t, storage.ScheduleCron, sched.Kind)
	assert.Equal(t, "*/5 * * * *", sched.Cron)
	assert.Greater(t, sched.Time, time.Now().Unix())
}

func TestScheduleInvalidInputs(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, _ := setupScheduler(t, inv)
	ctx := context.Background()

	_, err := s.Schedule(ctx, "not a cron", "tick", nil)
	assert.ErrorIs(t, err, ErrInvalidWhen)

	_, err = s.Schedule(ctx, -5, "tick", nil)
	assert.ErrorIs(t, err, ErrInvalidWhen)

	_, err = s.Schedule(ctx, 10, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownCallback)
}

func TestScheduleRoundTripThroughStore(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, store := setupScheduler(t, inv)
	ctx := context.Background()

	created, err := s.Schedule(ctx, 60, "tick", map[string]string{"k": "v"})
	require.NoError(t, err)

	// Re-reading through a fresh store view yields an equivalent record.
	got, err := store.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Kind, got.Kind)
	assert.Equal(t, created.Time, got.Time)
	assert.JSONEq(t, string(created.Payload), string(got.Payload))
}

func TestProcessDueFiresInTimeOrder(t *testing.T) {
	inv := newFakeInvoker("first", "second")
	s, store := setupScheduler(t, inv)
	ctx := context.Background()

	now := time.Now().Unix()
	require.NoError(t, store.PutSchedule(ctx, storage.Schedule{
		ID: "b", Callback: "second", Kind: storage.ScheduleScheduled, Time: now - 5, CreatedAt: now,
	}))
	require.NoError(t, store.PutSchedule(ctx, storage.Schedule{
		ID: "a", Callback: "first", Kind: storage.ScheduleScheduled, Time: now - 10, CreatedAt: now,
	}))

	require.NoError(t, s.ProcessDue(ctx))
	assert.Equal(t, []string{"first", "second"}, inv.invoked)

	// One-shot rows are gone after a successful fire.
	scheds, err := store.ListSchedules(ctx, storage.ScheduleFilter{})
	require.NoError(t, err)
	assert.Empty(t, scheds)
}

func TestProcessDueRetainsFailedRows(t *testing.T) {
	inv := newFakeInvoker("boom")
	inv.fail["boom"] = assert.AnError
	s, store := setupScheduler(t, inv)
	ctx := context.Background()

	now := time.Now().Unix()
	require.NoError(t, store.PutSchedule(ctx, storage.Schedule{
		ID: "x", Callback: "boom", Kind: storage.ScheduleScheduled, Time: now - 1, CreatedAt: now,
	}))

	require.NoError(t, s.ProcessDue(ctx))
	require.Len(t, inv.errors, 1)

	// At-least-once: the row survives for the next alarm.
	_, err := store.GetSchedule(ctx, "x")
	require.NoError(t, err)
}

func TestProcessDueDropsUnknownCallback(t *testing.T) {
	inv := newFakeInvoker()
	s, store := setupScheduler(t, inv)
	ctx := context.Background()

	now := time.Now().Unix()
	require.NoError(t, store.PutSchedule(ctx, storage.Schedule{
		ID: "gone", Callback: "vanished", Kind: storage.ScheduleScheduled, Time: now - 1, CreatedAt: now,
	}))

	require.NoError(t, s.ProcessDue(ctx))
	assert.Empty(t, inv.invoked)
	_, err := store.GetSchedule(ctx, "gone")
	assert.ErrorIs(t, err, storage.ErrScheduleNotFound)
}

func TestCronAdvancesAfterFire(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, store := setupScheduler(t, inv)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.PutSchedule(ctx, storage.Schedule{
		ID: "c", Callback: "tick", Kind: storage.ScheduleCron,
		Cron: "* * * * *", Time: now.Unix() - 1, CreatedAt: now.Unix(),
	}))

	require.NoError(t, s.ProcessDue(ctx))
	require.Equal(t, []string{"tick"}, inv.invoked)

	got, err := store.GetSchedule(ctx, "c")
	require.NoError(t, err)
	want, err := NextCronFire("* * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, want.Unix(), got.Time)
	assert.Greater(t, got.Time, now.Unix())
}

func TestCancel(t *testing.T) {
	inv := newFakeInvoker("tick")
	s, store := setupScheduler(t, inv)
	ctx := context.Background()

	sched, err := s.Schedule(ctx, 3600, "tick", nil)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, sched.ID))

	_, err = store.GetSchedule(ctx, sched.ID)
	assert.ErrorIs(t, err, storage.ErrScheduleNotFound)
}

func TestNextCronFireStrictlyAfter(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, err := NextCronFire("30 12 * * *", at)
	require.NoError(t, err)
	// The fire at exactly t is not "next": advancement is strictly greater.
	assert.True(t, next.After(at))
	assert.Equal(t, time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC), next)
}

func TestArmFiresAlarm(t *testing.T) {
	inv := newFakeInvoker("tick")
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fired := make(chan struct{}, 1)
	s := New(store, inv, func() { fired <- struct{}{} }, logger.Default())
	t.Cleanup(s.Close)

	_, err = s.Schedule(context.Background(), 1, "tick", nil)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("alarm did not fire")
	}
}
