package queue

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

func setupEngine(t *testing.T, inv *fakeInvoker) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := New(store, inv, logger.Default())
	// Tick the clock one millisecond per call so items enqueued in the
	// same test never share a created_at.
	var tick int64
	e.now = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}
	return e, store
}

func TestEnqueueValidatesCallback(t *testing.T) {
	inv := newFakeInvoker("work")
	e, _ := setupEngine(t, inv)

	_, err := e.Enqueue(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownCallback)

	id, err := e.Enqueue(context.Background(), "work", map[string]int{"n": 7})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestProcessAllFIFO(t *testing.T) {
	inv := newFakeInvoker("a", "b", "c")
	e, _ := setupEngine(t, inv)
	ctx := context.Background()

	for _, cb := range []string{"a", "b", "c"} {
		_, err := e.Enqueue(ctx, cb, cb)
		require.NoError(t, err)
	}

	require.NoError(t, e.ProcessAll(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, inv.invoked)

	depth, err := e.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessAllRetainsFailedItem(t *testing.T) {
	inv := newFakeInvoker("ok", "bad")
	inv.fail["bad"] = assert.AnError
	e, _ := setupEngine(t, inv)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "bad", nil)
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "ok", nil)
	require.NoError(t, err)

	require.NoError(t, e.ProcessAll(ctx))
	assert.Equal(t, []string{"bad", "ok"}, inv.invoked)
	require.Len(t, inv.errors, 1)

	// The failed item stays queued; the successful one is gone.
	depth, err := e.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Second pass retries the retained item (at-least-once).
	require.NoError(t, e.ProcessAll(ctx))
	assert.Equal(t, []string{"bad", "ok", "bad"}, inv.invoked)
}

func TestProcessAllDropsUnknownCallback(t *testing.T) {
	inv := newFakeInvoker("work")
	e, store := setupEngine(t, inv)
	ctx := context.Background()

	// Simulate a callback that existed when the item was queued but is
	// gone after a code change and restart.
	require.NoError(t, store.EnqueueItem(ctx, storage.QueueItem{
		ID: "orphan", Callback: "removed", CreatedAt: 1,
	}))

	require.NoError(t, e.ProcessAll(ctx))
	assert.Empty(t, inv.invoked)
	depth, err := e.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPayloadDelivered(t *testing.T) {
	inv := newFakeInvoker("work")
	e, _ := setupEngine(t, inv)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "work", map[string]any{"job": "resize", "w": 100})
	require.NoError(t, err)
	require.NoError(t, e.ProcessAll(ctx))

	require.Len(t, inv.payloads, 1)
	assert.JSONEq(t, `{"job":"resize","w":100}`, string(inv.payloads[0]))
}
