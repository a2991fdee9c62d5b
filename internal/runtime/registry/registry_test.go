package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/agent"
)

type nopAgent struct {
	agent.Base
}

func newRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(cfg, logger.Default())
	t.Cleanup(r.Shutdown)
	return r
}

func testClass(name string) *agent.Class {
	return &agent.Class{Name: name, New: func() agent.Agent { return &nopAgent{} }}
}

func TestRegisterClassValidation(t *testing.T) {
	r := newRegistry(t, Config{})

	assert.Error(t, r.RegisterClass(nil))
	assert.Error(t, r.RegisterClass(&agent.Class{Name: "NoCtor"}))

	require.NoError(t, r.RegisterClass(testClass("TestAgent")))

	// "test_agent" and "TestAgent" collide on the route "test-agent".
	err := r.RegisterClass(testClass("test_agent"))
	assert.Error(t, err)
}

func TestGetUnknownClass(t *testing.T) {
	r := newRegistry(t, Config{})
	_, err := r.Get(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestGetHydratesOnceAndCaches(t *testing.T) {
	r := newRegistry(t, Config{})
	require.NoError(t, r.RegisterClass(testClass("TestAgent")))
	ctx := context.Background()

	a, err := r.Get(ctx, "test-agent", "alice")
	require.NoError(t, err)
	b, err := r.Get(ctx, "test-agent", "alice")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := r.Get(ctx, "test-agent", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), other.ID())
}

func TestStateSurvivesHibernation(t *testing.T) {
	dir := t.TempDir()
	r := newRegistry(t, Config{DataDir: dir})
	require.NoError(t, r.RegisterClass(testClass("TestAgent")))
	ctx := context.Background()

	inst, err := r.Get(ctx, "test-agent", "alice")
	require.NoError(t, err)
	require.NoError(t, inst.SetState(ctx, json.RawMessage(`{"saved":true}`), agent.SourceServer, nil))

	inst.Stop()

	// A fresh access re-hydrates a new instance from the same database.
	revived, err := r.Get(ctx, "test-agent", "alice")
	require.NoError(t, err)
	assert.NotSame(t, inst, revived)
	assert.Equal(t, inst.ID(), revived.ID())
	assert.JSONEq(t, `{"saved":true}`, string(revived.State()))
}

func TestDestroyWipesState(t *testing.T) {
	dir := t.TempDir()
	r := newRegistry(t, Config{DataDir: dir})
	require.NoError(t, r.RegisterClass(testClass("TestAgent")))
	ctx := context.Background()

	inst, err := r.Get(ctx, "test-agent", "alice")
	require.NoError(t, err)
	require.NoError(t, inst.SetState(ctx, json.RawMessage(`{"saved":true}`), agent.SourceServer, nil))

	require.NoError(t, r.Destroy(ctx, "test-agent", "alice"))

	fresh, err := r.Get(ctx, "test-agent", "alice")
	require.NoError(t, err)
	assert.Nil(t, fresh.State())
}

func TestEvictableRespectsPendingWork(t *testing.T) {
	r := newRegistry(t, Config{})
	require.NoError(t, r.RegisterClass(testClass("TestAgent")))
	ctx := context.Background()

	inst, err := r.Get(ctx, "test-agent", "idle")
	require.NoError(t, err)

	// Fresh instances are recently active, so not evictable yet.
	assert.False(t, r.evictable(inst, time.Now().Add(-time.Hour)))

	// Once past the cutoff with no connections or pending work, it is.
	assert.True(t, r.evictable(inst, time.Now().Add(time.Hour)))
}
