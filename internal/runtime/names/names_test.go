package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKebab(t *testing.T) {
	cases := map[string]string{
		"TestAgent":     "test-agent",
		"TEST_AGENT":    "test-agent",
		"testAgentName": "test-agent-name",
		"test-agent":    "test-agent",
		"Test123":       "test123",
		"test123Agent":  "test123-agent",
		"A":             "a",
		"aBc":           "a-bc",
	}
	for in, want := range cases {
		assert.Equal(t, want, Kebab(in), "Kebab(%q)", in)
	}
}

func TestKebabDropsTrailingUnderscore(t *testing.T) {
	assert.Equal(t, "my-agent", Kebab("MyAgent_"))
	assert.Equal(t, "my-agent", Kebab("my__agent"))
}

func TestKebabIdempotent(t *testing.T) {
	inputs := []string{"TestAgent", "TEST_AGENT", "testAgentName", "Test123", "aBc", "already-kebab"}
	for _, in := range inputs {
		once := Kebab(in)
		assert.Equal(t, once, Kebab(once), "Kebab not idempotent for %q", in)
	}
}

func TestAgentIDDeterministic(t *testing.T) {
	a := AgentID("TestAgent", "alpha")
	b := AgentID("TestAgent", "alpha")
	require.Equal(t, a, b)
}

func TestAgentIDDistinct(t *testing.T) {
	assert.NotEqual(t, AgentID("TestAgent", "alpha"), AgentID("TestAgent", "beta"))
	assert.NotEqual(t, AgentID("TestAgent", "alpha"), AgentID("OtherAgent", "alpha"))
	// Length prefixing keeps shifted boundaries apart.
	assert.NotEqual(t, AgentID("ab", "c"), AgentID("a", "bc"))
}

func TestAgentIDClassNormalized(t *testing.T) {
	// The identifier derives from the kebab form, so spellings that
	// normalize identically address the same agent.
	assert.Equal(t, AgentID("TestAgent", "x"), AgentID("TEST_AGENT", "x"))
}
