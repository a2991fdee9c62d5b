package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/runtime/wsproto"
)

func addNumbers(ctx context.Context, args []json.RawMessage) (any, error) {
	var sum float64
	for _, raw := range args {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		sum += n
	}
	return sum, nil
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("addNumbers", addNumbers)
	reg.RegisterStreaming("countdown", func(ctx context.Context, stream *StreamingResponse, args []json.RawMessage) error {
		if err := stream.Send("chunk1"); err != nil {
			return err
		}
		if err := stream.Send("chunk2"); err != nil {
			return err
		}
		return stream.End("final")
	})
	return reg
}

func collect(reg *Registry, req wsproto.RPCRequest) []wsproto.RPCResponse {
	var frames []wsproto.RPCResponse
	Dispatch(context.Background(), reg, req, func(resp wsproto.RPCResponse) error {
		frames = append(frames, resp)
		return nil
	})
	return frames
}

func TestDispatchUnary(t *testing.T) {
	frames := collect(testRegistry(), wsproto.RPCRequest{
		ID: "m", Method: "addNumbers",
		Args: []json.RawMessage{json.RawMessage(`15`), json.RawMessage(`27`)},
	})

	require.Len(t, frames, 1)
	assert.True(t, frames[0].Success)
	assert.Nil(t, frames[0].Done)
	assert.JSONEq(t, `42`, string(frames[0].Result))
}

func TestDispatchMethodNotFound(t *testing.T) {
	frames := collect(testRegistry(), wsproto.RPCRequest{ID: "x", Method: "nope"})

	require.Len(t, frames, 1)
	assert.False(t, frames[0].Success)
	assert.Equal(t, "method not found", frames[0].Error)
}

func TestDispatchStreaming(t *testing.T) {
	frames := collect(testRegistry(), wsproto.RPCRequest{ID: "s", Method: "countdown"})

	require.Len(t, frames, 3)
	assert.JSONEq(t, `"chunk1"`, string(frames[0].Result))
	require.NotNil(t, frames[0].Done)
	assert.False(t, *frames[0].Done)
	assert.JSONEq(t, `"chunk2"`, string(frames[1].Result))
	require.NotNil(t, frames[1].Done)
	assert.False(t, *frames[1].Done)
	assert.JSONEq(t, `"final"`, string(frames[2].Result))
	require.NotNil(t, frames[2].Done)
	assert.True(t, *frames[2].Done)
}

func TestStreamSendAfterEnd(t *testing.T) {
	stream := NewStreamingResponse(func(json.RawMessage, bool) error { return nil })
	require.NoError(t, stream.End("done"))
	err := stream.Send("late")
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.EqualError(t, err, "StreamingResponse is already closed")
	assert.ErrorIs(t, stream.End("again"), ErrStreamClosed)
}

func TestInvokeStreamingReturnsFinal(t *testing.T) {
	result, err := Invoke(context.Background(), testRegistry(), "countdown", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"final"`, string(result))
}

func TestServeJSONRPC(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(
		`{"jsonrpc":"2.0","method":"addNumbers","params":[15,27],"id":"m"}`))
	w := httptest.NewRecorder()
	ServeJSONRPC(context.Background(), testRegistry(), w, r)

	require.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"m","result":42}`, w.Body.String())
}

func TestServeJSONRPCUnknownMethod(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(
		`{"jsonrpc":"2.0","method":"missing","params":[],"id":7}`))
	w := httptest.NewRecorder()
	ServeJSONRPC(context.Background(), testRegistry(), w, r)

	assert.Equal(t, 404, w.Code)
	var resp jsonRPCResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
	assert.JSONEq(t, `7`, string(resp.ID))
}

func TestServeJSONRPCParseError(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{broken`))
	w := httptest.NewRecorder()
	ServeJSONRPC(context.Background(), testRegistry(), w, r)
	assert.Equal(t, 400, w.Code)
}

func TestInvocationContext(t *testing.T) {
	type fakeAgent struct{ name string }
	agent := &fakeAgent{name: "a"}

	ctx := WithInvocation(context.Background(), &Invocation{Agent: agent})
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, agent, got.Agent)
	assert.Same(t, agent, CurrentAgent(ctx).(*fakeAgent))

	assert.Nil(t, CurrentAgent(context.Background()))
}
