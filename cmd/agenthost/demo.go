package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agenthost/agenthost/internal/runtime/agent"
	"github.com/agenthost/agenthost/internal/runtime/rpc"
)

// demoClasses returns the agent classes bundled with the server binary.
func demoClasses() []*agent.Class {
	return []*agent.Class{
		{Name: "Counter", New: func() agent.Agent { return &CounterAgent{} }},
		{Name: "EchoChat", New: func() agent.Agent { return &EchoChatAgent{} }},
	}
}

// counterState is the persisted shape of a CounterAgent.
type counterState struct {
	Count int `json:"count"`
}

// CounterAgent keeps a shared counter. Connected clients see every change
// via state broadcasts; the "tick" callback lets schedules and queue
// items advance it in the background.
type CounterAgent struct {
	agent.Base
}

func (a *CounterAgent) RegisterMethods(reg *rpc.Registry) {
	reg.Register("increment", a.increment)
	reg.Register("addNumbers", addNumbers)
	reg.RegisterStreaming("countTo", a.countTo)
	reg.RegisterCallback("tick", a.tick)
}

func (a *CounterAgent) current() counterState {
	var s counterState
	if raw := a.State(); raw != nil {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (a *CounterAgent) increment(ctx context.Context, args []json.RawMessage) (any, error) {
	by := 1
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &by); err != nil {
			return nil, fmt.Errorf("increment expects a number: %w", err)
		}
	}
	s := a.current()
	s.Count += by
	if err := a.SetState(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func addNumbers(_ context.Context, args []json.RawMessage) (any, error) {
	sum := 0.0
	for _, arg := range args {
		var n float64
		if err := json.Unmarshal(arg, &n); err != nil {
			return nil, fmt.Errorf("addNumbers expects numbers: %w", err)
		}
		sum += n
	}
	return sum, nil
}

func (a *CounterAgent) countTo(ctx context.Context, stream *rpc.StreamingResponse, args []json.RawMessage) error {
	target := 3
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &target); err != nil {
			return fmt.Errorf("countTo expects a number: %w", err)
		}
	}
	for n := 1; n < target; n++ {
		if err := stream.Send(n); err != nil {
			return err
		}
	}
	return stream.End(target)
}

func (a *CounterAgent) tick(ctx context.Context, payload json.RawMessage) error {
	by := 1
	if payload != nil {
		_ = json.Unmarshal(payload, &by)
	}
	s := a.current()
	s.Count += by
	return a.SetState(ctx, s)
}

// EchoChatAgent answers chat requests by echoing the request body back in
// two chunks, demonstrating the streaming chat surface.
type EchoChatAgent struct {
	agent.Base
}

func (a *EchoChatAgent) OnChatRequest(ctx context.Context, stream *agent.ChatStream, init json.RawMessage) error {
	if err := stream.Send(map[string]any{"echo": init}); err != nil {
		return err
	}
	return stream.End(map[string]any{"done": true})
}
