package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrStreamClosed is returned when sending on an ended streaming response.
var ErrStreamClosed = errors.New("StreamingResponse is already closed")

// StreamingResponse is the one-way sink handed to streaming methods.
// Each Send emits a done:false chunk; End emits the final done:true frame
// and seals the stream.
type StreamingResponse struct {
	mu     sync.Mutex
	closed bool
	emit   func(result json.RawMessage, done bool) error
	final  json.RawMessage
}

// NewStreamingResponse builds a sink that forwards chunks through emit.
func NewStreamingResponse(emit func(result json.RawMessage, done bool) error) *StreamingResponse {
	return &StreamingResponse{emit: emit}
}

// Send emits one intermediate chunk.
func (s *StreamingResponse) Send(chunk any) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	return s.emit(data, false)
}

// End emits the final value and closes the stream. Further Send or End
// calls fail with ErrStreamClosed.
func (s *StreamingResponse) End(final any) error {
	data, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("failed to marshal final value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	s.final = data
	return s.emit(data, true)
}

// Closed reports whether End has been called.
func (s *StreamingResponse) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Final returns the marshaled final value, nil before End.
func (s *StreamingResponse) Final() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}
