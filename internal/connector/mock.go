package connector

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ent0n29/viva/internal/protocol"
)

// MockTransport hands out MockStreams. Scripted events are delivered first,
// then anything pushed later; the stream ends with io.EOF once Finish is called.
type MockTransport struct {
	Script  []protocol.ServerEvent
	DialErr error
	// Block makes Dial wait for ctx cancellation.
	Block bool

	mu      sync.Mutex
	streams []*MockStream
}

func NewMockTransport(script ...protocol.ServerEvent) *MockTransport {
	return &MockTransport{Script: script}
}

func (t *MockTransport) Dial(ctx context.Context, _ Config) (Stream, error) {
	if t.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.DialErr != nil {
		return nil, t.DialErr
	}
	s := &MockStream{incoming: make(chan mockItem, len(t.Script)+64), closed: make(chan struct{})}
	for _, ev := range t.Script {
		s.incoming <- mockItem{ev: ev}
	}
	t.mu.Lock()
	t.streams = append(t.streams, s)
	t.mu.Unlock()
	return s, nil
}

// Last returns the most recently dialled stream.
func (t *MockTransport) Last() *MockStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

type mockItem struct {
	ev  protocol.ServerEvent
	err error
}

type MockStream struct {
	incoming  chan mockItem
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	sent       []protocol.MediaChunk
	closeCalls int
}

var errMockClosed = errors.New("mock stream closed")

func (s *MockStream) Push(ev protocol.ServerEvent) {
	select {
	case s.incoming <- mockItem{ev: ev}:
	case <-s.closed:
	}
}

// Fail ends the stream with err.
func (s *MockStream) Fail(err error) {
	select {
	case s.incoming <- mockItem{err: err}:
	case <-s.closed:
	}
}

// Finish ends the stream cleanly.
func (s *MockStream) Finish() { s.Fail(io.EOF) }

func (s *MockStream) Send(chunk protocol.MediaChunk) error {
	select {
	case <-s.closed:
		return errMockClosed
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, chunk)
	s.mu.Unlock()
	return nil
}

func (s *MockStream) Recv() ([]protocol.ServerEvent, error) {
	select {
	case item := <-s.incoming:
		if item.err != nil {
			return nil, item.err
		}
		return []protocol.ServerEvent{item.ev}, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *MockStream) Sent() []protocol.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MediaChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *MockStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
