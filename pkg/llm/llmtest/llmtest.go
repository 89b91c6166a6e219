// Package llmtest provides in-process Provider and Stream doubles for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/barekit/iris/pkg/llm"
)

// Stream yields a fixed list of deltas and then ends with Err.
type Stream struct {
	deltas []string
	err    error
	pos    int
	closed bool
}

// NewStream returns a stream over deltas that fails with err once exhausted.
func NewStream(deltas []string, err error) *Stream {
	return &Stream{deltas: deltas, err: err, pos: -1}
}

func (s *Stream) Next() bool {
	if s.closed || s.pos+1 >= len(s.deltas) {
		s.pos = len(s.deltas)
		return false
	}
	s.pos++
	return true
}

func (s *Stream) Current() string {
	if s.pos < 0 || s.pos >= len(s.deltas) {
		return ""
	}
	return s.deltas[s.pos]
}

func (s *Stream) Err() error {
	if s.pos >= len(s.deltas) {
		return s.err
	}
	return nil
}

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.closed }

// Provider records every request and answers with canned deltas.
type Provider struct {
	mu        sync.Mutex
	Deltas    []string
	StreamErr error // returned by the stream after the deltas
	OpenErr   error // returned by Stream itself
	Requests  [][]llm.Message
}

func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (*llm.Message, error) {
	p.record(messages)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	var text string
	for _, d := range p.Deltas {
		text += d
	}
	return &llm.Message{Role: llm.RoleAssistant, Content: llm.TextContent(text)}, nil
}

func (p *Provider) Stream(ctx context.Context, messages []llm.Message) (llm.Stream, error) {
	p.record(messages)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return NewStream(p.Deltas, p.StreamErr), nil
}

// LastRequest returns the most recent message list sent to the provider.
func (p *Provider) LastRequest() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return nil
	}
	return p.Requests[len(p.Requests)-1]
}

func (p *Provider) record(messages []llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]llm.Message, len(messages))
	copy(cp, messages)
	p.Requests = append(p.Requests, cp)
}
