// Package conversation drives one turn of the image chat: it appends the
// user's vision prompt to the session log and streams the assistant reply
// back into it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/session"
	"go.uber.org/zap"
)

// State is derived from the tail of the message log.
type State int

const (
	AwaitingInput State = iota
	AwaitingResponse
)

func (s State) String() string {
	switch s {
	case AwaitingInput:
		return "awaiting_input"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return "unknown"
	}
}

var (
	ErrAwaitingResponse = errors.New("a response is still pending")
	ErrNothingPending   = errors.New("no user message awaiting a response")
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrNoImage          = errors.New("no image is bound to this run")
	ErrUnknownPreset    = errors.New("unknown preset")
)

// Generator produces a streamed reply for user content.
type Generator interface {
	Run(ctx context.Context, content llm.Content) (llm.Stream, error)
}

// Driver mutates a session's message log. It does not lock the session.
type Driver struct {
	sess   *session.Session
	logger *zap.Logger
}

// NewDriver binds a driver to a session.
func NewDriver(sess *session.Session, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{sess: sess, logger: logger}
}

// State reports whether the last logged message still needs a reply.
func (d *Driver) State() State {
	n := len(d.sess.Messages)
	if n > 0 && d.sess.Messages[n-1].Role == llm.RoleUser {
		return AwaitingResponse
	}
	return AwaitingInput
}

// Submit appends a user message made of text and, if image is set, a
// low-detail image reference.
func (d *Driver) Submit(text, image string) error {
	if d.State() != AwaitingInput {
		return ErrAwaitingResponse
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}

	parts := []llm.Part{llm.TextPart(text)}
	if image != "" {
		parts = append(parts, llm.ImagePart(image, llm.DetailLow))
	}
	d.sess.Append(llm.Message{Role: llm.RoleUser, Content: llm.PartsContent(parts...)})
	return nil
}

// SubmitPreset submits a built-in prompt with the bound image.
func (d *Driver) SubmitPreset(name string) error {
	p, ok := LookupPreset(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	if d.sess.BoundImage == "" {
		return ErrNoImage
	}
	return d.Submit(p.Prompt, d.sess.BoundImage)
}

// Respond generates the reply to the pending user message. onDelta, if set,
// receives the accumulated reply after every delta. When the stream fails
// midway the partial reply is still logged and no error is returned; only a
// failure to start generation is returned, leaving the message pending.
func (d *Driver) Respond(ctx context.Context, gen Generator, onDelta func(reply string)) (string, error) {
	if d.State() != AwaitingResponse {
		return "", ErrNothingPending
	}
	pending := d.sess.Messages[len(d.sess.Messages)-1].Content

	stream, err := gen.Run(ctx, pending)
	if err != nil {
		return "", fmt.Errorf("start generation: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		reply.WriteString(stream.Current())
		if onDelta != nil {
			onDelta(reply.String())
		}
	}
	if err := stream.Err(); err != nil {
		d.logger.Warn("generation failed mid-stream, keeping partial reply",
			zap.String("run_id", d.sess.RunID),
			zap.Int("partial_len", reply.Len()),
			zap.Error(err),
		)
	}

	d.sess.Append(llm.Message{Role: llm.RoleAssistant, Content: llm.TextContent(reply.String())})
	return reply.String(), nil
}
