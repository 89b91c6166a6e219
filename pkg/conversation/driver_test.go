package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/llm/llmtest"
	"github.com/barekit/iris/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamGen struct {
	stream  *llmtest.Stream
	openErr error
	got     []llm.Content
}

func (g *streamGen) Run(ctx context.Context, content llm.Content) (llm.Stream, error) {
	g.got = append(g.got, content)
	if g.openErr != nil {
		return nil, g.openErr
	}
	return g.stream, nil
}

func newDriver() (*Driver, *session.Session) {
	s := session.New("s1", nil)
	return NewDriver(s, nil), s
}

func TestSubmitPreset_CaptionWithBoundImage(t *testing.T) {
	d, s := newDriver()
	s.BindImage(session.ImageSource{Kind: session.SourceUpload, Key: "x"}, "X")

	require.NoError(t, d.SubmitPreset("Generate Caption"))
	require.Len(t, s.Messages, 1)
	assert.Equal(t, llm.Message{
		Role: llm.RoleUser,
		Content: llm.PartsContent(
			llm.TextPart("Generate a caption for this image"),
			llm.ImagePart("X", "low"),
		),
	}, s.Messages[0])
	assert.Equal(t, AwaitingResponse, d.State())
}

func TestSubmitPreset_Errors(t *testing.T) {
	d, s := newDriver()
	assert.ErrorIs(t, d.SubmitPreset("Describe Image"), ErrNoImage)
	assert.ErrorIs(t, d.SubmitPreset("Paint It"), ErrUnknownPreset)
	assert.Empty(t, s.Messages)
}

func TestSubmit_RejectsWhileAwaitingResponse(t *testing.T) {
	d, s := newDriver()
	require.NoError(t, d.Submit("what is this", "X"))
	assert.ErrorIs(t, d.Submit("and this?", "X"), ErrAwaitingResponse)
	assert.Len(t, s.Messages, 1)
	assert.ErrorIs(t, NewDriver(session.New("s2", nil), nil).Submit("  ", "X"), ErrEmptyPrompt)
}

func TestSubmit_WithoutImageIsTextOnly(t *testing.T) {
	d, s := newDriver()
	require.NoError(t, d.Submit("hello", ""))
	assert.Equal(t, llm.PartsContent(llm.TextPart("hello")), s.Messages[0].Content)
}

func TestRespond_StreamsAndAppends(t *testing.T) {
	d, s := newDriver()
	require.NoError(t, d.Submit("what is this", "X"))

	gen := &streamGen{stream: llmtest.NewStream([]string{"A ", "red ", "cat"}, nil)}
	var seen []string
	reply, err := d.Respond(context.Background(), gen, func(r string) { seen = append(seen, r) })
	require.NoError(t, err)

	assert.Equal(t, "A red cat", reply)
	assert.Equal(t, []string{"A ", "A red ", "A red cat"}, seen)
	assert.Equal(t, s.Messages[0].Content, gen.got[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: llm.TextContent("A red cat")}, s.Messages[1])
	assert.Equal(t, AwaitingInput, d.State())
	assert.True(t, gen.stream.Closed())
}

func TestRespond_MidStreamErrorKeepsPartial(t *testing.T) {
	d, s := newDriver()
	require.NoError(t, d.Submit("hi", "X"))

	gen := &streamGen{stream: llmtest.NewStream([]string{"Hel", "lo"}, errors.New("connection reset"))}
	reply, err := d.Respond(context.Background(), gen, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: llm.TextContent("Hello")}, s.Messages[1])
}

func TestRespond_OpenErrorLeavesPending(t *testing.T) {
	d, s := newDriver()
	require.NoError(t, d.Submit("hi", "X"))

	_, err := d.Respond(context.Background(), &streamGen{openErr: errors.New("401")}, nil)
	assert.ErrorContains(t, err, "401")
	assert.Len(t, s.Messages, 1)
	assert.Equal(t, AwaitingResponse, d.State())
}

func TestRespond_NothingPending(t *testing.T) {
	d, _ := newDriver()
	_, err := d.Respond(context.Background(), &streamGen{}, nil)
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_input", AwaitingInput.String())
	assert.Equal(t, "awaiting_response", AwaitingResponse.String())
}
