package page

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/barekit/iris/pkg/assistant"
	"github.com/barekit/iris/pkg/fetch"
	"github.com/barekit/iris/pkg/imaging"
	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/llm/llmtest"
	"github.com/barekit/iris/pkg/memory/inmemory"
	"github.com/barekit/iris/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls  int
	result *fetch.Result
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*fetch.Result, error) {
	f.calls++
	return f.result, f.err
}

type fixture struct {
	ctrl     *Controller
	store    *session.Store
	provider *llmtest.Provider
	fetcher  *fakeFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := inmemory.New()
	provider := &llmtest.Provider{Deltas: []string{"Hel", "lo"}}
	factory := func(userID, runID string) (session.Assistant, error) {
		return assistant.New(provider,
			assistant.WithUser(userID),
			assistant.WithRun(runID),
			assistant.WithMemory(mem),
		), nil
	}
	fx := &fixture{
		store:    session.NewStore(nil),
		provider: provider,
		fetcher:  &fakeFetcher{result: &fetch.Result{DataURI: "data:image/jpeg;base64,URL"}},
	}
	fx.ctrl = NewController(fx.store, factory, fx.fetcher, imaging.NewNormalizer(imaging.DefaultQuality), nil)
	return fx
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.NRGBA{R: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (fx *fixture) handle(t *testing.T, in Interaction) *View {
	t.Helper()
	view, err := fx.ctrl.Handle(context.Background(), "s1", in, nil)
	require.NoError(t, err)
	return view
}

func TestHandle_RequiresUsername(t *testing.T) {
	fx := newFixture(t)
	view := fx.handle(t, Interaction{Username: "  ", Prompt: "hi"})
	assert.True(t, view.NeedsUsername)
	assert.Equal(t, 0, fx.store.Len())
}

func TestHandle_FirstLoadSeedsGreeting(t *testing.T) {
	fx := newFixture(t)
	view := fx.handle(t, Interaction{Username: "alice"})

	assert.Equal(t, "alice", view.User)
	assert.NotEmpty(t, view.RunID)
	assert.Equal(t, []string{view.RunID}, view.RunIDs)
	assert.Equal(t, []RenderedMessage{{Role: llm.RoleAssistant, Text: session.Greeting}}, view.Messages)
	assert.Empty(t, view.Presets)
}

func TestHandle_UploadThenCaptionPreset(t *testing.T) {
	fx := newFixture(t)
	view := fx.handle(t, Interaction{
		Username: "alice",
		Upload:   &Upload{Name: "cat.png", Body: bytes.NewReader(pngBytes(t))},
		Preset:   "Generate Caption",
	})

	require.NotEmpty(t, view.BoundImage)
	assert.Contains(t, view.BoundImage, "data:image/jpeg;base64,")
	assert.Len(t, view.Presets, 4)
	require.Len(t, view.Messages, 3)
	assert.Equal(t, RenderedMessage{Role: llm.RoleUser, Text: "Generate a caption for this image", HasImage: true}, view.Messages[1])
	assert.Equal(t, RenderedMessage{Role: llm.RoleAssistant, Text: "Hello"}, view.Messages[2])

	req := fx.provider.LastRequest()
	sent := req[len(req)-1].Content
	assert.Equal(t, llm.PartsContent(
		llm.TextPart("Generate a caption for this image"),
		llm.ImagePart(view.BoundImage, llm.DetailLow),
	), sent)
}

func TestHandle_StreamsDeltas(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.result = &fetch.Result{DataURI: "X"}

	var seen []string
	_, err := fx.ctrl.Handle(context.Background(), "s1", Interaction{
		Username: "alice",
		ImageURL: "https://example.com/cat.png",
		Prompt:   "what is it",
	}, func(reply string) { seen = append(seen, reply) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "Hello"}, seen)
}

func TestHandle_FetchErrorIsANotice(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.err = fetch.ErrNotAnImage

	view := fx.handle(t, Interaction{Username: "alice", ImageURL: "https://example.com/page.png"})
	assert.Empty(t, view.BoundImage)
	assert.Equal(t, []Notice{{Level: NoticeError, Text: fetch.ErrNotAnImage.Error()}}, view.Notices)
}

func TestHandle_URLSkippedWhenImageBound(t *testing.T) {
	fx := newFixture(t)
	in := Interaction{Username: "alice", ImageURL: "https://example.com/cat.png"}

	view := fx.handle(t, in)
	assert.Equal(t, "data:image/jpeg;base64,URL", view.BoundImage)
	assert.Equal(t, NoticeSuccess, view.Notices[0].Level)

	view = fx.handle(t, in)
	assert.Equal(t, 1, fx.fetcher.calls)
	assert.Empty(t, view.Notices)

	view = fx.handle(t, Interaction{Username: "alice", ImageURL: "https://example.com/dog.png"})
	assert.Equal(t, 1, fx.fetcher.calls)
	assert.Equal(t, NoticeInfo, view.Notices[0].Level)
}

func TestHandle_BadUploadLeavesImageUnbound(t *testing.T) {
	fx := newFixture(t)
	view := fx.handle(t, Interaction{Username: "alice", Upload: &Upload{Name: "notes.txt", Body: bytes.NewReader([]byte("hello"))}})
	assert.Empty(t, view.BoundImage)
	require.Len(t, view.Notices, 1)
	assert.Equal(t, NoticeError, view.Notices[0].Level)
}

func TestHandle_PromptWithoutImage(t *testing.T) {
	fx := newFixture(t)
	view := fx.handle(t, Interaction{Username: "alice", Prompt: "hi"})
	assert.Len(t, view.Messages, 1)
	assert.Equal(t, NoticeInfo, view.Notices[0].Level)
	assert.Empty(t, fx.provider.Requests)
}

func TestHandle_NewRunIgnoresOtherInputsAndInvalidatesUpload(t *testing.T) {
	fx := newFixture(t)
	first := fx.handle(t, Interaction{Username: "alice", Upload: &Upload{Name: "cat.png", Body: bytes.NewReader(pngBytes(t))}})
	require.NotEmpty(t, first.BoundImage)

	view := fx.handle(t, Interaction{
		Username: "alice",
		NewRun:   true,
		Prompt:   "ignored",
		Upload:   &Upload{Name: "cat.png", Body: bytes.NewReader(pngBytes(t))},
	})
	assert.NotEqual(t, first.RunID, view.RunID)
	assert.Equal(t, first.UploadSlot+1, view.UploadSlot)
	assert.Empty(t, view.BoundImage)
	assert.Len(t, view.Messages, 1)

	// The widget still holds the old selection; it is stale until re-picked.
	view = fx.handle(t, Interaction{Username: "alice", Upload: &Upload{Name: "cat.png", Body: bytes.NewReader(pngBytes(t)), Slot: first.UploadSlot}})
	assert.Empty(t, view.BoundImage)

	view = fx.handle(t, Interaction{Username: "alice", Upload: &Upload{Name: "cat.png", Body: bytes.NewReader(pngBytes(t)), Slot: view.UploadSlot}})
	assert.NotEmpty(t, view.BoundImage)
}

func TestHandle_RunSwitchRecoversImage(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.result = &fetch.Result{DataURI: "A"}
	first := fx.handle(t, Interaction{Username: "alice", ImageURL: "https://example.com/a.png", Prompt: "q"})
	require.Len(t, first.Messages, 3)

	fresh := fx.handle(t, Interaction{Username: "alice", NewRun: true})
	assert.Empty(t, fresh.BoundImage)
	assert.Len(t, fresh.RunIDs, 2)

	back := fx.handle(t, Interaction{Username: "alice", RunID: first.RunID})
	assert.Equal(t, first.RunID, back.RunID)
	assert.Equal(t, "A", back.BoundImage)
	require.Len(t, back.Messages, 2)
	assert.Equal(t, "q", back.Messages[0].Text)
}

func TestHandle_FactoryErrorIsReturned(t *testing.T) {
	ctrl := NewController(session.NewStore(nil), func(userID, runID string) (session.Assistant, error) {
		return nil, errors.New("storage down")
	}, &fakeFetcher{}, imaging.NewNormalizer(0), nil)

	_, err := ctrl.Handle(context.Background(), "s1", Interaction{Username: "alice"}, nil)
	assert.ErrorContains(t, err, "storage down")
}

func TestRender_DropsSystemMessages(t *testing.T) {
	got := Render([]llm.Message{
		{Role: llm.RoleSystem, Content: llm.TextContent("secret")},
		{Role: llm.RoleUser, Content: llm.PartsContent(llm.TextPart("q"), llm.ImagePart("X", llm.DetailLow))},
		{Role: llm.RoleAssistant, Content: llm.TextContent("a")},
	})
	assert.Equal(t, []RenderedMessage{
		{Role: llm.RoleUser, Text: "q", HasImage: true},
		{Role: llm.RoleAssistant, Text: "a"},
	}, got)
}

func TestUploadKey(t *testing.T) {
	assert.Equal(t, "cat", uploadKey("cat.photo.png"))
	assert.Equal(t, "cat", uploadKey("cat"))
}

func TestHandle_GenerationStartFailureRetriesNextInteraction(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.result = &fetch.Result{DataURI: "X"}
	fx.provider.OpenErr = errors.New("rate limited")

	view := fx.handle(t, Interaction{Username: "alice", ImageURL: "https://example.com/a.png", Prompt: "q"})
	require.Len(t, view.Messages, 2)
	assert.Equal(t, NoticeError, view.Notices[len(view.Notices)-1].Level)

	fx.provider.OpenErr = nil
	view = fx.handle(t, Interaction{Username: "alice", ImageURL: "https://example.com/a.png"})
	require.Len(t, view.Messages, 3)
	assert.Equal(t, "Hello", view.Messages[2].Text)
}

type unreadable struct{ reads int }

func (u *unreadable) Read(p []byte) (int, error) {
	u.reads++
	return 0, errors.New("upload already consumed")
}

func TestHandle_RepeatedUploadIsNotReread(t *testing.T) {
	fx := newFixture(t)
	first := fx.handle(t, Interaction{Username: "alice", Upload: &Upload{Name: "cat.png", Body: bytes.NewReader(pngBytes(t))}})
	require.NotEmpty(t, first.BoundImage)

	body := &unreadable{}
	view := fx.handle(t, Interaction{Username: "alice", Upload: &Upload{Name: "cat.png", Body: body}})
	assert.Equal(t, first.BoundImage, view.BoundImage)
	assert.Zero(t, body.reads)
	assert.Empty(t, view.Notices)
}
