package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAssistant struct {
	userID  string
	runID   string
	history    []llm.Message
	runErr     error
	historyErr error
}

func (f *fakeAssistant) CreateRun(ctx context.Context) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	if f.runID == "" {
		f.runID = "new-run"
	}
	return f.runID, nil
}

func (f *fakeAssistant) ChatHistory(ctx context.Context) ([]llm.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeAssistant) Run(ctx context.Context, content llm.Content) (llm.Stream, error) {
	return llmtest.NewStream(nil, nil), nil
}

func (f *fakeAssistant) RunIDs(ctx context.Context) ([]string, error) {
	return []string{f.runID}, nil
}

type recordingFactory struct {
	calls   []string
	history map[string][]llm.Message
	// historyErrs are handed out to built assistants in order.
	historyErrs []error
}

func (r *recordingFactory) build(userID, runID string) (Assistant, error) {
	r.calls = append(r.calls, userID+"/"+runID)
	a := &fakeAssistant{userID: userID, runID: runID, history: r.history[runID]}
	if len(r.historyErrs) > 0 {
		a.historyErr, r.historyErrs = r.historyErrs[0], r.historyErrs[1:]
	}
	return a, nil
}

func userText(text string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: llm.TextContent(text)}
}

func userImage(text, url string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: llm.PartsContent(llm.TextPart(text), llm.ImagePart(url, llm.DetailLow))}
}

func TestGetOrCreateAssistant_ReusesMatchingHandle(t *testing.T) {
	ctx := context.Background()
	f := &recordingFactory{}
	s := New("s1", nil)

	a1, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "new-run", s.RunID)
	assert.Equal(t, []llm.Message{{Role: llm.RoleAssistant, Content: llm.TextContent(Greeting)}}, s.Messages)

	a2, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "")
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	a3, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "new-run")
	require.NoError(t, err)
	assert.Same(t, a1, a3)
	assert.Equal(t, []string{"alice/"}, f.calls)
}

func TestGetOrCreateAssistant_RunSwitchRecreatesAndHydrates(t *testing.T) {
	ctx := context.Background()
	f := &recordingFactory{history: map[string][]llm.Message{
		"old": {
			{Role: llm.RoleSystem, Content: llm.TextContent("sys")},
			userText("hi"),
			userImage("q", "A"),
			userImage("q2", "B"),
		},
	}}
	s := New("s1", nil)
	_, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "")
	require.NoError(t, err)
	s.BindImage(ImageSource{Kind: SourceUpload, Key: "x.png"}, "X")

	_, err = s.GetOrCreateAssistant(ctx, f.build, "alice", "old")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/", "alice/old"}, f.calls)
	assert.Equal(t, "old", s.RunID)
	assert.Len(t, s.Messages, 4)
	assert.Equal(t, "A", s.BoundImage, "first image in user history wins")
	assert.Equal(t, ImageSource{Kind: SourceHistory, Key: "old"}, s.ImageSource)
}

func TestGetOrCreateAssistant_HistoryFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	f := &recordingFactory{
		history:     map[string][]llm.Message{"r1": {userImage("q", "A")}},
		historyErrs: []error{errors.New("history backend down")},
	}
	s := New("s1", nil)

	a, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "r1")
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Nil(t, s.Assistant(), "a handle without history must not be kept")
	assert.Empty(t, s.Messages)

	a, err = s.GetOrCreateAssistant(ctx, f.build, "alice", "r1")
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.Equal(t, []string{"alice/r1", "alice/r1"}, f.calls)
	assert.Equal(t, "r1", s.RunID)
	assert.Equal(t, []llm.Message{userImage("q", "A")}, s.Messages)
	assert.Equal(t, "A", s.BoundImage)
	assert.Equal(t, ImageSource{Kind: SourceHistory, Key: "r1"}, s.ImageSource)
}

func TestGetOrCreateAssistant_UserSwitchTearsDown(t *testing.T) {
	ctx := context.Background()
	f := &recordingFactory{}
	s := New("s1", nil)
	_, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "")
	require.NoError(t, err)
	s.BindImage(ImageSource{Kind: SourceURL, Key: "u"}, "X")

	_, err = s.GetOrCreateAssistant(ctx, f.build, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", s.UserID)
	assert.Empty(t, s.BoundImage)
	assert.Equal(t, []string{"alice/", "bob/"}, f.calls)
}

func TestGetOrCreateAssistant_FactoryError(t *testing.T) {
	s := New("s1", nil)
	_, err := s.GetOrCreateAssistant(context.Background(), func(string, string) (Assistant, error) {
		return nil, errors.New("no key")
	}, "alice", "")
	assert.ErrorContains(t, err, "no key")
	assert.Nil(t, s.Assistant())

	_, err = s.GetOrCreateAssistant(context.Background(), func(string, string) (Assistant, error) {
		return &fakeAssistant{runErr: errors.New("db down")}, nil
	}, "alice", "")
	assert.ErrorContains(t, err, "db down")
	assert.Nil(t, s.Assistant())
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	f := &recordingFactory{}
	s := New("s1", nil)
	_, err := s.GetOrCreateAssistant(ctx, f.build, "alice", "")
	require.NoError(t, err)
	s.BindImage(ImageSource{Kind: SourceUpload, Key: "cat.png"}, "X")
	s.MarkEncoded("cat.png")
	before := s.UploadSlot

	s.Restart()
	assert.Nil(t, s.Assistant())
	assert.Empty(t, s.RunID)
	assert.Empty(t, s.BoundImage)
	assert.False(t, s.IsEncoded("cat.png"))
	assert.Greater(t, s.UploadSlot, before)
	assert.Equal(t, "alice", s.UserID)

	s.Restart()
	assert.Equal(t, before+2, s.UploadSlot)
}

func TestBindImage_Idempotent(t *testing.T) {
	s := New("s1", nil)
	src := ImageSource{Kind: SourceURL, Key: "https://x/cat.png"}
	assert.True(t, s.BindImage(src, "X"))

	image, source := s.BoundImage, s.ImageSource
	assert.False(t, s.BindImage(src, "X"))
	assert.Equal(t, image, s.BoundImage)
	assert.Equal(t, source, s.ImageSource)

	assert.False(t, s.BindImage(ImageSource{Kind: SourceUpload, Key: "other"}, "Y"))
	assert.Equal(t, "X", s.BoundImage)
	assert.False(t, New("s2", nil).BindImage(src, ""))
}

func TestFirstUserImage(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleAssistant, Content: llm.PartsContent(llm.ImagePart("Z", ""))},
		userText("hi"),
		userImage("q", "A"),
		userImage("q2", "B"),
	}
	url, ok := FirstUserImage(history)
	assert.True(t, ok)
	assert.Equal(t, "A", url)

	_, ok = FirstUserImage(history[:2])
	assert.False(t, ok)
}

func TestStore_GetOrCreateConcurrent(t *testing.T) {
	st := NewStore(nil)
	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = st.GetOrCreate(fmt.Sprintf("s%d", i%5))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, st.Len())
	assert.Same(t, got[0], st.GetOrCreate("s0"))

	st.Delete("s0")
	assert.Equal(t, 4, st.Len())
}

func TestStore_EvictIdleSessions(t *testing.T) {
	st := NewStore(nil)
	idle := st.GetOrCreate("idle")
	busy := st.GetOrCreate("busy")
	st.GetOrCreate("fresh")

	stale := time.Now().Add(-time.Hour).UnixNano()
	idle.lastUsed.Store(stale)
	busy.lastUsed.Store(stale)
	busy.Lock()

	assert.Equal(t, 1, st.Evict(time.Minute))
	assert.Equal(t, 2, st.Len())
	assert.NotSame(t, idle, st.GetOrCreate("idle"), "evicted session starts over")

	busy.Unlock()
	assert.Same(t, busy, st.GetOrCreate("busy"), "releasing a session refreshes it")
}

func TestStore_StartCleanup(t *testing.T) {
	st := NewStore(nil)
	s := st.GetOrCreate("s1")
	s.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.StartCleanup(ctx, 10*time.Millisecond, time.Minute)

	assert.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 10*time.Millisecond)
}
