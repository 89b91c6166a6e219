// Package page runs one interaction of the image assistant page: it resolves
// the user and run, binds an image, dispatches prompts and renders the log.
package page

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/barekit/iris/pkg/conversation"
	"github.com/barekit/iris/pkg/fetch"
	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/session"
	"go.uber.org/zap"
)

// Fetcher downloads and normalizes a remote image.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Result, error)
}

// Normalizer turns an uploaded image into a data URI.
type Normalizer interface {
	NormalizeReader(r io.Reader) (string, error)
}

// NoticeLevel is the severity of a notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "info"
	NoticeError   NoticeLevel = "error"
)

// Notice is a short message shown next to the chat.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}

// Upload is a file picked in the upload widget. Slot is the widget version it
// was picked in.
type Upload struct {
	Name string
	Body io.Reader // read only when the name was not encoded for this run
	Slot int
}

// Interaction is everything a user did on one page load.
type Interaction struct {
	Username string
	ImageURL string
	Upload   *Upload
	Prompt   string
	Preset   string
	NewRun   bool
	RunID    string
}

// RenderedMessage is a logged message as shown to the user.
type RenderedMessage struct {
	Role     llm.Role `json:"role"`
	Text     string   `json:"text"`
	HasImage bool     `json:"has_image,omitempty"`
}

// View is the page state after an interaction.
type View struct {
	NeedsUsername bool                  `json:"needs_username,omitempty"`
	User          string                `json:"user,omitempty"`
	RunID         string                `json:"run_id,omitempty"`
	RunIDs        []string              `json:"run_ids,omitempty"`
	UploadSlot    int                   `json:"upload_slot"`
	BoundImage    string                `json:"bound_image,omitempty"`
	Presets       []conversation.Preset `json:"presets,omitempty"`
	Messages      []RenderedMessage     `json:"messages,omitempty"`
	Notices       []Notice              `json:"notices,omitempty"`
}

func (v *View) notify(level NoticeLevel, text string) {
	v.Notices = append(v.Notices, Notice{Level: level, Text: text})
}

// Controller handles interactions for every session in a store.
type Controller struct {
	sessions   *session.Store
	factory    session.Factory
	fetcher    Fetcher
	normalizer Normalizer
	logger     *zap.Logger
}

// NewController creates a Controller.
func NewController(sessions *session.Store, factory session.Factory, fetcher Fetcher, normalizer Normalizer, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sessions:   sessions,
		factory:    factory,
		fetcher:    fetcher,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Handle runs one interaction for sessionID. onDelta, if set, receives the
// accumulated reply while it streams. Image and prompt problems are reported
// as notices; an error is returned only when the assistant cannot be created.
func (c *Controller) Handle(ctx context.Context, sessionID string, in Interaction, onDelta func(reply string)) (*View, error) {
	user := strings.TrimSpace(in.Username)
	if user == "" {
		return &View{NeedsUsername: true}, nil
	}

	sess := c.sessions.GetOrCreate(sessionID)
	sess.Lock()
	defer sess.Unlock()

	logger := c.logger.With(zap.String("session_id", sessionID), zap.String("user_id", user))
	view := &View{}

	if in.NewRun {
		sess.Restart()
		in = Interaction{Username: user}
	}

	asst, err := sess.GetOrCreateAssistant(ctx, c.factory, user, in.RunID)
	if err != nil {
		return nil, err
	}

	if in.ImageURL != "" {
		c.bindURL(ctx, sess, view, strings.TrimSpace(in.ImageURL), logger)
	}
	if in.Upload != nil {
		c.bindUpload(sess, view, in.Upload, logger)
	}

	driver := conversation.NewDriver(sess, logger)
	if in.Prompt != "" {
		if sess.BoundImage == "" {
			view.notify(NoticeInfo, "Upload an image or enter an image URL to start chatting.")
		} else if err := driver.Submit(in.Prompt, sess.BoundImage); err != nil {
			view.notify(NoticeError, err.Error())
		}
	}
	if in.Preset != "" {
		if err := driver.SubmitPreset(in.Preset); err != nil {
			view.notify(NoticeError, err.Error())
		}
	}

	if driver.State() == conversation.AwaitingResponse {
		if _, err := driver.Respond(ctx, asst, onDelta); err != nil {
			logger.Error("generation failed", zap.Error(err))
			view.notify(NoticeError, fmt.Sprintf("generation failed: %v", err))
		}
	}

	runIDs, err := asst.RunIDs(ctx)
	if err != nil {
		logger.Warn("failed to list runs", zap.Error(err))
	}

	view.User = sess.UserID
	view.RunID = sess.RunID
	view.RunIDs = runIDs
	view.UploadSlot = sess.UploadSlot
	view.BoundImage = sess.BoundImage
	if sess.BoundImage != "" {
		view.Presets = conversation.Presets
	}
	view.Messages = Render(sess.Messages)
	return view, nil
}

func (c *Controller) bindURL(ctx context.Context, sess *session.Session, view *View, rawURL string, logger *zap.Logger) {
	if sess.BoundImage != "" {
		if sess.ImageSource.Kind != session.SourceURL || sess.ImageSource.Key != rawURL {
			view.notify(NoticeInfo, "An image is already bound to this run. Start a new run to use another one.")
		}
		return
	}

	res, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		logger.Info("image download rejected", zap.String("url", rawURL), zap.Error(err))
		view.notify(NoticeError, err.Error())
		return
	}
	sess.BindImage(session.ImageSource{Kind: session.SourceURL, Key: rawURL}, res.DataURI)
	view.notify(NoticeSuccess, "Image downloaded successfully.")
}

func (c *Controller) bindUpload(sess *session.Session, view *View, up *Upload, logger *zap.Logger) {
	if sess.BoundImage != "" {
		return
	}
	if up.Slot != sess.UploadSlot {
		logger.Debug("stale upload ignored", zap.Int("slot", up.Slot), zap.Int("current", sess.UploadSlot))
		return
	}

	key := uploadKey(up.Name)
	if sess.IsEncoded(key) {
		return
	}
	logger.Info("encoding upload", zap.String("name", up.Name))
	dataURI, err := c.normalizer.NormalizeReader(up.Body)
	if err != nil {
		view.notify(NoticeError, err.Error())
		return
	}
	sess.BindImage(session.ImageSource{Kind: session.SourceUpload, Key: up.Name}, dataURI)
	sess.MarkEncoded(key)
	view.notify(NoticeSuccess, "Image processed.")
}

// uploadKey is the file name up to its first dot.
func uploadKey(name string) string {
	stem, _, _ := strings.Cut(name, ".")
	return stem
}

// Render converts the log for display, dropping system messages and keeping
// only the text of structured messages.
func Render(messages []llm.Message) []RenderedMessage {
	out := make([]RenderedMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		_, hasImage := m.Content.FirstImage()
		out = append(out, RenderedMessage{Role: m.Role, Text: m.Content.PlainText(), HasImage: hasImage})
	}
	return out
}
