// Package server exposes the image assistant page over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/barekit/iris/pkg/conversation"
	"github.com/barekit/iris/pkg/page"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const (
	// SessionCookie names the cookie carrying the logical session id.
	SessionCookie = "iris_session"
	// DefaultMaxUploadBytes caps uploaded image size.
	DefaultMaxUploadBytes = 20 << 20

	// multipartOverhead covers form fields and part headers of an upload.
	multipartOverhead = 64 << 10

	sessionKey = "session_id"
)

// PageHandler runs one page interaction.
type PageHandler interface {
	Handle(ctx context.Context, sessionID string, in page.Interaction, onDelta func(reply string)) (*page.View, error)
}

// Config controls the HTTP surface.
type Config struct {
	// Password, when set, gates /api behind basic auth.
	Password       string
	MaxUploadBytes int64
	SecureCookie   bool
}

// Server is the echo application.
type Server struct {
	echo   *echo.Echo
	pages  PageHandler
	cfg    Config
	logger *zap.Logger
}

type interactRequest struct {
	Username string `json:"username"`
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt"`
	Preset   string `json:"preset"`
	NewRun   bool   `json:"new_run"`
	RunID    string `json:"run_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the server and registers its routes.
func New(pages PageHandler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, pages: pages, cfg: cfg, logger: logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Error("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	}))

	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers the page routes.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.Health)

	api := e.Group("/api", s.sessionMiddleware)
	if s.cfg.Password != "" {
		api.Use(middleware.BasicAuth(func(_, password string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1, nil
		}))
	}
	api.GET("/presets", s.Presets)
	api.POST("/interact", s.Interact)
	api.POST("/interact/stream", s.InteractStream)
	api.POST("/upload", s.Upload, middleware.BodyLimit(bodyLimit(s.cfg.MaxUploadBytes)))
}

// bodyLimit allows room for the multipart envelope around a maximal file.
func bodyLimit(maxUpload int64) string {
	return strconv.FormatInt(maxUpload+multipartOverhead, 10)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Health reports liveness.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Presets lists the built-in prompts.
func (s *Server) Presets(c echo.Context) error {
	return c.JSON(http.StatusOK, conversation.Presets)
}

// Interact runs one interaction and returns the resulting view.
func (s *Server) Interact(c echo.Context) error {
	var req interactRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	return s.respond(c, req.interaction())
}

// InteractStream runs one interaction, streaming the reply as server-sent
// events: "delta" while generating, then "view" or "error".
func (s *Server) InteractStream(c echo.Context) error {
	var req interactRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	_ = http.NewResponseController(res.Writer).SetWriteDeadline(time.Time{})
	res.WriteHeader(http.StatusOK)

	view, err := s.pages.Handle(c.Request().Context(), sessionID(c), req.interaction(), func(reply string) {
		s.writeEvent(c, "delta", map[string]string{"reply": reply})
	})
	if err != nil {
		s.logger.Error("interaction failed", zap.Error(err))
		s.writeEvent(c, "error", errorResponse{Error: err.Error()})
		return nil
	}
	s.writeEvent(c, "view", view)
	return nil
}

// Upload accepts a multipart image upload with the form fields of an
// interaction.
func (s *Server) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("image exceeds %d bytes", s.cfg.MaxUploadBytes)})
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing file"})
	}
	if fh.Size > s.cfg.MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("image exceeds %d bytes", s.cfg.MaxUploadBytes)})
	}

	slot := 0
	if raw := c.FormValue("slot"); raw != "" {
		if slot, err = strconv.Atoi(raw); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid slot"})
		}
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	in := page.Interaction{
		Username: c.FormValue("username"),
		Prompt:   c.FormValue("prompt"),
		Preset:   c.FormValue("preset"),
		RunID:    c.FormValue("run_id"),
		Upload:   &page.Upload{Name: fh.Filename, Body: io.LimitReader(f, s.cfg.MaxUploadBytes), Slot: slot},
	}
	return s.respond(c, in)
}

func (s *Server) respond(c echo.Context, in page.Interaction) error {
	view, err := s.pages.Handle(c.Request().Context(), sessionID(c), in, nil)
	if err != nil {
		s.logger.Error("interaction failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) writeEvent(c echo.Context, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}
	res := c.Response()
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.logger.Debug("client went away", zap.Error(err))
		return
	}
	res.Flush()
}

// sessionMiddleware assigns every client a uuid session id via cookie.
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var id string
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			if _, err := uuid.Parse(cookie.Value); err == nil {
				id = cookie.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			c.SetCookie(&http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteStrictMode,
				Secure:   s.cfg.SecureCookie,
			})
		}
		c.Set(sessionKey, id)
		return next(c)
	}
}

func sessionID(c echo.Context) string {
	id, _ := c.Get(sessionKey).(string)
	return id
}

func (r interactRequest) interaction() page.Interaction {
	return page.Interaction{
		Username: r.Username,
		ImageURL: r.ImageURL,
		Prompt:   r.Prompt,
		Preset:   r.Preset,
		NewRun:   r.NewRun,
		RunID:    r.RunID,
	}
}
