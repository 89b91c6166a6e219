// Package fetch downloads images from https URLs into a local staging
// directory and normalizes them for the assistant.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/barekit/iris/pkg/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single download.
	DefaultTimeout = 10 * time.Second
	// DefaultDir is the staging directory used when none is configured.
	DefaultDir = "downloaded_images"
)

// Config controls where and how images are fetched.
type Config struct {
	Dir      string
	Timeout  time.Duration
	Retries  int
	MaxBytes int64 // 0 means unlimited
}

// Result describes a staged and normalized image.
type Result struct {
	Path        string
	DataURI     string
	ContentType string
	Size        int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sends requests through hc instead of the pooled default.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = hc }
}

// WithTransport sets the round tripper under the default retrying client.
// It is ignored when WithHTTPClient is used.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// Fetcher validates, downloads, stages and normalizes remote images.
type Fetcher struct {
	cfg        Config
	normalizer *imaging.Normalizer
	httpClient *http.Client
	transport  http.RoundTripper
	client     *resty.Client
	logger     *zap.Logger
}

// New creates a Fetcher.
func New(cfg Config, normalizer *imaging.Normalizer, opts ...Option) *Fetcher {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	f := &Fetcher{cfg: cfg, normalizer: normalizer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}

	if f.httpClient != nil {
		f.client = resty.NewWithClient(f.httpClient).
			SetRetryCount(cfg.Retries).
			SetRetryWaitTime(500 * time.Millisecond)
	} else {
		// Retries on connection errors and 5xx happen in the transport.
		retryClient := retryablehttp.NewClient()
		retryClient.Logger = nil
		retryClient.RetryMax = cfg.Retries
		retryClient.RetryWaitMin = 500 * time.Millisecond
		retryClient.RetryWaitMax = 2 * time.Second
		retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
		if f.transport != nil {
			retryClient.HTTPClient.Transport = f.transport
		}
		f.client = resty.NewWithClient(retryClient.StandardClient())
	}
	f.client.
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "iris-image-fetcher/1.0")
	if cfg.MaxBytes > 0 {
		// Stop reading once the body passes the limit instead of buffering it all.
		f.client.SetResponseBodyLimit(int(cfg.MaxBytes))
	}

	return f
}

// ValidateURL checks that raw is an https URL with a host.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

// Fetch downloads rawURL and returns the staged path and its data URI.
// Checks run in order: URL shape, download, Content-Type, extension.
// Nothing is written unless every check passes.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(u.String())
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, &FetchError{Detail: fmt.Sprintf("image exceeds limit of %d bytes", f.cfg.MaxBytes), Err: err}
	}
	if err != nil {
		return nil, &FetchError{Detail: err.Error(), Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &FetchError{Detail: fmt.Sprintf("HTTP %d", resp.StatusCode())}
	}

	contentType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrNotAnImage
	}

	base := path.Base(u.Path)
	ext := strings.ToLower(path.Ext(base))
	if !slices.Contains(AllowedExtensions, ext) {
		return nil, &UnsupportedFormatError{Extension: ext, Allowed: slices.Clone(AllowedExtensions)}
	}

	body := resp.Body()
	if f.cfg.MaxBytes > 0 && int64(len(body)) > f.cfg.MaxBytes {
		return nil, &FetchError{Detail: fmt.Sprintf("image is %d bytes, limit is %d", len(body), f.cfg.MaxBytes)}
	}

	staged, err := f.stage(base, body)
	if err != nil {
		return nil, err
	}

	dataURI, err := f.normalizer.Normalize(body)
	if err != nil {
		_ = os.Remove(staged)
		return nil, err
	}

	f.logger.Info("image fetched",
		zap.String("url", u.Redacted()),
		zap.String("path", staged),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(started)),
	)

	return &Result{
		Path:        staged,
		DataURI:     dataURI,
		ContentType: contentType,
		Size:        int64(len(body)),
	}, nil
}

// stage writes body under <sha256 prefix>-<base> so same-named URLs with
// different content never overwrite each other.
func (f *Fetcher) stage(base string, body []byte) (string, error) {
	if err := os.MkdirAll(f.cfg.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	sum := sha256.Sum256(body)
	name := hex.EncodeToString(sum[:8]) + "-" + base
	target := filepath.Join(f.cfg.Dir, name)

	tmp, err := os.CreateTemp(f.cfg.Dir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("failed to stage image: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to stage image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to stage image: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to stage image: %w", err)
	}
	return target, nil
}
