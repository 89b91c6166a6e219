package fetch

import (
	"errors"
	"strings"
)

// AllowedExtensions are the file extensions accepted for remote images.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

var (
	// ErrInvalidURL is returned for URLs that are not https or have no host.
	ErrInvalidURL = errors.New("invalid URL format")
	// ErrNotAnImage is returned when the response Content-Type is not image/*.
	ErrNotAnImage = errors.New("the URL does not point to a valid image content type")
)

// FetchError reports a transport or HTTP status failure.
type FetchError struct {
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	return "error downloading the image: " + e.Detail
}

func (e *FetchError) Unwrap() error { return e.Err }

// UnsupportedFormatError is returned when the URL's extension is not allowed.
type UnsupportedFormatError struct {
	Extension string
	Allowed   []string
}

func (e *UnsupportedFormatError) Error() string {
	return "unsupported image format. Please upload an image in one of the following formats: " +
		strings.Join(e.Allowed, ", ")
}
