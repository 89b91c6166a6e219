package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role represents the role of the message sender (system, user, assistant).
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies the kind of a structured content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// DetailLow is the image detail hint sent with every vision prompt.
const DetailLow = "low"

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Part is one unit of a structured message body.
type Part struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image part.
func ImagePart(url, detail string) Part {
	return Part{Type: PartImageURL, ImageURL: &ImageURL{URL: url, Detail: detail}}
}

// ContentKind tags which variant of Content is populated.
type ContentKind int

const (
	KindText ContentKind = iota
	KindParts
)

// Content is either plain text or an ordered list of parts.
// It marshals to the OpenAI shape: a JSON string or a JSON array.
type Content struct {
	Kind  ContentKind
	Text  string
	Parts []Part
}

// TextContent builds a plain text body.
func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// PartsContent builds a structured body.
func PartsContent(parts ...Part) Content {
	return Content{Kind: KindParts, Parts: parts}
}

// PlainText returns the text of the body. For structured bodies the text
// parts are joined with newlines.
func (c Content) PlainText() string {
	if c.Kind == KindText {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type != PartText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// FirstImage returns the URL of the first image part, if any.
func (c Content) FirstImage() (string, bool) {
	if c.Kind != KindParts {
		return "", false
	}
	for _, p := range c.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil {
			return p.ImageURL.URL, true
		}
	}
	return "", false
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Kind == KindParts {
		parts := c.Parts
		if parts == nil {
			parts = []Part{}
		}
		return json.Marshal(parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		*c = TextContent(text)
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("content is neither a string nor a part list: %w", err)
	}
	*c = PartsContent(parts...)
	return nil
}

// Message represents a single message in the conversation.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Stream is a pull-based sequence of text deltas.
//
// Next advances to the next delta and reports whether one is available.
// After Next returns false, Err reports whether the sequence ended in error.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Provider defines the interface for an LLM provider.
type Provider interface {
	// Chat sends a list of messages to the LLM and returns the response.
	Chat(ctx context.Context, messages []Message) (*Message, error)
	// Stream sends a list of messages to the LLM and returns a stream of text deltas.
	Stream(ctx context.Context, messages []Message) (Stream, error)
}
