package openai

import (
	"context"
	"fmt"

	"github.com/barekit/iris/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

type Provider struct {
	client *openai.Client
	model  string
}

func New(opts ...option.RequestOption) *Provider {
	client := openai.NewClient(opts...)
	return &Provider{
		client: &client,
		model:  openai.ChatModelGPT4o, // vision capable
	}
}

// SetModel sets the model to use.
func (p *Provider) SetModel(model string) {
	p.model = model
}

func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (*llm.Message, error) {
	openaiMessages, err := buildMessages(messages)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openaiMessages,
		Model:    p.model,
	})
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	return &llm.Message{
		Role:    llm.RoleAssistant,
		Content: llm.TextContent(completion.Choices[0].Message.Content),
	}, nil
}

// Stream sends a list of messages to the LLM and returns a pull stream of content deltas.
func (p *Provider) Stream(ctx context.Context, messages []llm.Message) (llm.Stream, error) {
	openaiMessages, err := buildMessages(messages)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: openaiMessages,
		Model:    p.model,
	})
	return &chunkStream{stream: stream}, nil
}

// chunkStream adapts the SSE chunk stream to llm.Stream, skipping
// chunks that carry no content (role headers, finish markers).
type chunkStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (s *chunkStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s.current = chunk.Choices[0].Delta.Content
		return true
	}
	s.current = ""
	return false
}

func (s *chunkStream) Current() string { return s.current }

func (s *chunkStream) Err() error { return s.stream.Err() }

func (s *chunkStream) Close() error { return s.stream.Close() }

func buildMessages(messages []llm.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	openaiMessages := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			openaiMessages[i] = openai.SystemMessage(msg.Content.PlainText())
		case llm.RoleUser:
			if msg.Content.Kind != llm.KindParts {
				openaiMessages[i] = openai.UserMessage(msg.Content.Text)
				continue
			}
			parts, err := buildParts(msg.Content.Parts)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			openaiMessages[i] = openai.UserMessage(parts)
		case llm.RoleAssistant:
			openaiMessages[i] = openai.AssistantMessage(msg.Content.PlainText())
		default:
			return nil, fmt.Errorf("unknown role: %s", msg.Role)
		}
	}
	return openaiMessages, nil
}

func buildParts(parts []llm.Part) ([]openai.ChatCompletionContentPartUnionParam, error) {
	out := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case llm.PartText:
			out = append(out, openai.TextContentPart(part.Text))
		case llm.PartImageURL:
			if part.ImageURL == nil {
				return nil, fmt.Errorf("image part without url")
			}
			image := openai.ChatCompletionContentPartImageImageURLParam{URL: part.ImageURL.URL}
			switch part.ImageURL.Detail {
			case "low":
				image.Detail = "low"
			case "high":
				image.Detail = "high"
			case "auto":
				image.Detail = "auto"
			}
			out = append(out, openai.ImageContentPart(image))
		default:
			return nil, fmt.Errorf("unknown part type: %s", part.Type)
		}
	}
	return out, nil
}
