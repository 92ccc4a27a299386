// Package openai provides a core.CompletionPort backed by the OpenAI Chat
// Completions API. It adapts the agent's history window into the SDK's
// message format and returns the first choice's text.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/model"
)

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("no choices returned")

// Options configure the OpenAI port.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// Preamble is sent as the system message of every request.
	Preamble string
	// APIKey overrides the OPENAI_API_KEY environment variable.
	APIKey string
	// BaseURL overrides the API endpoint (proxies, compatible servers).
	BaseURL string
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Port wraps the OpenAI Chat Completions API behind core.CompletionPort.
type Port struct {
	client *openai.Client
	opts   Options
}

// NewPort creates a new OpenAI port using the official client.
func NewPort(optFns ...func(o *Options)) *Port {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(clientOpts...)

	return &Port{client: &client, opts: opts}
}

// NewPortFromClient creates a new OpenAI port from an existing client.
func NewPortFromClient(client *openai.Client, optFns ...func(o *Options)) *Port {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Port{client: client, opts: opts}
}

// Complete implements core.CompletionPort.
func (p *Port) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(p.opts.Preamble, history, input),
		Model:               p.opts.Model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	return resp.Choices[0].Message.Content, nil
}

// buildMessages converts the history window plus the new input into chat
// messages, preceded by the preamble as system message.
func buildMessages(preamble string, history []core.Message, input string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)

	if preamble != "" {
		messages = append(messages, openai.SystemMessage(preamble))
	}

	for _, m := range history {
		switch m.Role {
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	return append(messages, openai.UserMessage(input))
}

// Info returns metadata describing this OpenAI port.
func (p *Port) Info() model.Info {
	return model.Info{
		Name:     p.opts.Model,
		Provider: "openai",
	}
}
