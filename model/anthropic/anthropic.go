// Package anthropic provides a core.CompletionPort backed by the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/model"
)

// ErrEmptyResponse is returned when the reply carries no text block.
var ErrEmptyResponse = errors.New("no text content returned")

// Options configures the Anthropic port (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// Preamble is sent as the system prompt of every request.
	Preamble string
}

func defaultOptions() Options {
	return Options{
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Port wraps the Anthropic Messages API behind core.CompletionPort.
type Port struct {
	client *anthropic.Client
	opts   Options
}

// NewPort creates a new Anthropic port using the official client
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

	client := anthropic.NewClient(clientOpts...)

	return &Port{
		client: &client,
		opts:   opts,
	}
}

// NewPortFromClient creates a new Anthropic port from an existing client
func NewPortFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Port {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Port{
		client: client,
		opts:   opts,
	}
}

// Complete implements core.CompletionPort. Text blocks of the reply are
// concatenated in order.
func (p *Port) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.opts.Model),
		Messages:    buildMessages(history, input),
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}

	if p.opts.Preamble != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.opts.Preamble}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder

	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}

	return sb.String(), nil
}

// buildMessages converts the history window plus the new input to the
// Anthropic message format. The API wants alternating roles starting with
// user, so leading assistant messages are dropped and consecutive messages
// of one role share a single message with one text block each.
func buildMessages(history []core.Message, input string) []anthropic.MessageParam {
	var (
		messages []anthropic.MessageParam
		role     core.Role
		blocks   []anthropic.ContentBlockParamUnion
	)

	flush := func() {
		if len(blocks) == 0 {
			return
		}

		if role == core.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}

		blocks = nil
	}

	add := func(r core.Role, text string) {
		if r != core.RoleAssistant {
			r = core.RoleUser
		}

		if len(messages) == 0 && len(blocks) == 0 && r == core.RoleAssistant {
			return
		}

		if r != role {
			flush()
			role = r
		}

		blocks = append(blocks, anthropic.NewTextBlock(text))
	}

	for _, m := range history {
		add(m.Role, m.Content)
	}

	add(core.RoleUser, input)
	flush()

	return messages
}

// Info returns metadata describing this Anthropic port.
func (p *Port) Info() model.Info {
	return model.Info{
		Name:     p.opts.Model,
		Provider: "anthropic",
	}
}
