// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates conversation history into Messages.NewStreaming
// calls using github.com/anthropics/anthropic-sdk-go and adapts the SSE event
// stream into the generic part stream.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/tools"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a stub in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier. Required; use the typed
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string

		// MaxTokens caps the completion length (default 4096).
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg     MessagesClient
		modelID string
		maxTok  int64
		temp    float64
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{
		msg:     msg,
		modelID: opts.Model,
		maxTok:  int64(maxTok),
		temp:    opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: modelID})
}

// Stream invokes Messages.NewStreaming and adapts the event stream into parts.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.PartStream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, wrapError("messages.stream", err)
	}
	return &partStream{stream: stream}, nil
}

func (c *Client) encodeRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: c.maxTok,
		Messages:  msgs,
		Model:     sdk.Model(c.modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if toolParams, err := encodeTools(req.Tools); err != nil {
		return nil, err
	} else if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return &params, nil
}

// encodeMessages converts persisted history to Anthropic message params.
// System messages become system blocks. Tool outcome parts must live in user
// messages per the Messages API, so each assistant message carrying outcomes is
// followed by a synthesized user message with the tool_result blocks.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m.Role == "system" {
			for _, p := range m.Parts {
				if (p.Type == part.TypeText || p.Type == part.TypeTextDelta) && p.Delta != "" {
					system = append(system, sdk.TextBlockParam{Text: p.Delta})
				}
			}
			continue
		}

		var (
			blocks  []sdk.ContentBlockParamUnion
			results []sdk.ContentBlockParamUnion
		)
		for _, p := range m.Parts {
			switch p.Type {
			case part.TypeText, part.TypeTextDelta:
				if p.Delta != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Delta))
				}
			case part.TypeToolInputAvailable:
				if p.ToolName == "" {
					return nil, nil, errors.New("anthropic: tool invocation part missing tool name")
				}
				input := p.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(p.ToolCallID, input, p.ToolName))
			case part.TypeToolOutputAvailable:
				results = append(results, sdk.NewToolResultBlock(p.ToolCallID, string(p.Output), false))
			case part.TypeToolOutputError:
				results = append(results, sdk.NewToolResultBlock(p.ToolCallID, p.ErrorText, true))
			default:
				// Reasoning and unknown parts are not re-encoded.
			}
		}
		if len(blocks) > 0 {
			switch m.Role {
			case "user":
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			case "assistant":
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			default:
				return nil, nil, errors.New("anthropic: unsupported message role " + m.Role)
			}
		}
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(schemas map[string]tools.Schema) ([]sdk.ToolUnionParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(schemas))
	for name, schema := range schemas {
		var params map[string]any
		if schema.Parameters != nil {
			raw, err := json.Marshal(schema.Parameters)
			if err != nil {
				return nil, errors.New("anthropic: tool " + name + " schema is not serializable")
			}
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, err
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: params}, name)
		if u.OfTool != nil && schema.Description != "" {
			u.OfTool.Description = sdk.String(schema.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// wrapError adapts an SDK failure into a classifier-friendly provider error.
func wrapError(operation string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code, message := parseErrorBody(apiErr.RawJSON())
		pe := retry.NewProviderError("anthropic", operation, apiErr.StatusCode, code, message, err)
		if raw := apiErr.RawJSON(); raw != "" {
			pe = pe.WithResponse(responseHeaders(apiErr), raw)
		}
		return pe
	}
	return retry.NewProviderError("anthropic", operation, 0, "", err.Error(), err)
}

func responseHeaders(apiErr *sdk.Error) map[string]string {
	if apiErr.Response == nil {
		return nil
	}
	headers := make(map[string]string, len(apiErr.Response.Header))
	for k := range apiErr.Response.Header {
		headers[k] = apiErr.Response.Header.Get(k)
	}
	return headers
}

func parseErrorBody(raw string) (code, message string) {
	if raw == "" {
		return "", "anthropic request failed"
	}
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", raw
	}
	message = payload.Error.Message
	if message == "" {
		message = "anthropic request failed"
	}
	return payload.Error.Type, message
}
