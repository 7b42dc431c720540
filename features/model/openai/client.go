// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API. It translates conversation history into streaming
// completion calls using github.com/openai/openai-go/v2 and adapts the chunk
// stream into the generic part stream.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/tools"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by *sdk.ChatCompletionService so callers
	// can pass either a real client or a stub in tests.
	CompletionsClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Model is the completion model identifier. Required.
		Model string

		// MaxTokens caps the completion length when positive.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements model.Client on top of OpenAI Chat Completions.
	Client struct {
		chat    CompletionsClient
		modelID string
		maxTok  int
		temp    float64
	}
)

// New builds an OpenAI-backed model client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: completions client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Client{
		chat:    chat,
		modelID: opts.Model,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{Model: modelID})
}

// Stream invokes Chat.Completions.NewStreaming and adapts the chunk stream
// into parts. Usage reporting is requested on the final chunk.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.PartStream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, wrapError("chat.completions.stream", err)
	}
	return &partStream{stream: stream}, nil
}

func (c *Client) encodeRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Messages: msgs,
		Model:    sdk.ChatModel(c.modelID),
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if c.maxTok > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(c.maxTok))
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if toolParams := encodeTools(req.Tools); len(toolParams) > 0 {
		params.Tools = toolParams
	}
	return &params, nil
}

// encodeMessages converts persisted history to Chat Completions message
// params. Tool invocations ride on the assistant message as tool_calls and
// each tool outcome part becomes a separate tool-role message.
func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		var (
			text      string
			toolCalls []sdk.ChatCompletionMessageToolCallUnionParam
			results   []sdk.ChatCompletionMessageParamUnion
		)
		for _, p := range m.Parts {
			switch p.Type {
			case part.TypeText, part.TypeTextDelta:
				text += p.Delta
			case part.TypeToolInputAvailable:
				if p.ToolName == "" {
					return nil, errors.New("openai: tool invocation part missing tool name")
				}
				input := p.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				toolCalls = append(toolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: p.ToolCallID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      p.ToolName,
							Arguments: string(input),
						},
					},
				})
			case part.TypeToolOutputAvailable:
				results = append(results, toolMessage(p.ToolCallID, string(p.Output)))
			case part.TypeToolOutputError:
				results = append(results, toolMessage(p.ToolCallID, p.ErrorText))
			default:
				// Reasoning and unknown parts are not re-encoded.
			}
		}
		switch m.Role {
		case "system":
			if text != "" {
				out = append(out, sdk.ChatCompletionMessageParamUnion{
					OfSystem: &sdk.ChatCompletionSystemMessageParam{
						Content: sdk.ChatCompletionSystemMessageParamContentUnion{OfString: sdk.String(text)},
					},
				})
			}
		case "user":
			if text != "" {
				out = append(out, sdk.ChatCompletionMessageParamUnion{
					OfUser: &sdk.ChatCompletionUserMessageParam{
						Content: sdk.ChatCompletionUserMessageParamContentUnion{OfString: sdk.String(text)},
					},
				})
			}
		case "assistant":
			if text != "" || len(toolCalls) > 0 {
				assistant := &sdk.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
				if text != "" {
					assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{OfString: sdk.String(text)}
				}
				out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: assistant})
			}
		default:
			return nil, errors.New("openai: unsupported message role " + m.Role)
		}
		out = append(out, results...)
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	return out, nil
}

func toolMessage(toolCallID, content string) sdk.ChatCompletionMessageParamUnion {
	return sdk.ChatCompletionMessageParamUnion{
		OfTool: &sdk.ChatCompletionToolMessageParam{
			ToolCallID: toolCallID,
			Content:    sdk.ChatCompletionToolMessageParamContentUnion{OfString: sdk.String(content)},
		},
	}
}

func encodeTools(schemas map[string]tools.Schema) []sdk.ChatCompletionToolUnionParam {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for name, schema := range schemas {
		def := sdk.FunctionDefinitionParam{Name: name}
		if schema.Description != "" {
			def.Description = sdk.String(schema.Description)
		}
		if schema.Parameters != nil {
			def.Parameters = sdk.FunctionParameters(schema.Parameters)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

// wrapError adapts an SDK failure into a classifier-friendly provider error.
func wrapError(operation string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code, message := parseErrorBody(apiErr.RawJSON())
		pe := retry.NewProviderError("openai", operation, apiErr.StatusCode, code, message, err)
		if raw := apiErr.RawJSON(); raw != "" {
			pe = pe.WithResponse(responseHeaders(apiErr), raw)
		}
		return pe
	}
	return retry.NewProviderError("openai", operation, 0, "", err.Error(), err)
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
		return "", "openai request failed"
	}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", raw
	}
	message = payload.Error.Message
	if message == "" {
		message = "openai request failed"
	}
	return payload.Error.Code, message
}
