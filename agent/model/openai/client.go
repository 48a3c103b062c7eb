// Package openai provides a model.Client implementation backed by the
// OpenAI-compatible Chat Completions API, using
// github.com/sashabaranov/go-openai. The same client works against any
// endpoint that speaks the OpenAI wire protocol (self-hosted gateways,
// Azure OpenAI, etc.) by overriding BaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/tools"
)

type (
	// Options configures the OpenAI adapter.
	Options struct {
		APIKey      string
		BaseURL     string
		HTTPTimeout time.Duration

		DefaultModel string
		HighModel    string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
		MaxRetries   int
	}

	// Client implements model.Client against the Chat Completions API.
	Client struct {
		client       *openailib.Client
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
		maxRetries   int
	}
)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	cfg := openailib.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		client:       openailib.NewClientWithConfig(cfg),
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		maxRetries:   retries,
	}, nil
}

// Complete issues a non-streaming chat completion request, retrying with
// linear backoff up to maxRetries times. Every failed attempt is retried,
// whatever the error; permanent failures are not told apart from
// transient ones.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	ccReq, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	var (
		resp    openailib.ChatCompletionResponse
		lastErr error
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, lastErr = c.client.CreateChatCompletion(ctx, *ccReq)
		if lastErr == nil {
			break
		}
		if isRateLimited(lastErr) {
			lastErr = fmt.Errorf("%w: %w", model.ErrRateLimited, lastErr)
		}
		if attempt == c.maxRetries {
			break
		}
		wait := time.Duration(attempt+1) * time.Second
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: chat completion failed after %d retries: %w", c.maxRetries, lastErr)
	}
	return translateResponse(resp)
}

// Stream issues a streaming chat completion request.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	ccReq, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	ccReq.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, *ccReq)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai: create chat completion stream: %w", err)
	}
	return newOpenAIStreamer(stream), nil
}

func (c *Client) prepareRequest(req *model.Request) (*openailib.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out := &openailib.ChatCompletionRequest{
		Model:    c.resolveModelID(req),
		Messages: msgs,
	}
	if out.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		out.Temperature = float32(t)
	}
	if mt := c.effectiveMaxTokens(req.MaxTokens); mt > 0 {
		out.MaxTokens = mt
	}
	if len(req.Tools) > 0 {
		out.Tools = encodeTools(req.Tools)
	}
	if req.ToolChoice != nil {
		choice, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = choice
	}
	if req.Thinking != nil && req.Thinking.Enable {
		out.ReasoningEffort = "medium"
	}
	return out, nil
}

func (c *Client) resolveModelID(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message) ([]openailib.ChatCompletionMessage, error) {
	out := make([]openailib.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		role, err := encodeRole(m.Role)
		if err != nil {
			return nil, err
		}

		var text string
		var toolCalls []openailib.ToolCall
		var toolResultID string

		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				text += v.Text
			case model.ToolUsePart:
				payload, err := json.Marshal(v.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: encode tool_use input: %w", err)
				}
				toolCalls = append(toolCalls, openailib.ToolCall{
					ID:   v.ID,
					Type: openailib.ToolTypeFunction,
					Function: openailib.FunctionCall{
						Name:      v.Name,
						Arguments: string(payload),
					},
				})
			case model.ToolResultPart:
				toolResultID = v.ToolUseID
				switch c := v.Content.(type) {
				case string:
					text += c
				case []byte:
					text += string(c)
				default:
					if data, err := json.Marshal(c); err == nil {
						text += string(data)
					}
				}
			}
		}

		msg := openailib.ChatCompletionMessage{Role: role, Content: text}
		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
		}
		if toolResultID != "" {
			msg.Role = openailib.ChatMessageRoleTool
			msg.ToolCallID = toolResultID
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, errors.New("openai: no encodable messages")
	}
	return out, nil
}

func encodeRole(r model.ConversationRole) (string, error) {
	switch r {
	case model.ConversationRoleSystem:
		return openailib.ChatMessageRoleSystem, nil
	case model.ConversationRoleUser:
		return openailib.ChatMessageRoleUser, nil
	case model.ConversationRoleAssistant:
		return openailib.ChatMessageRoleAssistant, nil
	default:
		return "", fmt.Errorf("openai: unsupported message role %q", r)
	}
}

func encodeTools(defs []*model.ToolDefinition) []openailib.Tool {
	out := make([]openailib.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		out = append(out, openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return out
}

func encodeToolChoice(choice *model.ToolChoice) (any, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return "auto", nil
	case model.ToolChoiceModeNone:
		return "none", nil
	case model.ToolChoiceModeAny:
		return "required", nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return nil, errors.New("openai: tool choice mode tool requires a name")
		}
		return openailib.ToolChoice{
			Type:     openailib.ToolTypeFunction,
			Function: openailib.ToolFunction{Name: choice.Name},
		}, nil
	default:
		return nil, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func isRateLimited(err error) bool {
	var apiErr *openailib.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

func translateResponse(resp openailib.ChatCompletionResponse) (*model.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices returned")
	}
	choice := resp.Choices[0]
	out := &model.Response{StopReason: string(choice.FinishReason)}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, model.Message{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: choice.Message.Content}},
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			Name:    tools.Ident(tc.Function.Name),
			Payload: json.RawMessage(tc.Function.Arguments),
			ID:      tc.ID,
		})
	}
	out.Usage = model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	return out, nil
}

// openAIStreamer adapts the go-openai streaming iterator to model.Streamer.
type openAIStreamer struct {
	stream *openailib.ChatCompletionStream
	buf    []model.ToolCall
}

func newOpenAIStreamer(stream *openailib.ChatCompletionStream) *openAIStreamer {
	return &openAIStreamer{stream: stream}
}

func (s *openAIStreamer) Recv() (model.Chunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return model.Chunk{Type: model.ChunkTypeStop}, io.EOF
	}
	if err != nil {
		return model.Chunk{}, err
	}
	if len(resp.Choices) == 0 {
		return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{Role: model.ConversationRoleAssistant}}, nil
	}
	delta := resp.Choices[0].Delta
	if delta.Content != "" {
		return model.Chunk{
			Type:    model.ChunkTypeText,
			Message: &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: delta.Content}}},
		}, nil
	}
	if len(delta.ToolCalls) > 0 {
		tc := delta.ToolCalls[0]
		name := ""
		if tc.Function.Name != "" {
			name = tc.Function.Name
		}
		return model.Chunk{
			Type: model.ChunkTypeToolCallDelta,
			ToolCallDelta: &model.ToolCallDelta{
				Name:  tools.Ident(name),
				ID:    tc.ID,
				Delta: tc.Function.Arguments,
			},
		}, nil
	}
	if resp.Choices[0].FinishReason != "" {
		return model.Chunk{Type: model.ChunkTypeStop, StopReason: string(resp.Choices[0].FinishReason)}, nil
	}
	return model.Chunk{Type: model.ChunkTypeText}, nil
}

func (s *openAIStreamer) Close() error {
	s.stream.Close()
	return nil
}

func (s *openAIStreamer) Metadata() map[string]any {
	return nil
}
