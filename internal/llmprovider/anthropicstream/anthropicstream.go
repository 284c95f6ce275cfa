// Package anthropicstream adapts the Anthropic Messages streaming API to
// the engine's normalized llmprovider.StreamEvent union. Grounded on the
// haasonsaas-nexus example pack's internal/agent/providers/anthropic.go
// processStream loop (content_block_start/delta/stop state machine,
// input-json accumulation per tool-use block, message_start/delta usage
// extraction) adapted to emit the spec's typed event union directly rather
// than a provider-specific chunk struct.
package anthropicstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
)

// Provider implements llmprovider.Provider over Anthropic's native
// block-shaped streaming protocol, which maps onto StreamEvent with no
// translation beyond renaming.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New constructs an anthropicstream.Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropicstream: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Provider{client: anthropic.NewClient(opts...), defaultModel: model}, nil
}

func (p *Provider) model(req llmprovider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Provider) CallStream(ctx context.Context, req llmprovider.Request, onEvent func(llmprovider.StreamEvent) error) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		MaxTokens: req.MaxTokens,
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return fmt.Errorf("anthropicstream: convert messages: %w", err)
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return fmt.Errorf("anthropicstream: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	// Anthropic's native protocol already assigns distinct indices per
	// content block, so no index manufacturing is needed here (contrast
	// openaistream, which must manufacture these). Input-JSON accumulation
	// across input_json_delta events is the orchestrator's job (spec §4.2
	// step 6), not the provider's — this adapter only relays deltas.
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if err := onEvent(llmprovider.StreamEvent{
				Kind:      llmprovider.EventMessageStart,
				MessageID: ms.Message.ID,
				Role:      blockmodel.LLMRoleAssistant,
				Model:     string(ms.Message.Model),
				Usage: &blockmodel.TokenUsage{
					InputTokens: ms.Message.Usage.InputTokens,
				},
			}); err != nil {
				return err
			}

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			block := cbs.ContentBlock
			switch block.Type {
			case "text":
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockStart, Index: int(cbs.Index),
					BlockKind: llmprovider.ContentText,
				}); err != nil {
					return err
				}
			case "thinking":
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockStart, Index: int(cbs.Index),
					BlockKind: llmprovider.ContentThinking,
				}); err != nil {
					return err
				}
			case "tool_use":
				toolUse := block.AsToolUse()
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockStart, Index: int(cbs.Index),
					BlockKind: llmprovider.ContentToolUse, ToolUseID: toolUse.ID, ToolUseName: toolUse.Name,
				}); err != nil {
					return err
				}
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			delta := cbd.Delta
			switch delta.Type {
			case "text_delta":
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockDelta, Index: int(cbd.Index),
					DeltaKind: llmprovider.DeltaText, Text: delta.Text,
				}); err != nil {
					return err
				}
			case "thinking_delta":
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockDelta, Index: int(cbd.Index),
					DeltaKind: llmprovider.DeltaThinking, Text: delta.Thinking,
				}); err != nil {
					return err
				}
			case "input_json_delta":
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockDelta, Index: int(cbd.Index),
					DeltaKind: llmprovider.DeltaInputJSON, PartialJSON: delta.PartialJSON,
				}); err != nil {
					return err
				}
			}

		case "content_block_stop":
			cbstop := event.AsContentBlockStop()
			if err := onEvent(llmprovider.StreamEvent{
				Kind: llmprovider.EventContentBlockStop, Index: int(cbstop.Index),
			}); err != nil {
				return err
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if err := onEvent(llmprovider.StreamEvent{
				Kind:       llmprovider.EventMessageDelta,
				StopReason: translateStopReason(string(md.Delta.StopReason)),
				Usage:      &blockmodel.TokenUsage{OutputTokens: md.Usage.OutputTokens},
			}); err != nil {
				return err
			}

		case "message_stop":
			return onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventMessageStop})

		case "ping":
			if err := onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventPing}); err != nil {
				return err
			}

		case "error":
			return onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventError, ErrorMessage: "anthropic stream error"})
		}
	}

	if err := stream.Err(); err != nil {
		_ = onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventError, ErrorMessage: err.Error()})
		return fmt.Errorf("anthropicstream: stream: %w", err)
	}
	return nil
}

func translateStopReason(native string) llmprovider.StopReason {
	switch native {
	case "end_turn":
		return llmprovider.StopEndTurn
	case "max_tokens":
		return llmprovider.StopMaxTokens
	case "tool_use":
		return llmprovider.StopToolUse
	case "stop_sequence":
		return llmprovider.StopStopSequence
	default:
		return llmprovider.StopEndTurn
	}
}

func convertMessages(messages []blockmodel.LLMMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == blockmodel.LLMRoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Content {
			switch part.Type {
			case "text":
				content = append(content, anthropic.NewTextBlock(part.Text))
			case "tool_use":
				var input map[string]any
				if len(part.Input) > 0 {
					if err := json.Unmarshal(part.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use input for %s: %w", part.ToolName, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolUseID, input, part.ToolName))
			case "tool_result":
				content = append(content, anthropic.NewToolResultBlock(part.ToolUseID, part.Text, part.IsError))
			case "image":
				if mediaType, data, ok := parseDataURL(part.DataURL); ok {
					content = append(content, anthropic.NewImageBlockBase64(mediaType, data))
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == blockmodel.LLMRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []llmprovider.RequestToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func parseDataURL(raw string) (string, string, bool) {
	const prefix = "data:"
	if len(raw) < len(prefix) || raw[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := raw[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ',' {
			meta := rest[:i]
			const suffix = ";base64"
			if len(meta) < len(suffix) || meta[len(meta)-len(suffix):] != suffix {
				return "", "", false
			}
			return meta[:len(meta)-len(suffix)], rest[i+1:], true
		}
	}
	return "", "", false
}
