// Package openaistream adapts the OpenAI Chat Completions streaming API to
// the engine's normalized llmprovider.StreamEvent union. Grounded on the
// intelligencedev-manifold example pack's internal/llm/openai ChatStream
// loop (delta.content / delta.tool_calls[].index accumulation,
// finish_reason handling), but where the teacher accumulates a complete
// llm.Message and hands it to a single callback, this adapter manufactures
// the same ContentBlockStart/Delta/Stop sequence Anthropic's native
// protocol produces directly, since OpenAI's wire format carries no
// explicit block boundaries.
package openaistream

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
)

// Provider implements llmprovider.Provider over OpenAI's Chat Completions
// streaming protocol, manufacturing block boundaries that protocol lacks.
type Provider struct {
	client       sdk.Client
	defaultModel string
}

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New constructs an openaistream.Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openaistream: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &Provider{client: sdk.NewClient(opts...), defaultModel: model}, nil
}

func (p *Provider) model(req llmprovider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

// blockState tracks the manufactured ContentBlockStart/Stop bookkeeping for
// one content index across chunks: text lives at index 0, each tool call
// claims the next index in the order its first delta is observed.
type blockState struct {
	started bool
	kind    llmprovider.ContentBlockKind
}

func (p *Provider) CallStream(ctx context.Context, req llmprovider.Request, onEvent func(llmprovider.StreamEvent) error) error {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(p.model(req)),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	params.Messages = convertMessages(req.System, req.Messages)
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	messageID := ""
	blocks := map[int]*blockState{}
	// toolIndex maps OpenAI's delta.tool_calls[].index
	// (which can start anywhere and skip) onto our manufactured block
	// indices, which must be contiguous starting after the text block.
	toolIndex := map[int64]int{}
	nextBlockIndex := 1 // index 0 is reserved for text

	textStarted := false
	ensureText := func() error {
		if textStarted {
			return nil
		}
		textStarted = true
		blocks[0] = &blockState{started: true, kind: llmprovider.ContentText}
		return onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventContentBlockStart, Index: 0, BlockKind: llmprovider.ContentText})
	}

	var finishReason string
	var usage *blockmodel.TokenUsage

	for stream.Next() {
		chunk := stream.Current()

		if chunk.ID != "" && messageID == "" {
			messageID = chunk.ID
			if err := onEvent(llmprovider.StreamEvent{
				Kind:      llmprovider.EventMessageStart,
				MessageID: messageID,
				Role:      blockmodel.LLMRoleAssistant,
				Model:     string(chunk.Model),
			}); err != nil {
				return err
			}
		}

		if chunk.Usage.TotalTokens > 0 {
			usage = &blockmodel.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if err := ensureText(); err != nil {
				return err
			}
			if err := onEvent(llmprovider.StreamEvent{
				Kind: llmprovider.EventContentBlockDelta, Index: 0,
				DeltaKind: llmprovider.DeltaText, Text: delta.Content,
			}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx, ok := toolIndex[tc.Index]
			if !ok {
				idx = nextBlockIndex
				nextBlockIndex++
				toolIndex[tc.Index] = idx
				blocks[idx] = &blockState{started: true, kind: llmprovider.ContentToolUse}
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockStart, Index: idx,
					BlockKind: llmprovider.ContentToolUse, ToolUseID: tc.ID, ToolUseName: tc.Function.Name,
				}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				if err := onEvent(llmprovider.StreamEvent{
					Kind: llmprovider.EventContentBlockDelta, Index: idx,
					DeltaKind: llmprovider.DeltaInputJSON, PartialJSON: tc.Function.Arguments,
				}); err != nil {
					return err
				}
			}
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := stream.Err(); err != nil {
		_ = onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventError, ErrorMessage: err.Error()})
		return fmt.Errorf("openaistream: stream: %w", err)
	}

	for idx := range blocks {
		if err := onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventContentBlockStop, Index: idx}); err != nil {
			return err
		}
	}

	if err := onEvent(llmprovider.StreamEvent{
		Kind:       llmprovider.EventMessageDelta,
		StopReason: translateFinishReason(finishReason, len(toolIndex) > 0),
		Usage:      usage,
	}); err != nil {
		return err
	}

	return onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventMessageStop})
}

func translateFinishReason(reason string, hasToolCalls bool) llmprovider.StopReason {
	switch reason {
	case "stop":
		return llmprovider.StopEndTurn
	case "length":
		return llmprovider.StopMaxTokens
	case "tool_calls", "function_call":
		return llmprovider.StopToolUse
	case "content_filter":
		return llmprovider.StopStopSequence
	default:
		if hasToolCalls {
			return llmprovider.StopToolUse
		}
		return llmprovider.StopEndTurn
	}
}

func convertMessages(system string, messages []blockmodel.LLMMessage) []sdk.ChatCompletionMessageParamUnion {
	var out []sdk.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case blockmodel.LLMRoleSystem:
			if text := firstText(msg.Content); text != "" {
				out = append(out, sdk.SystemMessage(text))
			}
		case blockmodel.LLMRoleUser:
			out = append(out, convertUserMessage(msg))
		case blockmodel.LLMRoleAssistant:
			out = append(out, convertAssistantMessage(msg))
		}
	}
	return out
}

func convertUserMessage(msg blockmodel.LLMMessage) sdk.ChatCompletionMessageParamUnion {
	// tool_result parts in a "user" role LLMMessage represent the
	// conversation's tool-response turn; OpenAI models these as separate
	// "tool" role messages keyed by tool_call_id rather than inline content.
	var toolResults []blockmodel.LLMContentPart
	var text string
	for _, part := range msg.Content {
		switch part.Type {
		case "tool_result":
			toolResults = append(toolResults, part)
		case "text":
			text += part.Text
		}
	}
	if len(toolResults) > 0 {
		// Only the first tool result is representable as this single
		// ChatCompletionMessageParamUnion; callers with multiple results
		// emit one LLMMessage per result, matching how the orchestrator
		// appends tool results (spec §4.2 add_tool_results, one per call).
		r := toolResults[0]
		return sdk.ToolMessage(r.Text, r.ToolUseID)
	}
	if text == "" {
		text = " "
	}
	return sdk.UserMessage(text)
}

func convertAssistantMessage(msg blockmodel.LLMMessage) sdk.ChatCompletionMessageParamUnion {
	var content string
	var toolCalls []sdk.ChatCompletionMessageToolCallUnionParam
	for _, part := range msg.Content {
		switch part.Type {
		case "text":
			content += part.Text
		case "tool_use":
			fn := sdk.ChatCompletionMessageFunctionToolCallParam{
				ID: part.ToolUseID,
				Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      part.ToolName,
					Arguments: string(part.Input),
				},
			}
			toolCalls = append(toolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
		}
	}
	if len(toolCalls) == 0 {
		if content == "" {
			content = " "
		}
		return sdk.AssistantMessage(content)
	}
	var asst sdk.ChatCompletionAssistantMessageParam
	if content == "" {
		content = " "
	}
	asst.Content.OfString = sdk.String(content)
	asst.ToolCalls = toolCalls
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func firstText(parts []blockmodel.LLMContentPart) string {
	for _, p := range parts {
		if p.Type == "text" {
			return p.Text
		}
	}
	return ""
}

func convertTools(tools []llmprovider.RequestToolSpec) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.InputSchema, &params)
		def := sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  params,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}
