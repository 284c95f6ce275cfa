// Package compaction implements the Compaction Service (spec §4.4): it
// decides when a task's conversation is crowding its model's context
// window, synthesizes a summary via an LLM call, and replaces the
// summarized prefix with a breakpoint message. Also implements context-
// usage estimation (SPEC_FULL §C.5), filling a gap spec.md leaves open
// (context.rs tracks a rolling context_usage percentage without
// specifying how it's computed).
package compaction

import (
	"context"
	"math"
	"strings"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/taskcontext"
)

// summaryMaxTokens bounds the synthesized summary's output length (spec
// §4.4 "~1500 tokens output").
const summaryMaxTokens = 1500

// minKeepTail and keepTailFraction implement spec §4.4's "keep at minimum
// 8 messages, or 30% of the tail, whichever is larger".
const (
	minKeepTail     = 8
	keepTailFraction = 0.30
)

const summarySystemPrompt = `You are compacting a long agent conversation. Summarize it concisely,
covering: key user goals, key assistant conclusions, outstanding todos, and
relevant file paths. Be dense; omit pleasantries and restated tool output.`

// Service implements the Compaction Service (spec §4.4).
type Service struct {
	provider         llmprovider.Provider
	thresholdPercent float64
}

// NewService constructs a Service; thresholdPercent mirrors
// config.Config.CompactionThresholdPercent (spec §4.4 "70% of window,
// configurable").
func NewService(provider llmprovider.Provider, thresholdPercent float64) *Service {
	return &Service{provider: provider, thresholdPercent: thresholdPercent}
}

// EstimateUsage returns the fraction (0-1+) of windowTokens that messages
// occupy, using the teacher's chars/4 heuristic (internal/llm/tokenizer.go
// EstimateTokens) rather than a provider-specific tokenizer, since no
// single tokenizer is correct across the Anthropic/OpenAI adapters this
// engine supports (SPEC_FULL §C.5).
func EstimateUsage(messages []blockmodel.LLMMessage, windowTokens int) float64 {
	if windowTokens <= 0 {
		return 0
	}
	return float64(estimateTokens(messages)) / float64(windowTokens)
}

func estimateTokens(messages []blockmodel.LLMMessage) int {
	total := 0
	for _, m := range messages {
		for _, part := range m.Content {
			total += estimateTokensForString(part.Text)
			total += estimateTokensForString(string(part.Input))
		}
	}
	return total
}

func estimateTokensForString(s string) int {
	if s == "" {
		return 0
	}
	return len([]rune(s))/4 + 1
}

// MaybeCompact runs spec §4.4's trigger-and-synthesize algorithm against
// tc's current message history. Returns true if a summary was created.
func (s *Service) MaybeCompact(ctx context.Context, tc *taskcontext.Context, model string, windowTokens int) (bool, error) {
	messages := tc.Messages()
	if EstimateUsage(messages, windowTokens) <= s.thresholdPercent/100 {
		return false, nil
	}

	keep := minKeepTail
	if fractional := int(math.Ceil(float64(len(messages)) * keepTailFraction)); fractional > keep {
		keep = fractional
	}
	if keep >= len(messages) {
		return false, nil
	}

	prefix := messages[:len(messages)-keep]
	tail := messages[len(messages)-keep:]

	summary, err := s.synthesize(ctx, model, prefix)
	if err != nil {
		return false, engineerr.Wrap(engineerr.InternalError, "synthesizing compaction summary", err)
	}
	if err := tc.ApplySummary(ctx, summary, tail); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) synthesize(ctx context.Context, model string, prefix []blockmodel.LLMMessage) (string, error) {
	req := llmprovider.Request{
		Model:     model,
		System:    summarySystemPrompt,
		Messages:  prefix,
		MaxTokens: summaryMaxTokens,
	}
	var text strings.Builder
	var streamErr error
	err := s.provider.CallStream(ctx, req, func(ev llmprovider.StreamEvent) error {
		switch ev.Kind {
		case llmprovider.EventContentBlockDelta:
			if ev.DeltaKind == llmprovider.DeltaText {
				text.WriteString(ev.Text)
			}
		case llmprovider.EventError:
			streamErr = engineerr.New(engineerr.InternalError, ev.ErrorMessage)
			return streamErr
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if streamErr != nil {
		return "", streamErr
	}
	return strings.TrimSpace(text.String()), nil
}
