package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/taskcontext"
)

// pendingBlock tracks one in-flight content block's streamed text or
// partial tool-input JSON, plus the throttle bookkeeping for spec §4.2 step
// 6 ("flush a streaming block's content at most every 750ms or 2048 bytes,
// whichever comes first").
type pendingBlock struct {
	kind    llmprovider.ContentBlockKind
	blockID string
	callID  string
	name    string

	text strings.Builder
	json strings.Builder

	lastFlush   time.Time
	lastFlushed int
}

// toolCallDraft is one finalized tool_use content block, ready for
// deduplication and dispatch.
type toolCallDraft struct {
	callID  string
	name    string
	input   json.RawMessage
	blockID string
}

// blockSink is the slice of *taskcontext.Context the accumulator needs;
// named so the struct and constructor don't repeat the method set.
type blockSink interface {
	AssistantAppendBlock(ctx context.Context, block blockmodel.Block) (string, error)
	AssistantUpdateBlock(ctx context.Context, id string, mutate func(*blockmodel.Block)) error
}

// accumulator consumes one LLM stream, mirroring each content block into
// the task's active assistant message via Context.AssistantAppendBlock/
// AssistantUpdateBlock (spec §4.2 step 6).
type accumulator struct {
	ctx context.Context
	tc  blockSink

	byIndex   map[int]*pendingBlock
	toolCalls []toolCallDraft
	finalText strings.Builder
	usage     *blockmodel.TokenUsage
}

func newAccumulator(ctx context.Context, tc blockSink) *accumulator {
	return &accumulator{ctx: ctx, tc: tc, byIndex: map[int]*pendingBlock{}}
}

// handle is the llmprovider.Provider onEvent callback.
func (a *accumulator) handle(ev llmprovider.StreamEvent) error {
	switch ev.Kind {
	case llmprovider.EventContentBlockStart:
		return a.onBlockStart(ev)
	case llmprovider.EventContentBlockDelta:
		return a.onBlockDelta(ev)
	case llmprovider.EventContentBlockStop:
		return a.onBlockStop(ev)
	case llmprovider.EventMessageDelta:
		if ev.Usage != nil {
			a.usage = ev.Usage
		}
	case llmprovider.EventError:
		return engineerr.New(engineerr.InternalError, ev.ErrorMessage)
	}
	return nil
}

func (a *accumulator) onBlockStart(ev llmprovider.StreamEvent) error {
	pb := &pendingBlock{kind: ev.BlockKind, callID: ev.ToolUseID, name: ev.ToolUseName}

	var block blockmodel.Block
	switch ev.BlockKind {
	case llmprovider.ContentText:
		block = blockmodel.Block{Kind: blockmodel.BlockText, IsStreaming: true}
	case llmprovider.ContentThinking:
		block = blockmodel.Block{Kind: blockmodel.BlockThinking, IsStreaming: true}
	case llmprovider.ContentToolUse:
		block = blockmodel.Block{Kind: blockmodel.BlockTool, CallID: ev.ToolUseID, Name: ev.ToolUseName, Status: blockmodel.ToolPending}
	default:
		a.byIndex[ev.Index] = pb
		return nil
	}

	id, err := a.tc.AssistantAppendBlock(a.ctx, block)
	if err != nil {
		return err
	}
	pb.blockID = id
	pb.lastFlush = time.Now()
	a.byIndex[ev.Index] = pb
	return nil
}

func (a *accumulator) onBlockDelta(ev llmprovider.StreamEvent) error {
	pb := a.byIndex[ev.Index]
	if pb == nil {
		return nil
	}
	switch ev.DeltaKind {
	case llmprovider.DeltaText, llmprovider.DeltaThinking:
		pb.text.WriteString(ev.Text)
		a.maybeFlush(pb)
	case llmprovider.DeltaInputJSON:
		pb.json.WriteString(ev.PartialJSON)
	}
	return nil
}

// maybeFlush persists pb's accumulated text if the 750ms/2048-byte
// throttle window has elapsed (spec §4.2 step 6).
func (a *accumulator) maybeFlush(pb *pendingBlock) {
	buffered := pb.text.Len()
	since := time.Since(pb.lastFlush)
	if since < throttleInterval && buffered-pb.lastFlushed < throttleBytes {
		return
	}
	pb.lastFlush = time.Now()
	pb.lastFlushed = buffered
	text := pb.text.String()
	_ = a.tc.AssistantUpdateBlock(a.ctx, pb.blockID, func(b *blockmodel.Block) { b.Content = text })
}

func (a *accumulator) onBlockStop(ev llmprovider.StreamEvent) error {
	pb := a.byIndex[ev.Index]
	if pb == nil {
		return nil
	}
	switch pb.kind {
	case llmprovider.ContentText:
		text := pb.text.String()
		a.finalText.WriteString(text)
		return a.tc.AssistantUpdateBlock(a.ctx, pb.blockID, func(b *blockmodel.Block) {
			b.Content = text
			b.IsStreaming = false
		})
	case llmprovider.ContentThinking:
		text := pb.text.String()
		return a.tc.AssistantUpdateBlock(a.ctx, pb.blockID, func(b *blockmodel.Block) {
			b.Content = text
			b.IsStreaming = false
		})
	case llmprovider.ContentToolUse:
		raw, err := firstJSONValue(pb.json.String())
		if err != nil {
			// spec §8 boundary behavior: an empty or undecodable tool-input
			// stream is an InternalError, not a silently substituted {}.
			return engineerr.New(engineerr.InternalError, "Empty tool input JSON from stream")
		}
		if updateErr := a.tc.AssistantUpdateBlock(a.ctx, pb.blockID, func(b *blockmodel.Block) { b.Input = raw }); updateErr != nil {
			return updateErr
		}
		a.toolCalls = append(a.toolCalls, toolCallDraft{callID: pb.callID, name: pb.name, input: raw, blockID: pb.blockID})
	}
	return nil
}

// finalize flips any block that never received a ContentBlockStop (a
// defensive measure against a provider adapter ending the stream early) to
// non-streaming so the UI never shows a block stuck mid-stream.
func (a *accumulator) finalize() {
	for _, pb := range a.byIndex {
		if pb.kind == llmprovider.ContentText || pb.kind == llmprovider.ContentThinking {
			_ = a.tc.AssistantUpdateBlock(a.ctx, pb.blockID, func(b *blockmodel.Block) { b.IsStreaming = false })
		}
	}
}

func (a *accumulator) text() string { return a.finalText.String() }

func (a *accumulator) toolUseCalls() []taskcontext.ToolUseCall {
	out := make([]taskcontext.ToolUseCall, 0, len(a.toolCalls))
	for _, c := range a.toolCalls {
		out = append(out, taskcontext.ToolUseCall{ToolUseID: c.callID, ToolName: c.name, Input: c.input})
	}
	return out
}
