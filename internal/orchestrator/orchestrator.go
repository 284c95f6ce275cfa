// Package orchestrator implements the ReAct Orchestrator (spec §4.2): the
// per-iteration drive loop that turns a Task Context's message history into
// an LLM request, streams the response into assistant message blocks,
// classifies the result, and dispatches any tool calls through the Tool
// Registry before looping again. Grounded on the teacher's
// internal/agents/engine.go RunSessionWithHook loop (build messages -> call
// LLM -> parse action -> execute tool -> append observation -> repeat),
// generalized from the teacher's flat Thought/Action/Observation text
// protocol onto the spec's block-level streaming protocol.
package orchestrator

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/compaction"
	"github.com/orbitx-agent/taskengine/internal/enginelog"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/taskcontext"
	"github.com/orbitx-agent/taskengine/internal/telemetry"
	"github.com/orbitx-agent/taskengine/internal/tools"
	"github.com/orbitx-agent/taskengine/internal/tools/editfile"
)

var tracer = telemetry.Tracer("orchestrator")

// throttleInterval and throttleBytes bound how often a streaming
// text/thinking block is persisted mid-stream (spec §4.2 step 6).
const (
	throttleInterval = 750 * time.Millisecond
	throttleBytes    = 2048
)

// loopWindow/loopThreshold bound the Loop Detector: the same tool+input
// signature repeating loopThreshold times within the last loopWindow calls
// trips a one-shot system-prompt reminder (spec §4.2 step 10).
const (
	loopWindow    = 6
	loopThreshold = 3
)

// Config carries the per-task model parameters the orchestrator needs to
// build requests (spec §4.2 step 4, derived from blockmodel.ExecutionConfig
// plus the model's configured context window).
type Config struct {
	Model         string
	Temperature   float64
	MaxTokens     int64
	ContextWindow int
}

// Orchestrator drives one task's ReAct loop (spec §4.2).
type Orchestrator struct {
	tc        *taskcontext.Context
	provider  llmprovider.Provider
	registry  *tools.Registry
	compactor *compaction.Service
	sink      events.Sink
	cfg       Config

	fabricationStrikes int
	recentCalls        []callSignature
}

// New constructs an Orchestrator bound to one task's Context.
func New(tc *taskcontext.Context, provider llmprovider.Provider, registry *tools.Registry, compactor *compaction.Service, sink events.Sink, cfg Config) *Orchestrator {
	if sink == nil {
		sink = events.Discard
	}
	return &Orchestrator{tc: tc, provider: provider, registry: registry, compactor: compactor, sink: sink, cfg: cfg}
}

// Run drives the ReAct loop until the task context reports it should stop
// or one iteration completes the task (spec §4.2 state machine: Created ->
// Running -> {Completed, Error, Cancelled}).
func (o *Orchestrator) Run(ctx context.Context) error {
	log := enginelog.ForTask(o.tc.TaskID, o.tc.SessionID)
	for {
		if o.tc.ShouldStop() {
			return nil
		}
		done, err := o.runIteration(ctx)
		if err != nil {
			log.Error().Err(err).Msg("orchestrator iteration failed")
			_ = o.tc.SetStatus(ctx, blockmodel.TaskError)
			_ = o.sink.Emit(events.Event{Kind: events.TaskError, TaskID: o.tc.TaskID, SessionID: o.tc.SessionID, Reason: err.Error(), Timestamp: time.Now()})
			return err
		}
		if done {
			if err := o.tc.SetStatus(ctx, blockmodel.TaskCompleted); err != nil {
				return err
			}
			_ = o.sink.Emit(events.Event{Kind: events.TaskCompleted, TaskID: o.tc.TaskID, SessionID: o.tc.SessionID, Timestamp: time.Now()})
			return nil
		}
	}
}

// runIteration executes one full pass of spec §4.2's per-iteration
// algorithm, wrapped in its own span so a slow iteration (a slow model
// call, a slow tool) is visible in a trace per-step rather than only as
// part of one long task-level span. done reports whether the loop should
// stop because the assistant produced a final answer (Complete/Empty
// classification).
func (o *Orchestrator) runIteration(ctx context.Context) (done bool, err error) {
	ctx, span := tracer.Start(ctx, "orchestrator.iteration", trace.WithAttributes(
		attribute.String("task_id", o.tc.TaskID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Step 1: abort/pause gate.
	if err := o.tc.CheckAborted(ctx, true); err != nil {
		return false, err
	}

	// Step 2: advance iteration counter. Any overlay installed by the
	// previous iteration (fabrication retry, loop-detector nudge) is
	// consumed exactly once when the request is built below.
	if _, err := o.tc.IncrementIteration(ctx); err != nil {
		return false, err
	}

	// Step 3: compact the conversation if it's crowding the window.
	if o.compactor != nil {
		if _, err := o.compactor.MaybeCompact(ctx, o.tc, o.cfg.Model, o.cfg.ContextWindow); err != nil {
			return false, err
		}
	}

	// Step 4: build the request from current state.
	req := llmprovider.Request{
		Model:       o.cfg.Model,
		System:      o.tc.EffectiveSystemPrompt(true),
		Messages:    o.tc.Messages(),
		Tools:       o.buildToolSpecs(),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}

	// Steps 5-6: stream the response, accumulating into assistant blocks.
	streamCtx, cancel := o.tc.CreateStreamCancelToken()
	defer cancel()

	acc := newAccumulator(ctx, o.tc)
	if err := o.provider.CallStream(streamCtx, req, acc.handle); err != nil {
		_ = o.tc.FailAssistantMessage(ctx, err)
		return false, engineerr.Wrap(engineerr.InternalError, "llm stream failed", err)
	}
	acc.finalize()

	finalText := acc.text()
	o.tc.AddAssistantMessage(finalText, acc.toolUseCalls())

	// Step 7: classify the iteration.
	switch {
	case len(acc.toolCalls) > 0:
		o.fabricationStrikes = 0
		return false, o.handleToolCalls(ctx, acc)
	case strings.TrimSpace(finalText) != "":
		done, err = o.checkFabricationGuard(finalText)
	default:
		// Empty: no tool calls, no text. Treat as a (quiet) completion
		// rather than retrying forever against a model that stopped
		// producing output.
		o.fabricationStrikes = 0
		done = true
	}
	if err != nil || !done {
		return done, err
	}

	// The task's single assistant message stays open across iterations and
	// is finished only once the loop completes.
	usage := compaction.EstimateUsage(o.tc.Messages(), o.cfg.ContextWindow)
	return true, o.tc.FinishAssistantMessage(ctx, acc.usage, usage)
}

// fabricatedOutputPattern matches prose that claims a tool ran without an
// actual tool_use block backing it (spec §4.2 step 10 "fabricated-output
// guard"), built once from a representative vocabulary rather than per
// registered tool name since the guard exists to catch narrated results in
// general, not one specific tool.
var fabricatedOutputPattern = regexp.MustCompile(`(?i)\b(tool|function)\s+\S+\s+(completed|finished|succeeded|failed|returned|ran)\b`)

// checkFabricationGuard implements spec §4.2 step 10's guard for the
// no-tool-calls branch: if the assistant's final text reads like a
// fabricated tool result, install a one-shot corrective overlay and retry
// once; a second consecutive offense fails the task outright.
func (o *Orchestrator) checkFabricationGuard(finalText string) (bool, error) {
	if !fabricatedOutputPattern.MatchString(finalText) {
		o.fabricationStrikes = 0
		return true, nil
	}
	o.fabricationStrikes++
	if o.fabricationStrikes >= 2 {
		return false, engineerr.New(engineerr.InternalError, "assistant repeatedly narrated tool results instead of calling a tool")
	}
	overlay := "You described a tool result in plain text without calling a tool. " +
		"If you need a tool's output, call the tool; never narrate what it would return."
	o.tc.SetSystemPromptOverlay(&overlay)
	return false, nil
}

// buildToolSpecs projects the registry's metadata into the provider-facing
// shape (spec §4.2 step 4), sorted by name for a stable request payload.
func (o *Orchestrator) buildToolSpecs() []llmprovider.RequestToolSpec {
	metas := o.registry.Schemas()
	specs := make([]llmprovider.RequestToolSpec, 0, len(metas))
	for _, m := range metas {
		specs = append(specs, llmprovider.RequestToolSpec{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: m.ParametersSchema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// callSignature identifies a tool call by its canonical name+input, used by
// both the duplicate-call dedup and the Loop Detector.
type callSignature struct {
	name  string
	input string
}

// canonicalJSON re-marshals raw through a generic interface{} so two
// differently-formatted encodings of the same value compare equal (spec
// §4.2 step 10 "deduplicate by canonical JSON").
func canonicalJSON(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

// handleToolCalls implements spec §4.2 step 10's ContinueWithTools branch:
// dedup, execute each unique call through the Tool Registry, feed the
// results back into the conversation, update the consecutive-error
// counter, and run the Loop Detector.
func (o *Orchestrator) handleToolCalls(ctx context.Context, acc *accumulator) error {
	type entry struct {
		call toolCallDraft
	}
	seen := make(map[callSignature]bool, len(acc.toolCalls))
	unique := make([]entry, 0, len(acc.toolCalls))
	var duplicateBlockIDs []string

	for _, call := range acc.toolCalls {
		sig := callSignature{name: call.name, input: canonicalJSON(call.input)}
		if seen[sig] {
			duplicateBlockIDs = append(duplicateBlockIDs, call.blockID)
			continue
		}
		seen[sig] = true
		unique = append(unique, entry{call: call})
	}

	for _, blockID := range duplicateBlockIDs {
		_ = o.tc.AssistantUpdateBlock(ctx, blockID, func(b *blockmodel.Block) {
			b.Status = blockmodel.ToolCancelled
		})
	}
	if len(duplicateBlockIDs) > 0 {
		overlay := "Duplicate tool calls in the same turn were skipped; issue each distinct call only once."
		o.tc.SetSystemPromptOverlay(&overlay)
	}

	results := make([]blockmodel.ToolCallResult, 0, len(unique))
	anySuccess := false
	loopDetected := false

	for _, e := range unique {
		call := e.call
		started := time.Now().UTC()
		_ = o.tc.AssistantUpdateBlock(ctx, call.blockID, func(b *blockmodel.Block) {
			b.Status = blockmodel.ToolRunning
			b.StartedAt = &started
		})

		// The registry's edit_file registration only knows editfile.NoopHooks;
		// bind this task's checkpoint/journal hooks onto ctx so the shared
		// tool instance snapshots into the right checkpoint (spec §4.3).
		dispatchCtx := editfile.WithHooks(ctx, taskcontext.NewEditHooks(o.tc))
		result, execErr := o.registry.Execute(dispatchCtx, call.name, tools.ExecuteInput{WorkspaceRoot: o.tc.WorkspaceRoot}, call.input)
		if execErr != nil {
			result = tools.Result{
				Status:  tools.StatusError,
				Content: []tools.ResultContent{{Kind: tools.ContentError, Text: execErr.Error()}},
			}
		}

		finished := time.Now().UTC()
		duration := finished.Sub(started).Milliseconds()

		var resultStatus blockmodel.ToolResultStatus
		var blockStatus blockmodel.ToolBlockStatus
		switch result.Status {
		case tools.StatusError:
			resultStatus, blockStatus = blockmodel.ResultError, blockmodel.ToolError
		case tools.StatusCancelled:
			resultStatus, blockStatus = blockmodel.ResultCancelled, blockmodel.ToolCancelled
		default:
			resultStatus, blockStatus = blockmodel.ResultSuccess, blockmodel.ToolSuccess
			anySuccess = true
		}

		outputJSON, _ := json.Marshal(result.Content)
		_ = o.tc.AssistantUpdateBlock(ctx, call.blockID, func(b *blockmodel.Block) {
			b.Status = blockStatus
			b.Output = outputJSON
			b.FinishedAt = &finished
			b.DurationMS = &duration
		})

		results = append(results, blockmodel.ToolCallResult{
			CallID:          call.callID,
			ToolName:        call.name,
			Result:          outputJSON,
			Status:          resultStatus,
			CancelReason:    result.CancelReason,
			ExecutionTimeMS: duration,
		})

		if o.recordCallSignature(callSignature{name: call.name, input: canonicalJSON(call.input)}) {
			loopDetected = true
		}
	}

	o.tc.AddToolResults(results)

	if len(results) > 0 {
		if anySuccess {
			if err := o.tc.ResetErrorCount(ctx); err != nil {
				return err
			}
		} else if _, err := o.tc.IncrementErrorCount(ctx); err != nil {
			return err
		}
	}

	if loopDetected {
		overlay := "The same tool call has repeated several times with no progress; try a different approach."
		o.tc.SetSystemPromptOverlay(&overlay)
	}
	return nil
}

// recordCallSignature appends sig to the sliding window and reports whether
// it has now occurred loopThreshold times within that window (spec §4.2
// step 10 "Loop Detector").
func (o *Orchestrator) recordCallSignature(sig callSignature) bool {
	o.recentCalls = append(o.recentCalls, sig)
	if len(o.recentCalls) > loopWindow {
		o.recentCalls = o.recentCalls[len(o.recentCalls)-loopWindow:]
	}
	count := 0
	for _, s := range o.recentCalls {
		if s == sig {
			count++
		}
	}
	return count >= loopThreshold
}
