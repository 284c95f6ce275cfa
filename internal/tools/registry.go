package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/enginelog"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/ratelimit"
	"github.com/orbitx-agent/taskengine/internal/telemetry"
)

var tracer = telemetry.Tracer("tools")

// Mode is the workspace context a tool is dispatched under (spec §4.3
// Registration "chat mode" gating).
type Mode string

const (
	ModeChat      Mode = "chat"
	ModeAgentTask Mode = "agent_task"
)

// ConfirmationDecision is the reply to a ToolConfirmationRequested event
// (spec §4.3 step 5).
type ConfirmationDecision string

const (
	AllowOnce   ConfirmationDecision = "allow_once"
	AllowAlways ConfirmationDecision = "allow_always"
	ConfirmDeny ConfirmationDecision = "deny"
)

type registration struct {
	tool   Tool
	meta   Metadata
	schema *jsonschema.Resolved // nil when meta.ParametersSchema didn't compile; validation is skipped
}

// Registry is the Tool Registry & Dispatcher (spec §4.3). One instance is
// shared across tasks; dispatch is scoped per-call by workspace root and
// mode via the args to Execute.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*registration
	aliases map[string]string

	checker     PermissionChecker
	preferences PreferenceStore
	limiter     ratelimit.Limiter
	sink        events.Sink

	statsMu sync.Mutex
	stats   map[string]*Stats

	pendingMu sync.Mutex
	pending   map[string]chan ConfirmationDecision
}

// NewRegistry constructs an empty Registry. checker/preferences/limiter
// may be nil: a nil checker falls back to the step-3 heuristic, a nil
// preferences store disables "allow always" persistence but confirmation
// still proceeds, and a nil limiter disables rate limiting.
func NewRegistry(checker PermissionChecker, preferences PreferenceStore, limiter ratelimit.Limiter, sink events.Sink) *Registry {
	if sink == nil {
		sink = events.Discard
	}
	return &Registry{
		byName:      map[string]*registration{},
		aliases:     map[string]string{},
		checker:     checker,
		preferences: preferences,
		limiter:     limiter,
		sink:        sink,
		stats:       map[string]*Stats{},
		pending:     map[string]chan ConfirmationDecision{},
	}
}

// Register adds a tool keyed by its own name only if it's available for
// mode (spec §4.3 Registration). permitted is consulted for categories
// outside the always-allowed/always-skipped set.
func (r *Registry) Register(tool Tool, mode Mode, permitted func(name string) bool) {
	meta := tool.Metadata()
	if mode == ModeChat {
		switch meta.Category {
		case CategoryFileWrite, CategoryExecution:
			return
		case CategoryFileRead, CategoryCodeAnalysis, CategoryFileSystem:
			// always allowed
		default:
			if permitted != nil && !permitted(meta.Name) {
				return
			}
		}
	}
	reg := &registration{tool: tool, meta: meta}
	if len(meta.ParametersSchema) > 0 {
		var s jsonschema.Schema
		if err := json.Unmarshal(meta.ParametersSchema, &s); err == nil {
			if resolved, err := s.Resolve(nil); err == nil {
				reg.schema = resolved
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[meta.Name] = reg
}

// Alias registers an additional name that resolves to target.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = target
}

func (r *Registry) resolve(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.byName[name]; ok {
		return reg, true
	}
	if target, ok := r.aliases[name]; ok {
		reg, ok := r.byName[target]
		return reg, ok
	}
	return nil, false
}

// Schemas returns every registered tool's name/description/schema for
// inclusion in an LLM request.
func (r *Registry) Schemas() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, reg.meta)
	}
	return out
}

// ExecuteInput bundles the context a dispatch needs beyond the bare
// name+args (spec §4.3 "Execute(name, context, args)").
type ExecuteInput struct {
	WorkspaceRoot string
	Action        Action // canonical name + match variants for the permission checker (step 2)
}

// Execute runs the spec §4.3 dispatch pipeline for one tool call.
func (r *Registry) Execute(ctx context.Context, name string, in ExecuteInput, args json.RawMessage) (Result, error) {
	reg, ok := r.resolve(name)
	if !ok {
		return Result{
			Status:  StatusError,
			Content: []ResultContent{{Kind: ContentError, Text: fmt.Sprintf("tool not found: %s", name)}},
		}, nil
	}
	meta := reg.meta

	action := in.Action
	if action.ToolName == "" {
		action.ToolName = meta.Name
	}
	if action.CanonicalName == "" {
		action.CanonicalName = meta.CanonicalAction
		if action.CanonicalName == "" {
			action.CanonicalName = meta.Name
		}
	}

	decision, err := r.decide(ctx, in.WorkspaceRoot, action)
	if err != nil {
		return Result{}, err
	}
	if decision == Deny {
		return Result{Status: StatusCancelled, CancelReason: "denied"}, nil
	}

	if meta.MaxCalls > 0 && r.limiter != nil {
		ok, err := r.limiter.Allow(ctx, meta.Name, meta.MaxCalls, meta.Window)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, engineerr.New(engineerr.ResourceLimitExceeded, fmt.Sprintf("tool %s exceeded %d calls per %s", meta.Name, meta.MaxCalls, meta.Window))
		}
	}

	if decision == Ask {
		confirmed, result, err := r.confirm(ctx, in.WorkspaceRoot, meta, args)
		if err != nil {
			return Result{}, err
		}
		if !confirmed {
			return result, nil
		}
	}

	return r.dispatch(ctx, reg, args)
}

// decide applies spec §4.3 step 3: PermissionChecker when configured,
// else the requires_confirmation/outside-workspace heuristic.
func (r *Registry) decide(ctx context.Context, workspaceRoot string, action Action) (Decision, error) {
	if r.checker != nil {
		return r.checker.Check(WithWorkspaceRoot(ctx, workspaceRoot), action)
	}
	reg, ok := r.resolve(action.ToolName)
	if ok && reg.meta.RequiresConfirmation {
		return Ask, nil
	}
	for _, v := range action.MatchVariants {
		if outsideWorkspaceHeuristic(workspaceRoot, v) {
			return Ask, nil
		}
	}
	return Allow, nil
}

// confirm runs spec §4.3 step 5. Returns confirmed=true when dispatch
// should proceed; otherwise result holds the Cancelled outcome to return
// directly, or, when the confirmation times out, err is an
// ExecutionTimeout error.
func (r *Registry) confirm(ctx context.Context, workspaceRoot string, meta Metadata, args json.RawMessage) (bool, Result, error) {
	if r.preferences != nil {
		if stored, ok := r.preferences.Get(workspaceRoot, meta.Name); ok && stored == "allow" {
			return true, Result{}, nil
		}
	}

	requestID := uuid.NewString()
	ch := make(chan ConfirmationDecision, 1)
	r.pendingMu.Lock()
	r.pending[requestID] = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, requestID)
		r.pendingMu.Unlock()
	}()

	summary := confirmationSummary(meta, args)
	_ = r.sink.Emit(events.Event{
		Kind:          events.ToolConfirmationRequested,
		RequestID:     requestID,
		WorkspacePath: workspaceRoot,
		ToolName:      meta.Name,
		Summary:       summary,
		Timestamp:     time.Now(),
	})

	timer := time.NewTimer(ConfirmationTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, Result{Status: StatusCancelled, CancelReason: "task_aborted"}, nil
	case <-timer.C:
		return false, Result{}, engineerr.New(engineerr.ExecutionTimeout, "tool confirmation timed out")
	case decision := <-ch:
		switch decision {
		case AllowOnce:
			return true, Result{}, nil
		case AllowAlways:
			if r.preferences != nil {
				_ = r.preferences.Set(workspaceRoot, meta.Name, "allow")
			}
			return true, Result{}, nil
		default:
			return false, Result{Status: StatusCancelled, CancelReason: "denied"}, nil
		}
	}
}

// Resolve delivers a reply to a pending confirmation request (called by
// whatever UI surface collected the user's decision).
func (r *Registry) Resolve(requestID string, decision ConfirmationDecision) bool {
	r.pendingMu.Lock()
	ch, ok := r.pending[requestID]
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- decision:
		return true
	default:
		return false
	}
}

func confirmationSummary(meta Metadata, args json.RawMessage) string {
	summary := meta.Name
	if meta.SummaryArgKey != "" {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(args, &fields); err == nil {
			if raw, ok := fields[meta.SummaryArgKey]; ok {
				var s string
				if err := json.Unmarshal(raw, &s); err == nil {
					summary = meta.Name + ": " + s
				}
			}
		}
	}
	const maxLen = 240
	if len(summary) > maxLen {
		summary = summary[:maxLen]
	}
	return summary
}

// dispatch runs spec §4.3 step 6-7: schema validation, timeout-bounded
// run, before/after hooks, stats — wrapped in one span per dispatch so a
// slow or failing tool call is visible per-call in a trace, not folded
// into the orchestrator's whole-iteration span.
func (r *Registry) dispatch(ctx context.Context, reg *registration, args json.RawMessage) (Result, error) {
	meta := reg.meta

	ctx, span := tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(
		attribute.String("tool.name", meta.Name),
	))
	defer span.End()

	if reg.schema != nil {
		var instance any
		if err := json.Unmarshal(args, &instance); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{Status: StatusError, Content: []ResultContent{{Kind: ContentError, Text: fmt.Sprintf("invalid arguments: %v", err)}}}, nil
		}
		if err := reg.schema.Validate(instance); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{Status: StatusError, Content: []ResultContent{{Kind: ContentError, Text: fmt.Sprintf("arguments failed schema validation: %v", err)}}}, nil
		}
	}

	timeout := meta.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := reg.tool.BeforeRun(ctx, args); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Status: StatusError, Content: []ResultContent{{Kind: ContentError, Text: err.Error()}}}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type runOutcome struct {
		result Result
		err    error
	}
	done := make(chan runOutcome, 1)
	start := time.Now()
	go func() {
		result, err := reg.tool.Run(runCtx, args)
		done <- runOutcome{result: result, err: err}
	}()

	var outcome runOutcome
	select {
	case <-runCtx.Done():
		outcome = runOutcome{result: Result{
			Status:  StatusError,
			Content: []ResultContent{{Kind: ContentError, Text: "tool execution timed out"}},
		}}
	case outcome = <-done:
	}
	elapsed := time.Since(start)
	outcome.result.ExecutionTimeMS = elapsed.Milliseconds()

	if err := reg.tool.AfterRun(ctx, args, outcome.result); err != nil {
		// best-effort: logged, not surfaced
		log := enginelog.Logger()
		log.Warn().Err(err).Str("tool", meta.Name).Msg("tool after_run failed")
	}

	r.recordStats(meta.Name, outcome.result, elapsed)

	if outcome.err != nil {
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, outcome.err.Error())
		return outcome.result, outcome.err
	}
	if outcome.result.Status == StatusError {
		span.SetStatus(codes.Error, "tool returned an error result")
	}
	return outcome.result, nil
}

func (r *Registry) recordStats(name string, result Result, elapsed time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &Stats{}
		r.stats[name] = s
	}
	s.TotalCalls++
	s.TotalExecutionTimeMS += elapsed.Milliseconds()
	s.LastCalledAt = time.Now()
	if result.Status == StatusSuccess {
		s.SuccessCount++
	} else if result.Status == StatusError {
		s.FailureCount++
	}
}

// ToolStats returns the aggregate stats for one tool (spec §4.3 step 7,
// SPEC_FULL §C.3).
func (r *Registry) ToolStats(name string) Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if s, ok := r.stats[name]; ok {
		return *s
	}
	return Stats{}
}

// AllStats returns every tool's aggregate stats.
func (r *Registry) AllStats() map[string]Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := make(map[string]Stats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}
