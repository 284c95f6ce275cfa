// Package tools implements the Tool Registry & Dispatcher (spec §4.3):
// name resolution, chat-mode category gating, permission checking, rate
// limiting, a confirmation workflow, timeout-bounded dispatch, and
// per-tool stats. Grounded on the teacher's internal/tools registry.go
// (name->Tool map, Schemas()/Dispatch() split) and
// internal/agent/registry.go from the haasonsaas-nexus pack (RWMutex
// guarded map, policy-driven approval), merged into the richer pipeline
// spec §4.3 describes.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Category classifies a tool for chat-mode gating (spec §4.3 Registration).
type Category string

const (
	CategoryFileRead     Category = "file_read"
	CategoryFileWrite    Category = "file_write"
	CategoryFileSystem   Category = "file_system"
	CategoryCodeAnalysis Category = "code_analysis"
	CategoryExecution    Category = "execution"
	CategoryNetwork      Category = "network"
	CategoryOther        Category = "other"
)

// Metadata is what a tool declares at registration (spec §4.3
// Registration).
type Metadata struct {
	Name                string
	Description         string
	ParametersSchema    json.RawMessage
	Category            Category
	CanonicalAction     string // "Bash", "Read", "Edit", "WebFetch", or "" to derive from Name
	SummaryArgKey       string // argument name used to build the confirmation summary
	RequiresConfirmation bool
	MaxCalls            int           // 0 disables rate limiting
	Window              time.Duration // sliding window for MaxCalls
	Timeout             time.Duration // 0 uses DefaultTimeout
}

// ResultContentKind tags one ToolResult content entry.
type ResultContentKind string

const (
	ContentSuccess ResultContentKind = "success"
	ContentError   ResultContentKind = "error"
)

// ResultContent is one entry of a ToolResult's content list (spec §4.3
// "ToolResult shape").
type ResultContent struct {
	Kind ResultContentKind
	Text string
}

// Status is the outcome status of a ToolResult.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Result is the dispatcher's return shape (spec §4.3 "ToolResult shape").
type Result struct {
	Content         []ResultContent
	Status          Status
	CancelReason    string
	ExecutionTimeMS int64
	ExtInfo         json.RawMessage
}

// Tool is an executable capability registered with the Registry.
type Tool interface {
	Metadata() Metadata
	// BeforeRun runs prior to Run, e.g. for path validation; returning an
	// error aborts dispatch without counting toward stats.
	BeforeRun(ctx context.Context, args json.RawMessage) error
	Run(ctx context.Context, args json.RawMessage) (Result, error)
	// AfterRun runs best-effort after Run; errors are logged, not
	// surfaced (spec §4.3 step 7).
	AfterRun(ctx context.Context, args json.RawMessage, result Result) error
}

// Stats is the per-tool aggregate the registry exposes (spec §4.3 step 7,
// SPEC_FULL §C.3).
type Stats struct {
	TotalCalls          int64
	SuccessCount        int64
	FailureCount        int64
	TotalExecutionTimeMS int64
	LastCalledAt        time.Time
}

// DefaultTimeout bounds a tool's Run when Metadata.Timeout is zero.
const DefaultTimeout = 120 * time.Second

// ConfirmationTimeout is how long Execute waits for an Ask decision
// before returning an ExecutionTimeout (spec §4.3 step 5).
const ConfirmationTimeout = 600 * time.Second
