package editfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/orbitx-agent/taskengine/internal/tools"
)

// Hooks lets the tool call back into the Task Context's checkpoint and
// journal bookkeeping without this package depending on taskcontext
// directly (spec §4.3 "Before any mutation, snapshot_file_before_edit(path)
// is invoked and a write-intent is recorded in the workspace-change
// journal"). BeforeEdit may refuse the edit (e.g. a stale-base write per
// SPEC_FULL §C.1); AfterEdit records the written content as the task's
// latest known state of the file so the next edit can detect an
// out-of-band change.
type Hooks interface {
	BeforeEdit(ctx context.Context, absPath string) error
	AfterEdit(ctx context.Context, absPath string) error
}

// NoopHooks satisfies Hooks when no checkpoint/journal wiring is needed
// (e.g. standalone tests).
type NoopHooks struct{}

func (NoopHooks) BeforeEdit(context.Context, string) error { return nil }
func (NoopHooks) AfterEdit(context.Context, string) error  { return nil }

// hooksContextKey is the context key a dispatcher uses to bind per-task
// Hooks onto an otherwise task-agnostic, singleton Tool instance (same
// pattern as tools.WithWorkspaceRoot/workspaceRootFrom): the Registry and
// its registered Tool are shared across every concurrently running task,
// but checkpoint/journal bookkeeping belongs to exactly one task, so the
// caller dispatching a call must supply it through ctx rather than through
// the Tool's constructor.
type hooksContextKey struct{}

// WithHooks attaches the calling task's Hooks to ctx. A Tool's Run methods
// prefer hooks found this way over the Hooks they were constructed with.
func WithHooks(ctx context.Context, hooks Hooks) context.Context {
	return context.WithValue(ctx, hooksContextKey{}, hooks)
}

func hooksFromContext(ctx context.Context) (Hooks, bool) {
	h, ok := ctx.Value(hooksContextKey{}).(Hooks)
	return h, ok
}

// Args is the edit_file tool's parameter schema (spec §4.3 Smart-edit
// tool).
type Args struct {
	Path        string `json:"path"`
	Mode        string `json:"mode"`
	OldText     string `json:"old_text,omitempty"`
	NewText     string `json:"new_text,omitempty"`
	AfterLine   *int   `json:"after_line,omitempty"`
	Content     string `json:"content,omitempty"`
	DiffContent string `json:"diff_content,omitempty"`
}

// Tool implements tools.Tool for edit_file.
type Tool struct {
	hooks         Hooks
	workspaceRoot string
}

// New constructs the edit_file tool scoped to workspaceRoot.
func New(workspaceRoot string, hooks Hooks) *Tool {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Tool{hooks: hooks, workspaceRoot: workspaceRoot}
}

func (t *Tool) Metadata() tools.Metadata {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":         map[string]any{"type": "string"},
			"mode":         map[string]any{"type": "string", "enum": []string{"replace", "insert", "diff"}},
			"old_text":     map[string]any{"type": "string"},
			"new_text":     map[string]any{"type": "string"},
			"after_line":   map[string]any{"type": "integer", "minimum": 0},
			"content":      map[string]any{"type": "string"},
			"diff_content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "mode"},
	})
	return tools.Metadata{
		Name:                 "edit_file",
		Description:          "Performs smart string replacements, insertions, or diff applications in files with multi-strategy matching and indentation preservation.",
		ParametersSchema:     schema,
		Category:             tools.CategoryFileWrite,
		CanonicalAction:      "Edit",
		SummaryArgKey:        "path",
		RequiresConfirmation: true,
	}
}

func (t *Tool) BeforeRun(context.Context, json.RawMessage) error { return nil }
func (t *Tool) AfterRun(context.Context, json.RawMessage, tools.Result) error { return nil }

// activeHooks resolves the Hooks bound to the task dispatching this call,
// falling back to the Hooks the Tool was constructed with (NoopHooks in
// cmd/enginedemo's process-wide registration, since the real per-task
// hooks only exist once a task is running and are injected via ctx).
func (t *Tool) activeHooks(ctx context.Context) Hooks {
	if h, ok := hooksFromContext(ctx); ok && h != nil {
		return h
	}
	return t.hooks
}

func (t *Tool) resolvePath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Join(t.workspaceRoot, p), nil
}

func (t *Tool) Run(ctx context.Context, raw json.RawMessage) (tools.Result, error) {
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	absPath, err := t.resolvePath(args.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	switch args.Mode {
	case "replace":
		return t.runReplace(ctx, absPath, args)
	case "insert":
		return t.runInsert(ctx, absPath, args)
	case "diff":
		return t.runDiff(ctx, absPath, args)
	default:
		return errorResult(fmt.Sprintf("unknown mode: %s", args.Mode)), nil
	}
}

func (t *Tool) runReplace(ctx context.Context, absPath string, args Args) (tools.Result, error) {
	if args.OldText == args.NewText {
		return errorResult("search and replace content are identical - no changes would be made"), nil
	}
	original, err := os.ReadFile(absPath)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read file %s: %v", absPath, err)), nil
	}
	text := string(original)
	lineEnding := "\n"
	if strings.Contains(text, "\r\n") {
		lineEnding = "\r\n"
	}
	lines := strings.Split(text, "\n")
	if args.OldText == "" {
		return errorResult("search content cannot be empty"), nil
	}

	if count := ExactMatchCount(lines, args.OldText); count > 1 {
		return errorResult(fmt.Sprintf("ambiguous: found %d multiple exact matches for old_text; include more context to make it unique", count)), nil
	}

	match, ok := FindBestMatch(lines, args.OldText)
	if !ok {
		return errorResult(fmt.Sprintf("no sufficiently similar match found (needs %d%% similarity); tried Exact, LineTrimmed, WhitespaceNormalized, IndentationFlexible, BlockAnchor", int(AcceptThreshold*100))), nil
	}

	searchLines := splitLines(args.OldText)
	replaceLines := splitLines(args.NewText)
	matchedLines := lines[match.StartLine : match.StartLine+match.LineCount]
	indented := ApplyIndent(matchedLines, searchLines, replaceLines)

	updatedLines := make([]string, 0, len(lines)-match.LineCount+len(indented))
	updatedLines = append(updatedLines, lines[:match.StartLine]...)
	updatedLines = append(updatedLines, indented...)
	updatedLines = append(updatedLines, lines[match.StartLine+match.LineCount:]...)
	updated := strings.Join(updatedLines, lineEnding)

	hooks := t.activeHooks(ctx)
	if err := hooks.BeforeEdit(ctx, absPath); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := writeAtomic(absPath, []byte(updated)); err != nil {
		return errorResult(fmt.Sprintf("failed to write file %s: %v", absPath, err)), nil
	}
	_ = hooks.AfterEdit(ctx, absPath)

	ext, _ := json.Marshal(map[string]any{
		"file":       absPath,
		"mode":       "replace",
		"matchType":  match.Strategy,
		"similarity": match.Score,
	})
	return tools.Result{
		Status: tools.StatusSuccess,
		Content: []tools.ResultContent{{Kind: tools.ContentSuccess, Text: fmt.Sprintf(
			"edit_file applied\nmode=replace\nfile=%s\nmatch=%s (%.0f%% similar)", absPath, match.Strategy, match.Score*100,
		)}},
		ExtInfo: ext,
	}, nil
}

func (t *Tool) runInsert(ctx context.Context, absPath string, args Args) (tools.Result, error) {
	if args.AfterLine == nil {
		return errorResult("after_line is required for insert mode"), nil
	}
	existing, readErr := os.ReadFile(absPath)
	var lines []string
	trailingNewline := false
	if readErr == nil {
		text := string(existing)
		trailingNewline = strings.HasSuffix(text, "\n")
		if text != "" {
			lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
		}
	} else if !os.IsNotExist(readErr) {
		return errorResult(fmt.Sprintf("failed to read file %s: %v", absPath, readErr)), nil
	}

	insertLines := splitLines(args.Content)
	position := *args.AfterLine
	if position > len(lines) {
		position = len(lines)
	}
	if position < 0 {
		position = 0
	}

	merged := make([]string, 0, len(lines)+len(insertLines))
	merged = append(merged, lines[:position]...)
	merged = append(merged, insertLines...)
	merged = append(merged, lines[position:]...)

	updated := strings.Join(merged, "\n")
	if (trailingNewline || strings.HasSuffix(args.Content, "\n")) && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}

	hooks := t.activeHooks(ctx)
	if err := hooks.BeforeEdit(ctx, absPath); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := writeAtomic(absPath, []byte(updated)); err != nil {
		return errorResult(fmt.Sprintf("failed to write file %s: %v", absPath, err)), nil
	}
	_ = hooks.AfterEdit(ctx, absPath)

	ext, _ := json.Marshal(map[string]any{"file": absPath, "mode": "insert", "line": position})
	return tools.Result{
		Status: tools.StatusSuccess,
		Content: []tools.ResultContent{{Kind: tools.ContentSuccess, Text: fmt.Sprintf(
			"edit_file applied\nmode=insert\nfile=%s\nline=%d", absPath, position,
		)}},
		ExtInfo: ext,
	}, nil
}

func (t *Tool) runDiff(ctx context.Context, absPath string, args Args) (tools.Result, error) {
	original, err := os.ReadFile(absPath)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read file %s: %v", absPath, err)), nil
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(args.DiffContent)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to parse patch: %v", err)), nil
	}
	updated, applied := dmp.PatchApply(patches, string(original))
	for _, ok := range applied {
		if !ok {
			return errorResult("failed to apply patch: one or more hunks did not apply cleanly"), nil
		}
	}

	hooks := t.activeHooks(ctx)
	if err := hooks.BeforeEdit(ctx, absPath); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := writeAtomic(absPath, []byte(updated)); err != nil {
		return errorResult(fmt.Sprintf("failed to write file %s: %v", absPath, err)), nil
	}
	_ = hooks.AfterEdit(ctx, absPath)

	ext, _ := json.Marshal(map[string]any{"file": absPath, "mode": "diff"})
	return tools.Result{
		Status:  tools.StatusSuccess,
		Content: []tools.ResultContent{{Kind: tools.ContentSuccess, Text: fmt.Sprintf("edit_file applied\nmode=diff\nfile=%s", absPath)}},
		ExtInfo: ext,
	}, nil
}

// writeAtomic is the teacher's temp-file-then-rename primitive
// (internal/file_editor/operations.go editRange), generalized to a
// whole-file write rather than a line-range splice.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".edit-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func errorResult(msg string) tools.Result {
	return tools.Result{
		Status:  tools.StatusError,
		Content: []tools.ResultContent{{Kind: tools.ContentError, Text: msg}},
	}
}
