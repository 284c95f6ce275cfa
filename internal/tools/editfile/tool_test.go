package editfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitx-agent/taskengine/internal/tools"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestEditFile_ReplaceExact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemp(t, dir, "main.go", "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n")

	tool := New(dir, nil)
	args, _ := json.Marshal(Args{
		Path:    "main.go",
		Mode:    "replace",
		OldText: "println(\"hi\")",
		NewText: "println(\"bye\")",
	})
	result, err := tool.Run(context.Background(), args)
	require.NoError(t, err)
	require.Equal(t, tools.StatusSuccess, result.Status)

	updated, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(updated), "println(\"bye\")")
	assert.NotContains(t, string(updated), "println(\"hi\")")
}

func TestEditFile_ReplaceAmbiguousExactMatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemp(t, dir, "dup.txt", "x := 1\ny := 1\nx := 1\n")

	tool := New(dir, nil)
	args, _ := json.Marshal(Args{Path: "dup.txt", Mode: "replace", OldText: "x := 1", NewText: "x := 2"})
	result, err := tool.Run(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, tools.StatusError, result.Status)
	assert.Contains(t, result.Content[0].Text, "multiple")
}

func TestEditFile_ReplaceNoMatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemp(t, dir, "f.txt", "alpha\nbeta\ngamma\n")

	tool := New(dir, nil)
	args, _ := json.Marshal(Args{Path: "f.txt", Mode: "replace", OldText: "totally different content here", NewText: "x"})
	result, err := tool.Run(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, tools.StatusError, result.Status)
}

func TestEditFile_Insert(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemp(t, dir, "list.txt", "one\ntwo\nthree\n")

	tool := New(dir, nil)
	afterLine := 1
	args, _ := json.Marshal(Args{Path: "list.txt", Mode: "insert", AfterLine: &afterLine, Content: "one-point-five"})
	result, err := tool.Run(context.Background(), args)
	require.NoError(t, err)
	require.Equal(t, tools.StatusSuccess, result.Status)

	updated, err := os.ReadFile(filepath.Join(dir, "list.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\none-point-five\ntwo\nthree\n", string(updated))
}

func TestEditFile_InsertClampsBeyondEOF(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTemp(t, dir, "short.txt", "only\n")

	tool := New(dir, nil)
	afterLine := 99
	args, _ := json.Marshal(Args{Path: "short.txt", Mode: "insert", AfterLine: &afterLine, Content: "tail"})
	result, err := tool.Run(context.Background(), args)
	require.NoError(t, err)
	require.Equal(t, tools.StatusSuccess, result.Status)

	updated, err := os.ReadFile(filepath.Join(dir, "short.txt"))
	require.NoError(t, err)
	assert.Equal(t, "only\ntail\n", string(updated))
}

type recordingHooks struct{ called []string }

func (h *recordingHooks) BeforeEdit(_ context.Context, absPath string) error {
	h.called = append(h.called, absPath)
	return nil
}

func (h *recordingHooks) AfterEdit(context.Context, string) error { return nil }

func TestEditFile_InvokesBeforeEditHook(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := writeTemp(t, dir, "hooked.txt", "hello\n")

	hooks := &recordingHooks{}
	tool := New(dir, hooks)
	args, _ := json.Marshal(Args{Path: "hooked.txt", Mode: "replace", OldText: "hello", NewText: "world"})
	_, err := tool.Run(context.Background(), args)
	require.NoError(t, err)

	require.Len(t, hooks.called, 1)
	assert.Equal(t, target, hooks.called[0])
}
