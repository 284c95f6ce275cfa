package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PreferenceStore persists per-workspace+tool "always allow" decisions
// recorded by the confirmation workflow (spec §4.3 step 5).
type PreferenceStore interface {
	Get(workspaceRoot, toolName string) (string, bool)
	Set(workspaceRoot, toolName, value string) error
}

// FileBackedChecker is the default PermissionChecker + PreferenceStore
// (SPEC_FULL §C.4): a single JSON document per workspace holding a flat
// {canonicalName -> {variant -> decision}} map. It does not apply the
// "outside workspace root" path heuristic; the registry uses that only
// when no PermissionChecker is configured.
type FileBackedChecker struct {
	mu   sync.Mutex
	path func(workspaceRoot string) string
	docs map[string]*permissionDoc
}

type permissionDoc struct {
	// Rules maps canonical action name -> match variant -> decision
	// ("allow"/"deny"). A variant not present falls through to Ask.
	Rules map[string]map[string]string `json:"rules"`
}

// NewFileBackedChecker constructs a checker that persists one JSON file
// per workspace under <workspaceRoot>/.taskengine/permissions.json.
func NewFileBackedChecker() *FileBackedChecker {
	return &FileBackedChecker{
		docs: map[string]*permissionDoc{},
		path: func(workspaceRoot string) string {
			return filepath.Join(workspaceRoot, ".taskengine", "permissions.json")
		},
	}
}

func (c *FileBackedChecker) load(workspaceRoot string) (*permissionDoc, error) {
	if doc, ok := c.docs[workspaceRoot]; ok {
		return doc, nil
	}
	doc := &permissionDoc{Rules: map[string]map[string]string{}}
	data, err := os.ReadFile(c.path(workspaceRoot))
	if err == nil {
		_ = json.Unmarshal(data, doc)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if doc.Rules == nil {
		doc.Rules = map[string]map[string]string{}
	}
	c.docs[workspaceRoot] = doc
	return doc, nil
}

func (c *FileBackedChecker) save(workspaceRoot string, doc *permissionDoc) error {
	p := c.path(workspaceRoot)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// workspaceRootKey is the context key WithWorkspaceRoot stores a
// dispatch's workspace root under; the registry attaches it before
// calling Check.
type workspaceRootKey struct{}

// WithWorkspaceRoot attaches the workspace root a dispatch is scoped to,
// so PermissionChecker/PreferenceStore implementations partitioned by
// workspace (like FileBackedChecker) can locate their document.
func WithWorkspaceRoot(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, workspaceRootKey{}, root)
}

func workspaceRootFrom(ctx context.Context) string {
	root, _ := ctx.Value(workspaceRootKey{}).(string)
	return root
}

// Check implements PermissionChecker by consulting the workspace's rule
// document (spec §4.3 step 3), falling through to Ask when nothing
// matches; the registry turns Ask into a confirmation request.
func (c *FileBackedChecker) Check(ctx context.Context, action Action) (Decision, error) {
	workspaceRoot := workspaceRootFrom(ctx)
	if workspaceRoot == "" {
		return Ask, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load(workspaceRoot)
	if err != nil {
		return Ask, err
	}
	variants := doc.Rules[action.CanonicalName]
	for _, v := range action.MatchVariants {
		if decision, ok := variants[v]; ok {
			switch decision {
			case "allow":
				return Allow, nil
			case "deny":
				return Deny, nil
			}
		}
	}
	return Ask, nil
}

// Get implements PreferenceStore for the confirmation workflow's
// per-workspace+tool "always allow" lookup (spec §4.3 step 5).
func (c *FileBackedChecker) Get(workspaceRoot, toolName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load(workspaceRoot)
	if err != nil {
		return "", false
	}
	v, ok := doc.Rules[toolName][toolName]
	return v, ok
}

// Set persists an AllowAlways decision for workspaceRoot+toolName.
func (c *FileBackedChecker) Set(workspaceRoot, toolName, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load(workspaceRoot)
	if err != nil {
		return err
	}
	if doc.Rules[toolName] == nil {
		doc.Rules[toolName] = map[string]string{}
	}
	doc.Rules[toolName][toolName] = value
	return c.save(workspaceRoot, doc)
}

// outsideWorkspaceHeuristic is spec §4.3 step 3's fallback rule when no
// PermissionChecker is configured: an absolute path that does not live
// under workspaceRoot requires confirmation.
func outsideWorkspaceHeuristic(workspaceRoot, absPath string) bool {
	if workspaceRoot == "" || absPath == "" {
		return false
	}
	rel, err := filepath.Rel(workspaceRoot, absPath)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
