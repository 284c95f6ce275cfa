package editfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindBestMatch_Exact(t *testing.T) {
	t.Parallel()
	lines := []string{"func foo() {", "    return 1", "}"}
	m, ok := FindBestMatch(lines, "    return 1")
	require.True(t, ok)
	assert.Equal(t, StrategyExact, m.Strategy)
	assert.Equal(t, 1.0, m.Score)
	assert.Equal(t, 1, m.StartLine)
}

func TestExactMatchCount_Ambiguous(t *testing.T) {
	t.Parallel()
	lines := []string{"x := 1", "y := 1", "x := 1"}
	assert.Equal(t, 2, ExactMatchCount(lines, "x := 1"))
}

func TestFindBestMatch_LineTrimmed(t *testing.T) {
	t.Parallel()
	lines := []string{"func foo() {", "\treturn 1", "}"}
	m, ok := FindBestMatch(lines, "    return 1")
	require.True(t, ok)
	assert.Equal(t, StrategyLineTrimmed, m.Strategy)
	assert.Equal(t, 0.95, m.Score)
}

func TestFindBestMatch_WhitespaceNormalized(t *testing.T) {
	t.Parallel()
	lines := []string{"if   x  ==  1 {", "}"}
	m, ok := FindBestMatch(lines, "if x == 1 {")
	require.True(t, ok)
	assert.Equal(t, StrategyWhitespaceNormalized, m.Strategy)
}

func TestFindBestMatch_IndentationFlexible(t *testing.T) {
	t.Parallel()
	lines := []string{"class Foo:", "        def bar():", "            pass"}
	search := "    def bar():\n        pass"
	m, ok := FindBestMatch(lines, search)
	require.True(t, ok)
	assert.Equal(t, StrategyIndentationFlexible, m.Strategy)
	assert.Equal(t, 1, m.StartLine)
	assert.Equal(t, 2, m.LineCount)
}

func TestFindBestMatch_BlockAnchor(t *testing.T) {
	t.Parallel()
	lines := []string{
		"func handler() {",
		"    logRequest(r)",
		"    doOtherWork(r)",
		"    return nil",
		"}",
	}
	search := "func handler() {\n    logRequest(r)\n    doWork(r)\n    return nil\n}"
	m, ok := FindBestMatch(lines, search)
	require.True(t, ok)
	assert.Equal(t, StrategyBlockAnchor, m.Strategy)
	assert.Equal(t, 0, m.StartLine)
	assert.Equal(t, 5, m.LineCount)
}

func TestFindBestMatch_NoMatch(t *testing.T) {
	t.Parallel()
	lines := []string{"completely", "unrelated", "content"}
	_, ok := FindBestMatch(lines, "nothing like this exists here at all")
	assert.False(t, ok)
}

func TestSimilarity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, similarity("abc", "abc"))
	assert.Less(t, similarity("abc", "abx"), 1.0)
	assert.Greater(t, similarity("abc", "abx"), 0.5)
}

func TestApplyIndent_PreservesBaseIndent(t *testing.T) {
	t.Parallel()
	matched := []string{"    old_line_one", "    old_line_two"}
	search := []string{"old_line_one", "old_line_two"}
	replace := []string{"new_line_one", "new_line_two"}
	out := ApplyIndent(matched, search, replace)
	require.Len(t, out, 2)
	assert.Equal(t, "    new_line_one", out[0])
	assert.Equal(t, "    new_line_two", out[1])
}

func TestApplyIndent_PreservesRelativeIndent(t *testing.T) {
	t.Parallel()
	matched := []string{"    if x {", "    }"}
	search := []string{"if x {", "}"}
	replace := []string{"if x {", "    doWork()", "}"}
	out := ApplyIndent(matched, search, replace)
	require.Len(t, out, 3)
	assert.Equal(t, "    if x {", out[0])
	assert.Equal(t, "        doWork()", out[1])
	assert.Equal(t, "    }", out[2])
}
