package uploader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptEditor writes a shell script that stands in for $EDITOR and returns
// its path. The script receives the temp file path as its argument.
func scriptEditor(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "editor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	return path
}

func TestEditorEdit_NoChange(t *testing.T) {
	patchDir := t.TempDir()

	e := &Editor{
		Command:  scriptEditor(t, "exit 0"),
		PatchDir: patchDir,
		Logger:   testLogger(),
	}

	res := mustParse(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	edited, err := e.Edit(res, "input/cs.json", 1, false)
	require.NoError(t, err)
	assert.Equal(t, "cs1", edited.ID())

	// Identical content round-trips to an empty patch.
	patch, err := os.ReadFile(filepath.Join(patchDir, "cs.json-revision1.patch"))
	require.NoError(t, err)
	assert.Empty(t, patch)

	body, err := edited.Body()
	require.NoError(t, err)

	original, err := res.Body()
	require.NoError(t, err)
	assert.Equal(t, string(original), string(body))
}

func TestEditorEdit_ModifiedContent(t *testing.T) {
	patchDir := t.TempDir()

	e := &Editor{
		Command: scriptEditor(t,
			`cat > "$1" <<'EOF'
{"resourceType": "CodeSystem", "id": "cs1", "name": "CS", "url": "http://example.org/cs"}
EOF`),
		PatchDir: patchDir,
		Logger:   testLogger(),
	}

	res := mustParse(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	edited, err := e.Edit(res, "input/cs.json", 2, true)
	require.NoError(t, err)
	assert.Equal(t, "CodeSystem", edited.Kind.String())

	// Manual edits carry the _manual suffix on both artifacts.
	patch, err := os.ReadFile(filepath.Join(patchDir, "cs.json-revision2_manual.patch"))
	require.NoError(t, err)
	assert.Contains(t, string(patch), "http://example.org/cs")

	editedFile, err := os.ReadFile(filepath.Join(patchDir, "cs.json-revision2_manual.edited"))
	require.NoError(t, err)
	assert.Contains(t, string(editedFile), "http://example.org/cs")
}

func TestEditorEdit_InvalidJSON(t *testing.T) {
	e := &Editor{
		Command: scriptEditor(t, `echo "not json" > "$1"`),
		Logger:  testLogger(),
	}

	res := mustParse(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	_, err := e.Edit(res, "cs.json", 1, false)
	assert.ErrorIs(t, err, ErrEdit)
}

func TestEditorEdit_KindChange(t *testing.T) {
	e := &Editor{
		Command: scriptEditor(t, `echo '{"resourceType": "ValueSet", "name": "VS"}' > "$1"`),
		Logger:  testLogger(),
	}

	res := mustParse(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	_, err := e.Edit(res, "cs.json", 1, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEdit)
	assert.Contains(t, err.Error(), "resource type changed")
}

func TestEditorEdit_EditorFails(t *testing.T) {
	e := &Editor{
		Command: scriptEditor(t, "exit 1"),
		Logger:  testLogger(),
	}

	res := mustParse(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	_, err := e.Edit(res, "cs.json", 1, false)
	assert.ErrorIs(t, err, ErrEdit)
}

func TestEditorEdit_NoPatchDir(t *testing.T) {
	e := &Editor{
		Command: scriptEditor(t, "exit 0"),
		Logger:  testLogger(),
	}

	res := mustParse(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	_, err := e.Edit(res, "cs.json", 1, false)
	assert.NoError(t, err)
}

func TestUnifiedDiff(t *testing.T) {
	a := []byte("{\n  \"name\": \"old\"\n}\n")
	b := []byte("{\n  \"name\": \"new\"\n}\n")

	diff, err := unifiedDiff(a, b, "cs.json")
	require.NoError(t, err)
	assert.Contains(t, diff, `-  "name": "old"`)
	assert.Contains(t, diff, `+  "name": "new"`)

	same, err := unifiedDiff(a, a, "cs.json")
	require.NoError(t, err)
	assert.Empty(t, same)
}
