package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeResourceFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "resource.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func readID(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	id, _ := doc["id"].(string)

	return id
}

func TestRewriteID_AppendsSuffix(t *testing.T) {
	path := writeResourceFile(t, `{"resourceType":"CodeSystem","id":"snomed-subset","name":"CS"}`)

	require.NoError(t, rewriteID(path, "v2", testLogger()))
	assert.Equal(t, "snomed-subset_v2", readID(t, path))
}

func TestRewriteID_TrimsToLengthLimit(t *testing.T) {
	longID := strings.Repeat("a", 64)
	path := writeResourceFile(t, `{"resourceType":"CodeSystem","id":"`+longID+`","name":"CS"}`)

	require.NoError(t, rewriteID(path, "test", testLogger()))

	got := readID(t, path)
	assert.Len(t, got, maxRewrittenIDLength)
	assert.True(t, strings.HasSuffix(got, "_test"))
	assert.Equal(t, strings.Repeat("a", 59), strings.TrimSuffix(got, "_test"))
}

func TestRewriteID_TooLongSuffix(t *testing.T) {
	content := `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`

	tests := []struct {
		name   string
		suffix string
	}{
		{"no room at all", strings.Repeat("s", 70)},
		{"exactly no room", strings.Repeat("s", 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeResourceFile(t, content)

			err := rewriteID(path, tt.suffix, testLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "no room")

			data, readErr := os.ReadFile(path)
			require.NoError(t, readErr)
			assert.Equal(t, content, string(data), "a rejected suffix must not touch the file")
		})
	}
}

func TestRewriteID_LongestAllowedSuffix(t *testing.T) {
	// 62 suffix characters leave exactly one for the id.
	suffix := strings.Repeat("s", 62)
	path := writeResourceFile(t, `{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`)

	require.NoError(t, rewriteID(path, suffix, testLogger()))

	got := readID(t, path)
	assert.Len(t, got, maxRewrittenIDLength)
	assert.Equal(t, "c_"+suffix, got)
}

func TestRewriteID_NoIDSkipsFile(t *testing.T) {
	content := `{"resourceType":"CodeSystem","name":"CS"}`
	path := writeResourceFile(t, content)

	require.NoError(t, rewriteID(path, "v2", testLogger()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "files without an id are left untouched")
}

func TestRewriteID_PreservesOtherFields(t *testing.T) {
	path := writeResourceFile(t, `{"resourceType":"ValueSet","id":"vs1","name":"VS","url":"http://example.org/vs"}`)

	require.NoError(t, rewriteID(path, "qa", testLogger()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "vs1_qa", doc["id"])
	assert.Equal(t, "http://example.org/vs", doc["url"])
	assert.Equal(t, "ValueSet", doc["resourceType"])
}

func TestRewriteID_BadInputs(t *testing.T) {
	assert.Error(t, rewriteID(filepath.Join(t.TempDir(), "missing.json"), "v2", testLogger()))

	path := writeResourceFile(t, `not json`)
	assert.Error(t, rewriteID(path, "v2", testLogger()))
}
