package uploader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/healthterms/termpush/internal/fhir"
)

// ErrEdit marks an edit round that produced unusable content: the editor
// failed, the result was not valid JSON, or the resource type changed.
// The state machine re-prompts on ErrEdit; it never abandons the resource
// because of a bad edit.
var ErrEdit = errors.New("uploader: edited content unusable")

// diffContextLines is the unified diff context size for patch artifacts.
const diffContextLines = 3

// Editor hands a resource body to an external editor and reads the result
// back. When PatchDir is set, each edit round also writes a patch artifact
// (diff of the pre- and post-edit text) and the edited text itself.
type Editor struct {
	// Command is the editor executable, typically from $EDITOR.
	Command string

	// PatchDir receives the per-revision patch and edited files, named
	// {basename}-revision{N}[_manual].{patch,edited}. Empty disables
	// artifact writing.
	PatchDir string

	Logger *slog.Logger
}

// Edit writes the resource to a temporary JSON file, runs the editor on it,
// and parses the result as the same resource kind. filename is the source
// file the resource came from; revision numbers the edit round for artifact
// naming, and manual marks post-success edits.
func (e *Editor) Edit(res *fhir.Resource, filename string, revision int, manual bool) (*fhir.Resource, error) {
	original, err := res.Body()
	if err != nil {
		return nil, err
	}

	edited, err := e.runEditor(original, filename, revision)
	if err != nil {
		return nil, err
	}

	e.writeArtifacts(original, edited, filename, revision, manual)

	parsed, err := fhir.ParseResource(edited)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEdit, err)
	}

	if parsed.Kind != res.Kind {
		return nil, fmt.Errorf("%w: resource type changed from %s to %s", ErrEdit, res.Kind, parsed.Kind)
	}

	return parsed, nil
}

// runEditor runs the external editor on a temp file seeded with the current
// body and returns the file's content afterwards.
func (e *Editor) runEditor(original []byte, filename string, revision int) ([]byte, error) {
	base := filepath.Base(filename)

	tmp, err := os.CreateTemp("", fmt.Sprintf("%s-revision%d-*.json", base, revision))
	if err != nil {
		return nil, fmt.Errorf("uploader: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(original); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("uploader: writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("uploader: closing temp file: %w", err)
	}

	cmd := exec.Command(e.Command, tmpPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: editor %q: %v", ErrEdit, e.Command, err)
	}

	edited, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("uploader: reading edited file: %w", err)
	}

	return edited, nil
}

// writeArtifacts writes the patch and edited files for one revision.
// Artifact failures are logged, never fatal: the edit itself already
// happened and must not be lost over a bookkeeping write.
func (e *Editor) writeArtifacts(original, edited []byte, filename string, revision int, manual bool) {
	if e.PatchDir == "" {
		return
	}

	patch, err := unifiedDiff(original, edited, filename)
	if err != nil {
		e.logger().Warn("computing patch failed", slog.String("error", err.Error()))

		return
	}

	suffix := ""
	if manual {
		suffix = "_manual"
	}

	base := filepath.Base(filename)
	patchPath := filepath.Join(e.PatchDir, fmt.Sprintf("%s-revision%d%s.patch", base, revision, suffix))
	editedPath := filepath.Join(e.PatchDir, fmt.Sprintf("%s-revision%d%s.edited", base, revision, suffix))

	if err := os.WriteFile(patchPath, []byte(patch), 0o644); err != nil {
		e.logger().Warn("writing patch artifact failed", slog.String("error", err.Error()))

		return
	}

	if err := os.WriteFile(editedPath, edited, 0o644); err != nil {
		e.logger().Warn("writing edited artifact failed", slog.String("error", err.Error()))

		return
	}

	e.logger().Info("wrote edit artifacts",
		slog.String("patch", patchPath),
		slog.Int("revision", revision),
		slog.Bool("manual", manual),
	)
}

func (e *Editor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}

	return slog.Default()
}

// unifiedDiff returns a unified diff of the two texts. Identical inputs
// produce an empty string.
func unifiedDiff(original, edited []byte, filename string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(original)),
		B:        difflib.SplitLines(string(edited)),
		FromFile: filename,
		ToFile:   filename + " (edited)",
		Context:  diffContextLines,
	})
}
