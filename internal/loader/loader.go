// Package loader reads terminology resource files from explicit paths and
// input directories into parsed resources. Files that fail to parse are
// reported and skipped; a bad file never aborts the batch.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/healthterms/termpush/internal/fhir"
)

// ErrNoResources means no usable resource was found in any input.
// This is one of the two batch-fatal conditions.
var ErrNoResources = errors.New("loader: no valid resources found")

// Load parses the given files plus every regular file in dir (when non-empty)
// into terminology resources, keyed by source path. Parse and type failures
// are logged per file and excluded.
func Load(files []string, dir string, logger *slog.Logger) (map[string]*fhir.Resource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	paths := append([]string(nil), files...)

	if dir != "" {
		dirPaths, err := listDir(dir)
		if err != nil {
			return nil, err
		}

		logger.Info("using resources from directory",
			slog.String("dir", dir),
			slog.Int("files", len(dirPaths)),
		)

		paths = append(paths, dirPaths...)
	}

	resources := make(map[string]*fhir.Resource)

	for _, path := range paths {
		res, err := loadFile(path)
		if err != nil {
			logger.Warn("skipping file",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)

			continue
		}

		logger.Info("parsed resource",
			slog.String("file", path),
			slog.String("resource", res.String()),
		)

		resources[path] = res
	}

	if len(resources) == 0 {
		return nil, ErrNoResources
	}

	return resources, nil
}

// listDir returns the regular files directly inside dir.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loader: reading input directory: %w", err)
	}

	var paths []string

	for _, entry := range entries {
		if entry.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}

	return paths, nil
}

// loadFile reads and parses one resource file.
func loadFile(path string) (*fhir.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	if !utf8.Valid(data) {
		return nil, fmt.Errorf("loader: %s is not valid UTF-8 text", path)
	}

	res, err := fhir.ParseResource(data)
	if err != nil {
		return nil, err
	}

	return res, nil
}
