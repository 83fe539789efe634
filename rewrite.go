package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// maxRewrittenIDLength is the FHIR limit on logical resource ids.
const maxRewrittenIDLength = 64

func newRewriteIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite-id <suffix> <files...>",
		Short: "Append a suffix to the id of each resource file",
		Long: `Rewrite each file's logical id to "{id}_{suffix}", trimming the original
id so the result stays within FHIR's 64-character limit. Useful for loading
the same resource set into one server under multiple distinct ids.

Files without an id are reported and left untouched.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runRewriteID,
	}
}

func runRewriteID(_ *cobra.Command, args []string) error {
	logger := buildLogger()

	suffix := args[0]

	for _, file := range args[1:] {
		if err := rewriteID(file, suffix, logger); err != nil {
			return err
		}
	}

	return nil
}

// rewriteID rewrites one file's id in place.
func rewriteID(path, suffix string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	id, ok := doc["id"].(string)
	if !ok {
		logger.Warn("no id in resource, skipping", slog.String("file", path))

		return nil
	}

	// Trim the original id so id + "_" + suffix fits the limit.
	allowed := maxRewrittenIDLength - len(suffix) - 1
	if allowed < 1 {
		return fmt.Errorf("suffix %q leaves no room for an id within the %d-character limit",
			suffix, maxRewrittenIDLength)
	}

	if len(id) > allowed {
		id = id[:allowed]
	}

	newID := id + "_" + suffix
	doc["id"] = newID

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", path, err)
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	logger.Info("rewrote id",
		slog.String("file", path),
		slog.String("id", newID),
	)

	return nil
}
