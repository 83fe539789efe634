package uploader

import (
	"context"
	"log/slog"
	"sort"

	"github.com/healthterms/termpush/internal/fhir"
)

// Summary aggregates the terminal states of a batch run.
type Summary struct {
	Succeeded []string
	Abandoned []string
}

// AllSucceeded reports whether no resource was abandoned.
func (s *Summary) AllSucceeded() bool {
	return len(s.Abandoned) == 0
}

// Sequencer feeds resources through the upload state machine one at a time,
// in four ordered groups: naming systems, code systems, value sets, concept
// maps. The ordering keeps cross-resource references resolvable: a value
// set must not land before the code systems it includes.
type Sequencer struct {
	machine *Machine
	logger  *slog.Logger
}

// NewSequencer creates a batch sequencer around the given machine.
func NewSequencer(machine *Machine, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sequencer{machine: machine, logger: logger}
}

// Run processes every resource to a terminal state, strictly sequentially.
// Files within a group are processed in lexical order so runs are
// reproducible. An abandoned resource is a warning, not a batch failure;
// only batch-fatal machine errors (canceled context, failed
// re-authorization) propagate.
func (s *Sequencer) Run(ctx context.Context, resources map[string]*fhir.Resource) (*Summary, error) {
	summary := &Summary{}

	for _, kind := range fhir.UploadOrder() {
		for _, filename := range sortedFilesOfKind(resources, kind) {
			res := resources[filename]

			s.logger.Info("processing resource",
				slog.String("file", filename),
				slog.String("resource", res.String()),
			)

			result, err := s.machine.Run(ctx, filename, res)
			if err != nil {
				return summary, err
			}

			switch result.State {
			case StateSucceeded:
				summary.Succeeded = append(summary.Succeeded, filename)
			case StateAbandoned:
				summary.Abandoned = append(summary.Abandoned, filename)
			}
		}
	}

	return summary, nil
}

// sortedFilesOfKind returns the filenames of one kind in lexical order.
func sortedFilesOfKind(resources map[string]*fhir.Resource, kind fhir.Kind) []string {
	var files []string

	for filename, res := range resources {
		if res.Kind == kind {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files
}
