package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gofhir/fhir/r4"
)

// ErrExpansion marks a failed expansion verification. The wrapped message
// names the empty or missing systems.
var ErrExpansion = errors.New("fhir: expansion verification failed")

// ExpansionReport summarizes a server-side value set expansion against the
// value set's declared composition. Computed fresh per verification; never
// cached.
type ExpansionReport struct {
	// Total is the number of concepts in the expansion.
	Total int

	// PerSystem maps each code system URI seen in the expansion to its
	// concept count.
	PerSystem map[string]int

	// EmptySystems are compose.include systems present in the expansion
	// but contributing zero concepts (group or abstract entries only).
	EmptySystems []string

	// MissingSystems are compose.include systems entirely absent from
	// the expansion.
	MissingSystems []string
}

// OK reports whether the expansion covers every referenced code system with
// at least one concept. An expansion with no concepts at all is never OK.
func (r *ExpansionReport) OK() bool {
	return r.Total > 0 && len(r.EmptySystems) == 0 && len(r.MissingSystems) == 0
}

// Err returns an ErrExpansion describing the failure, or nil when the
// report passes.
func (r *ExpansionReport) Err() error {
	switch {
	case r.OK():
		return nil
	case r.Total == 0:
		return fmt.Errorf("%w: expansion contains no concepts", ErrExpansion)
	default:
		return fmt.Errorf("%w: empty systems %v, missing systems %v",
			ErrExpansion, r.EmptySystems, r.MissingSystems)
	}
}

// VerifyExpansion confirms that the server can expand an uploaded value set
// and that every code system referenced in compose.include contributes at
// least one concept. resourceURL is the value set's instance URL from the
// upload route (POST-assigned ids included).
//
// A structurally valid upload can succeed over HTTP while the server silently
// fails to resolve a referenced code system; the expansion is the only place
// that shows up.
func VerifyExpansion(ctx context.Context, c *Client, resourceURL string, res *Resource) (*ExpansionReport, error) {
	if res.Kind != KindValueSet {
		return nil, fmt.Errorf("fhir: cannot expand a %s: %w", res.Kind, ErrInvalidResource)
	}

	resp, err := c.Do(ctx, http.MethodGet, resourceURL+"/$expand", nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: expanding %s: %w", res.ID(), err)
	}
	defer resp.Body.Close()

	var expanded r4.ValueSet
	if err := json.NewDecoder(resp.Body).Decode(&expanded); err != nil {
		return nil, fmt.Errorf("fhir: decoding expansion response: %w", err)
	}

	report := buildExpansionReport(expanded.Expansion, res.ComposeSystems())

	return report, nil
}

// buildExpansionReport walks the expansion's contains tree and checks the
// per-system concept counts against the referenced systems.
func buildExpansionReport(expansion *r4.ValueSetExpansion, referenced []string) *ExpansionReport {
	report := &ExpansionReport{PerSystem: make(map[string]int)}
	seen := make(map[string]bool)

	if expansion != nil {
		for i := range expansion.Contains {
			countContains(&expansion.Contains[i], report, seen)
		}
	}

	for _, system := range referenced {
		switch {
		case !seen[system]:
			report.MissingSystems = append(report.MissingSystems, system)
		case report.PerSystem[system] == 0:
			report.EmptySystems = append(report.EmptySystems, system)
		}
	}

	sort.Strings(report.EmptySystems)
	sort.Strings(report.MissingSystems)

	return report
}

// countContains tallies one expansion entry and recurses into nested
// entries. Entries without a code (abstract or grouping nodes) mark their
// system as seen but do not count as concepts.
func countContains(entry *r4.ValueSetExpansionContains, report *ExpansionReport, seen map[string]bool) {
	if entry.System != nil {
		seen[*entry.System] = true

		if entry.Code != nil {
			report.PerSystem[*entry.System]++
			report.Total++
		}
	}

	for i := range entry.Contains {
		countContains(&entry.Contains[i], report, seen)
	}
}
