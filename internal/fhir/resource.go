package fhir

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhir/r4"
)

// Kind identifies one of the four terminology resource types this tool
// uploads. It is a closed set; every switch over Kind must handle all four.
type Kind int

const (
	KindNamingSystem Kind = iota
	KindCodeSystem
	KindValueSet
	KindConceptMap
)

// uploadOrder lists the kinds in upload order: naming systems first, then
// code systems, value sets, and concept maps. A value set must not reference
// a code system the server has not seen yet.
var uploadOrder = []Kind{KindNamingSystem, KindCodeSystem, KindValueSet, KindConceptMap}

// UploadOrder returns the four kinds in cross-reference-safe upload order.
func UploadOrder() []Kind {
	out := make([]Kind, len(uploadOrder))
	copy(out, uploadOrder)

	return out
}

func (k Kind) String() string {
	switch k {
	case KindNamingSystem:
		return "NamingSystem"
	case KindCodeSystem:
		return "CodeSystem"
	case KindValueSet:
		return "ValueSet"
	case KindConceptMap:
		return "ConceptMap"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFromString maps a FHIR resourceType string to a Kind.
// Returns ErrUnsupportedType for anything outside the four terminology types.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "NamingSystem":
		return KindNamingSystem, nil
	case "CodeSystem":
		return KindCodeSystem, nil
	case "ValueSet":
		return KindValueSet, nil
	case "ConceptMap":
		return KindConceptMap, nil
	default:
		return 0, fmt.Errorf("fhir: resourceType %q: %w", s, ErrUnsupportedType)
	}
}

// maxIDLength is the FHIR limit on logical resource ids.
const maxIDLength = 64

// Resource is a tagged variant over the four terminology resource types.
// The typed view (exactly one of the four pointers is non-nil, matching Kind)
// serves structured reads; doc holds the parsed JSON document and is the
// source of truth for the upload body, so fields the r4 structs do not model
// survive the round trip.
type Resource struct {
	Kind Kind

	NamingSystem *r4.NamingSystem
	CodeSystem   *r4.CodeSystem
	ValueSet     *r4.ValueSet
	ConceptMap   *r4.ConceptMap

	doc map[string]any
}

// ParseResource parses raw JSON into a Resource, dispatching on the
// resourceType field. Unsupported types and malformed documents return an
// error wrapping ErrUnsupportedType or ErrInvalidResource; callers skip the
// file and continue the batch.
func ParseResource(data []byte) (*Resource, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fhir: parsing resource JSON: %w: %w", ErrInvalidResource, err)
	}

	rt, ok := doc["resourceType"].(string)
	if !ok {
		return nil, fmt.Errorf("fhir: document has no resourceType field: %w", ErrInvalidResource)
	}

	kind, err := KindFromString(rt)
	if err != nil {
		return nil, err
	}

	res := &Resource{Kind: kind, doc: doc}

	switch kind {
	case KindNamingSystem:
		res.NamingSystem = &r4.NamingSystem{}
		err = json.Unmarshal(data, res.NamingSystem)
	case KindCodeSystem:
		res.CodeSystem = &r4.CodeSystem{}
		err = json.Unmarshal(data, res.CodeSystem)
	case KindValueSet:
		res.ValueSet = &r4.ValueSet{}
		err = json.Unmarshal(data, res.ValueSet)
	case KindConceptMap:
		res.ConceptMap = &r4.ConceptMap{}
		err = json.Unmarshal(data, res.ConceptMap)
	}

	if err != nil {
		return nil, fmt.Errorf("fhir: parsing %s: %w: %w", kind, ErrInvalidResource, err)
	}

	return res, nil
}

// ID returns the resource's logical id, or "" if none is set.
func (r *Resource) ID() string {
	id, _ := r.doc["id"].(string)

	return id
}

// SetID assigns a logical id. Valid only before the first successful upload;
// the sequencer relies on the id staying stable once the server knows it.
func (r *Resource) SetID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("fhir: id %q must be 1-%d characters: %w", id, maxIDLength, ErrInvalidResource)
	}

	r.doc["id"] = id

	switch r.Kind {
	case KindNamingSystem:
		r.NamingSystem.Id = &id
	case KindCodeSystem:
		r.CodeSystem.Id = &id
	case KindValueSet:
		r.ValueSet.Id = &id
	case KindConceptMap:
		r.ConceptMap.Id = &id
	}

	return nil
}

// Name returns the resource's computable name, or "" if absent.
func (r *Resource) Name() string {
	name, _ := r.doc["name"].(string)

	return name
}

// Version returns the business version, or "" if absent.
// NamingSystem has no version element in R4, so it always returns "".
func (r *Resource) Version() string {
	version, _ := r.doc["version"].(string)

	return version
}

// Body serializes the resource as indented JSON for upload and editing.
func (r *Resource) Body() ([]byte, error) {
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("fhir: serializing %s: %w", r.Kind, err)
	}

	return data, nil
}

// ComposeSystems returns the distinct code system URIs referenced by a
// ValueSet's compose.include, in first-seen order. Nil for other kinds.
func (r *Resource) ComposeSystems() []string {
	if r.Kind != KindValueSet || r.ValueSet.Compose == nil {
		return nil
	}

	seen := make(map[string]bool)

	var systems []string

	for i := range r.ValueSet.Compose.Include {
		inc := &r.ValueSet.Compose.Include[i]
		if inc.System == nil || seen[*inc.System] {
			continue
		}

		seen[*inc.System] = true
		systems = append(systems, *inc.System)
	}

	return systems
}

func (r *Resource) String() string {
	if v := r.Version(); v != "" {
		return fmt.Sprintf("%s %s, version %s", r.Kind, r.Name(), v)
	}

	return fmt.Sprintf("%s %s", r.Kind, r.Name())
}
