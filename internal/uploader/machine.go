package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/healthterms/termpush/internal/fhir"
)

// State is a node in the per-resource upload state machine.
//
//	Pending → Uploading → {Succeeded, NeedsDecision}
//	NeedsDecision → {Retrying, Editing, Abandoned}
//	Retrying | Editing → Uploading
//
// Succeeded and Abandoned are terminal for a resource within a run.
type State int

const (
	StatePending State = iota
	StateUploading
	StateSucceeded
	StateNeedsDecision
	StateRetrying
	StateEditing
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateUploading:
		return "uploading"
	case StateSucceeded:
		return "succeeded"
	case StateNeedsDecision:
		return "needs-decision"
	case StateRetrying:
		return "retrying"
	case StateEditing:
		return "editing"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultMaxTries is the hard ceiling on upload attempts per resource.
// It exists to keep an interactive retry loop from running forever.
const DefaultMaxTries = 10

// AttemptRecord is the audit record of one HTTP exchange for a resource.
type AttemptRecord struct {
	File       string
	Kind       string
	ResourceID string
	Attempt    int
	Method     string
	URL        string
	Status     int
	Outcome    string
	Manual     bool
}

// Journal receives one record per upload attempt. Implementations must
// tolerate being called between interactive prompts; recording failures are
// logged by the machine, never fatal to the batch.
type Journal interface {
	Record(ctx context.Context, rec AttemptRecord) error
}

// ResourceEditor hands a resource to the operator for modification.
// *Editor is the external-editor implementation; tests script their own.
type ResourceEditor interface {
	Edit(res *fhir.Resource, filename string, revision int, manual bool) (*fhir.Resource, error)
}

// Result is the terminal outcome of running one resource through the
// machine.
type Result struct {
	State    State
	Attempts int
	Route    fhir.Route
}

// Machine drives a single resource from Pending to a terminal state.
type Machine struct {
	client   *fhir.Client
	prompter Prompter
	editor   ResourceEditor
	logger   *slog.Logger
	journal  Journal
	reauth   func(context.Context) error
	maxTries int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithJournal attaches an audit journal.
func WithJournal(j Journal) MachineOption {
	return func(m *Machine) {
		m.journal = j
	}
}

// WithReauth supplies the interactive re-authorization hook invoked when the
// session's credential cannot be refreshed. Without one, an expired session
// fails the batch.
func WithReauth(f func(context.Context) error) MachineOption {
	return func(m *Machine) {
		m.reauth = f
	}
}

// WithMaxTries overrides the attempt ceiling.
func WithMaxTries(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.maxTries = n
		}
	}
}

// NewMachine creates an upload state machine.
func NewMachine(client *fhir.Client, prompter Prompter, editor ResourceEditor, logger *slog.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		client:   client,
		prompter: prompter,
		editor:   editor,
		logger:   logger,
		maxTries: DefaultMaxTries,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run uploads one resource, resolving failures interactively until the
// resource reaches Succeeded or Abandoned. The route is decided exactly once
// here; every retry reuses it. The returned error is reserved for conditions
// that must stop the whole batch (canceled context, failed re-authorization,
// prompter I/O errors).
func (m *Machine) Run(ctx context.Context, filename string, res *fhir.Resource) (*Result, error) {
	route, err := fhir.RouteResource(m.client, res, m.prompter)
	if err != nil {
		return nil, err
	}

	m.logger.Info("routed resource",
		slog.String("resource", res.String()),
		slog.String("method", route.Method),
		slog.String("url", route.URL),
	)

	revision := 0

	return m.runCycle(ctx, filename, res, &route, false, &revision)
}

// runCycle is one Pending → terminal pass. Post-success manual edits start a
// fresh cycle with manual=true so the audit trail distinguishes them.
func (m *Machine) runCycle(
	ctx context.Context,
	filename string,
	res *fhir.Resource,
	route *fhir.Route,
	manual bool,
	revision *int,
) (*Result, error) {
	cur := res
	reauthed := false

	for attempt := 1; ; attempt++ {
		if attempt > m.maxTries {
			m.logger.Warn("attempt ceiling reached, abandoning resource",
				slog.String("file", filename),
				slog.Int("max_tries", m.maxTries),
			)
			m.record(ctx, filename, cur, m.maxTries, *route, 0, "abandoned", manual)

			return &Result{State: StateAbandoned, Attempts: m.maxTries, Route: *route}, nil
		}

		m.logger.Info("uploading",
			slog.String("resource", cur.String()),
			slog.Int("try", attempt),
			slog.Int("max_tries", m.maxTries),
			slog.Bool("manual", manual),
		)

		status, capturedID, err := m.upload(ctx, cur, route)

		if err != nil && m.needsReauth(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if m.reauth == nil || reauthed {
				return nil, fmt.Errorf("uploader: session expired uploading %s: %w", filename, err)
			}

			m.logger.Warn("session expired, re-authorizing")

			if reauthErr := m.reauth(ctx); reauthErr != nil {
				return nil, fmt.Errorf("uploader: re-authorization failed: %w", reauthErr)
			}

			// The exchange never reached the server; do not count the attempt.
			reauthed = true
			attempt--

			continue
		}

		reauthed = false

		if err == nil {
			if cur.ID() == "" && capturedID != "" {
				if setErr := cur.SetID(capturedID); setErr != nil {
					m.logger.Warn("server-assigned id rejected", slog.String("id", capturedID))
				} else {
					// All later operations on this resource use the captured id.
					*route = fhir.Route{Method: http.MethodPut, URL: m.client.ResourceURL(cur.Kind, capturedID)}
				}
			}

			err = m.verifyIfValueSet(ctx, cur, route)
		}

		if err == nil {
			m.record(ctx, filename, cur, attempt, *route, status, "success", manual)
			m.logger.Info("upload succeeded",
				slog.String("resource", cur.String()),
				slog.Int("attempts", attempt),
			)

			return m.maybeManualEdit(ctx, filename, cur, route, revision, attempt)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		action, promptErr := m.prompter.RecoveryAction(cur, attempt, m.maxTries, err)
		if promptErr != nil {
			return nil, fmt.Errorf("uploader: prompting for recovery action: %w", promptErr)
		}

		switch action {
		case ActionIgnore:
			m.record(ctx, filename, cur, attempt, *route, status, "abandoned", manual)
			m.logger.Warn("resource abandoned",
				slog.String("file", filename),
				slog.String("resource", cur.String()),
				slog.Int("attempts", attempt),
			)

			return &Result{State: StateAbandoned, Attempts: attempt, Route: *route}, nil

		case ActionRetry:
			m.record(ctx, filename, cur, attempt, *route, status, "retryable-error", manual)

		case ActionEdit:
			m.record(ctx, filename, cur, attempt, *route, status, "needs-edit", manual)
			cur = m.editUntilValid(filename, cur, revision, manual)
		}
	}
}

// maybeManualEdit offers the post-success edit-and-reupload cycle.
func (m *Machine) maybeManualEdit(
	ctx context.Context,
	filename string,
	cur *fhir.Resource,
	route *fhir.Route,
	revision *int,
	attempts int,
) (*Result, error) {
	wantEdit, err := m.prompter.ManualEdit(cur)
	if err != nil {
		return nil, fmt.Errorf("uploader: prompting for manual edit: %w", err)
	}

	if !wantEdit {
		return &Result{State: StateSucceeded, Attempts: attempts, Route: *route}, nil
	}

	edited := m.editUntilValid(filename, cur, revision, true)

	return m.runCycle(ctx, filename, edited, route, true, revision)
}

// editUntilValid keeps re-opening the editor until it yields a parseable
// resource of the same kind. A bad edit re-prompts; it never abandons the
// resource.
func (m *Machine) editUntilValid(filename string, cur *fhir.Resource, revision *int, manual bool) *fhir.Resource {
	for {
		*revision++

		edited, err := m.editor.Edit(cur, filename, *revision, manual)
		if err == nil {
			return edited
		}

		m.logger.Warn("edit unusable, re-opening editor",
			slog.String("file", filename),
			slog.Int("revision", *revision),
			slog.String("error", err.Error()),
		)
	}
}

// upload performs one HTTP exchange. Returns the response status, the id the
// server assigned (POST responses), and the classified error if any.
func (m *Machine) upload(ctx context.Context, res *fhir.Resource, route *fhir.Route) (int, string, error) {
	body, err := res.Body()
	if err != nil {
		return 0, "", err
	}

	resp, err := m.client.Do(ctx, route.Method, route.URL, body)
	if err != nil {
		var srvErr *fhir.ServerError
		if errors.As(err, &srvErr) {
			return srvErr.StatusCode, "", err
		}

		return 0, "", err
	}

	defer resp.Body.Close()

	var created struct {
		ID string `json:"id"`
	}

	// Some servers return an empty body on update; the id capture only
	// matters for POST responses, which do carry one.
	_ = json.NewDecoder(resp.Body).Decode(&created)

	return resp.StatusCode, created.ID, nil
}

// verifyIfValueSet runs the expansion check after a successful value set
// upload. Expansion correctness is part of the upload's success contract: a
// failed verification demotes a 2xx upload to NeedsDecision.
func (m *Machine) verifyIfValueSet(ctx context.Context, res *fhir.Resource, route *fhir.Route) error {
	if res.Kind != fhir.KindValueSet {
		return nil
	}

	if res.ID() == "" {
		return fmt.Errorf("%w: server did not return an id, cannot expand", fhir.ErrExpansion)
	}

	m.logger.Info("verifying value set expansion", slog.String("id", res.ID()))

	report, err := fhir.VerifyExpansion(ctx, m.client, route.URL, res)
	if err != nil {
		return err
	}

	if reportErr := report.Err(); reportErr != nil {
		return reportErr
	}

	m.logger.Info("expansion verified",
		slog.String("id", res.ID()),
		slog.Int("concepts", report.Total),
		slog.Int("systems", len(report.PerSystem)),
	)

	return nil
}

// needsReauth reports whether the error means the session credential is
// unusable and a fresh interactive grant is required.
func (m *Machine) needsReauth(err error) bool {
	return errors.Is(err, fhir.ErrReauthRequired) || errors.Is(err, fhir.ErrUnauthorized)
}

// record writes one attempt to the journal, if attached.
func (m *Machine) record(ctx context.Context, filename string, res *fhir.Resource, attempt int, route fhir.Route, status int, outcome string, manual bool) {
	if m.journal == nil {
		return
	}

	rec := AttemptRecord{
		File:       filename,
		Kind:       res.Kind.String(),
		ResourceID: res.ID(),
		Attempt:    attempt,
		Method:     route.Method,
		URL:        route.URL,
		Status:     status,
		Outcome:    outcome,
		Manual:     manual,
	}

	if err := m.journal.Record(ctx, rec); err != nil {
		m.logger.Warn("journal write failed", slog.String("error", err.Error()))
	}
}
