// Package uploader drives terminology resources through the per-resource
// upload state machine: routing, the bounded retry/edit/ignore decision loop,
// value set expansion verification, and the four-group batch ordering.
package uploader

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/healthterms/termpush/internal/fhir"
)

// Action is one of the three recovery choices offered after a failed upload.
type Action int

const (
	ActionIgnore Action = iota
	ActionRetry
	ActionEdit
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionRetry:
		return "retry"
	case ActionEdit:
		return "edit"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Prompter is the capability interface for every interactive decision the
// state machine needs. Tests drive the machine headlessly with a scripted
// implementation; the CLI uses TerminalPrompter.
type Prompter interface {
	// ResourceID asks for an optional logical id for a resource that has
	// none. "" means let the server assign one.
	ResourceID(res *fhir.Resource) (string, error)

	// RecoveryAction presents the three recovery choices for a failed
	// attempt.
	RecoveryAction(res *fhir.Resource, attempt, maxTries int, cause error) (Action, error)

	// ManualEdit asks whether an already-uploaded resource should be
	// edited and re-uploaded.
	ManualEdit(res *fhir.Resource) (bool, error)
}

// TerminalPrompter reads decisions from an interactive terminal. When stdin
// is not a terminal every prompt resolves to its safe default (blank id,
// ignore, no manual edit) so a scripted run cannot hang on a read.
type TerminalPrompter struct {
	in     *bufio.Reader
	out    io.Writer
	tty    bool
	logger *slog.Logger
}

// NewTerminalPrompter creates a prompter on stdin/stderr.
func NewTerminalPrompter(logger *slog.Logger) *TerminalPrompter {
	if logger == nil {
		logger = slog.Default()
	}

	return &TerminalPrompter{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stderr,
		tty:    isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
		logger: logger,
	}
}

func (p *TerminalPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

// ResourceID implements Prompter.
func (p *TerminalPrompter) ResourceID(res *fhir.Resource) (string, error) {
	if !p.tty {
		p.logger.Warn("stdin is not a terminal, using server-assigned id",
			slog.String("resource", res.String()))

		return "", nil
	}

	fmt.Fprintf(p.out, "%s has no id. Enter one now, or leave blank to let the server assign it.\n", res)
	fmt.Fprintf(p.out, "ID? ")

	return p.readLine()
}

// RecoveryAction implements Prompter.
func (p *TerminalPrompter) RecoveryAction(res *fhir.Resource, attempt, maxTries int, cause error) (Action, error) {
	if !p.tty {
		p.logger.Warn("stdin is not a terminal, ignoring failed resource",
			slog.String("resource", res.String()))

		return ActionIgnore, nil
	}

	fmt.Fprintf(p.out, "Upload of %s failed (try %d/%d): %v\n", res, attempt, maxTries, cause)
	fmt.Fprintf(p.out, "What should we do?\n")
	fmt.Fprintf(p.out, "  [i] Ignore (continue with the next resource)\n")
	fmt.Fprintf(p.out, "  [r] Retry (because you have changed something else)\n")
	fmt.Fprintf(p.out, "  [e] Edit (using your editor from $EDITOR)\n")

	for {
		fmt.Fprintf(p.out, "Action [i/r/e]? ")

		answer, err := p.readLine()
		if err != nil {
			return ActionIgnore, err
		}

		switch strings.ToLower(answer) {
		case "i", "ignore":
			return ActionIgnore, nil
		case "r", "retry":
			return ActionRetry, nil
		case "e", "edit":
			return ActionEdit, nil
		}

		fmt.Fprintf(p.out, "Please answer i, r or e.\n")
	}
}

// ManualEdit implements Prompter.
func (p *TerminalPrompter) ManualEdit(res *fhir.Resource) (bool, error) {
	if !p.tty {
		return false, nil
	}

	fmt.Fprintf(p.out, "%s uploaded. Edit and re-upload it manually [y/N]? ", res)

	answer, err := p.readLine()
	if err != nil {
		return false, err
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
