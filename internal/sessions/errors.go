package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every error returned by the registry matches at most one of
// these with errors.Is, so callers can map failures without string matching.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPrecondition    = errors.New("precondition failed")
	ErrMergeConflict   = errors.New("merge conflict")
	ErrExternalTool    = errors.New("external tool failed")
)

var (
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrVariantNotFound = fmt.Errorf("variant %w", ErrNotFound)
	ErrNoRepoFound     = fmt.Errorf("%w: no git repository found", ErrPrecondition)
	ErrNotAGitRepo     = fmt.Errorf("%w: not a git repository", ErrInvalidArgument)
	ErrWrongKind       = fmt.Errorf("%w: operation not supported for this session kind", ErrPrecondition)
)

// AmbiguousRepoError is returned when no target repo was given and the
// workspace holds more than one.
type AmbiguousRepoError struct {
	Candidates []string
}

func (e *AmbiguousRepoError) Error() string {
	return fmt.Sprintf("multiple git repositories found, specify target_repo: %s", strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousRepoError) Unwrap() error { return ErrPrecondition }

// ProvisioningError is returned when creating a variant's worktree fails.
// Worktrees created before the failure are listed in Created and are left on
// disk for the caller to inspect or remove.
type ProvisioningError struct {
	SessionID string
	VariantID string
	Created   []string
	Err       error
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("provision %s: %v", e.VariantID, e.Err)
	if len(e.Created) > 0 {
		msg += fmt.Sprintf(" (already created: %s)", strings.Join(e.Created, ", "))
	}
	return msg
}

func (e *ProvisioningError) Unwrap() []error { return []error{ErrExternalTool, e.Err} }

// IncompleteError is returned when an operation needs every variant complete.
type IncompleteError struct {
	SessionID string
	Pending   []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("session %s has incomplete variants: %s", e.SessionID, strings.Join(e.Pending, ", "))
}

func (e *IncompleteError) Unwrap() error { return ErrPrecondition }

// MergeConflictError carries the VCS output of a failed merge verbatim.
type MergeConflictError struct {
	SessionID string
	VariantID string
	Branch    string
	Output    string
	Err       error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge %s (%s) failed: %s", e.VariantID, e.Branch, e.Output)
}

func (e *MergeConflictError) Unwrap() []error { return []error{ErrMergeConflict, e.Err} }

// DestroyFailure records one step of variant teardown that did not succeed.
type DestroyFailure struct {
	VariantID string `json:"variant_id"`
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	Step      string `json:"step"`
	Message   string `json:"error"`
	Err       error  `json:"-"`
}

// Teardown steps reported in DestroyFailure.Step.
const (
	StepRemoveWorktree = "remove_worktree"
	StepDeleteBranch   = "delete_branch"
)

func externalErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalTool, op, err)
}

// Outcome is the status discriminant the caller surfaces report.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeInvalidArgument Outcome = "invalid_argument"
	OutcomePrecondition    Outcome = "precondition_failed"
	OutcomeMergeConflict   Outcome = "merge_conflict"
	OutcomeExternalTool    Outcome = "external_tool_failed"
	OutcomePartialFailure  Outcome = "partial_failure"
	OutcomeNothingToSelect Outcome = "nothing_to_select"
	OutcomeError           Outcome = "error"
)

// OutcomeOf classifies err. A nil error is OutcomeOK. Merge conflicts are
// checked before external-tool failures since a conflict is the more
// actionable of the two.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidArgument):
		return OutcomeInvalidArgument
	case errors.Is(err, ErrPrecondition):
		return OutcomePrecondition
	case errors.Is(err, ErrMergeConflict):
		return OutcomeMergeConflict
	case errors.Is(err, ErrExternalTool):
		return OutcomeExternalTool
	default:
		return OutcomeError
	}
}
