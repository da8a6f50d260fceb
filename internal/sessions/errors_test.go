package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"session", fmt.Errorf("%w: abc", ErrSessionNotFound), OutcomeNotFound},
		{"variant", ErrVariantNotFound, OutcomeNotFound},
		{"bad count", fmt.Errorf("%w: variants", ErrInvalidArgument), OutcomeInvalidArgument},
		{"not a repo", ErrNotAGitRepo, OutcomeInvalidArgument},
		{"no repo", ErrNoRepoFound, OutcomePrecondition},
		{"ambiguous", &AmbiguousRepoError{Candidates: []string{"a", "b"}}, OutcomePrecondition},
		{"incomplete", &IncompleteError{SessionID: "s", Pending: []string{"variant-1"}}, OutcomePrecondition},
		{"wrong kind", ErrWrongKind, OutcomePrecondition},
		{"conflict", &MergeConflictError{Err: errors.New("exit status 1")}, OutcomeMergeConflict},
		{"provisioning", &ProvisioningError{Err: errors.New("exit status 128")}, OutcomeExternalTool},
		{"checkout", externalErr("checkout main", errors.New("dirty")), OutcomeExternalTool},
		{"other", context.Canceled, OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeOf(tt.err))
		})
	}
}

func TestProvisioningError_WrapsCause(t *testing.T) {
	cause := errors.New("fatal: invalid reference: main")
	err := &ProvisioningError{VariantID: "variant-2", Created: []string{"/w/a"}, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrExternalTool)
	assert.Equal(t, "provision variant-2: fatal: invalid reference: main (already created: /w/a)", err.Error())
}

func TestIncompleteError_Message(t *testing.T) {
	err := &IncompleteError{SessionID: "ab12", Pending: []string{"variant-1", "variant-3"}}
	assert.Equal(t, "session ab12 has incomplete variants: variant-1, variant-3", err.Error())
}
