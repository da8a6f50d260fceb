package sessions

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/models"
)

// CleanupResult reports a session teardown.
type CleanupResult struct {
	SessionID string           `json:"session_id"`
	Removed   []string         `json:"removed"`
	Failures  []DestroyFailure `json:"failures,omitempty"`
}

// PartialFailure reports whether any teardown step failed.
func (cr *CleanupResult) PartialFailure() bool {
	return len(cr.Failures) > 0
}

// Err combines teardown failures into one error, or nil.
func (cr *CleanupResult) Err() error {
	return failuresErr(cr.Failures)
}

// Cleanup destroys every remaining variant and deregisters the session.
// Without force a session with pending variants is refused with an
// IncompleteError and left exactly as it was. Teardown failures do not stop
// deregistration; they are reported so the leftovers can be removed by hand.
func (r *Registry) Cleanup(ctx context.Context, sessionID string, force bool) (*CleanupResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	if !force {
		e.mu.Lock()
		pending := e.session.PendingIDs()
		e.mu.Unlock()
		if len(pending) > 0 {
			return nil, &IncompleteError{SessionID: sessionID, Pending: pending}
		}
	}

	// Stop the monitor before taking op: its end-of-session work may itself
	// need op.
	r.stopMonitor(e)

	e.op.Lock()
	defer e.op.Unlock()

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := e.session
	repo := s.BasePath
	refs := make([]variantRef, 0, len(s.Variants))
	for _, v := range s.Variants {
		refs = append(refs, variantRef{id: v.ID, path: v.WorktreePath, branch: v.Branch})
	}
	e.mu.Unlock()

	// Workers must be gone before their worktrees are.
	e.cancel()
	e.workers.Wait()

	removed, failures := r.destroy(repo, refs)
	r.deregister(sessionID, e)

	r.record(ctx, s, models.EventSessionCleaned, map[string]any{
		"force":    force,
		"removed":  removed,
		"failures": len(failures),
	})
	r.log.Info("session cleaned up",
		zap.String("session", sessionID),
		zap.Bool("force", force),
		zap.Strings("removed", removed),
		zap.Int("failures", len(failures)))

	return &CleanupResult{SessionID: sessionID, Removed: removed, Failures: failures}, nil
}
