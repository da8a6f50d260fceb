package sessions

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/models"
)

// Progress reports a session's completion after a signal.
type Progress struct {
	SessionID    string              `json:"session_id"`
	VariantID    string              `json:"variant_id"`
	State        models.VariantState `json:"state"`
	Completed    int                 `json:"completed"`
	Total        int                 `json:"total"`
	AllCompleted bool                `json:"all_completed"`
}

// MarkComplete records an explicit completion signal for a variant. Marking
// an already completed variant is a no-op that still reports progress.
func (r *Registry) MarkComplete(sessionID, variantID string) (*Progress, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	v := e.session.Variant(variantID)
	if v == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in session %s", ErrVariantNotFound, variantID, sessionID)
	}
	r.applySignals(v, models.Signals{Explicit: true})
	p := &Progress{
		SessionID:    sessionID,
		VariantID:    variantID,
		State:        v.State,
		Completed:    e.session.CompletedCount(),
		Total:        len(e.session.Variants),
		AllCompleted: e.session.AllCompleted(),
	}
	e.mu.Unlock()

	e.wakeMonitor()
	r.log.Info("variant marked complete",
		zap.String("session", sessionID),
		zap.String("variant", variantID),
		zap.Int("completed", p.Completed),
		zap.Int("total", p.Total))
	return p, nil
}

// VariantInfo is a snapshot of one variant and its session context.
type VariantInfo struct {
	SessionID  string             `json:"session_id"`
	Kind       models.SessionKind `json:"kind"`
	Task       string             `json:"task"`
	BaseBranch string             `json:"base_branch"`
	Variant    *models.Variant    `json:"variant"`
	// MarkerSeen is the live result of the session's completion source.
	MarkerSeen bool   `json:"marker_seen"`
	Source     string `json:"source"`
	// LogCompletion is set when the worker appends the sentinel to
	// execution.log itself.
	LogCompletion bool `json:"log_completion"`
}

// GetVariant refreshes the variant's completion source and returns a snapshot.
func (r *Registry) GetVariant(sessionID, variantID string) (*VariantInfo, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	v := e.session.Variant(variantID)
	if v == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in session %s", ErrVariantNotFound, variantID, sessionID)
	}
	path := v.WorktreePath
	e.mu.Unlock()

	seen, detectErr := e.source.Detect(path)
	if detectErr != nil {
		r.log.Warn("completion check failed", zap.String("session", sessionID), zap.String("variant", variantID), zap.Error(detectErr))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	v = e.session.Variant(variantID)
	if v == nil {
		return nil, fmt.Errorf("%w: %s in session %s", ErrVariantNotFound, variantID, sessionID)
	}
	if seen {
		r.applySignals(v, models.Signals{Marker: true})
	}
	return &VariantInfo{
		SessionID:     sessionID,
		Kind:          e.session.Kind,
		Task:          e.session.Task,
		BaseBranch:    e.session.BaseBranch,
		Variant:       v.Clone(),
		MarkerSeen:    seen,
		Source:        e.source.Name(),
		LogCompletion: e.session.Kind != models.SessionKindOrchestrated,
	}, nil
}

// sourceFor returns the completion source appropriate to a session kind.
func sourceFor(kind models.SessionKind) completion.Source {
	if kind == models.SessionKindOrchestrated {
		return completion.NewMarkerSource()
	}
	return completion.NewLogSource()
}
