package models

import "time"

// SessionKind distinguishes how a session's variants were provisioned.
type SessionKind string

const (
	SessionKindVoting       SessionKind = "voting"
	SessionKindAdhoc        SessionKind = "adhoc"
	SessionKindOrchestrated SessionKind = "orchestrated"
)

// VariantState is the completion state of a single variant. It only ever
// moves from pending to completed.
type VariantState string

const (
	VariantStatePending   VariantState = "pending"
	VariantStateCompleted VariantState = "completed"
)

// Signals records which completion sources have fired for a variant.
type Signals struct {
	Explicit bool `json:"explicit"`
	Marker   bool `json:"marker"`
}

// Any reports whether at least one source has fired.
func (s Signals) Any() bool {
	return s.Explicit || s.Marker
}

// Variant is one isolated attempt at a session's task, living in its own worktree.
type Variant struct {
	ID           string           `json:"id"`
	Index        int              `json:"index"`
	Subtask      string           `json:"subtask,omitempty"`
	WorktreePath string           `json:"worktree_path"`
	Branch       string           `json:"branch"`
	Signals      Signals          `json:"signals"`
	State        VariantState     `json:"state"`
	Execution    *ExecutionResult `json:"execution,omitempty"`
	Evaluation   *Evaluation      `json:"evaluation,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Completed reports whether the variant has reached its terminal completion state.
func (v *Variant) Completed() bool {
	return v.State == VariantStateCompleted
}

// Clone returns a deep copy of the variant.
func (v *Variant) Clone() *Variant {
	c := *v
	if v.Execution != nil {
		e := *v.Execution
		c.Execution = &e
	}
	if v.Evaluation != nil {
		c.Evaluation = v.Evaluation.Clone()
	}
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Session groups the variants competing on (or cooperating on) one task.
type Session struct {
	ID           string      `json:"id"`
	Kind         SessionKind `json:"kind"`
	Task         string      `json:"task"`
	TaskSlug     string      `json:"task_slug"`
	NamingScheme string      `json:"naming_scheme"`
	BaseBranch   string      `json:"base_branch"`
	BasePath     string      `json:"base_path"`
	WorktreesDir string      `json:"worktrees_dir"`
	Variants     []*Variant  `json:"variants"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Variant returns the variant with the given id, or nil.
func (s *Session) Variant(id string) *Variant {
	for _, v := range s.Variants {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// PendingIDs returns the ids of variants not yet completed, in creation order.
func (s *Session) PendingIDs() []string {
	var ids []string
	for _, v := range s.Variants {
		if !v.Completed() {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// CompletedCount returns how many variants have completed.
func (s *Session) CompletedCount() int {
	n := 0
	for _, v := range s.Variants {
		if v.Completed() {
			n++
		}
	}
	return n
}

// AllCompleted reports whether every variant has completed. An empty session
// is never considered complete.
func (s *Session) AllCompleted() bool {
	return len(s.Variants) > 0 && s.CompletedCount() == len(s.Variants)
}

// Clone returns a deep copy of the session suitable for handing to callers.
func (s *Session) Clone() *Session {
	c := *s
	c.Variants = make([]*Variant, len(s.Variants))
	for i, v := range s.Variants {
		c.Variants[i] = v.Clone()
	}
	return &c
}
