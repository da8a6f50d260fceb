package evaluate

import "github.com/joescharf/ballot/internal/models"

// Scorer assigns a 0-100 quality score to an evaluation.
type Scorer interface {
	Score(e *models.Evaluation) int
}

// ScoreBreakdown shows how a heuristic score was assembled.
type ScoreBreakdown struct {
	Total   int
	Changes int // 0 or 30
	Tests   int // 0 or 50
	Files   int // 0-20
}

// HeuristicScorer rewards producing changes, passing tests and touching files.
type HeuristicScorer struct{}

// NewHeuristicScorer returns the default Scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

func (s *HeuristicScorer) Score(e *models.Evaluation) int {
	return s.Breakdown(e).Total
}

// Breakdown computes the individual components of the score.
func (s *HeuristicScorer) Breakdown(e *models.Evaluation) ScoreBreakdown {
	var b ScoreBreakdown
	if e == nil {
		return b
	}

	if e.HasChanges {
		b.Changes = 30
	}
	if e.TestsPassed() {
		b.Tests = 50
	}
	b.Files = min(max(e.FilesChanged, 0)*5, 20)

	b.Total = b.Changes + b.Tests + b.Files
	return b
}
