package sessions

import (
	"context"

	"github.com/joescharf/ballot/internal/models"
)

// Service is the session lifecycle as exposed to the MCP and HTTP surfaces.
type Service interface {
	CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error)
	CreateAdhoc(ctx context.Context, req AdhocRequest) (*CreateResult, error)
	CreateOrchestrated(ctx context.Context, req OrchestrateRequest) (*CreateResult, error)
	ListSessions() []SessionSummary
	GetSession(id string) (*models.Session, error)
	GetVariant(sessionID, variantID string) (*VariantInfo, error)
	MarkComplete(sessionID, variantID string) (*Progress, error)
	Rank(ctx context.Context, sessionID string, refresh bool) (*Ranking, error)
	Finalize(ctx context.Context, sessionID, winnerID string, merge bool) (*FinalizeResult, error)
	AutoSelectBest(ctx context.Context, sessionID string, merge bool) (*AutoSelectResult, error)
	Combine(ctx context.Context, sessionID string) (*CombineResult, error)
	Cleanup(ctx context.Context, sessionID string, force bool) (*CleanupResult, error)
}

var _ Service = (*Registry)(nil)
