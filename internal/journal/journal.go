// Package journal keeps an append-only audit trail of session lifecycle
// events. It is write-mostly: nothing in it is ever used to rebuild live
// sessions.
package journal

import (
	"context"

	"github.com/joescharf/ballot/internal/models"
)

// ListFilter narrows List.
type ListFilter struct {
	SessionID string
	Type      models.EventType
	Limit     int
}

// Journal records and lists events.
type Journal interface {
	Record(ctx context.Context, ev *models.Event) error
	List(ctx context.Context, f ListFilter) ([]*models.Event, error)
	Close() error
}
