package sessions

import (
	"context"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// ListOptions bounds and filters a list_user enumeration.
type ListOptions struct {
	Limit  int
	Offset int
}

// HistoryStore is the authoritative, durable record of sessions and their
// message history. Unlike the Presence Store, a miss here (outside of
// Get-by-id during create) is meaningful: status `deleted` or no record at
// all means the session cannot be restored.
type HistoryStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error

	// SoftDelete marks the session deleted without removing the row.
	SoftDelete(ctx context.Context, id string) error

	// HardDelete physically removes the session and its message history.
	HardDelete(ctx context.Context, id string) error

	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// SearchMessages finds messages containing substr across every session
	// owned by userID, newest first, bounded by limit.
	SearchMessages(ctx context.Context, userID, substr string, limit int) ([]*models.Message, error)
}

// ErrSessionNotFound is returned by HistoryStore implementations when no
// record exists for the given id.
type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return "session not found: " + e.ID
}
