// Package stage holds the business handlers for each pipeline stage. Every
// handler is idempotent against redelivery: it re-reads entity state from
// the store, treats an already-advanced status as done, and advances state
// only through guarded transitions.
package stage

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
)

// QueuePublisher is the slice of the broker handlers publish through.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, msg any) error
}

// audit appends an entry, logging rather than failing on error: the audit
// trail is best effort and never blocks pipeline progress.
func audit(ctx context.Context, st store.Store, entityType, entityID, action, detail string) {
	err := st.AppendAudit(ctx, &model.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Detail:     detail,
	})
	if err != nil {
		zap.L().Warn("audit append failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
