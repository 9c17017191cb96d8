package store

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
)

// InsertAuditRecords writes a batch of audit records in one transaction.
func (s *Store) InsertAuditRecords(ctx context.Context, records []models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, r := range records {
			_, err := s.exec(ctx, `
				INSERT INTO audit_log (id, action, entity_type, entity_id, actor_id, old_state, new_state,
					reason, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.Action, r.EntityType, r.EntityID, r.ActorID, r.OldState, r.NewState,
				r.Reason, r.Metadata, r.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert audit record: %w", err)
			}
		}
		return nil
	})
}

// ListAuditRecords returns the audit trail of one entity, oldest first.
func (s *Store) ListAuditRecords(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	err := s.list(ctx, &out, `
		SELECT id, action, entity_type, entity_id, actor_id, old_state, new_state, reason, metadata, created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, id`,
		entityType, entityID)
	return out, err
}
