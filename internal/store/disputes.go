package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

const disputeColumns = `id, order_id, raised_by, reason, claim, trigger_type, status, order_status_at_raise,
	recommendation, resolution, reviewer_id, compensation_amount, resolution_note, resolved_at,
	created_at, updated_at`

const evidenceColumns = `id, dispute_id, file_ref, evidence_type, uploaded_by, captured_at, latitude,
	longitude, created_at`

// CreateDispute inserts a dispute.
func (s *Store) CreateDispute(ctx context.Context, d *models.Dispute) error {
	_, err := s.exec(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrderID, d.RaisedBy, d.Reason, d.Claim, d.TriggerType, d.Status, d.OrderStatusAtRaise,
		d.Recommendation, d.Resolution, d.ReviewerID, d.CompensationAmount, d.ResolutionNote, d.ResolvedAt,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

// GetDispute returns the dispute or nil.
func (s *Store) GetDispute(ctx context.Context, id string) (*models.Dispute, error) {
	var d models.Dispute
	err := s.get(ctx, &d, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`+s.forUpdate(), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetActiveDispute returns the unresolved dispute of an order, if any.
func (s *Store) GetActiveDispute(ctx context.Context, orderID string) (*models.Dispute, error) {
	var d models.Dispute
	err := s.get(ctx, &d, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = ? AND status <> ?
		ORDER BY created_at DESC LIMIT 1`,
		orderID, models.DisputeStatusResolved)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListUnresolvedDisputes returns unresolved disputes, oldest first.
func (s *Store) ListUnresolvedDisputes(ctx context.Context, limit int) ([]models.Dispute, error) {
	var out []models.Dispute
	err := s.list(ctx, &out, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status <> ? ORDER BY created_at LIMIT ?`,
		models.DisputeStatusResolved, limit)
	return out, err
}

// UpdateDisputeStatus moves an unresolved dispute between review stages.
func (s *Store) UpdateDisputeStatus(ctx context.Context, id, from, to string, at time.Time) (bool, error) {
	return s.execGuarded(ctx,
		`UPDATE disputes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at, id, from)
}

// SetDisputeRecommendation stores the latest rule evaluation outcome.
func (s *Store) SetDisputeRecommendation(ctx context.Context, id, recommendation string, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE disputes SET recommendation = ?, updated_at = ? WHERE id = ?`,
		recommendation, at, id)
	return err
}

// ResolveDispute records the resolution of a dispute that is still unresolved.
func (s *Store) ResolveDispute(ctx context.Context, d *models.Dispute) (bool, error) {
	ok, err := s.execGuarded(ctx, `
		UPDATE disputes
		SET status = ?, resolution = ?, reviewer_id = ?, compensation_amount = ?, resolution_note = ?,
			resolved_at = ?, updated_at = ?
		WHERE id = ? AND status <> ?`,
		models.DisputeStatusResolved, d.Resolution, d.ReviewerID, d.CompensationAmount, d.ResolutionNote,
		d.ResolvedAt, d.UpdatedAt, d.ID, models.DisputeStatusResolved)
	if err != nil {
		return false, fmt.Errorf("failed to resolve dispute: %w", err)
	}
	return ok, nil
}

// AddEvidence attaches evidence to a dispute.
func (s *Store) AddEvidence(ctx context.Context, e *models.Evidence) error {
	_, err := s.exec(ctx, `
		INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DisputeID, e.FileRef, e.Type, e.UploadedBy, e.CapturedAt, e.Latitude, e.Longitude, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert evidence: %w", err)
	}
	return nil
}

// ListEvidence returns the evidence of a dispute in upload order.
func (s *Store) ListEvidence(ctx context.Context, disputeID string) ([]models.Evidence, error) {
	var out []models.Evidence
	err := s.list(ctx, &out,
		`SELECT `+evidenceColumns+` FROM evidence WHERE dispute_id = ? ORDER BY created_at`, disputeID)
	return out, err
}
