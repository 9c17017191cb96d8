package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const slaActor = "system:sla"

// DisputeConfig tunes rule evaluation and the SLA check.
type DisputeConfig struct {
	Thresholds      RuleThresholds
	AutoRefundOnSLA bool
	BatchSize       int
}

// DisputeService raises, reviews and resolves disputes. It is the only
// caller of escrow freeze and unfreeze.
type DisputeService struct {
	store  *store.Store
	orders *OrderService
	escrow *EscrowService
	clock  clock.Clock
	cfg    DisputeConfig
	emit   emitter
	logger *zap.Logger
}

// NewDisputeService creates a dispute service.
func NewDisputeService(st *store.Store, orders *OrderService, escrow *EscrowService, clk clock.Clock, cfg DisputeConfig, collab Collaborators) *DisputeService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	logger := util.GetLogger()
	return &DisputeService{
		store:  st,
		orders: orders,
		escrow: escrow,
		clock:  clk,
		cfg:    cfg,
		emit:   emitter{collab: collab, logger: logger},
		logger: logger,
	}
}

// RaiseDisputeRequest opens a dispute against an order.
type RaiseDisputeRequest struct {
	OrderID     string `json:"order_id" binding:"required"`
	RaisedBy    string `json:"-"`
	Reason      string `json:"reason" binding:"required"`
	Claim       string `json:"claim,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
}

// RaiseDispute freezes the order's escrow, creates the dispute and moves the
// order to DISPUTED as one unit.
func (s *DisputeService) RaiseDispute(ctx context.Context, req *RaiseDisputeRequest) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.RaiseDispute")
	defer span.End()

	trigger := req.TriggerType
	if trigger == "" {
		trigger = models.TriggerCustomerToSeller
	}
	if !models.ValidTriggerType(trigger) {
		return nil, fmt.Errorf("%w: unknown trigger type %q", models.ErrValidation, req.TriggerType)
	}
	claim := req.Claim
	if claim == "" {
		claim = models.InferClaim(req.Reason)
	}

	var dispute *models.Dispute
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		order, err := loadOrder(ctx, s.store, req.OrderID)
		if err != nil {
			return err
		}

		active, err := s.store.GetActiveDispute(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to check disputes: %w", err)
		}
		if active != nil {
			return fmt.Errorf("%w: dispute %s", models.ErrDisputeAlreadyOpen, active.ID)
		}
		if !models.CanTransition(order.Status, models.OrderStatusDisputed) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusDisputed)
		}

		if _, err := s.escrow.freeze(ctx, order.ID, req.RaisedBy, req.Reason, now, ob); err != nil {
			return err
		}

		dispute = &models.Dispute{
			ID:                 uuid.New().String(),
			OrderID:            order.ID,
			RaisedBy:           req.RaisedBy,
			Reason:             req.Reason,
			Claim:              claim,
			TriggerType:        trigger,
			Status:             models.DisputeStatusOpen,
			OrderStatusAtRaise: order.Status,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.store.CreateDispute(ctx, dispute); err != nil {
			return err
		}

		if err := applyTransition(ctx, s.store, order, transition{
			to:       models.OrderStatusDisputed,
			reason:   req.Reason,
			actorID:  req.RaisedBy,
			metadata: models.Metadata{"dispute_id": dispute.ID, "claim": claim},
		}, now, ob); err != nil {
			return err
		}

		ob.event(models.NewDomainEvent(models.EventTypeDisputeRaised, dispute.ID, order.ID, req.RaisedBy, now).
			WithReason(req.Reason))
		ob.audit("dispute.raise", "dispute", dispute.ID, req.RaisedBy, "", dispute.Status, req.Reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.DisputesRaisedTotal.Inc()
	s.emit.flush(ctx, ob)
	s.logger.Info("Dispute raised",
		zap.String("dispute_id", dispute.ID),
		zap.String("order_id", dispute.OrderID),
		zap.String("claim", dispute.Claim))
	return dispute, nil
}

// EvidenceRequest attaches a file to a dispute.
type EvidenceRequest struct {
	UploadedBy string     `json:"-"`
	FileRef    string     `json:"file_ref" binding:"required"`
	Type       string     `json:"type" binding:"required"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
}

// AddEvidence attaches evidence. The first upload moves an OPEN dispute to
// EVIDENCE_COLLECTION.
func (s *DisputeService) AddEvidence(ctx context.Context, disputeID string, req *EvidenceRequest) (*models.Evidence, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.AddEvidence")
	defer span.End()

	if !models.ValidEvidenceType(req.Type) {
		return nil, fmt.Errorf("%w: unknown evidence type %q", models.ErrValidation, req.Type)
	}
	if req.FileRef == "" {
		return nil, fmt.Errorf("%w: file reference is required", models.ErrValidation)
	}

	var evidence *models.Evidence
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		d, err := s.loadOpenDispute(ctx, disputeID)
		if err != nil {
			return err
		}

		evidence = &models.Evidence{
			ID:         uuid.New().String(),
			DisputeID:  d.ID,
			FileRef:    req.FileRef,
			Type:       req.Type,
			UploadedBy: req.UploadedBy,
			CapturedAt: req.CapturedAt,
			Latitude:   req.Latitude,
			Longitude:  req.Longitude,
			CreatedAt:  now,
		}
		if err := s.store.AddEvidence(ctx, evidence); err != nil {
			return err
		}
		if d.Status == models.DisputeStatusOpen {
			if _, err := s.store.UpdateDisputeStatus(ctx, d.ID, models.DisputeStatusOpen, models.DisputeStatusEvidenceCollection, now); err != nil {
				return fmt.Errorf("failed to update dispute status: %w", err)
			}
			ob.audit("dispute.evidence_collection", "dispute", d.ID, req.UploadedBy,
				models.DisputeStatusOpen, models.DisputeStatusEvidenceCollection, "", now)
		}
		ob.audit("dispute.evidence", "evidence", evidence.ID, req.UploadedBy, "", evidence.Type, "", now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit.flush(ctx, ob)
	return evidence, nil
}

// MarkUnderReview assigns a dispute to a reviewer.
func (s *DisputeService) MarkUnderReview(ctx context.Context, disputeID, reviewerID string) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.MarkUnderReview")
	defer span.End()

	var dispute *models.Dispute
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		d, err := s.loadOpenDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == models.DisputeStatusUnderReview {
			dispute = d
			return nil
		}
		ok, err := s.store.UpdateDisputeStatus(ctx, d.ID, d.Status, models.DisputeStatusUnderReview, now)
		if err != nil {
			return fmt.Errorf("failed to update dispute status: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: dispute %s", models.ErrConcurrentModification, d.ID)
		}
		ob.audit("dispute.review", "dispute", d.ID, reviewerID, d.Status, models.DisputeStatusUnderReview, "", now)
		d.Status, d.UpdatedAt = models.DisputeStatusUnderReview, now
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit.flush(ctx, ob)
	return dispute, nil
}

// Evaluate runs the rules over a dispute's current state and stores the
// recommendation.
func (s *DisputeService) Evaluate(ctx context.Context, disputeID string) (*RuleOutcome, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.Evaluate")
	defer span.End()

	d, err := s.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, d)
}

func (s *DisputeService) evaluate(ctx context.Context, d *models.Dispute) (*RuleOutcome, error) {
	if d.Evidence == nil {
		evidence, err := s.store.ListEvidence(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list evidence: %w", err)
		}
		d.Evidence = evidence
	}
	timeline, err := s.store.ListTimeline(ctx, d.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read order timeline: %w", err)
	}

	now := s.clock.Now()
	outcome := EvaluateRules(RuleInput{Dispute: d, Evidence: d.Evidence, Timeline: timeline}, s.cfg.Thresholds, now)
	if d.Active() {
		if err := s.store.SetDisputeRecommendation(ctx, d.ID, outcome.Recommendation, now); err != nil {
			return nil, fmt.Errorf("failed to store recommendation: %w", err)
		}
		d.Recommendation = &outcome.Recommendation
	}
	return &outcome, nil
}

// ResolveRequest is a reviewer's decision on a dispute.
type ResolveRequest struct {
	Resolution   string           `json:"resolution" binding:"required"`
	ReviewerID   string           `json:"-"`
	Finalize     bool             `json:"finalize"`
	Compensation *decimal.Decimal `json:"compensation,omitempty"`
	Note         string           `json:"note,omitempty"`
}

// ResolveDispute applies a reviewer decision. REFUND returns the escrow to
// the customer and cancels the order. RELEASE returns the escrow to HOLD
// with a fresh settlement window, and with Finalize pays it out at once.
func (s *DisputeService) ResolveDispute(ctx context.Context, disputeID string, req *ResolveRequest) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.ResolveDispute")
	defer span.End()

	if req.Resolution != models.ResolutionRefund && req.Resolution != models.ResolutionRelease {
		return nil, fmt.Errorf("%w: resolution must be REFUND or RELEASE", models.ErrValidation)
	}

	var dispute *models.Dispute
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		dispute, err = s.resolve(ctx, disputeID, req, ob)
		return err
	})
	if err != nil {
		return nil, err
	}

	util.DisputeResolutionsTotal.WithLabelValues(req.Resolution).Inc()
	s.emit.flush(ctx, ob)
	s.logger.Info("Dispute resolved",
		zap.String("dispute_id", dispute.ID),
		zap.String("resolution", req.Resolution),
		zap.String("reviewer_id", req.ReviewerID))
	return dispute, nil
}

func (s *DisputeService) resolve(ctx context.Context, disputeID string, req *ResolveRequest, ob *outbox) (*models.Dispute, error) {
	now := s.clock.Now()
	d, err := s.loadOpenDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	e, err := s.escrow.lockEscrow(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EscrowStatusFrozen {
		return nil, fmt.Errorf("%w: escrow of disputed order %s is %s", models.ErrConsistencyViolation, d.OrderID, e.Status)
	}

	compensation := req.Compensation
	if compensation != nil {
		c := compensation.Round(2)
		if c.IsNegative() {
			return nil, fmt.Errorf("%w: compensation must not be negative", models.ErrValidation)
		}
		if c.GreaterThan(e.Amount) {
			return nil, fmt.Errorf("%w: compensation %s, held %s", models.ErrRefundExceedsHeld, c, e.Amount)
		}
		compensation = &c
	} else if req.Resolution == models.ResolutionRefund {
		held := e.Amount
		compensation = &held
	}

	order, err := loadOrder(ctx, s.store, d.OrderID)
	if err != nil {
		return nil, err
	}

	// The dispute must be closed first so the release path sees no active dispute.
	from := d.Status
	d.Status = models.DisputeStatusResolved
	d.Resolution = &req.Resolution
	d.ReviewerID = models.StringPtr(req.ReviewerID)
	d.CompensationAmount = compensation
	d.ResolutionNote = models.StringPtr(req.Note)
	d.ResolvedAt = &now
	d.UpdatedAt = now
	ok, err := s.store.ResolveDispute(ctx, d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s", models.ErrDisputeResolved, d.ID)
	}

	meta := models.Metadata{"dispute_id": d.ID, "resolution": req.Resolution}
	switch req.Resolution {
	case models.ResolutionRefund:
		if d.OrderStatusAtRaise == models.OrderStatusPaid || d.OrderStatusAtRaise == models.OrderStatusConfirmed {
			if err := s.orders.reverseUnits(ctx, order.ID, d.OrderStatusAtRaise, now); err != nil {
				return nil, err
			}
		}
		if err := s.escrow.refund(ctx, e, models.ReleaseConditionDisputeRefund, req.ReviewerID, req.Note, now, ob); err != nil {
			return nil, err
		}
		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusCancelled, reason: "dispute refunded", actorID: req.ReviewerID, metadata: meta,
		}, now, ob); err != nil {
			return nil, err
		}
		ob.event(models.NewDomainEvent(models.EventTypeOrderCancelled, order.ID, order.ID, req.ReviewerID, now).
			WithReason("dispute refunded"))

	case models.ResolutionRelease:
		if d.OrderStatusAtRaise == models.OrderStatusPaid {
			if err := s.orders.commitUnits(ctx, order.ID, now); err != nil {
				return nil, err
			}
		}
		if err := s.escrow.unfreeze(ctx, e, req.ReviewerID, now, ob); err != nil {
			return nil, err
		}
		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusDelivered, reason: "dispute released", actorID: req.ReviewerID, metadata: meta,
		}, now, ob); err != nil {
			return nil, err
		}
		if req.Finalize {
			if _, err := s.escrow.release(ctx, order.ID, req.ReviewerID, models.ReleaseConditionDisputeRelease, true, ob); err != nil {
				return nil, err
			}
		}
	}

	ev := models.NewDomainEvent(models.EventTypeDisputeResolved, d.ID, d.OrderID, req.ReviewerID, now).
		WithReason(req.Resolution)
	if compensation != nil {
		ev.WithAmount(*compensation)
	}
	ob.event(ev)
	ob.audit("dispute.resolve", "dispute", d.ID, req.ReviewerID, from, d.Status, req.Resolution, now)
	return d, nil
}

// SLAReport describes one dispute SLA check run.
type SLAReport struct {
	Evaluated       int            `json:"evaluated"`
	Recommendations map[string]int `json:"recommendations"`
	AutoRefunded    []string       `json:"auto_refunded"`
	Failed          []SweepFailure `json:"failed"`
}

// CheckSLA evaluates every unresolved dispute and, when enabled, refunds the
// ones whose seller missed the response window. Resolved disputes are not
// scanned again, so reruns are harmless.
func (s *DisputeService) CheckSLA(ctx context.Context) (*SLAReport, error) {
	ctx, span := util.StartSpan(ctx, "DisputeService.CheckSLA")
	defer span.End()

	disputes, err := s.store.ListUnresolvedDisputes(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}

	report := &SLAReport{Recommendations: map[string]int{}, AutoRefunded: []string{}, Failed: []SweepFailure{}}
	for i := range disputes {
		d := &disputes[i]
		outcome, err := s.evaluate(ctx, d)
		if err != nil {
			report.Failed = append(report.Failed, SweepFailure{OrderID: d.OrderID, Error: err.Error()})
			continue
		}
		report.Evaluated++
		report.Recommendations[outcome.Recommendation]++

		if outcome.Recommendation != models.RecommendAutoRefund || !s.cfg.AutoRefundOnSLA {
			continue
		}
		_, err = s.ResolveDispute(ctx, d.ID, &ResolveRequest{
			Resolution: models.ResolutionRefund,
			ReviewerID: slaActor,
			Finalize:   true,
			Note:       outcome.Reason,
		})
		if err != nil {
			s.logger.Error("SLA auto-refund failed", zap.String("dispute_id", d.ID), zap.Error(err))
			report.Failed = append(report.Failed, SweepFailure{OrderID: d.OrderID, Error: err.Error()})
			continue
		}
		report.AutoRefunded = append(report.AutoRefunded, d.ID)
	}

	s.logger.Info("Dispute SLA check finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("auto_refunded", len(report.AutoRefunded)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// GetDispute returns a dispute with its evidence.
func (s *DisputeService) GetDispute(ctx context.Context, disputeID string) (*models.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDisputeNotFound, disputeID)
	}
	evidence, err := s.store.ListEvidence(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	d.Evidence = evidence
	return d, nil
}

func (s *DisputeService) loadOpenDispute(ctx context.Context, disputeID string) (*models.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDisputeNotFound, disputeID)
	}
	if !d.Active() {
		return nil, fmt.Errorf("%w: %s", models.ErrDisputeResolved, d.ID)
	}
	return d, nil
}
