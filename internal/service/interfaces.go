package service

import (
	"context"
	"time"

	"settlement-service/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher delivers domain events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.DomainEvent) error
}

// Auditor accepts audit records. Record must not block.
type Auditor interface {
	Record(rec models.AuditRecord)
}

// Locker grants short-lived exclusive leases across service instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// IdempotencyCache maps a customer idempotency key to the order it created.
type IdempotencyCache interface {
	Lookup(ctx context.Context, customerID, key string) (orderID string, ok bool, err error)
	Remember(ctx context.Context, customerID, key, orderID string, ttl time.Duration) error
}

// Collaborators bundles the optional side-channel dependencies shared by
// every service. Nil members are skipped.
type Collaborators struct {
	Publisher EventPublisher
	Auditor   Auditor
	Locker    Locker
	Cache     IdempotencyCache
}

// outbox collects side effects produced inside a transaction so they are
// emitted only after it commits.
type outbox struct {
	events []*models.DomainEvent
	audits []models.AuditRecord
}

func (o *outbox) event(e *models.DomainEvent) {
	o.events = append(o.events, e)
}

func (o *outbox) audit(action, entityType, entityID, actorID, oldState, newState, reason string, at time.Time) {
	o.audits = append(o.audits, models.AuditRecord{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		OldState:   models.StringPtr(oldState),
		NewState:   models.StringPtr(newState),
		Reason:     reason,
		CreatedAt:  at,
	})
}

// emitter flushes an outbox to the configured publisher and auditor.
type emitter struct {
	collab Collaborators
	logger *zap.Logger
}

func (e *emitter) flush(ctx context.Context, o *outbox) {
	if e.collab.Auditor != nil {
		for _, rec := range o.audits {
			e.collab.Auditor.Record(rec)
		}
	}
	if e.collab.Publisher == nil {
		return
	}
	for _, ev := range o.events {
		if err := e.collab.Publisher.Publish(ctx, ev); err != nil {
			e.logger.Error("Failed to publish domain event",
				zap.String("event_type", ev.EventType),
				zap.String("entity_id", ev.EntityID),
				zap.Error(err))
		}
	}
}
