// Package audit persists audit records off the request path.
package audit

import (
	"context"
	"sync"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Writer stores a batch of audit records.
type Writer interface {
	InsertAuditRecords(ctx context.Context, records []models.AuditRecord) error
}

const (
	defaultBuffer   = 1024
	defaultBatch    = 100
	defaultInterval = time.Second
)

// Recorder buffers audit records in a bounded channel and writes them in
// batches. Record never blocks; records that do not fit are dropped and
// counted.
type Recorder struct {
	writer   Writer
	ch       chan models.AuditRecord
	batch    int
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRecorder creates a recorder with room for buffer pending records.
func NewRecorder(w Writer, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Recorder{
		writer:   w,
		ch:       make(chan models.AuditRecord, buffer),
		batch:    defaultBatch,
		interval: defaultInterval,
		logger:   util.GetLogger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Record enqueues rec without blocking.
func (r *Recorder) Record(rec models.AuditRecord) {
	select {
	case r.ch <- rec:
	default:
		util.AuditDroppedTotal.Inc()
		r.logger.Warn("Audit buffer full, record dropped",
			zap.String("action", rec.Action),
			zap.String("entity_id", rec.EntityID))
	}
}

// Start runs the flush loop until Close is called.
func (r *Recorder) Start() {
	go r.run()
}

// Close stops the flush loop after writing every buffered record.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make([]models.AuditRecord, 0, r.batch)
	for {
		select {
		case rec := <-r.ch:
			pending = append(pending, rec)
			if len(pending) >= r.batch {
				pending = r.flush(pending)
			}
		case <-ticker.C:
			pending = r.flush(pending)
		case <-r.stop:
			for {
				select {
				case rec := <-r.ch:
					pending = append(pending, rec)
				default:
					r.flush(pending)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(pending []models.AuditRecord) []models.AuditRecord {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.writer.InsertAuditRecords(ctx, pending); err != nil {
		util.AuditDroppedTotal.Add(float64(len(pending)))
		r.logger.Error("Failed to write audit records", zap.Int("count", len(pending)), zap.Error(err))
	}
	return pending[:0]
}
