package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store/storetest"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu      sync.Mutex
	batches [][]models.AuditRecord
	err     error
}

func (w *memWriter) InsertAuditRecords(_ context.Context, records []models.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]models.AuditRecord(nil), records...))
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func record(action string) models.AuditRecord {
	return models.AuditRecord{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: "order",
		EntityID:   "o-1",
		ActorID:    "cust-1",
		CreatedAt:  time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
}

func droppedCount(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, util.AuditDroppedTotal.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecorderFlushesOnClose(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, 10)
	r.Start()

	for i := 0; i < 5; i++ {
		r.Record(record("order.transition"))
	}
	r.Close()

	assert.Equal(t, 5, w.count())
}

func TestRecorderFlushesFullBatches(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, 500)
	r.interval = time.Hour
	r.Start()
	defer r.Close()

	for i := 0; i < defaultBatch; i++ {
		r.Record(record("order.transition"))
	}
	assert.Eventually(t, func() bool { return w.count() == defaultBatch }, time.Second, 5*time.Millisecond)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, 2)
	before := droppedCount(t)

	// Not started, so nothing drains the buffer.
	r.Record(record("a"))
	r.Record(record("b"))
	r.Record(record("c"))

	assert.Equal(t, before+1, droppedCount(t))
	r.Start()
	r.Close()
	assert.Equal(t, 2, w.count())
}

func TestRecorderCountsFailedWrites(t *testing.T) {
	w := &memWriter{err: errors.New("db down")}
	r := NewRecorder(w, 10)
	before := droppedCount(t)
	r.Start()
	r.Record(record("a"))
	r.Record(record("b"))
	r.Close()

	assert.Equal(t, before+2, droppedCount(t))
}

func TestRecorderWritesToStore(t *testing.T) {
	st := storetest.New(t)
	r := NewRecorder(st, 10)
	r.Start()
	r.Record(record("order.create"))
	r.Record(record("order.transition"))
	r.Close()

	got, err := st.ListAuditRecords(context.Background(), "order", "o-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
