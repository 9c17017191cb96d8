package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/service"
	"settlement-service/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

type testServer struct {
	router   *gin.Engine
	clock    *clock.Manual
	verifier *payment.HMACVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := storetest.New(t)
	clk := clock.NewManual(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	collab := service.Collaborators{}

	ledger := service.NewAllocationLedger(st, clk, 3, time.Millisecond, collab)
	escrow := service.NewEscrowService(st, clk, service.EscrowConfig{}, collab)
	orders := service.NewOrderService(st, ledger, escrow, clk, service.OrderConfig{
		DefaultTaxRate: decimal.RequireFromString("0.18"),
	}, collab)
	disputes := service.NewDisputeService(st, orders, escrow, clk, service.DisputeConfig{
		Thresholds: service.DefaultRuleThresholds(),
	}, collab)

	verifier := payment.NewHMACVerifier(webhookSecret)
	h := NewHandler(Services{
		Ledger:    ledger,
		Orders:    orders,
		Payments:  service.NewPaymentService(st, orders, collab),
		Escrow:    escrow,
		Disputes:  disputes,
		Integrity: service.NewIntegrityService(st, clk),
	}, verifier)
	h.CheckReady("database", st)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, clock: clk, verifier: verifier}
}

func (s *testServer) do(t *testing.T, method, path, actorID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set(HeaderActorID, actorID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) webhook(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signature)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	return body.Error
}

// placeOrder creates an allocation, a published listing at 100 and an order
// for two units by cust-1.
func (s *testServer) placeOrder(t *testing.T) *models.Order {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/allocations", "mfg-1", map[string]interface{}{
		"manufacturer_id":  "mfg-1",
		"seller_id":        "seller-1",
		"product_id":       "prod-1",
		"quantity":         10,
		"negotiated_price": "80",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var alloc models.Allocation
	decode(t, w, &alloc)

	w = s.do(t, http.MethodPost, "/api/v1/listings", "seller-1", map[string]interface{}{
		"allocation_id": alloc.ID,
		"retail_price":  "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var listing models.InventoryListing
	decode(t, w, &listing)

	w = s.do(t, http.MethodPost, "/api/v1/listings/"+listing.ID+"/publish", "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/orders", "cust-1", map[string]interface{}{
		"customer_id": "cust-1",
		"items":       []map[string]interface{}{{"listing_id": listing.ID, "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp service.CreateOrderResponse
	decode(t, w, &resp)
	return resp.Order
}

func capturedPayload(orderID string, paise int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_%s","method":"upi","amount":%d,"notes":{"order_id":"%s"}}}}}`,
		orderID, paise, orderID))
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrderPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	order := s.placeOrder(t)
	assert.Equal(t, models.OrderStatusCreated, order.Status)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("236")), order.TotalAmount.String())

	body := capturedPayload(order.ID, 23600)
	w := s.webhook(t, body, s.verifier.Sign(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.webhook(t, body, s.verifier.Sign(body))
	require.Equal(t, http.StatusOK, w.Code)
	var replay service.PaymentResult
	decode(t, w, &replay)
	assert.True(t, replay.Duplicate)

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+order.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Order
	decode(t, w, &got)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Len(t, got.Items, 1)

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+order.ID+"/escrow", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var escrow models.Escrow
	decode(t, w, &escrow)
	assert.Equal(t, models.EscrowStatusHold, escrow.Status)
	assert.True(t, escrow.Amount.Equal(decimal.RequireFromString("236")))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	order := s.placeOrder(t)

	body := capturedPayload(order.ID, 23600)
	w := s.webhook(t, body, "00ff")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+order.ID, "", nil)
	var got models.Order
	decode(t, w, &got)
	assert.Equal(t, models.OrderStatusCreated, got.Status)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/paypal", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	order := s.placeOrder(t)

	w := s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/api/v1/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/allocations", "mfg-2", map[string]interface{}{
		"manufacturer_id":  "mfg-1",
		"seller_id":        "seller-1",
		"product_id":       "prod-1",
		"quantity":         1,
		"negotiated_price": "10",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/status", "seller-1", map[string]string{"status": models.OrderStatusShipped})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", "cust-1", map[string]string{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled models.Order
	decode(t, w, &cancelled)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/admin/settlements/sweep", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sweep service.SweepReport
	decode(t, w, &sweep)
	assert.Zero(t, sweep.Scanned)

	w = s.do(t, http.MethodPost, "/api/v1/admin/disputes/sla", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/integrity", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report service.IntegrityReport
	decode(t, w, &report)
	assert.Equal(t, service.IntegrityHealthy, report.Status)
}
