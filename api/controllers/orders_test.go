package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	internalorders "github.com/chakulahq/chakula-backend/internal/orders"
	"github.com/chakulahq/chakula-backend/pkg/enums"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/types"
)

type testOrdersService struct {
	createFn     func(ctx context.Context, input internalorders.CreateOrderInput) (*internalorders.OrderView, error)
	getFn        func(ctx context.Context, orderID uuid.UUID) (*internalorders.OrderView, error)
	listFn       func(ctx context.Context, filters internalorders.ListFilters) ([]internalorders.OrderView, error)
	transitionFn func(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus) (*internalorders.OrderView, error)
}

func (s *testOrdersService) Create(ctx context.Context, input internalorders.CreateOrderInput) (*internalorders.OrderView, error) {
	if s.createFn != nil {
		return s.createFn(ctx, input)
	}
	return nil, nil
}

func (s *testOrdersService) Get(ctx context.Context, orderID uuid.UUID) (*internalorders.OrderView, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return nil, nil
}

func (s *testOrdersService) List(ctx context.Context, filters internalorders.ListFilters) ([]internalorders.OrderView, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filters)
	}
	return nil, nil
}

func (s *testOrdersService) Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus) (*internalorders.OrderView, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, orderID, target)
	}
	return nil, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func withOrderIDParam(req *http.Request, orderID string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("orderId", orderID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) types.ErrorEnvelope {
	t.Helper()
	var envelope types.ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return envelope
}

func TestOrderCreateSuccess(t *testing.T) {
	var captured internalorders.CreateOrderInput
	view := &internalorders.OrderView{
		ID:          uuid.New(),
		OrderNumber: "ORD-20260831-0001",
		Status:      enums.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("780.00"),
	}
	svc := &testOrdersService{
		createFn: func(ctx context.Context, input internalorders.CreateOrderInput) (*internalorders.OrderView, error) {
			captured = input
			return view, nil
		},
	}

	body := `{"items":[{"name":"Ugali Beef","unit_price":"390.00","qty":2}],"payer_phone":"0712345678"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	resp := httptest.NewRecorder()
	OrderCreate(svc, testLogger())(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if captured.PayerPhone != "0712345678" {
		t.Fatalf("unexpected payer phone %q", captured.PayerPhone)
	}
	if len(captured.Items) != 1 || captured.Items[0].Qty != 2 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}

	var envelope struct {
		Data internalorders.OrderView `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if envelope.Data.OrderNumber != "ORD-20260831-0001" {
		t.Fatalf("unexpected order number %s", envelope.Data.OrderNumber)
	}
}

func TestOrderCreateRejectsUnknownFields(t *testing.T) {
	svc := &testOrdersService{
		createFn: func(ctx context.Context, input internalorders.CreateOrderInput) (*internalorders.OrderView, error) {
			t.Fatal("service must not be called for invalid bodies")
			return nil, nil
		},
	}

	body := `{"items":[{"name":"Chai","unit_price":"50","qty":1}],"payer_phone":"0712345678","discount":"yes"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	resp := httptest.NewRecorder()
	OrderCreate(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestOrderCreateValidatesBody(t *testing.T) {
	svc := &testOrdersService{}

	body := `{"items":[],"payer_phone":""}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	resp := httptest.NewRecorder()
	OrderCreate(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Code != string(pkgerrors.CodeValidation) {
		t.Fatalf("unexpected code %s", envelope.Error.Code)
	}
}

func TestOrderListParsesFilters(t *testing.T) {
	var captured internalorders.ListFilters
	svc := &testOrdersService{
		listFn: func(ctx context.Context, filters internalorders.ListFilters) ([]internalorders.OrderView, error) {
			captured = filters
			return []internalorders.OrderView{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders?status=confirmed&payment_status=completed&limit=10", nil)
	resp := httptest.NewRecorder()
	OrderList(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if captured.Limit != 10 {
		t.Fatalf("unexpected limit %d", captured.Limit)
	}
	if captured.Status == nil || *captured.Status != enums.OrderStatusConfirmed {
		t.Fatalf("unexpected status filter %v", captured.Status)
	}
	if captured.PaymentStatus == nil || *captured.PaymentStatus != enums.PaymentStatusCompleted {
		t.Fatalf("unexpected payment filter %v", captured.PaymentStatus)
	}
}

func TestOrderListRejectsUnknownStatus(t *testing.T) {
	svc := &testOrdersService{}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders?status=delivering", nil)
	resp := httptest.NewRecorder()
	OrderList(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestOrderDetailInvalidID(t *testing.T) {
	svc := &testOrdersService{}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	req = withOrderIDParam(req, "not-a-uuid")
	resp := httptest.NewRecorder()
	OrderDetail(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestOrderDetailNotFound(t *testing.T) {
	orderID := uuid.New()
	svc := &testOrdersService{
		getFn: func(ctx context.Context, id uuid.UUID) (*internalorders.OrderView, error) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+orderID.String(), nil)
	req = withOrderIDParam(req, orderID.String())
	resp := httptest.NewRecorder()
	OrderDetail(svc, testLogger())(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestOrderTransitionSuccess(t *testing.T) {
	orderID := uuid.New()
	var gotTarget enums.OrderStatus
	svc := &testOrdersService{
		transitionFn: func(ctx context.Context, id uuid.UUID, target enums.OrderStatus) (*internalorders.OrderView, error) {
			gotTarget = target
			return &internalorders.OrderView{ID: id, Status: target}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/status", strings.NewReader(`{"status":"confirmed"}`))
	req = withOrderIDParam(req, orderID.String())
	resp := httptest.NewRecorder()
	OrderTransition(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if gotTarget != enums.OrderStatusConfirmed {
		t.Fatalf("unexpected target %s", gotTarget)
	}
}

func TestOrderTransitionIllegalMove(t *testing.T) {
	orderID := uuid.New()
	svc := &testOrdersService{
		transitionFn: func(ctx context.Context, id uuid.UUID, target enums.OrderStatus) (*internalorders.OrderView, error) {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cannot move order from completed to preparing")
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/status", strings.NewReader(`{"status":"preparing"}`))
	req = withOrderIDParam(req, orderID.String())
	resp := httptest.NewRecorder()
	OrderTransition(svc, testLogger())(resp, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}
