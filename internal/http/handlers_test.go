package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"atelier/internal/notify"
	"atelier/internal/repository"
	"atelier/internal/service"
)

type testMailer struct {
	mu   sync.Mutex
	last string
}

func (m *testMailer) Send(ctx context.Context, to, subject, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = text
	return nil
}

func (m *testMailer) text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func setupServer(t *testing.T) (*Server, *testMailer) {
	t.Helper()
	store := repository.NewMemoryStore()
	tx := repository.NewMemoryTx(store)
	clock := service.SystemClock()
	logger := zap.NewNop()
	mailer := &testMailer{}
	notifier := notify.New(logger, mailer)
	ledger := service.NewLedger(store, store, clock)
	products := service.NewProductService(store, store, ledger, tx, notifier)
	reservations := service.NewReservationService(repository.NewMemoryReservations(store), store, ledger, tx, clock, notifier, logger)
	auth := service.NewAuthService(store, store, store, store, tx, clock, notifier, time.Hour, time.Hour, 24*time.Hour)
	if err := auth.SeedAdmin(context.Background(), "admin@example.com", "s3cret", "Admin"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return NewServer(products, reservations, auth, ledger), mailer
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func adminToken(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/login", "", map[string]any{
		"email": "admin@example.com", "password": "s3cret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin login: %v %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, w, &resp)
	return resp.AccessToken
}

func customerToken(t *testing.T, s *Server, m *testMailer) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]any{"target": "jane@example.com"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("otp request: %v %s", w.Code, w.Body.String())
	}
	code := strings.TrimPrefix(m.text(), "Code: ")
	w = doJSON(t, s, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]any{
		"target": "jane@example.com", "code": code,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("otp verify: %v %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)
	return resp.Token
}

// создаёт товар с одним SKU через админский API, возвращает variant id
func seedVariant(t *testing.T, s *Server, admin string, stock int64) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/products", admin, map[string]any{
		"name": "Linen dress", "category": "dresses",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create product: %v %s", w.Code, w.Body.String())
	}
	var p struct {
		ID string `json:"id"`
	}
	decode(t, w, &p)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/products/"+p.ID+"/variants", admin, map[string]any{
		"sku": "LD-M-WHT", "size": "M", "color": "white", "price": "120.50", "stock_on_hand": stock,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add variant: %v %s", w.Code, w.Body.String())
	}
	var v struct {
		ID string `json:"id"`
	}
	decode(t, w, &v)
	return v.ID
}

func TestHTTP_AuthRequired(t *testing.T) {
	s, _ := setupServer(t)
	if w := doJSON(t, s, http.MethodPost, "/api/v1/reservations", "", map[string]any{}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/reservations", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", w.Code)
	}
	// клиентский токен не даёт доступ в админку
	s2, m := setupServer(t)
	cust := customerToken(t, s2, m)
	if w := doJSON(t, s2, http.MethodGet, "/api/v1/admin/reservations", cust, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for customer token, got %v", w.Code)
	}
}

func TestHTTP_ReservationFlow(t *testing.T) {
	s, m := setupServer(t)
	admin := adminToken(t, s)
	vid := seedVariant(t, s, admin, 5)
	cust := customerToken(t, s, m)

	// expires_in_hours не передан — действует срок по умолчанию
	w := doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{
		"items": []map[string]any{{"variant_id": vid, "quantity": 3}},
		"note":  "call me",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %v %s", w.Code, w.Body.String())
	}
	var r struct {
		ID        string `json:"id"`
		Code      string `json:"code"`
		Status    string `json:"status"`
		ExpiresAt string `json:"expires_at"`
	}
	decode(t, w, &r)
	if r.Status != "PENDING" || !strings.HasPrefix(r.Code, "RSV-") {
		t.Fatalf("unexpected reservation: %+v", r)
	}

	// доступно по публичному коду без сессии
	if w = doJSON(t, s, http.MethodGet, "/api/v1/reservations/code/"+r.Code, "", nil); w.Code != http.StatusOK {
		t.Fatalf("get by code: %v", w.Code)
	}

	if w = doJSON(t, s, http.MethodGet, "/api/v1/reservations/my", cust, nil); w.Code != http.StatusOK {
		t.Fatalf("my: %v", w.Code)
	}

	// нехватка остатка — конфликт
	w = doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{
		"items": []map[string]any{{"variant_id": vid, "quantity": 3}},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v %s", w.Code, w.Body.String())
	}

	if w = doJSON(t, s, http.MethodPost, "/api/v1/reservations/"+r.ID+"/cancel", cust, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: %v %s", w.Code, w.Body.String())
	}
	// повторная отмена — конфликт перехода
	if w = doJSON(t, s, http.MethodPost, "/api/v1/reservations/"+r.ID+"/cancel", cust, nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", w.Code)
	}
}

func TestHTTP_OwnershipHidden(t *testing.T) {
	s, m := setupServer(t)
	admin := adminToken(t, s)
	vid := seedVariant(t, s, admin, 5)
	cust := customerToken(t, s, m)

	w := doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{
		"items": []map[string]any{{"variant_id": vid, "quantity": 1}},
	})
	var r struct {
		ID string `json:"id"`
	}
	decode(t, w, &r)

	// другой покупатель не видит чужой резерв
	w = doJSON(t, s, http.MethodPost, "/api/v1/auth/otp/request", "", map[string]any{"target": "other@example.com"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("otp request: %v", w.Code)
	}
	code := strings.TrimPrefix(m.text(), "Code: ")
	w = doJSON(t, s, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]any{"target": "other@example.com", "code": code})
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)

	if w = doJSON(t, s, http.MethodGet, "/api/v1/reservations/"+r.ID, resp.Token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign reservation, got %v", w.Code)
	}
}

func TestHTTP_AdminStatusAndReports(t *testing.T) {
	s, m := setupServer(t)
	admin := adminToken(t, s)
	vid := seedVariant(t, s, admin, 5)
	cust := customerToken(t, s, m)

	w := doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{
		"items": []map[string]any{{"variant_id": vid, "quantity": 3}},
	})
	var r struct {
		ID string `json:"id"`
	}
	decode(t, w, &r)

	// недопустимый целевой статус
	w = doJSON(t, s, http.MethodPatch, "/api/v1/admin/reservations/"+r.ID+"/status", admin, map[string]any{"status": "EXPIRED"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", w.Code)
	}

	w = doJSON(t, s, http.MethodPatch, "/api/v1/admin/reservations/"+r.ID+"/status", admin, map[string]any{
		"status": "CONFIRMED", "deduct_stock": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %v %s", w.Code, w.Body.String())
	}

	// подтверждение со списанием уменьшило остаток
	w = doJSON(t, s, http.MethodGet, "/api/v1/products?q=linen", "", nil)
	var list []struct {
		Variants []struct {
			StockOnHand   int64 `json:"stock_on_hand"`
			StockReserved int64 `json:"stock_reserved"`
		} `json:"variants"`
	}
	decode(t, w, &list)
	if len(list) != 1 || list[0].Variants[0].StockOnHand != 2 || list[0].Variants[0].StockReserved != 0 {
		t.Fatalf("stock not deducted: %+v", list)
	}

	// журнал изменений остатков доступен админу
	w = doJSON(t, s, http.MethodGet, "/api/v1/admin/variants/"+vid+"/adjustments", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("adjustments: %v", w.Code)
	}
	var adjs []struct {
		Reason string `json:"reason"`
	}
	decode(t, w, &adjs)
	if len(adjs) != 2 || adjs[0].Reason != "RESERVE" || adjs[1].Reason != "CONFIRM" {
		t.Fatalf("unexpected adjustments: %+v", adjs)
	}

	if w = doJSON(t, s, http.MethodGet, "/api/v1/admin/reports/status", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("status report: %v", w.Code)
	}
	if w = doJSON(t, s, http.MethodGet, "/api/v1/admin/reports/demand", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("demand report: %v", w.Code)
	}
}

func TestHTTP_ConfirmWithoutDeductKeepsHold(t *testing.T) {
	s, m := setupServer(t)
	admin := adminToken(t, s)
	vid := seedVariant(t, s, admin, 5)
	cust := customerToken(t, s, m)

	w := doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{
		"items": []map[string]any{{"variant_id": vid, "quantity": 3}},
	})
	var r struct {
		ID string `json:"id"`
	}
	decode(t, w, &r)

	// deduct_stock не передан: только смена статуса, удержание остаётся
	w = doJSON(t, s, http.MethodPatch, "/api/v1/admin/reservations/"+r.ID+"/status", admin, map[string]any{"status": "CONFIRMED"})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %v %s", w.Code, w.Body.String())
	}
	var got struct {
		Status string `json:"status"`
	}
	decode(t, w, &got)
	if got.Status != "CONFIRMED" {
		t.Fatalf("unexpected status: %+v", got)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/products?q=linen", "", nil)
	var list []struct {
		Variants []struct {
			StockOnHand   int64 `json:"stock_on_hand"`
			StockReserved int64 `json:"stock_reserved"`
		} `json:"variants"`
	}
	decode(t, w, &list)
	if len(list) != 1 || list[0].Variants[0].StockOnHand != 5 || list[0].Variants[0].StockReserved != 3 {
		t.Fatalf("hold not retained: %+v", list)
	}
}

func TestHTTP_AdminListRejectsBadDates(t *testing.T) {
	s, _ := setupServer(t)
	admin := adminToken(t, s)

	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/reservations?from=yesterday", admin, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %v %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/reservations?to=2025-13-99", admin, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad to, got %v", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/reservations?from=2025-06-01T00:00:00Z", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for RFC3339 from, got %v %s", w.Code, w.Body.String())
	}
}

func TestHTTP_BadRequests(t *testing.T) {
	s, m := setupServer(t)
	cust := customerToken(t, s, m)

	// пустой список позиций
	w := doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{"items": []map[string]any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", w.Code)
	}
	// срок за пределами допустимого
	w = doJSON(t, s, http.MethodPost, "/api/v1/reservations", cust, map[string]any{
		"items":            []map[string]any{{"variant_id": "v", "quantity": 1}},
		"expires_in_hours": 100,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", w.Code)
	}
}
