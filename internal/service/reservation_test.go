package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"atelier/internal/domain"
	"atelier/internal/notify"
	"atelier/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupRes(t *testing.T) (*ReservationService, *ProductService, *repository.MemoryStore, *fakeClock) {
	t.Helper()
	store := repository.NewMemoryStore()
	tx := repository.NewMemoryTx(store)
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	notifier := notify.New(logger, notify.NewLogMailer(logger))
	ledger := NewLedger(store, store, clock)
	ps := NewProductService(store, store, ledger, tx, notifier)
	rs := NewReservationService(repository.NewMemoryReservations(store), store, ledger, tx, clock, notifier, logger)
	return rs, ps, store, clock
}

func newCustomer(t *testing.T, store *repository.MemoryStore) string {
	t.Helper()
	c := &domain.Customer{Email: "jane@example.com"}
	if err := store.CreateCustomer(context.Background(), c); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return c.ID
}

func newVariant(t *testing.T, ps *ProductService, sku string, price string, stock int64) *domain.ProductVariant {
	t.Helper()
	ctx := context.Background()
	p, err := ps.Create(ctx, domain.Product{Name: "Linen dress " + sku})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	v, err := ps.AddVariant(ctx, domain.ProductVariant{
		ProductID:   p.ID,
		SKU:         sku,
		Size:        "M",
		Color:       "white",
		Price:       decimal.RequireFromString(price),
		StockOnHand: stock,
	})
	if err != nil {
		t.Fatalf("add variant: %v", err)
	}
	return v
}

func TestCreateReservation_HoldsStock(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "120.50", 5)

	r, err := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 3}}, 48, "call me", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != domain.ReservationPending {
		t.Fatalf("expected PENDING, got %v", r.Status)
	}
	if !strings.HasPrefix(r.Code, "RSV-") || len(r.Code) != len("RSV-")+6 {
		t.Fatalf("unexpected code %q", r.Code)
	}
	if want := decimal.RequireFromString("361.50"); !r.TotalAmount.Equal(want) {
		t.Fatalf("total %v, want %v", r.TotalAmount, want)
	}

	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockOnHand != 5 || after.StockReserved != 3 {
		t.Fatalf("counters %v/%v, want 5/3", after.StockOnHand, after.StockReserved)
	}
	if after.Available() != 2 {
		t.Fatalf("available %v, want 2", after.Available())
	}

	// строка аудита RESERVE с положительной дельтой
	adjs, err := store.ListAdjustments(ctx, v.ID)
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	if len(adjs) != 1 || adjs[0].Reason != domain.AdjustmentReserve || adjs[0].QuantityChange != 3 {
		t.Fatalf("unexpected adjustments: %+v", adjs)
	}

	got, err := rs.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].EventType != domain.ReservationPending {
		t.Fatalf("expected single PENDING event, got %+v", got.Events)
	}
}

func TestCreateReservation_InsufficientStock(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 3)

	_, err := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 5}}, 48, "", nil, nil)
	if !IsInsufficientStock(err) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockOnHand != 3 || after.StockReserved != 0 {
		t.Fatalf("counters changed: %v/%v", after.StockOnHand, after.StockReserved)
	}
	adjs, _ := store.ListAdjustments(ctx, v.ID)
	if len(adjs) != 0 {
		t.Fatalf("expected no adjustments, got %+v", adjs)
	}
}

func TestCreateReservation_MultiItemRollback(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v1 := newVariant(t, ps, "SKU1", "10", 10)
	v2 := newVariant(t, ps, "SKU2", "20", 1)

	// вторая позиция не проходит — удержание первой должно откатиться
	_, err := rs.Create(ctx, cid, []NewItem{
		{VariantID: v1.ID, Quantity: 2},
		{VariantID: v2.ID, Quantity: 5},
	}, 48, "", nil, nil)
	if !IsInsufficientStock(err) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	a1, _ := ps.GetVariant(ctx, v1.ID)
	a2, _ := ps.GetVariant(ctx, v2.ID)
	if a1.StockReserved != 0 || a2.StockReserved != 0 {
		t.Fatalf("reserved not rolled back: %v %v", a1.StockReserved, a2.StockReserved)
	}
	if adjs, _ := store.ListAdjustments(ctx, v1.ID); len(adjs) != 0 {
		t.Fatalf("adjustment survived rollback: %+v", adjs)
	}
	if list, _ := rs.List(ctx, repository.ReservationFilter{}); len(list) != 0 {
		t.Fatalf("reservation survived rollback: %+v", list)
	}
}

func TestCreateReservation_InvalidInput(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)

	cases := []struct {
		name  string
		items []NewItem
		hours int
	}{
		{"no items", nil, 48},
		{"zero quantity", []NewItem{{VariantID: v.ID, Quantity: 0}}, 48},
		{"hours too low", []NewItem{{VariantID: v.ID, Quantity: 1}}, 0},
		{"hours too high", []NewItem{{VariantID: v.ID, Quantity: 1}}, 73},
	}
	for _, tc := range cases {
		if _, err := rs.Create(ctx, cid, tc.items, tc.hours, "", nil, nil); err != ErrInvalidInput {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)

	r, err := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 3}}, 48, "", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r2, _, err := rs.Cancel(ctx, r.ID, domain.ActorCustomer, cid)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r2.Status != domain.ReservationCanceled || r2.CanceledAt == nil {
		t.Fatalf("expected CANCELED with timestamp, got %+v", r2)
	}

	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockOnHand != 5 || after.StockReserved != 0 {
		t.Fatalf("hold not released: %v/%v", after.StockOnHand, after.StockReserved)
	}

	// повторная отмена — конфликт перехода, без побочных эффектов
	_, _, err = rs.Cancel(ctx, r.ID, domain.ActorCustomer, cid)
	if !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	after2, _ := ps.GetVariant(ctx, v.ID)
	if after2.StockReserved != 0 || after2.StockOnHand != 5 {
		t.Fatalf("second cancel touched counters: %v/%v", after2.StockOnHand, after2.StockReserved)
	}

	// журнал: RESERVE +3, затем RELEASE -3
	adjs, _ := store.ListAdjustments(ctx, v.ID)
	if len(adjs) != 2 || adjs[1].Reason != domain.AdjustmentRelease || adjs[1].QuantityChange != -3 {
		t.Fatalf("unexpected adjustments: %+v", adjs)
	}
}

func TestConfirmReservation_DeductsStock(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)

	r, err := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 3}}, 48, "", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r2, _, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationConfirmed, domain.ActorAdmin, "admin-1", true)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r2.Status != domain.ReservationConfirmed || r2.ConfirmedAt == nil {
		t.Fatalf("expected CONFIRMED with timestamp, got %+v", r2)
	}

	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockOnHand != 2 || after.StockReserved != 0 {
		t.Fatalf("counters %v/%v, want 2/0", after.StockOnHand, after.StockReserved)
	}

	adjs, _ := store.ListAdjustments(ctx, v.ID)
	if len(adjs) != 2 || adjs[1].Reason != domain.AdjustmentConfirm || adjs[1].QuantityChange != -3 {
		t.Fatalf("unexpected adjustments: %+v", adjs)
	}

	// терминальный статус не покидается
	if _, _, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationCanceled, domain.ActorAdmin, "admin-1", false); !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestConfirmReservation_WithoutDeduct(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)

	r, _ := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 3}}, 48, "", nil, nil)
	r2, _, err := rs.UpdateStatus(ctx, r.ID, domain.ReservationConfirmed, domain.ActorAdmin, "admin-1", false)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r2.Status != domain.ReservationConfirmed {
		t.Fatalf("expected CONFIRMED, got %v", r2.Status)
	}

	// выдача отложена: удержание остаётся
	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockOnHand != 5 || after.StockReserved != 3 {
		t.Fatalf("counters %v/%v, want 5/3", after.StockOnHand, after.StockReserved)
	}
}

func TestUpdateStatus_RejectsInvalidTarget(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)
	r, _ := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 1}}, 48, "", nil, nil)

	for _, target := range []domain.ReservationStatus{domain.ReservationPending, domain.ReservationExpired, "BOGUS"} {
		if _, _, err := rs.UpdateStatus(ctx, r.ID, target, domain.ActorAdmin, "admin-1", false); err != ErrInvalidInput {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", target, err)
		}
	}
}

func TestExpireOverdue(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, clock := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 10)

	short, err := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 2}}, 1, "", nil, nil)
	if err != nil {
		t.Fatalf("create short: %v", err)
	}
	long, err := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 3}}, 48, "", nil, nil)
	if err != nil {
		t.Fatalf("create long: %v", err)
	}

	clock.Advance(2 * time.Hour)
	n, err := rs.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %v, want 1", n)
	}

	s1, _ := rs.Get(ctx, short.ID)
	if s1.Status != domain.ReservationExpired || s1.ExpiredAt == nil {
		t.Fatalf("short not expired: %+v", s1)
	}
	s2, _ := rs.Get(ctx, long.ID)
	if s2.Status != domain.ReservationPending {
		t.Fatalf("long should stay PENDING, got %v", s2.Status)
	}

	// удержание истёкшего возвращено, второй резерв не тронут
	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockOnHand != 10 || after.StockReserved != 3 {
		t.Fatalf("counters %v/%v, want 10/3", after.StockOnHand, after.StockReserved)
	}

	// событие записано от имени системы
	if last := s1.Events[len(s1.Events)-1]; last.ActorType != domain.ActorSystem || last.EventType != domain.ReservationExpired {
		t.Fatalf("unexpected last event: %+v", last)
	}

	// повторный проход ничего не находит
	n, err = rs.ExpireOverdue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second pass: n=%v err=%v", n, err)
	}
}

func TestExpireOverdue_SkipsCanceled(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, clock := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)

	r, _ := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 2}}, 1, "", nil, nil)
	if _, _, err := rs.Cancel(ctx, r.ID, domain.ActorCustomer, cid); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	clock.Advance(2 * time.Hour)
	n, err := rs.ExpireOverdue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to expire, n=%v err=%v", n, err)
	}
	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockReserved != 0 {
		t.Fatalf("reserved %v, want 0", after.StockReserved)
	}
}

func TestConcurrentCreate_NoOversell(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 10)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 1}}, 48, "", nil, nil)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsInsufficientStock(err):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 10 {
		t.Fatalf("succeeded %v, want exactly 10", ok)
	}
	after, _ := ps.GetVariant(ctx, v.ID)
	if after.StockReserved != 10 || after.StockOnHand != 10 {
		t.Fatalf("counters %v/%v, want 10/10", after.StockOnHand, after.StockReserved)
	}
}

func TestReservation_GetByCode(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v := newVariant(t, ps, "SKU1", "10", 5)

	r, _ := rs.Create(ctx, cid, []NewItem{{VariantID: v.ID, Quantity: 1}}, 48, "", nil, nil)
	got, err := rs.GetByCode(ctx, r.Code)
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != r.ID {
		t.Fatalf("got %v, want %v", got.ID, r.ID)
	}
	if _, err := rs.GetByCode(ctx, "RSV-XXXXXX"); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestReservationReports(t *testing.T) {
	ctx := context.Background()
	rs, ps, store, _ := setupRes(t)
	cid := newCustomer(t, store)
	v1 := newVariant(t, ps, "SKU1", "10", 10)
	v2 := newVariant(t, ps, "SKU2", "20", 10)

	r1, _ := rs.Create(ctx, cid, []NewItem{{VariantID: v1.ID, Quantity: 2}}, 48, "", nil, nil)
	rs.Create(ctx, cid, []NewItem{{VariantID: v1.ID, Quantity: 1}, {VariantID: v2.ID, Quantity: 4}}, 48, "", nil, nil)
	rs.Cancel(ctx, r1.ID, domain.ActorCustomer, cid)

	statuses, err := rs.StatusReport(ctx)
	if err != nil {
		t.Fatalf("status report: %v", err)
	}
	if statuses[domain.ReservationPending] != 1 || statuses[domain.ReservationCanceled] != 1 {
		t.Fatalf("unexpected report: %+v", statuses)
	}

	demand, err := rs.DemandReport(ctx)
	if err != nil {
		t.Fatalf("demand report: %v", err)
	}
	byVariant := map[string]int64{}
	for _, d := range demand {
		byVariant[d.VariantID] = d.Quantity
	}
	if byVariant[v1.ID] != 1 || byVariant[v2.ID] != 4 {
		t.Fatalf("unexpected demand: %+v", byVariant)
	}
}
