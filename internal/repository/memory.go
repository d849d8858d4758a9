package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/internal/domain"
)

// MemoryStore объединённое in-memory хранилище всех сущностей
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	variants     map[string]domain.ProductVariant
	customers    map[string]domain.Customer
	reservations map[string]domain.Reservation
	events       map[string][]domain.ReservationEvent
	adjustments  []domain.InventoryAdjustment
	admins       map[string]domain.AdminUser
	tokens       map[string]domain.AuthToken
	otps         map[string]domain.OTPCode
	undo         *txUndo // не nil только внутри открытой транзакции
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[string]domain.Product),
		variants:     make(map[string]domain.ProductVariant),
		customers:    make(map[string]domain.Customer),
		reservations: make(map[string]domain.Reservation),
		events:       make(map[string][]domain.ReservationEvent),
		admins:       make(map[string]domain.AdminUser),
		tokens:       make(map[string]domain.AuthToken),
		otps:         make(map[string]domain.OTPCode),
	}
}

// transaction-aware locking helpers
type txKey struct{}

func isTx(ctx context.Context) bool {
	v := ctx.Value(txKey{})
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (m *MemoryStore) rlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RLock()
	}
}
func (m *MemoryStore) runlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RUnlock()
	}
}
func (m *MemoryStore) wlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Lock()
	}
}
func (m *MemoryStore) wunlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Unlock()
	}
}

func newID() string { return uuid.New().String() }

// Ensure interfaces
var (
	_ ProductRepository    = (*MemoryStore)(nil)
	_ VariantRepository    = (*MemoryStore)(nil)
	_ CustomerRepository   = (*MemoryStore)(nil)
	_ AdjustmentRepository = (*MemoryStore)(nil)
	_ AdminRepository      = (*MemoryStore)(nil)
	_ TokenRepository      = (*MemoryStore)(nil)
	_ OTPRepository        = (*MemoryStore)(nil)
)

// ReservationRepository реализован отдельным типом MemoryReservations

// ProductRepository implementation
func (m *MemoryStore) CreateProduct(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.touchProducts()
	m.touchVariants()
	for i := range p.Variants {
		v := &p.Variants[i]
		if v.ID == "" {
			v.ID = newID()
		}
		v.ProductID = p.ID
		m.variants[v.ID] = *v
	}
	cp := *p
	cp.Variants = nil
	m.products[p.ID] = cp
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	cp.Variants = m.variantsOf(id)
	return &cp, nil
}

func (m *MemoryStore) UpdateProduct(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.products[p.ID]; !ok {
		return ErrNotFound
	}
	m.touchProducts()
	cp := *p
	cp.Variants = nil
	m.products[p.ID] = cp
	return nil
}

func (m *MemoryStore) ListProducts(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.Product, 0)
	for _, p := range m.products {
		if f.ActiveOnly && !p.IsActive {
			continue
		}
		if !containsIgnoreCase(p.Name, f.NameSubstring) {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.GarmentType != "" && p.GarmentType != f.GarmentType {
			continue
		}
		cp := p
		for _, v := range m.variantsOf(p.ID) {
			if f.Size != "" && v.Size != f.Size {
				continue
			}
			if f.Color != "" && v.Color != f.Color {
				continue
			}
			cp.Variants = append(cp.Variants, v)
		}
		// фильтр по SKU-атрибутам отбрасывает товары без подходящих вариантов
		if (f.Size != "" || f.Color != "") && len(cp.Variants) == 0 {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// variantsOf собирает SKU товара, вызывается под блокировкой
func (m *MemoryStore) variantsOf(productID string) []domain.ProductVariant {
	var vs []domain.ProductVariant
	for _, v := range m.variants {
		if v.ProductID == productID {
			vs = append(vs, v)
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].SKU < vs[j].SKU })
	return vs
}

// VariantRepository implementation
func (m *MemoryStore) CreateVariant(ctx context.Context, v *domain.ProductVariant) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.products[v.ProductID]; !ok {
		return ErrNotFound
	}
	if v.ID == "" {
		v.ID = newID()
	}
	m.touchVariants()
	m.variants[v.ID] = *v
	return nil
}

func (m *MemoryStore) GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	v, ok := m.variants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := v
	return &cp, nil
}

func (m *MemoryStore) UpdateVariant(ctx context.Context, v *domain.ProductVariant) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.variants[v.ID]; !ok {
		return ErrNotFound
	}
	m.touchVariants()
	m.variants[v.ID] = *v
	return nil
}

// CustomerRepository implementation
func (m *MemoryStore) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.touchCustomers()
	m.customers[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (m *MemoryStore) UpdateCustomer(ctx context.Context, c *domain.Customer) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.customers[c.ID]; !ok {
		return ErrNotFound
	}
	m.touchCustomers()
	m.customers[c.ID] = *c
	return nil
}

func (m *MemoryStore) FindCustomerByContact(ctx context.Context, target string) (*domain.Customer, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	for _, c := range m.customers {
		if (c.Email != "" && c.Email == target) || (c.Phone != "" && c.Phone == target) {
			cp := c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// AdjustmentRepository implementation
func (m *MemoryStore) CreateAdjustment(ctx context.Context, a *domain.InventoryAdjustment) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.adjustments = append(m.adjustments, *a)
	return nil
}

func (m *MemoryStore) ListAdjustments(ctx context.Context, variantID string) ([]domain.InventoryAdjustment, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.InventoryAdjustment, 0)
	for _, a := range m.adjustments {
		if variantID == "" || a.VariantID == variantID {
			out = append(out, a)
		}
	}
	return out, nil
}

// AdminRepository implementation
func (m *MemoryStore) CreateAdmin(ctx context.Context, a *domain.AdminUser) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if a.ID == "" {
		a.ID = newID()
	}
	m.touchAdmins()
	m.admins[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAdmin(ctx context.Context, id string) (*domain.AdminUser, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	a, ok := m.admins[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (m *MemoryStore) GetAdminByEmail(ctx context.Context, email string) (*domain.AdminUser, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	for _, a := range m.admins {
		if a.Email == email {
			cp := a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateAdmin(ctx context.Context, a *domain.AdminUser) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.admins[a.ID]; !ok {
		return ErrNotFound
	}
	m.touchAdmins()
	m.admins[a.ID] = *a
	return nil
}

// TokenRepository implementation
func (m *MemoryStore) SaveToken(ctx context.Context, t *domain.AuthToken) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	m.touchTokens()
	m.tokens[t.Token] = *t
	return nil
}

func (m *MemoryStore) GetToken(ctx context.Context, token string) (*domain.AuthToken, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) DeleteToken(ctx context.Context, token string) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if _, ok := m.tokens[token]; !ok {
		return ErrNotFound
	}
	m.touchTokens()
	delete(m.tokens, token)
	return nil
}

func (m *MemoryStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	m.touchTokens()
	var n int64
	for k, t := range m.tokens {
		if !t.ExpiresAt.After(now) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

// OTPRepository implementation
func (m *MemoryStore) CreateOTP(ctx context.Context, o *domain.OTPCode) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if o.ID == "" {
		o.ID = newID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.touchOTPs()
	m.otps[o.ID] = *o
	return nil
}

func (m *MemoryStore) FindActiveOTP(ctx context.Context, target, code string, now time.Time) (*domain.OTPCode, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	var best *domain.OTPCode
	for _, o := range m.otps {
		if o.Target != target || o.Code != code || o.ConsumedAt != nil || !o.ExpiresAt.After(now) {
			continue
		}
		cp := o
		if best == nil || cp.CreatedAt.After(best.CreatedAt) {
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) ConsumeOTP(ctx context.Context, id string, at time.Time) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	o, ok := m.otps[id]
	if !ok {
		return ErrNotFound
	}
	m.touchOTPs()
	o.ConsumedAt = &at
	m.otps[id] = o
	return nil
}

// ReservationRepository implementation on wrapper type
type MemoryReservations struct{ store *MemoryStore }

func NewMemoryReservations(store *MemoryStore) *MemoryReservations {
	return &MemoryReservations{store: store}
}

var _ ReservationRepository = (*MemoryReservations)(nil)

func copyReservation(r domain.Reservation) domain.Reservation {
	cp := r
	cp.Items = append([]domain.ReservationItem(nil), r.Items...)
	cp.Events = nil
	return cp
}

func (mr *MemoryReservations) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	mr.store.wlock(ctx)
	defer mr.store.wunlock(ctx)
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	for i := range r.Items {
		it := &r.Items[i]
		if it.ID == "" {
			it.ID = newID()
		}
		it.ReservationID = r.ID
	}
	mr.store.touchReservations()
	mr.store.reservations[r.ID] = copyReservation(*r)
	return nil
}

func (mr *MemoryReservations) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	r, ok := mr.store.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyReservation(r)
	return &cp, nil
}

func (mr *MemoryReservations) GetReservationByCode(ctx context.Context, code string) (*domain.Reservation, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	for _, r := range mr.store.reservations {
		if r.Code == code {
			cp := copyReservation(r)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (mr *MemoryReservations) UpdateReservation(ctx context.Context, r *domain.Reservation) error {
	mr.store.wlock(ctx)
	defer mr.store.wunlock(ctx)
	if _, ok := mr.store.reservations[r.ID]; !ok {
		return ErrNotFound
	}
	mr.store.touchReservations()
	mr.store.reservations[r.ID] = copyReservation(*r)
	return nil
}

func (mr *MemoryReservations) ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	out := make([]domain.Reservation, 0)
	for _, r := range mr.store.reservations {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
			continue
		}
		if f.CreatedTo != nil && r.CreatedAt.After(*f.CreatedTo) {
			continue
		}
		if f.Contact != "" {
			c, ok := mr.store.customers[r.CustomerID]
			if !ok || (!containsIgnoreCase(c.Email, f.Contact) && !containsIgnoreCase(c.Phone, f.Contact)) {
				continue
			}
		}
		out = append(out, copyReservation(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (mr *MemoryReservations) ListByCustomer(ctx context.Context, customerID string) ([]domain.Reservation, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	out := make([]domain.Reservation, 0)
	for _, r := range mr.store.reservations {
		if r.CustomerID == customerID {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (mr *MemoryReservations) ListOverdue(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	out := make([]domain.Reservation, 0)
	for _, r := range mr.store.reservations {
		if r.Status == domain.ReservationPending && !r.ExpiresAt.After(now) {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (mr *MemoryReservations) AppendEvent(ctx context.Context, e *domain.ReservationEvent) error {
	mr.store.wlock(ctx)
	defer mr.store.wunlock(ctx)
	if _, ok := mr.store.reservations[e.ReservationID]; !ok {
		return ErrNotFound
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	mr.store.touchEvents(e.ReservationID)
	mr.store.events[e.ReservationID] = append(mr.store.events[e.ReservationID], *e)
	return nil
}

func (mr *MemoryReservations) ListEvents(ctx context.Context, reservationID string) ([]domain.ReservationEvent, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	evs := mr.store.events[reservationID]
	return append([]domain.ReservationEvent(nil), evs...), nil
}

func (mr *MemoryReservations) CountByStatus(ctx context.Context) (map[domain.ReservationStatus]int64, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	out := make(map[domain.ReservationStatus]int64)
	for _, r := range mr.store.reservations {
		out[r.Status]++
	}
	return out, nil
}

func (mr *MemoryReservations) DemandByVariant(ctx context.Context) ([]VariantDemand, error) {
	mr.store.rlock(ctx)
	defer mr.store.runlock(ctx)
	sums := make(map[string]int64)
	for _, r := range mr.store.reservations {
		if r.Status != domain.ReservationPending {
			continue
		}
		for _, it := range r.Items {
			sums[it.VariantID] += it.Quantity
		}
	}
	out := make([]VariantDemand, 0, len(sums))
	for id, q := range sums {
		out = append(out, VariantDemand{VariantID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quantity > out[j].Quantity })
	return out, nil
}

// txUndo копии таблиц на момент первого изменения внутри транзакции.
// Заполняется лениво: единица работы платит только за таблицы, которые
// трогает. adjustments append-only, для отката достаточно исходной длины
type txUndo struct {
	products     map[string]domain.Product
	variants     map[string]domain.ProductVariant
	customers    map[string]domain.Customer
	reservations map[string]domain.Reservation
	events       map[string][]domain.ReservationEvent
	admins       map[string]domain.AdminUser
	tokens       map[string]domain.AuthToken
	otps         map[string]domain.OTPCode
	adjLen       int
}

// touch-хелперы вызываются мутаторами перед первой записью в таблицу;
// вне транзакции undo == nil и копирования нет
func (m *MemoryStore) touchProducts() {
	if m.undo != nil && m.undo.products == nil {
		m.undo.products = maps.Clone(m.products)
	}
}
func (m *MemoryStore) touchVariants() {
	if m.undo != nil && m.undo.variants == nil {
		m.undo.variants = maps.Clone(m.variants)
	}
}
func (m *MemoryStore) touchCustomers() {
	if m.undo != nil && m.undo.customers == nil {
		m.undo.customers = maps.Clone(m.customers)
	}
}
func (m *MemoryStore) touchReservations() {
	if m.undo != nil && m.undo.reservations == nil {
		m.undo.reservations = maps.Clone(m.reservations)
	}
}
func (m *MemoryStore) touchAdmins() {
	if m.undo != nil && m.undo.admins == nil {
		m.undo.admins = maps.Clone(m.admins)
	}
}
func (m *MemoryStore) touchTokens() {
	if m.undo != nil && m.undo.tokens == nil {
		m.undo.tokens = maps.Clone(m.tokens)
	}
}
func (m *MemoryStore) touchOTPs() {
	if m.undo != nil && m.undo.otps == nil {
		m.undo.otps = maps.Clone(m.otps)
	}
}

// touchEvents сохраняет исходный слайс ключа: append кладёт элементы за
// пределами его длины, так что заголовок снимка остаётся валидным
func (m *MemoryStore) touchEvents(reservationID string) {
	if m.undo == nil {
		return
	}
	if m.undo.events == nil {
		m.undo.events = make(map[string][]domain.ReservationEvent)
	}
	if _, saved := m.undo.events[reservationID]; !saved {
		m.undo.events[reservationID] = m.events[reservationID]
	}
}

// restore откатывает затронутые таблицы, вызывается под блокировкой записи
func (m *MemoryStore) restore() {
	u := m.undo
	if u.products != nil {
		m.products = u.products
	}
	if u.variants != nil {
		m.variants = u.variants
	}
	if u.customers != nil {
		m.customers = u.customers
	}
	if u.reservations != nil {
		m.reservations = u.reservations
	}
	if u.admins != nil {
		m.admins = u.admins
	}
	if u.tokens != nil {
		m.tokens = u.tokens
	}
	if u.otps != nil {
		m.otps = u.otps
	}
	for k, evs := range u.events {
		if evs == nil {
			delete(m.events, k)
		} else {
			m.events[k] = evs
		}
	}
	m.adjustments = m.adjustments[:u.adjLen]
}

// Tx manager using write lock to emulate transaction boundary
type MemoryTx struct{ store *MemoryStore }

func NewMemoryTx(store *MemoryStore) *MemoryTx { return &MemoryTx{store: store} }

var _ TxManager = (*MemoryTx)(nil)

// WithTransaction держит блокировку записи на всю единицу работы и
// откатывает состояние при ошибке: частичное применение (часть позиций
// зарезервирована, часть нет) снаружи не наблюдаемо
func (tx *MemoryTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// Для in-memory используем блокировку записи и помечаем контекст, чтобы репозитории пропускали внутренние локи
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.undo = &txUndo{adjLen: len(tx.store.adjustments)}
	defer func() { tx.store.undo = nil }()
	ctx = context.WithValue(ctx, txKey{}, true)
	if err := fn(ctx); err != nil {
		tx.store.restore()
		return err
	}
	return nil
}
