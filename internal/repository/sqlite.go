package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"atelier/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	garment_type TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS product_variants (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	sku TEXT NOT NULL,
	size TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	price TEXT NOT NULL,
	stock_on_hand INTEGER NOT NULL CHECK (stock_on_hand >= 0),
	stock_reserved INTEGER NOT NULL CHECK (stock_reserved >= 0)
);
CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	is_verified INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL REFERENCES customers(id),
	status TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	utm_source TEXT NOT NULL DEFAULT '',
	utm_medium TEXT NOT NULL DEFAULT '',
	utm_campaign TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	confirmed_at TIMESTAMP,
	canceled_at TIMESTAMP,
	expired_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations(status, expires_at);
CREATE TABLE IF NOT EXISTS reservation_items (
	id TEXT PRIMARY KEY,
	reservation_id TEXT NOT NULL REFERENCES reservations(id),
	variant_id TEXT NOT NULL REFERENCES product_variants(id),
	quantity INTEGER NOT NULL CHECK (quantity >= 1),
	unit_price TEXT NOT NULL,
	subtotal TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reservation_events (
	id TEXT PRIMARY KEY,
	reservation_id TEXT NOT NULL REFERENCES reservations(id),
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS inventory_adjustments (
	id TEXT PRIMARY KEY,
	variant_id TEXT NOT NULL REFERENCES product_variants(id),
	reservation_id TEXT NOT NULL DEFAULT '',
	admin_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	quantity_change INTEGER NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS admin_users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	last_login_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS auth_tokens (
	token TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS otp_codes (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	code TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	consumed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
`

// SQLiteStore персистентное хранилище поверх sqlite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore открывает базу и применяет схему. DSN должен включать
// _txlock=immediate, чтобы транзакции сразу брали блокировку записи
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DefaultSQLiteDSN собирает DSN с нужными прагмами для файла базы
func DefaultSQLiteDSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteTxKey struct{}

// querier объединяет *sql.DB и *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// mapSQLiteErr переводит ошибки драйвера в ошибки репозитория.
// Busy/locked — временный конфликт, операцию можно повторить целиком
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func decFrom(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Ensure interfaces
var (
	_ ProductRepository    = (*SQLiteStore)(nil)
	_ VariantRepository    = (*SQLiteStore)(nil)
	_ CustomerRepository   = (*SQLiteStore)(nil)
	_ AdjustmentRepository = (*SQLiteStore)(nil)
	_ AdminRepository      = (*SQLiteStore)(nil)
	_ TokenRepository      = (*SQLiteStore)(nil)
	_ OTPRepository        = (*SQLiteStore)(nil)
)

// ProductRepository implementation
func (s *SQLiteStore) CreateProduct(ctx context.Context, p *domain.Product) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO products (id, name, description, category, garment_type, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Category, p.GarmentType, p.IsActive, p.CreatedAt)
	if err != nil {
		return mapSQLiteErr(err)
	}
	for i := range p.Variants {
		v := &p.Variants[i]
		v.ProductID = p.ID
		if err := s.CreateVariant(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, description, category, garment_type, is_active, created_at FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.GarmentType, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	vs, err := s.variantsOf(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Variants = vs
	return &p, nil
}

func (s *SQLiteStore) UpdateProduct(ctx context.Context, p *domain.Product) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE products SET name = ?, description = ?, category = ?, garment_type = ?, is_active = ? WHERE id = ?`,
		p.Name, p.Description, p.Category, p.GarmentType, p.IsActive, p.ID)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	query := `SELECT id, name, description, category, garment_type, is_active, created_at FROM products WHERE 1=1`
	args := []any{}
	if f.ActiveOnly {
		query += ` AND is_active = 1`
	}
	if f.NameSubstring != "" {
		query += ` AND name LIKE ? COLLATE NOCASE`
		args = append(args, "%"+f.NameSubstring+"%")
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.GarmentType != "" {
		query += ` AND garment_type = ?`
		args = append(args, f.GarmentType)
	}
	query += ` ORDER BY name`
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.GarmentType, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	filtered := out[:0]
	for i := range out {
		vs, err := s.variantsOf(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			if f.Size != "" && v.Size != f.Size {
				continue
			}
			if f.Color != "" && v.Color != f.Color {
				continue
			}
			out[i].Variants = append(out[i].Variants, v)
		}
		// фильтр по SKU-атрибутам отбрасывает товары без подходящих вариантов
		if (f.Size != "" || f.Color != "") && len(out[i].Variants) == 0 {
			continue
		}
		filtered = append(filtered, out[i])
	}
	return filtered, nil
}

func (s *SQLiteStore) variantsOf(ctx context.Context, productID string) ([]domain.ProductVariant, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, product_id, sku, size, color, price, stock_on_hand, stock_reserved FROM product_variants WHERE product_id = ? ORDER BY sku`,
		productID)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	var vs []domain.ProductVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		vs = append(vs, *v)
	}
	return vs, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanVariant(r rowScanner) (*domain.ProductVariant, error) {
	var v domain.ProductVariant
	var price string
	if err := r.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Size, &v.Color, &price, &v.StockOnHand, &v.StockReserved); err != nil {
		return nil, mapSQLiteErr(err)
	}
	v.Price = decFrom(price)
	return &v, nil
}

// VariantRepository implementation
func (s *SQLiteStore) CreateVariant(ctx context.Context, v *domain.ProductVariant) error {
	if v.ID == "" {
		v.ID = newID()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO product_variants (id, product_id, sku, size, color, price, stock_on_hand, stock_reserved) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ProductID, v.SKU, v.Size, v.Color, v.Price.String(), v.StockOnHand, v.StockReserved)
	return mapSQLiteErr(err)
}

func (s *SQLiteStore) GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, product_id, sku, size, color, price, stock_on_hand, stock_reserved FROM product_variants WHERE id = ?`, id)
	return scanVariant(row)
}

func (s *SQLiteStore) UpdateVariant(ctx context.Context, v *domain.ProductVariant) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE product_variants SET sku = ?, size = ?, color = ?, price = ?, stock_on_hand = ?, stock_reserved = ? WHERE id = ?`,
		v.SKU, v.Size, v.Color, v.Price.String(), v.StockOnHand, v.StockReserved, v.ID)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CustomerRepository implementation
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO customers (id, name, email, phone, is_verified, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Email, c.Phone, c.IsVerified, c.CreatedAt)
	return mapSQLiteErr(err)
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, email, phone, is_verified, created_at FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.IsVerified, &c.CreatedAt)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateCustomer(ctx context.Context, c *domain.Customer) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE customers SET name = ?, email = ?, phone = ?, is_verified = ? WHERE id = ?`,
		c.Name, c.Email, c.Phone, c.IsVerified, c.ID)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FindCustomerByContact(ctx context.Context, target string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, email, phone, is_verified, created_at FROM customers WHERE (email != '' AND email = ?) OR (phone != '' AND phone = ?)`,
		target, target).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.IsVerified, &c.CreatedAt)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return &c, nil
}

// AdjustmentRepository implementation
func (s *SQLiteStore) CreateAdjustment(ctx context.Context, a *domain.InventoryAdjustment) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO inventory_adjustments (id, variant_id, reservation_id, admin_id, reason, quantity_change, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.VariantID, a.ReservationID, a.AdminID, string(a.Reason), a.QuantityChange, a.Notes, a.CreatedAt)
	return mapSQLiteErr(err)
}

func (s *SQLiteStore) ListAdjustments(ctx context.Context, variantID string) ([]domain.InventoryAdjustment, error) {
	query := `SELECT id, variant_id, reservation_id, admin_id, reason, quantity_change, notes, created_at FROM inventory_adjustments`
	args := []any{}
	if variantID != "" {
		query += ` WHERE variant_id = ?`
		args = append(args, variantID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := make([]domain.InventoryAdjustment, 0)
	for rows.Next() {
		var a domain.InventoryAdjustment
		var reason string
		if err := rows.Scan(&a.ID, &a.VariantID, &a.ReservationID, &a.AdminID, &reason, &a.QuantityChange, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Reason = domain.AdjustmentReason(reason)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AdminRepository implementation
func (s *SQLiteStore) CreateAdmin(ctx context.Context, a *domain.AdminUser) error {
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO admin_users (id, email, name, password_hash, role, last_login_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.Name, a.PasswordHash, a.Role, nullTime(a.LastLoginAt))
	return mapSQLiteErr(err)
}

func scanAdmin(r rowScanner) (*domain.AdminUser, error) {
	var a domain.AdminUser
	var last sql.NullTime
	if err := r.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Role, &last); err != nil {
		return nil, mapSQLiteErr(err)
	}
	a.LastLoginAt = timePtr(last)
	return &a, nil
}

func (s *SQLiteStore) GetAdmin(ctx context.Context, id string) (*domain.AdminUser, error) {
	return scanAdmin(s.q(ctx).QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, role, last_login_at FROM admin_users WHERE id = ?`, id))
}

func (s *SQLiteStore) GetAdminByEmail(ctx context.Context, email string) (*domain.AdminUser, error) {
	return scanAdmin(s.q(ctx).QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, role, last_login_at FROM admin_users WHERE email = ?`, email))
}

func (s *SQLiteStore) UpdateAdmin(ctx context.Context, a *domain.AdminUser) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE admin_users SET email = ?, name = ?, password_hash = ?, role = ?, last_login_at = ? WHERE id = ?`,
		a.Email, a.Name, a.PasswordHash, a.Role, nullTime(a.LastLoginAt), a.ID)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TokenRepository implementation
func (s *SQLiteStore) SaveToken(ctx context.Context, t *domain.AuthToken) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT OR REPLACE INTO auth_tokens (token, kind, subject_id, issued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		t.Token, string(t.Kind), t.SubjectID, t.IssuedAt, t.ExpiresAt)
	return mapSQLiteErr(err)
}

func (s *SQLiteStore) GetToken(ctx context.Context, token string) (*domain.AuthToken, error) {
	var t domain.AuthToken
	var kind string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT token, kind, subject_id, issued_at, expires_at FROM auth_tokens WHERE token = ?`, token).
		Scan(&t.Token, &kind, &t.SubjectID, &t.IssuedAt, &t.ExpiresAt)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	t.Kind = domain.TokenKind(kind)
	return &t, nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, token string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM auth_tokens WHERE token = ?`, token)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OTPRepository implementation
func (s *SQLiteStore) CreateOTP(ctx context.Context, o *domain.OTPCode) error {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO otp_codes (id, target, code, customer_id, expires_at, consumed_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Target, o.Code, o.CustomerID, o.ExpiresAt, nullTime(o.ConsumedAt), o.CreatedAt)
	return mapSQLiteErr(err)
}

func (s *SQLiteStore) FindActiveOTP(ctx context.Context, target, code string, now time.Time) (*domain.OTPCode, error) {
	var o domain.OTPCode
	var consumed sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, target, code, customer_id, expires_at, consumed_at, created_at FROM otp_codes
		 WHERE target = ? AND code = ? AND consumed_at IS NULL AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		target, code, now).
		Scan(&o.ID, &o.Target, &o.Code, &o.CustomerID, &o.ExpiresAt, &consumed, &o.CreatedAt)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	o.ConsumedAt = timePtr(consumed)
	return &o, nil
}

func (s *SQLiteStore) ConsumeOTP(ctx context.Context, id string, at time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE otp_codes SET consumed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReservationRepository implementation on wrapper type
type SQLiteReservations struct{ store *SQLiteStore }

func NewSQLiteReservations(store *SQLiteStore) *SQLiteReservations {
	return &SQLiteReservations{store: store}
}

var _ ReservationRepository = (*SQLiteReservations)(nil)

const reservationColumns = `id, code, customer_id, status, total_amount, note, source, utm_source, utm_medium, utm_campaign, created_at, expires_at, confirmed_at, canceled_at, expired_at`

func scanReservation(r rowScanner) (*domain.Reservation, error) {
	var res domain.Reservation
	var status, total string
	var confirmed, canceled, expired sql.NullTime
	if err := r.Scan(&res.ID, &res.Code, &res.CustomerID, &status, &total, &res.Note,
		&res.Source, &res.UTMSource, &res.UTMMedium, &res.UTMCampaign,
		&res.CreatedAt, &res.ExpiresAt, &confirmed, &canceled, &expired); err != nil {
		return nil, mapSQLiteErr(err)
	}
	res.Status = domain.ReservationStatus(status)
	res.TotalAmount = decFrom(total)
	res.ConfirmedAt = timePtr(confirmed)
	res.CanceledAt = timePtr(canceled)
	res.ExpiredAt = timePtr(expired)
	return &res, nil
}

func (sr *SQLiteReservations) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := sr.store.q(ctx).ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Code, r.CustomerID, string(r.Status), r.TotalAmount.String(), r.Note,
		r.Source, r.UTMSource, r.UTMMedium, r.UTMCampaign,
		r.CreatedAt, r.ExpiresAt, nullTime(r.ConfirmedAt), nullTime(r.CanceledAt), nullTime(r.ExpiredAt))
	if err != nil {
		return mapSQLiteErr(err)
	}
	for i := range r.Items {
		it := &r.Items[i]
		if it.ID == "" {
			it.ID = newID()
		}
		it.ReservationID = r.ID
		_, err := sr.store.q(ctx).ExecContext(ctx,
			`INSERT INTO reservation_items (id, reservation_id, variant_id, quantity, unit_price, subtotal) VALUES (?, ?, ?, ?, ?, ?)`,
			it.ID, it.ReservationID, it.VariantID, it.Quantity, it.UnitPrice.String(), it.Subtotal.String())
		if err != nil {
			return mapSQLiteErr(err)
		}
	}
	return nil
}

func (sr *SQLiteReservations) itemsOf(ctx context.Context, reservationID string) ([]domain.ReservationItem, error) {
	rows, err := sr.store.q(ctx).QueryContext(ctx,
		`SELECT id, reservation_id, variant_id, quantity, unit_price, subtotal FROM reservation_items WHERE reservation_id = ?`,
		reservationID)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	var items []domain.ReservationItem
	for rows.Next() {
		var it domain.ReservationItem
		var unit, sub string
		if err := rows.Scan(&it.ID, &it.ReservationID, &it.VariantID, &it.Quantity, &unit, &sub); err != nil {
			return nil, err
		}
		it.UnitPrice = decFrom(unit)
		it.Subtotal = decFrom(sub)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (sr *SQLiteReservations) getBy(ctx context.Context, where string, arg any) (*domain.Reservation, error) {
	r, err := scanReservation(sr.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	items, err := sr.itemsOf(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.Items = items
	return r, nil
}

func (sr *SQLiteReservations) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return sr.getBy(ctx, `id = ?`, id)
}

func (sr *SQLiteReservations) GetReservationByCode(ctx context.Context, code string) (*domain.Reservation, error) {
	return sr.getBy(ctx, `code = ?`, code)
}

func (sr *SQLiteReservations) UpdateReservation(ctx context.Context, r *domain.Reservation) error {
	// позиции неизменяемы, обновляется только шапка резерва
	res, err := sr.store.q(ctx).ExecContext(ctx,
		`UPDATE reservations SET status = ?, total_amount = ?, note = ?, confirmed_at = ?, canceled_at = ?, expired_at = ? WHERE id = ?`,
		string(r.Status), r.TotalAmount.String(), r.Note,
		nullTime(r.ConfirmedAt), nullTime(r.CanceledAt), nullTime(r.ExpiredAt), r.ID)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (sr *SQLiteReservations) list(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := sr.store.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := make([]domain.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	for i := range out {
		items, err := sr.itemsOf(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func (sr *SQLiteReservations) ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations r WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.CreatedFrom != nil {
		query += ` AND created_at >= ?`
		args = append(args, *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		query += ` AND created_at <= ?`
		args = append(args, *f.CreatedTo)
	}
	if f.Contact != "" {
		query += ` AND customer_id IN (SELECT id FROM customers WHERE email LIKE ? OR phone LIKE ?)`
		args = append(args, "%"+f.Contact+"%", "%"+f.Contact+"%")
	}
	query += ` ORDER BY created_at DESC`
	return sr.list(ctx, query, args...)
}

func (sr *SQLiteReservations) ListByCustomer(ctx context.Context, customerID string) ([]domain.Reservation, error) {
	return sr.list(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE customer_id = ? ORDER BY created_at DESC`,
		customerID)
}

func (sr *SQLiteReservations) ListOverdue(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	return sr.list(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE status = ? AND expires_at <= ? ORDER BY expires_at`,
		string(domain.ReservationPending), now)
}

func (sr *SQLiteReservations) AppendEvent(ctx context.Context, e *domain.ReservationEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := sr.store.q(ctx).ExecContext(ctx,
		`INSERT INTO reservation_events (id, reservation_id, actor_type, actor_id, event_type, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ReservationID, string(e.ActorType), e.ActorID, string(e.EventType), meta, e.CreatedAt)
	return mapSQLiteErr(err)
}

func (sr *SQLiteReservations) ListEvents(ctx context.Context, reservationID string) ([]domain.ReservationEvent, error) {
	rows, err := sr.store.q(ctx).QueryContext(ctx,
		`SELECT id, reservation_id, actor_type, actor_id, event_type, metadata, created_at FROM reservation_events WHERE reservation_id = ? ORDER BY created_at`,
		reservationID)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := make([]domain.ReservationEvent, 0)
	for rows.Next() {
		var e domain.ReservationEvent
		var actor, event, meta string
		if err := rows.Scan(&e.ID, &e.ReservationID, &actor, &e.ActorID, &event, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorType = domain.ActorType(actor)
		e.EventType = domain.ReservationStatus(event)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (sr *SQLiteReservations) CountByStatus(ctx context.Context) (map[domain.ReservationStatus]int64, error) {
	rows, err := sr.store.q(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM reservations GROUP BY status`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := make(map[domain.ReservationStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.ReservationStatus(status)] = n
	}
	return out, rows.Err()
}

func (sr *SQLiteReservations) DemandByVariant(ctx context.Context) ([]VariantDemand, error) {
	rows, err := sr.store.q(ctx).QueryContext(ctx,
		`SELECT i.variant_id, SUM(i.quantity)
		 FROM reservation_items i
		 JOIN reservations r ON r.id = i.reservation_id
		 WHERE r.status = 'PENDING'
		 GROUP BY i.variant_id ORDER BY SUM(i.quantity) DESC`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := make([]VariantDemand, 0)
	for rows.Next() {
		var d VariantDemand
		if err := rows.Scan(&d.VariantID, &d.Quantity); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Tx manager over sqlite transactions. DSN прагма _txlock=immediate
// заставляет транзакцию сразу взять блокировку записи: один писатель
// на всю единицу работы
type SQLiteTx struct{ store *SQLiteStore }

func NewSQLiteTx(store *SQLiteStore) *SQLiteTx { return &SQLiteTx{store: store} }

var _ TxManager = (*SQLiteTx)(nil)

func (t *SQLiteTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		// вложенная единица работы выполняется в уже открытой транзакции
		return fn(ctx)
	}
	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	ctx = context.WithValue(ctx, sqliteTxKey{}, tx)
	if err := fn(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}
