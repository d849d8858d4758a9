package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product представляет модель одежды в каталоге
type Product struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	GarmentType string           `json:"garment_type,omitempty"`
	IsActive    bool             `json:"is_active"`
	Variants    []ProductVariant `json:"variants,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ProductVariant конкретный SKU (размер/цвет) с учётом остатков.
// StockOnHand и StockReserved меняются только через леджер —
// инвариант: 0 <= StockReserved <= StockOnHand после каждой транзакции.
type ProductVariant struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	SKU           string          `json:"sku"`
	Size          string          `json:"size"`
	Color         string          `json:"color"`
	Price         decimal.Decimal `json:"price"`
	StockOnHand   int64           `json:"stock_on_hand"`
	StockReserved int64           `json:"stock_reserved"`
}

// Available сколько единиц доступно под новые резервы
func (v ProductVariant) Available() int64 {
	return v.StockOnHand - v.StockReserved
}

// Customer покупатель, идентифицируется по email или телефону
type Customer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReservationStatus статус резерва. Конечный автомат:
// PENDING -> CONFIRMED | CANCELED | EXPIRED, терминальные состояния не покидаются
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCanceled  ReservationStatus = "CANCELED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal признак терминального статуса
func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationCanceled || s == ReservationExpired
}

// ActorType кто выполнил действие над резервом
type ActorType string

const (
	ActorCustomer ActorType = "CUSTOMER"
	ActorAdmin    ActorType = "ADMIN"
	ActorSystem   ActorType = "SYSTEM"
)

// Reservation временная бронь покупателя на один или несколько SKU
type Reservation struct {
	ID          string             `json:"id"`
	Code        string             `json:"code"`
	CustomerID  string             `json:"customer_id"`
	Status      ReservationStatus  `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Note        string             `json:"note,omitempty"`
	Source      string             `json:"source,omitempty"`
	UTMSource   string             `json:"utm_source,omitempty"`
	UTMMedium   string             `json:"utm_medium,omitempty"`
	UTMCampaign string             `json:"utm_campaign,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	ConfirmedAt *time.Time         `json:"confirmed_at,omitempty"`
	CanceledAt  *time.Time         `json:"canceled_at,omitempty"`
	ExpiredAt   *time.Time         `json:"expired_at,omitempty"`
	Items       []ReservationItem  `json:"items,omitempty"`
	Events      []ReservationEvent `json:"events,omitempty"`
}

// ReservationItem позиция резерва, неизменяема после создания.
// UnitPrice — снимок цены на момент создания
type ReservationItem struct {
	ID            string          `json:"id"`
	ReservationID string          `json:"reservation_id"`
	VariantID     string          `json:"variant_id"`
	Quantity      int64           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

// ReservationEvent запись аудита переходов резерва, append-only
type ReservationEvent struct {
	ID            string            `json:"id"`
	ReservationID string            `json:"reservation_id"`
	ActorType     ActorType         `json:"actor_type"`
	ActorID       string            `json:"actor_id,omitempty"`
	EventType     ReservationStatus `json:"event_type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// AdjustmentReason причина изменения складских счётчиков
type AdjustmentReason string

const (
	AdjustmentManual  AdjustmentReason = "MANUAL"
	AdjustmentReserve AdjustmentReason = "RESERVE"
	AdjustmentRelease AdjustmentReason = "RELEASE"
	AdjustmentConfirm AdjustmentReason = "CONFIRM"
	AdjustmentExpire  AdjustmentReason = "EXPIRE"
)

// InventoryAdjustment запись аудита изменения остатков, append-only.
// QuantityChange — подписанная дельта затронутого счётчика:
// для RESERVE/RELEASE/EXPIRE это StockReserved, для CONFIRM — оба счётчика,
// для MANUAL — StockOnHand
type InventoryAdjustment struct {
	ID             string           `json:"id"`
	VariantID      string           `json:"variant_id"`
	ReservationID  string           `json:"reservation_id,omitempty"`
	AdminID        string           `json:"admin_id,omitempty"`
	Reason         AdjustmentReason `json:"reason"`
	QuantityChange int64            `json:"quantity_change"`
	Notes          string           `json:"notes,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AdminUser администратор магазина
type AdminUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// TokenKind тип выданного токена
type TokenKind string

const (
	TokenCustomer     TokenKind = "CUSTOMER"
	TokenAdmin        TokenKind = "ADMIN"
	TokenAdminRefresh TokenKind = "ADMIN_REFRESH"
)

// AuthToken выданный токен сессии. Хранится персистентно и истекает по TTL
type AuthToken struct {
	Token     string    `json:"token"`
	Kind      TokenKind `json:"kind"`
	SubjectID string    `json:"subject_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OTPCode одноразовый код входа покупателя
type OTPCode struct {
	ID         string     `json:"id"`
	Target     string     `json:"target"`
	Code       string     `json:"code"`
	CustomerID string     `json:"customer_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
