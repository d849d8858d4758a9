package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"atelier/internal/domain"
)

// ErrNotFound возвращается, когда сущность не найдена
var ErrNotFound = errors.New("not found")

// ErrTransient возвращается при конфликте блокировок хранилища.
// Операцию безопасно повторить целиком; внутри ядра повтор не выполняется
var ErrTransient = errors.New("transient store error")

// ProductFilter параметры фильтрации каталога
type ProductFilter struct {
	NameSubstring string
	Category      string
	GarmentType   string
	Size          string
	Color         string
	ActiveOnly    bool
}

// ReservationFilter параметры выборки резервов для админки
type ReservationFilter struct {
	Status      domain.ReservationStatus
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Contact     string
}

// ProductRepository интерфейс репозитория каталога
type ProductRepository interface {
	CreateProduct(ctx context.Context, p *domain.Product) error
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, p *domain.Product) error
	ListProducts(ctx context.Context, f ProductFilter) ([]domain.Product, error)
}

// VariantRepository интерфейс репозитория SKU
type VariantRepository interface {
	CreateVariant(ctx context.Context, v *domain.ProductVariant) error
	GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error)
	UpdateVariant(ctx context.Context, v *domain.ProductVariant) error
}

// ReservationRepository интерфейс репозитория резервов.
// Create сохраняет резерв вместе с позициями; Get* возвращают резерв с позициями
type ReservationRepository interface {
	CreateReservation(ctx context.Context, r *domain.Reservation) error
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	GetReservationByCode(ctx context.Context, code string) (*domain.Reservation, error)
	UpdateReservation(ctx context.Context, r *domain.Reservation) error
	ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Reservation, error)
	ListOverdue(ctx context.Context, now time.Time) ([]domain.Reservation, error)
	AppendEvent(ctx context.Context, e *domain.ReservationEvent) error
	ListEvents(ctx context.Context, reservationID string) ([]domain.ReservationEvent, error)
	CountByStatus(ctx context.Context) (map[domain.ReservationStatus]int64, error)
	DemandByVariant(ctx context.Context) ([]VariantDemand, error)
}

// VariantDemand суммарный заказанный объём по SKU
type VariantDemand struct {
	VariantID string `json:"variant_id"`
	Quantity  int64  `json:"quantity"`
}

// AdjustmentRepository журнал изменений остатков, только добавление
type AdjustmentRepository interface {
	CreateAdjustment(ctx context.Context, a *domain.InventoryAdjustment) error
	ListAdjustments(ctx context.Context, variantID string) ([]domain.InventoryAdjustment, error)
}

// CustomerRepository интерфейс репозитория покупателей
type CustomerRepository interface {
	CreateCustomer(ctx context.Context, c *domain.Customer) error
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, c *domain.Customer) error
	FindCustomerByContact(ctx context.Context, target string) (*domain.Customer, error)
}

// AdminRepository интерфейс репозитория администраторов
type AdminRepository interface {
	CreateAdmin(ctx context.Context, a *domain.AdminUser) error
	GetAdmin(ctx context.Context, id string) (*domain.AdminUser, error)
	GetAdminByEmail(ctx context.Context, email string) (*domain.AdminUser, error)
	UpdateAdmin(ctx context.Context, a *domain.AdminUser) error
}

// TokenRepository персистентное хранилище токенов сессий с истечением
type TokenRepository interface {
	SaveToken(ctx context.Context, t *domain.AuthToken) error
	GetToken(ctx context.Context, token string) (*domain.AuthToken, error)
	DeleteToken(ctx context.Context, token string) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// OTPRepository хранилище одноразовых кодов
type OTPRepository interface {
	CreateOTP(ctx context.Context, o *domain.OTPCode) error
	FindActiveOTP(ctx context.Context, target, code string, now time.Time) (*domain.OTPCode, error)
	ConsumeOTP(ctx context.Context, id string, at time.Time) error
}

// TxManager абстракция транзакции. Для in-memory — глобальная блокировка записи,
// для sqlite — немедленная (write) транзакция на всю единицу работы
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// helper: case-insensitive contains
func containsIgnoreCase(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
