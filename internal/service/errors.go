package service

import (
	"errors"
	"fmt"

	"atelier/internal/domain"
)

var (
	// ErrInvalidInput некорректный запрос: пустой список позиций,
	// неположительное количество, срок резерва вне допустимого окна
	ErrInvalidInput = errors.New("invalid input")
	// ErrVariantNotFound SKU из запроса не существует
	ErrVariantNotFound = errors.New("variant not found")
	// ErrInvalidCredentials неверные учётные данные или токен
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCodeCollision не удалось подобрать уникальный код резерва
	ErrCodeCollision = errors.New("reservation code collision")
)

// InsufficientStockError запрошено больше, чем доступно.
// Отклоняется весь запрос целиком, частичный резерв не сохраняется
type InsufficientStockError struct {
	VariantID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

// InvalidTransitionError переход из нетерминального статуса невозможен.
// Резерв и остатки при этом не меняются
type InvalidTransitionError struct {
	ReservationID string
	From          domain.ReservationStatus
	To            domain.ReservationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for reservation %s", e.From, e.To, e.ReservationID)
}

// InconsistentStockError операция увела бы счётчик в минус.
// Это сигнал нарушения инварианта выше по протоколу, не пользовательская ошибка
type InconsistentStockError struct {
	VariantID string
	Op        string
	Quantity  int64
}

func (e *InconsistentStockError) Error() string {
	return fmt.Sprintf("inconsistent stock on %s of %d for variant %s", e.Op, e.Quantity, e.VariantID)
}

// IsInsufficientStock проверяет ошибку нехватки остатка через errors.As
func IsInsufficientStock(err error) bool {
	var e *InsufficientStockError
	return errors.As(err, &e)
}

// IsInvalidTransition проверяет ошибку недопустимого перехода
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsInconsistentStock проверяет ошибку целостности остатков
func IsInconsistentStock(err error) bool {
	var e *InconsistentStockError
	return errors.As(err, &e)
}
