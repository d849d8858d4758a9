package service

import (
	"context"
	"errors"

	"atelier/internal/domain"
	"atelier/internal/repository"
)

// Ledger авторитетный учёт остатков. Единственная точка изменения
// счётчиков StockOnHand/StockReserved; каждая мутация пишет строку
// InventoryAdjustment в той же атомарной единице работы.
// Методы вызываются внутри транзакции TxManager
type Ledger struct {
	variants    repository.VariantRepository
	adjustments repository.AdjustmentRepository
	clock       Clock
}

func NewLedger(variants repository.VariantRepository, adjustments repository.AdjustmentRepository, clock Clock) *Ledger {
	return &Ledger{variants: variants, adjustments: adjustments, clock: clock}
}

// Reserve увеличивает StockReserved на qty, если доступно не меньше qty.
// Двум конкурентным резервам на последнюю единицу не даст пройти обоим:
// проверка и инкремент выполняются под транзакционной блокировкой
func (l *Ledger) Reserve(ctx context.Context, variantID string, qty int64, reservationID string) (*domain.ProductVariant, error) {
	if qty < 1 {
		return nil, ErrInvalidInput
	}
	v, err := l.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVariantNotFound
		}
		return nil, err
	}
	if v.Available() < qty {
		return nil, &InsufficientStockError{VariantID: variantID, Requested: qty, Available: v.Available()}
	}
	v.StockReserved += qty
	if err := l.variants.UpdateVariant(ctx, v); err != nil {
		return nil, err
	}
	if err := l.log(ctx, v.ID, reservationID, "", domain.AdjustmentReserve, qty, ""); err != nil {
		return nil, err
	}
	return v, nil
}

// Release уменьшает StockReserved на qty. Причина — RELEASE при отмене,
// EXPIRE при истечении срока. Объём всегда равен исходному резерву позиции;
// уход счётчика в минус — нарушение инварианта протокола
func (l *Ledger) Release(ctx context.Context, variantID string, qty int64, reason domain.AdjustmentReason, reservationID, adminID string) (*domain.ProductVariant, error) {
	v, err := l.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVariantNotFound
		}
		return nil, err
	}
	if v.StockReserved < qty {
		return nil, &InconsistentStockError{VariantID: variantID, Op: "release", Quantity: qty}
	}
	v.StockReserved -= qty
	if err := l.variants.UpdateVariant(ctx, v); err != nil {
		return nil, err
	}
	if err := l.log(ctx, v.ID, reservationID, adminID, reason, -qty, ""); err != nil {
		return nil, err
	}
	return v, nil
}

// Deduct подтверждение со списанием: уменьшает и StockReserved, и StockOnHand —
// товар покидает склад
func (l *Ledger) Deduct(ctx context.Context, variantID string, qty int64, reservationID, adminID string) (*domain.ProductVariant, error) {
	v, err := l.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVariantNotFound
		}
		return nil, err
	}
	if v.StockReserved < qty || v.StockOnHand < qty {
		return nil, &InconsistentStockError{VariantID: variantID, Op: "deduct", Quantity: qty}
	}
	v.StockReserved -= qty
	v.StockOnHand -= qty
	if err := l.variants.UpdateVariant(ctx, v); err != nil {
		return nil, err
	}
	if err := l.log(ctx, v.ID, reservationID, adminID, domain.AdjustmentConfirm, -qty, ""); err != nil {
		return nil, err
	}
	return v, nil
}

// SetOnHand ручная правка остатка администратором. Новый StockOnHand
// не может опуститься ниже текущего StockReserved
func (l *Ledger) SetOnHand(ctx context.Context, variantID string, onHand int64, adminID, notes string) (*domain.ProductVariant, error) {
	if onHand < 0 {
		return nil, ErrInvalidInput
	}
	v, err := l.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVariantNotFound
		}
		return nil, err
	}
	if onHand < v.StockReserved {
		return nil, ErrInvalidInput
	}
	delta := onHand - v.StockOnHand
	v.StockOnHand = onHand
	if err := l.variants.UpdateVariant(ctx, v); err != nil {
		return nil, err
	}
	if err := l.log(ctx, v.ID, "", adminID, domain.AdjustmentManual, delta, notes); err != nil {
		return nil, err
	}
	return v, nil
}

// History журнал изменений остатков по SKU
func (l *Ledger) History(ctx context.Context, variantID string) ([]domain.InventoryAdjustment, error) {
	return l.adjustments.ListAdjustments(ctx, variantID)
}

func (l *Ledger) log(ctx context.Context, variantID, reservationID, adminID string, reason domain.AdjustmentReason, delta int64, notes string) error {
	return l.adjustments.CreateAdjustment(ctx, &domain.InventoryAdjustment{
		VariantID:      variantID,
		ReservationID:  reservationID,
		AdminID:        adminID,
		Reason:         reason,
		QuantityChange: delta,
		Notes:          notes,
		CreatedAt:      l.clock.Now(),
	})
}
