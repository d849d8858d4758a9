// Package notify переводит внутренние переходы состояния в исходящие
// уведомления: реальное время и почта. Доставка best-effort — сбой
// адаптера логируется и никогда не откатывает зафиксированную транзакцию
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"atelier/internal/domain"
)

// StockUpdate снимок складских счётчиков SKU после фиксации транзакции
type StockUpdate struct {
	VariantID     string `json:"variant_id"`
	StockOnHand   int64  `json:"stock_on_hand"`
	StockReserved int64  `json:"stock_reserved"`
	Available     int64  `json:"available"`
}

// ReservationUpdate публичное представление перехода резерва
type ReservationUpdate struct {
	ReservationID string                   `json:"reservation_id"`
	Code          string                   `json:"code,omitempty"`
	Status        domain.ReservationStatus `json:"status"`
	Items         []domain.ReservationItem `json:"items,omitempty"`
	ExpiresAt     *time.Time               `json:"expires_at,omitempty"`
}

// Sink канал рассылки в реальном времени
type Sink interface {
	PublishStockUpdate(ctx context.Context, u StockUpdate) error
	PublishReservationCreated(ctx context.Context, u ReservationUpdate) error
	PublishReservationUpdated(ctx context.Context, u ReservationUpdate) error
}

// Mailer граница исходящей почты
type Mailer interface {
	Send(ctx context.Context, to, subject, text string) error
}

// Notifier фан-аут по подключённым каналам
type Notifier struct {
	sinks  []Sink
	mailer Mailer
	log    *zap.Logger
}

func New(log *zap.Logger, mailer Mailer, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, mailer: mailer, log: log}
}

// StockUpdated рассылает снимок счётчиков затронутого SKU
func (n *Notifier) StockUpdated(ctx context.Context, v domain.ProductVariant) {
	u := StockUpdate{
		VariantID:     v.ID,
		StockOnHand:   v.StockOnHand,
		StockReserved: v.StockReserved,
		Available:     v.Available(),
	}
	for _, s := range n.sinks {
		if err := s.PublishStockUpdate(ctx, u); err != nil {
			n.log.Warn("stock update publish failed", zap.String("variant_id", v.ID), zap.Error(err))
		}
	}
}

// ReservationCreated рассылает факт создания резерва
func (n *Notifier) ReservationCreated(ctx context.Context, r *domain.Reservation) {
	u := reservationPayload(r)
	for _, s := range n.sinks {
		if err := s.PublishReservationCreated(ctx, u); err != nil {
			n.log.Warn("reservation created publish failed", zap.String("reservation_id", r.ID), zap.Error(err))
		}
	}
}

// ReservationUpdated рассылает переход статуса резерва
func (n *Notifier) ReservationUpdated(ctx context.Context, r *domain.Reservation) {
	u := reservationPayload(r)
	for _, s := range n.sinks {
		if err := s.PublishReservationUpdated(ctx, u); err != nil {
			n.log.Warn("reservation updated publish failed", zap.String("reservation_id", r.ID), zap.Error(err))
		}
	}
}

// Email отправляет письмо, сбой только логируется
func (n *Notifier) Email(ctx context.Context, to, subject, text string) {
	if to == "" {
		return
	}
	if err := n.mailer.Send(ctx, to, subject, text); err != nil {
		n.log.Warn("email send failed", zap.String("to", to), zap.Error(err))
	}
}

func reservationPayload(r *domain.Reservation) ReservationUpdate {
	u := ReservationUpdate{
		ReservationID: r.ID,
		Code:          r.Code,
		Status:        r.Status,
		Items:         r.Items,
	}
	if r.Status == domain.ReservationPending {
		expires := r.ExpiresAt
		u.ExpiresAt = &expires
	}
	return u
}
