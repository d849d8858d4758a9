package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"atelier/internal/domain"
	"atelier/internal/notify"
	"atelier/internal/repository"
)

// Границы срока резерва в часах. Значение вне окна отклоняется, не обрезается
const (
	MinExpiresInHours     = 1
	MaxExpiresInHours     = 72
	DefaultExpiresInHours = 48
)

const (
	codePrefix = "RSV-"
	// без похожих символов (0/O, 1/I/L), код диктуют по телефону
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 6
	codeAttempts = 5
)

// ReservationService реализует жизненный цикл резерва: создание, отмена,
// подтверждение и истечение. Каждая операция — одна атомарная единица
// работы над резервом, позициями, событиями и складскими счётчиками
type ReservationService struct {
	reservations repository.ReservationRepository
	customers    repository.CustomerRepository
	ledger       *Ledger
	tx           repository.TxManager
	clock        Clock
	notifier     *notify.Notifier
	log          *zap.Logger
}

func NewReservationService(
	reservations repository.ReservationRepository,
	customers repository.CustomerRepository,
	ledger *Ledger,
	tx repository.TxManager,
	clock Clock,
	notifier *notify.Notifier,
	log *zap.Logger,
) *ReservationService {
	return &ReservationService{
		reservations: reservations,
		customers:    customers,
		ledger:       ledger,
		tx:           tx,
		clock:        clock,
		notifier:     notifier,
		log:          log,
	}
}

// NewItem запрошенная позиция резерва
type NewItem struct {
	VariantID string
	Quantity  int64
}

// Contact контактные данные для обновления профиля покупателя
type Contact struct {
	Name  string
	Email string
	Phone string
}

// Attribution метки источника трафика
type Attribution struct {
	Source      string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
}

// Create атомарно резервирует остатки и создаёт резерв со снимком цен.
// Если хоть одна позиция не проходит по остатку, не сохраняется ничего
func (s *ReservationService) Create(ctx context.Context, customerID string, items []NewItem, expiresInHours int, note string, contact *Contact, attr *Attribution) (*domain.Reservation, error) {
	if customerID == "" || len(items) == 0 {
		return nil, ErrInvalidInput
	}
	for _, it := range items {
		if it.VariantID == "" || it.Quantity < 1 {
			return nil, ErrInvalidInput
		}
	}
	if expiresInHours < MinExpiresInHours || expiresInHours > MaxExpiresInHours {
		return nil, ErrInvalidInput
	}

	now := s.clock.Now()
	reservation := &domain.Reservation{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Status:     domain.ReservationPending,
		Note:       note,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(expiresInHours) * time.Hour),
	}
	if attr != nil {
		reservation.Source = attr.Source
		reservation.UTMSource = attr.UTMSource
		reservation.UTMMedium = attr.UTMMedium
		reservation.UTMCampaign = attr.UTMCampaign
	}

	var touched []domain.ProductVariant
	var customer *domain.Customer
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		c, err := s.customers.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, it := range items {
			v, err := s.ledger.Reserve(ctx, it.VariantID, it.Quantity, reservation.ID)
			if err != nil {
				return err
			}
			touched = append(touched, *v)
			subtotal := v.Price.Mul(decimal.NewFromInt(it.Quantity))
			total = total.Add(subtotal)
			reservation.Items = append(reservation.Items, domain.ReservationItem{
				ReservationID: reservation.ID,
				VariantID:     it.VariantID,
				Quantity:      it.Quantity,
				UnitPrice:     v.Price,
				Subtotal:      subtotal,
			})
		}
		reservation.TotalAmount = total

		code, err := s.uniqueCode(ctx)
		if err != nil {
			return err
		}
		reservation.Code = code

		if err := s.reservations.CreateReservation(ctx, reservation); err != nil {
			return err
		}

		event := &domain.ReservationEvent{
			ReservationID: reservation.ID,
			ActorType:     domain.ActorCustomer,
			ActorID:       customerID,
			EventType:     domain.ReservationPending,
			CreatedAt:     now,
		}
		if note != "" {
			event.Metadata = map[string]string{"note": note}
		}
		if err := s.reservations.AppendEvent(ctx, event); err != nil {
			return err
		}

		if contact != nil {
			if contact.Name != "" {
				c.Name = contact.Name
			}
			if contact.Email != "" {
				c.Email = contact.Email
			}
			if contact.Phone != "" {
				c.Phone = contact.Phone
			}
			if err := s.customers.UpdateCustomer(ctx, c); err != nil {
				return err
			}
		}
		customer = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	// уведомления после фиксации, best-effort
	for _, v := range touched {
		s.notifier.StockUpdated(ctx, v)
	}
	s.notifier.ReservationCreated(ctx, reservation)
	s.notifier.Email(ctx, customer.Email, "Reservation created",
		fmt.Sprintf("Your reservation %s expires at %s.", reservation.Code, reservation.ExpiresAt.Format(time.RFC3339)))
	return reservation, nil
}

// Cancel переводит PENDING-резерв в CANCELED и возвращает удержанный
// остаток. Для терминальных статусов — InvalidTransitionError без побочных
// эффектов; гонка с свипером разрешается порядком фиксации транзакций
func (s *ReservationService) Cancel(ctx context.Context, reservationID string, actor domain.ActorType, actorID string) (*domain.Reservation, []domain.ProductVariant, error) {
	var reservation *domain.Reservation
	var touched []domain.ProductVariant
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		r, err := s.reservations.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != domain.ReservationPending {
			return &InvalidTransitionError{ReservationID: r.ID, From: r.Status, To: domain.ReservationCanceled}
		}
		for _, it := range r.Items {
			v, err := s.ledger.Release(ctx, it.VariantID, it.Quantity, domain.AdjustmentRelease, r.ID, adminActor(actor, actorID))
			if err != nil {
				return err
			}
			touched = append(touched, *v)
		}
		now := s.clock.Now()
		r.Status = domain.ReservationCanceled
		r.CanceledAt = &now
		if err := s.reservations.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.reservations.AppendEvent(ctx, &domain.ReservationEvent{
			ReservationID: r.ID,
			ActorType:     actor,
			ActorID:       actorID,
			EventType:     domain.ReservationCanceled,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for _, v := range touched {
		s.notifier.StockUpdated(ctx, v)
	}
	s.notifier.ReservationUpdated(ctx, reservation)
	return reservation, touched, nil
}

// UpdateStatus админский перевод резерва в CONFIRMED или CANCELED.
// deductStock управляет списанием при подтверждении: true — резерв
// и остаток списываются (товар выдан), false — только смена статуса,
// удержание остаётся (отложенная выдача)
func (s *ReservationService) UpdateStatus(ctx context.Context, reservationID string, newStatus domain.ReservationStatus, actor domain.ActorType, actorID string, deductStock bool) (*domain.Reservation, []domain.ProductVariant, error) {
	if newStatus != domain.ReservationConfirmed && newStatus != domain.ReservationCanceled {
		return nil, nil, ErrInvalidInput
	}
	var reservation *domain.Reservation
	var touched []domain.ProductVariant
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		r, err := s.reservations.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != domain.ReservationPending {
			return &InvalidTransitionError{ReservationID: r.ID, From: r.Status, To: newStatus}
		}
		now := s.clock.Now()
		switch newStatus {
		case domain.ReservationConfirmed:
			if deductStock {
				for _, it := range r.Items {
					v, err := s.ledger.Deduct(ctx, it.VariantID, it.Quantity, r.ID, adminActor(actor, actorID))
					if err != nil {
						return err
					}
					touched = append(touched, *v)
				}
			}
			r.Status = domain.ReservationConfirmed
			r.ConfirmedAt = &now
		case domain.ReservationCanceled:
			for _, it := range r.Items {
				v, err := s.ledger.Release(ctx, it.VariantID, it.Quantity, domain.AdjustmentRelease, r.ID, adminActor(actor, actorID))
				if err != nil {
					return err
				}
				touched = append(touched, *v)
			}
			r.Status = domain.ReservationCanceled
			r.CanceledAt = &now
		}
		if err := s.reservations.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.reservations.AppendEvent(ctx, &domain.ReservationEvent{
			ReservationID: r.ID,
			ActorType:     actor,
			ActorID:       actorID,
			EventType:     newStatus,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for _, v := range touched {
		s.notifier.StockUpdated(ctx, v)
	}
	s.notifier.ReservationUpdated(ctx, reservation)
	return reservation, touched, nil
}

// ExpireOverdue находит просроченные PENDING-резервы и переводит их
// в EXPIRED, возвращая удержанные остатки. Каждый резерв обрабатывается
// в собственной транзакции: сбой одного не прерывает проход по остальным.
// Возвращает число обработанных. Идемпотентно: резерв, уже уведённый
// из PENDING конкурентным вызовом, просто пропускается
func (s *ReservationService) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	overdue, err := s.reservations.ListOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range overdue {
		if err := s.expireOne(ctx, r.ID, now); err != nil {
			if IsInvalidTransition(err) {
				// кто-то успел отменить или подтвердить — не ошибка
				continue
			}
			s.log.Error("expire reservation failed",
				zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func (s *ReservationService) expireOne(ctx context.Context, reservationID string, now time.Time) error {
	var reservation *domain.Reservation
	var customer *domain.Customer
	var touched []domain.ProductVariant
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		r, err := s.reservations.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != domain.ReservationPending {
			return &InvalidTransitionError{ReservationID: r.ID, From: r.Status, To: domain.ReservationExpired}
		}
		for _, it := range r.Items {
			v, err := s.ledger.Release(ctx, it.VariantID, it.Quantity, domain.AdjustmentExpire, r.ID, "")
			if err != nil {
				return err
			}
			touched = append(touched, *v)
		}
		r.Status = domain.ReservationExpired
		r.ExpiredAt = &now
		if err := s.reservations.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.reservations.AppendEvent(ctx, &domain.ReservationEvent{
			ReservationID: r.ID,
			ActorType:     domain.ActorSystem,
			EventType:     domain.ReservationExpired,
			Metadata:      map[string]string{"batch_run_at": now.Format(time.RFC3339)},
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if c, err := s.customers.GetCustomer(ctx, r.CustomerID); err == nil {
			customer = c
		}
		reservation = r
		return nil
	})
	if err != nil {
		return err
	}

	for _, v := range touched {
		s.notifier.StockUpdated(ctx, v)
	}
	s.notifier.ReservationUpdated(ctx, reservation)
	if customer != nil {
		s.notifier.Email(ctx, customer.Email, "Reservation expired",
			fmt.Sprintf("Your reservation %s has expired.", reservation.Code))
	}
	return nil
}

// Get возвращает резерв с позициями и событиями
func (s *ReservationService) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := s.reservations.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.reservations.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Events = events
	return r, nil
}

// GetByCode публичный поиск по человекочитаемому коду
func (s *ReservationService) GetByCode(ctx context.Context, code string) (*domain.Reservation, error) {
	if code == "" {
		return nil, ErrInvalidInput
	}
	return s.reservations.GetReservationByCode(ctx, code)
}

// ListForCustomer резервы покупателя, новые первыми
func (s *ReservationService) ListForCustomer(ctx context.Context, customerID string) ([]domain.Reservation, error) {
	if customerID == "" {
		return nil, ErrInvalidInput
	}
	return s.reservations.ListByCustomer(ctx, customerID)
}

// List админская выборка с фильтрами
func (s *ReservationService) List(ctx context.Context, f repository.ReservationFilter) ([]domain.Reservation, error) {
	return s.reservations.ListReservations(ctx, f)
}

// StatusReport итоги по статусам для отчётов
func (s *ReservationService) StatusReport(ctx context.Context) (map[domain.ReservationStatus]int64, error) {
	return s.reservations.CountByStatus(ctx)
}

// DemandReport суммарный спрос по SKU, убывание
func (s *ReservationService) DemandReport(ctx context.Context) ([]repository.VariantDemand, error) {
	return s.reservations.DemandByVariant(ctx)
}

// uniqueCode подбирает код с проверкой коллизии. Энтропии хватает,
// чтобы повтор был редкостью, поэтому число попыток ограничено
func (s *ReservationService) uniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		_, err = s.reservations.GetReservationByCode(ctx, code)
		if errors.Is(err, repository.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", ErrCodeCollision
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return codePrefix + string(out), nil
}

// adminActor id администратора для строки аудита, пусто для остальных акторов
func adminActor(actor domain.ActorType, actorID string) string {
	if actor == domain.ActorAdmin {
		return actorID
	}
	return ""
}
