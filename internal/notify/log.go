package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink пишет уведомления в структурированный лог. Используется,
// когда внешний канал реального времени не сконфигурирован
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log} }

var _ Sink = (*LogSink)(nil)

func (s *LogSink) PublishStockUpdate(_ context.Context, u StockUpdate) error {
	s.log.Info("variant stock updated",
		zap.String("variant_id", u.VariantID),
		zap.Int64("stock_on_hand", u.StockOnHand),
		zap.Int64("stock_reserved", u.StockReserved),
		zap.Int64("available", u.Available))
	return nil
}

func (s *LogSink) PublishReservationCreated(_ context.Context, u ReservationUpdate) error {
	s.log.Info("reservation created",
		zap.String("reservation_id", u.ReservationID),
		zap.String("code", u.Code),
		zap.String("status", string(u.Status)))
	return nil
}

func (s *LogSink) PublishReservationUpdated(_ context.Context, u ReservationUpdate) error {
	s.log.Info("reservation updated",
		zap.String("reservation_id", u.ReservationID),
		zap.String("status", string(u.Status)))
	return nil
}

// LogMailer заглушка SMTP: письмо уходит в лог. Реальный транспорт
// подключается реализацией Mailer снаружи ядра
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer { return &LogMailer{log: log} }

var _ Mailer = (*LogMailer)(nil)

func (m *LogMailer) Send(_ context.Context, to, subject, text string) error {
	m.log.Info("email",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("text", text))
	return nil
}
