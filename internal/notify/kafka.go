package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink публикует уведомления в топик Kafka для внешних подписчиков.
// Публикация ограничена таймаутом и не ретраится: вызывающая сторона
// уже зафиксировала транзакцию
type KafkaSink struct {
	writer *kafka.Writer
}

const kafkaPublishTimeout = 5 * time.Second

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

var _ Sink = (*KafkaSink)(nil)

func (s *KafkaSink) Close() error { return s.writer.Close() }

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (s *KafkaSink) publish(ctx context.Context, kind, key string, payload any) error {
	value, err := json.Marshal(envelope{Type: kind, Payload: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, kafkaPublishTimeout)
	defer cancel()
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (s *KafkaSink) PublishStockUpdate(ctx context.Context, u StockUpdate) error {
	return s.publish(ctx, "variant-stock-updated", u.VariantID, u)
}

func (s *KafkaSink) PublishReservationCreated(ctx context.Context, u ReservationUpdate) error {
	return s.publish(ctx, "reservation-created", u.ReservationID, u)
}

func (s *KafkaSink) PublishReservationUpdated(ctx context.Context, u ReservationUpdate) error {
	return s.publish(ctx, "reservation-updated", u.ReservationID, u)
}
