package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper периодически вызывает ExpireOverdue. Работает в фоне до отмены
// контекста; проход безопасно запускать конкурентно с ручным триггером —
// резерв, уже уведённый из PENDING, в следующей выборке не появится
type Sweeper struct {
	svc      *ReservationService
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(svc *ReservationService, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, log: log}
}

// Run крутит тикер до отмены контекста
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	count, err := s.svc.ExpireOverdue(ctx)
	if err != nil {
		s.log.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.log.Info("expired pending reservations", zap.Int("count", count))
	}
}
