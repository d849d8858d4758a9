// Package obs содержит утилиты наблюдаемости (логирование).
package obs

import (
	"go.uber.org/zap"
)

// NewLogger создаёт структурированный zap-логгер.
// В режиме разработки — человекочитаемый вывод с debug-уровнем,
// иначе production JSON
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
