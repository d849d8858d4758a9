package service

import "time"

// Clock источник времени. Инжектируется, чтобы поведение свипера
// и сроков резервов было детерминированно тестируемым
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// SystemClock часы по системному времени в UTC
func SystemClock() Clock { return realClock{} }
