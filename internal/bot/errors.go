package bot

import (
	"context"
	"errors"
	"fmt"

	"gridbot/internal/exchange"
)

// Ошибки торгового ядра
var (
	// ErrInvalidPrice - цена не положительна
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrRiskLimitExceeded - сделка нарушает лимит экспозиции или резерва
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrEmergencyStopActive - торговля заблокирована аварийной остановкой
	ErrEmergencyStopActive = errors.New("emergency stop active")

	// ErrInvalidConfirmation - неверный токен сброса аварийной остановки
	ErrInvalidConfirmation = errors.New("invalid confirmation token")

	// ErrNoActiveEmergencyStop - сброс без активной остановки
	ErrNoActiveEmergencyStop = errors.New("no active emergency stop")

	// ErrFatal - неустранимая ошибка: торговлю нужно остановить
	ErrFatal = errors.New("fatal error")

	// ErrCycleDeadline - мягкий дедлайн цикла, оставшаяся работа переносится
	ErrCycleDeadline = errors.New("cycle soft deadline reached")
)

// fatal помечает ошибку как неустранимую
func fatal(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// isFatal - ошибка требует аварийной остановки
func isFatal(err error) bool {
	return errors.Is(err, ErrFatal) || exchange.IsFatal(err)
}

// isDeadline - цикл исчерпал время
func isDeadline(err error) bool {
	return errors.Is(err, ErrCycleDeadline) || errors.Is(err, context.DeadlineExceeded)
}
