package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - параметры повторов для вызовов внешних сервисов (биржа, сигналы)
//
// Задержка: min(InitialDelay * Multiplier^attempt, MaxDelay) ± jitter.
// Каждая попытка выполняется с собственным таймаутом AttemptTimeout,
// общий контекст ограничивает суммарное время.
type Config struct {
	// MaxAttempts - максимальное количество попыток, включая первую (минимум 1)
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor - доля случайной вариации задержки (0.0 - 1.0)
	JitterFactor float64

	// AttemptTimeout - таймаут одной попытки, 0 = без отдельного таймаута
	AttemptTimeout time.Duration

	// RetryIf решает, повторять ли ошибку. По умолчанию - IsRetryable
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием следующей попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 3 попытки, 200ms → 400ms, таймаут попытки 10s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		AttemptTimeout: 10 * time.Second,
	}
}

// CancelConfig - для отмены ордеров при перестроении сетки
//
// Отмена должна быть подтверждена, поэтому попыток больше.
func CancelConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		AttemptTimeout: 5 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

// Delay возвращает задержку перед попыткой attempt+1 (attempt с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c.normalize()

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет операцию с повторами
//
// Операция получает контекст попытки (с AttemptTimeout).
// Возвращает nil при успехе либо последнюю ошибку.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoWithResult - Do для операций, возвращающих значение
//
//	order, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*exchange.Order, error) {
//	    return exch.PlaceOrder(ctx, req)
//	})
func DoWithResult[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := runAttempt(ctx, cfg.AttemptTimeout, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.RetryIf(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, unwrapPermanent(lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, которая сама сообщает, можно ли ее повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable: отмена родительского контекста и Permanent не повторяются,
// RetryableError решает сама, остальное повторяем
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return true
}

// PermanentError - ошибка, которую нельзя повторять
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func unwrapPermanent(err error) error {
	var p *PermanentError
	if errors.As(err, &p) && p == err {
		return p.Err
	}
	return err
}
