package signal

import (
	"context"
	"time"

	"gridbot/pkg/utils"
)

// TimeoutProvider ограничивает ожидание сигнала
//
// Ошибка или таймаут дают NEUTRAL: торговый цикл не ждет сервис
// дольше timeout.
type TimeoutProvider struct {
	inner   Provider
	timeout time.Duration
}

// WithTimeout оборачивает провайдер
func WithTimeout(inner Provider, timeout time.Duration) *TimeoutProvider {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TimeoutProvider{inner: inner, timeout: timeout}
}

// GetSignal никогда не возвращает ошибку
func (p *TimeoutProvider) GetSignal(ctx context.Context, asset string) (Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		sig Signal
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := p.inner.GetSignal(ctx, asset)
		done <- result{sig, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			utils.L().Warn("signal provider failed, using NEUTRAL",
				utils.String("asset", asset),
				utils.Err(r.err),
			)
			return Neutral(asset), nil
		}
		return r.sig, nil
	case <-ctx.Done():
		utils.L().Warn("signal provider timed out, using NEUTRAL",
			utils.String("asset", asset),
			utils.Latency(float64(p.timeout.Milliseconds())),
		)
		return Neutral(asset), nil
	}
}
