package exchange

import (
	"context"

	"gridbot/pkg/ratelimit"
)

// RateLimited - обертка, ограничивающая частоту запросов к бирже по категориям
type RateLimited struct {
	inner  Exchange
	limits *ratelimit.Limits
}

// NewRateLimited оборачивает биржу; rate - запросов в секунду, burst = 2×rate
func NewRateLimited(inner Exchange, ordersRate, marketRate, accountRate float64) *RateLimited {
	limits := ratelimit.NewLimits()
	if ordersRate > 0 {
		limits.Set(ratelimit.CategoryOrders, ordersRate, ordersRate*2)
	}
	if marketRate > 0 {
		limits.Set(ratelimit.CategoryMarketData, marketRate, marketRate*2)
	}
	if accountRate > 0 {
		limits.Set(ratelimit.CategoryAccount, accountRate, accountRate*2)
	}
	return &RateLimited{inner: inner, limits: limits}
}

func (r *RateLimited) GetName() string {
	return r.inner.GetName()
}

func (r *RateLimited) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	if err := r.limits.Wait(ctx, ratelimit.CategoryMarketData); err != nil {
		return 0, err
	}
	return r.inner.GetCurrentPrice(ctx, pair)
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := r.limits.Wait(ctx, ratelimit.CategoryOrders); err != nil {
		return nil, err
	}
	return r.inner.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, pair, orderID string) (bool, error) {
	if err := r.limits.Wait(ctx, ratelimit.CategoryOrders); err != nil {
		return false, err
	}
	return r.inner.CancelOrder(ctx, pair, orderID)
}

func (r *RateLimited) GetAccountBalance(ctx context.Context) (map[string]Balance, error) {
	if err := r.limits.Wait(ctx, ratelimit.CategoryAccount); err != nil {
		return nil, err
	}
	return r.inner.GetAccountBalance(ctx)
}

func (r *RateLimited) GetOpenOrders(ctx context.Context, pair string) ([]*Order, error) {
	if err := r.limits.Wait(ctx, ratelimit.CategoryOrders); err != nil {
		return nil, err
	}
	return r.inner.GetOpenOrders(ctx, pair)
}

// GetVolatility24h пробрасывает VolatilityProvider, если биржа его реализует
func (r *RateLimited) GetVolatility24h(ctx context.Context, pair string) (float64, error) {
	vp, ok := r.inner.(VolatilityProvider)
	if !ok {
		return 0, ErrNotSupported
	}
	if err := r.limits.Wait(ctx, ratelimit.CategoryMarketData); err != nil {
		return 0, err
	}
	return vp.GetVolatility24h(ctx, pair)
}

// SubscribeFills пробрасывает FillSubscriber, если биржа его реализует
func (r *RateLimited) SubscribeFills(callback func(Fill)) error {
	fs, ok := r.inner.(FillSubscriber)
	if !ok {
		return ErrNotSupported
	}
	return fs.SubscribeFills(callback)
}
