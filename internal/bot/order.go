package bot

import (
	"context"
	"errors"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/pkg/retry"
	"gridbot/pkg/utils"
)

// OrderExecutor - вызовы биржи с таймаутом попытки и ограниченными повторами
//
// Нехватка средств, фатальные ошибки и ErrOrderNotFound не повторяются.
// Повтор размещения безопасен: ClientOrderID делает его идемпотентным.
type OrderExecutor struct {
	exch      exchange.Exchange
	callCfg   retry.Config
	cancelCfg retry.Config
	log       *utils.Logger
}

// NewOrderExecutor создает исполнитель с таймаутами и повторами из BotConfig
func NewOrderExecutor(exch exchange.Exchange, cfg config.BotConfig) *OrderExecutor {
	callCfg := retry.DefaultConfig()
	callCfg.MaxAttempts = cfg.MaxRetries + 1
	if cfg.RetryBackoff > 0 {
		callCfg.InitialDelay = cfg.RetryBackoff
	}
	if cfg.OrderTimeout > 0 {
		callCfg.AttemptTimeout = cfg.OrderTimeout
	}
	callCfg.RetryIf = retryableExchangeError

	cancelCfg := retry.CancelConfig()
	if cfg.OrderTimeout > 0 {
		cancelCfg.AttemptTimeout = cfg.OrderTimeout
	}
	cancelCfg.RetryIf = retryableExchangeError

	log := utils.L().WithComponent("orders").With(utils.Exchange(exch.GetName()))
	onRetry := func(attempt int, err error, delay time.Duration) {
		log.Debug("retrying exchange call",
			utils.Int("attempt", attempt),
			utils.Err(err),
			utils.Latency(float64(delay.Milliseconds())),
		)
	}
	callCfg.OnRetry = onRetry
	cancelCfg.OnRetry = onRetry

	return &OrderExecutor{
		exch:      exch,
		callCfg:   callCfg,
		cancelCfg: cancelCfg,
		log:       log,
	}
}

// retryableExchangeError - сетевые и временные ошибки повторяем,
// отказы по существу (средства, ключи, неизвестный ордер) - нет
func retryableExchangeError(err error) bool {
	if exchange.IsInsufficientFunds(err) || exchange.IsFatal(err) {
		return false
	}
	if errors.Is(err, exchange.ErrOrderNotFound) || errors.Is(err, exchange.ErrNotSupported) {
		return false
	}
	return retry.IsRetryable(err)
}

func observe(op string, start time.Time) {
	ExchangeLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

// Price - текущая цена пары
func (o *OrderExecutor) Price(ctx context.Context, pair string) (float64, error) {
	defer observe("price", time.Now())
	return retry.DoWithResult(ctx, o.callCfg, func(ctx context.Context) (float64, error) {
		return o.exch.GetCurrentPrice(ctx, pair)
	})
}

// Volatility - 24h волатильность, если биржа ее отдает; ok=false иначе
func (o *OrderExecutor) Volatility(ctx context.Context, pair string) (vol float64, ok bool, err error) {
	vp, isProvider := o.exch.(exchange.VolatilityProvider)
	if !isProvider {
		return 0, false, nil
	}
	defer observe("volatility", time.Now())
	vol, err = retry.DoWithResult(ctx, o.callCfg, func(ctx context.Context) (float64, error) {
		return vp.GetVolatility24h(ctx, pair)
	})
	if errors.Is(err, exchange.ErrNotSupported) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return vol, true, nil
}

// Place размещает лимитный ордер
func (o *OrderExecutor) Place(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	defer observe("place", time.Now())
	return retry.DoWithResult(ctx, o.callCfg, func(ctx context.Context) (*exchange.Order, error) {
		return o.exch.PlaceOrder(ctx, req)
	})
}

// Cancel отменяет ордер. (false, nil) - ордер уже не открыт
func (o *OrderExecutor) Cancel(ctx context.Context, pair, orderID string) (bool, error) {
	defer observe("cancel", time.Now())
	ok, err := retry.DoWithResult(ctx, o.cancelCfg, func(ctx context.Context) (bool, error) {
		return o.exch.CancelOrder(ctx, pair, orderID)
	})
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return false, nil
	}
	return ok, err
}

// OpenOrders - открытые ордера пары по ID
func (o *OrderExecutor) OpenOrders(ctx context.Context, pair string) (map[string]*exchange.Order, error) {
	defer observe("open_orders", time.Now())
	orders, err := retry.DoWithResult(ctx, o.callCfg, func(ctx context.Context) ([]*exchange.Order, error) {
		return o.exch.GetOpenOrders(ctx, pair)
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*exchange.Order, len(orders))
	for _, ord := range orders {
		if ord != nil {
			byID[ord.ID] = ord
		}
	}
	return byID, nil
}

// Balances - балансы аккаунта
func (o *OrderExecutor) Balances(ctx context.Context) (map[string]exchange.Balance, error) {
	defer observe("balance", time.Now())
	return retry.DoWithResult(ctx, o.callCfg, func(ctx context.Context) (map[string]exchange.Balance, error) {
		return o.exch.GetAccountBalance(ctx)
	})
}
