package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Exchange - контракт спотовой биржи, нужный сеточному боту
//
// Все вызовы блокирующие и принимают контекст; таймауты и повторы
// накладывает вызывающая сторона.
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// GetCurrentPrice - последняя цена пары
	GetCurrentPrice(ctx context.Context, pair string) (float64, error)

	// PlaceOrder размещает лимитный ордер.
	// Повтор с тем же ClientOrderID возвращает уже созданный ордер.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder отменяет ордер; false - ордер уже не открыт (исполнен или отменен)
	CancelOrder(ctx context.Context, pair, orderID string) (bool, error)

	// GetAccountBalance - балансы по активам
	GetAccountBalance(ctx context.Context) (map[string]Balance, error)

	// GetOpenOrders - открытые ордера пары
	GetOpenOrders(ctx context.Context, pair string) ([]*Order, error)
}

// VolatilityProvider - биржа умеет отдавать 24h волатильность (доля: 0.02 = 2%)
type VolatilityProvider interface {
	GetVolatility24h(ctx context.Context, pair string) (float64, error)
}

// FillSubscriber - биржа присылает исполнения асинхронно
//
// Колбэк вызывается из горутины биржи и не должен блокироваться.
type FillSubscriber interface {
	SubscribeFills(callback func(Fill)) error
}

// OrderRequest - параметры лимитного ордера
type OrderRequest struct {
	Pair          string  `json:"pair"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	ClientOrderID string  `json:"client_order_id"`
}

// Order представляет ордер
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Pair          string    `json:"pair"`
	Side          string    `json:"side"` // "buy" или "sell"
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Notional - номинал ордера в валюте котировки
func (o *Order) Notional() float64 {
	return o.Price * o.Quantity
}

// Balance - баланс актива
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total - свободный + заблокированный в ордерах
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// Fill - исполнение ордера
type Fill struct {
	OrderID  string    `json:"order_id"`
	Pair     string    `json:"pair"`
	Side     string    `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	FilledAt time.Time `json:"filled_at"`
}

// Side constants for orders
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order status constants
const (
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// ParsePair разбирает "BTC/USDT" на базовый актив и актив котировки
func ParsePair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid pair %q, expected BASE/QUOTE", pair)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}
