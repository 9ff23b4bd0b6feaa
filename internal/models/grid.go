package models

import "time"

// GridConfiguration - параметры сетки на текущий цикл
//
// Инварианты: UpperBound > LowerBound,
// TotalLevels × BaseOrderSize ≤ AvailableCapital.
type GridConfiguration struct {
	UpperBound        float64   `json:"upper_bound"`
	LowerBound        float64   `json:"lower_bound"`
	Spacing           float64   `json:"spacing"` // доля: 0.002 = 0.2%
	TotalLevels       int       `json:"total_levels"`
	BaseOrderSize     float64   `json:"base_order_size"` // в валюте котировки
	AvailableCapital  float64   `json:"available_capital"`
	ReferencePrice    float64   `json:"reference_price"`
	Volatility        float64   `json:"volatility"`
	LastRebalanceTime time.Time `json:"last_rebalance_time"`
}

// IsZero - нулевая конфигурация: капитала нет, ордера не ставятся
func (c *GridConfiguration) IsZero() bool {
	return c == nil || c.BaseOrderSize <= 0 || c.AvailableCapital <= 0
}

// Contains - цена внутри [LowerBound, UpperBound]
func (c *GridConfiguration) Contains(price float64) bool {
	return c != nil && price >= c.LowerBound && price <= c.UpperBound
}

// GridLevel - один ценовой уровень сетки
//
// Size - номинал ордера в валюте котировки. Уровень с непустой ссылкой на
// ордер повторно не выставляется.
type GridLevel struct {
	Index         int       `json:"index"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	BuyOrderRef   string    `json:"buy_order_ref,omitempty"`
	SellOrderRef  string    `json:"sell_order_ref,omitempty"`
	Active        bool      `json:"active"`
	Extreme       bool      `json:"extreme"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// Капитал на момент отказа биржи из-за нехватки средств, 0 = не блокирован
	FundsBlockedAt float64 `json:"funds_blocked_at,omitempty"`
}

// HasOrder - на уровне есть живая ссылка на ордер
func (l *GridLevel) HasOrder() bool {
	return l.BuyOrderRef != "" || l.SellOrderRef != ""
}

// CoolingDown - уровень отключен стоп-лоссом до CooldownUntil
func (l *GridLevel) CoolingDown(now time.Time) bool {
	return !l.CooldownUntil.IsZero() && now.Before(l.CooldownUntil)
}

// OrderRefs возвращает непустые ссылки уровня
func (l *GridLevel) OrderRefs() []string {
	refs := make([]string, 0, 2)
	if l.BuyOrderRef != "" {
		refs = append(refs, l.BuyOrderRef)
	}
	if l.SellOrderRef != "" {
		refs = append(refs, l.SellOrderRef)
	}
	return refs
}

// DetachedOrder - ордер снятого уровня, отмена которого не подтверждена
type DetachedOrder struct {
	OrderRef   string    `json:"order_ref"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	DetachedAt time.Time `json:"detached_at"`
}

// GridState - сохраняемое состояние сетки пары
type GridState struct {
	Pair      string             `json:"pair"`
	Config    *GridConfiguration `json:"config"`
	Levels    []GridLevel        `json:"levels"`
	Detached  []DetachedOrder    `json:"detached,omitempty"`
	Positions []Position         `json:"positions,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`

	// Накопленные итоги распределения прибыли
	ReinvestedTotal float64 `json:"reinvested_total"`
	ExtractedTotal  float64 `json:"extracted_total"`
}
