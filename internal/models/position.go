package models

import "time"

// Position - позиция, открытая исполнением ордера уровня
//
// Принадлежит циклу, который ее открыл; снаружи доступны только копии.
type Position struct {
	ID            string     `json:"id"`
	Pair          string     `json:"pair"`
	Side          string     `json:"side"` // buy - лонг от уровня, sell - шорт
	LevelIndex    int        `json:"level_index"`
	OrderRef      string     `json:"order_ref"`
	EntryPrice    float64    `json:"entry_price"`
	Quantity      float64    `json:"quantity"` // в базовом активе
	StopLoss      float64    `json:"stop_loss"`
	TakeProfit    float64    `json:"take_profit"`
	Status        string     `json:"status"`
	UnrealizedPnl float64    `json:"unrealized_pnl"`
	RealizedPnl   float64    `json:"realized_pnl"`

	// Заявка выхода: ExitReason - статус после ее исполнения,
	// ExitPrice - лимит заявки, затем цена исполнения
	ExitReason   string  `json:"exit_reason,omitempty"`
	ExitOrderRef string  `json:"exit_order_ref,omitempty"`
	ExitPrice    float64 `json:"exit_price,omitempty"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Статусы позиции
const (
	PositionOpen       = "OPEN"
	PositionTakeProfit = "TAKE_PROFIT"
	PositionStopped    = "STOPPED"
)

// IsOpen - позиция еще не закрыта
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Exiting - порог достигнут, позиция ждет исполнения заявки выхода
func (p *Position) Exiting() bool {
	return p.IsOpen() && p.ExitReason != ""
}

// Notional - стоимость позиции по цене
func (p *Position) Notional(price float64) float64 {
	return p.Quantity * price
}
