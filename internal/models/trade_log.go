package models

import "time"

// TradeLogEntry - запись аудита торговых событий
type TradeLogEntry struct {
	ID         int64                  `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Pair       string                 `json:"pair"`
	Event      string                 `json:"event"`
	OrderRef   string                 `json:"order_ref,omitempty"`
	Side       string                 `json:"side,omitempty"`
	Price      float64                `json:"price,omitempty"`
	Quantity   float64                `json:"quantity,omitempty"`
	Amount     float64                `json:"amount,omitempty"` // PNL, изъятие и т.п.
	LevelIndex *int                   `json:"level_index,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// События аудита
const (
	TradeEventOrderPlaced      = "ORDER_PLACED"
	TradeEventOrderCancelled   = "ORDER_CANCELLED"
	TradeEventOrderRejected    = "ORDER_REJECTED"
	TradeEventFill             = "FILL"
	TradeEventTakeProfit       = "TAKE_PROFIT"
	TradeEventStopLoss         = "STOP_LOSS"
	TradeEventProfitExtraction = "PROFIT_EXTRACTION"
	TradeEventEmergencyStop    = "EMERGENCY_STOP"
	TradeEventEmergencyReset   = "EMERGENCY_RESET"
)

// ProfitEvent - фиксация прибыли по позиции
type ProfitEvent struct {
	Pair       string    `json:"pair"`
	PositionID string    `json:"position_id"`
	LevelIndex int       `json:"level_index"`
	Profit     float64   `json:"profit"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	At         time.Time `json:"at"`
}

// ProfitAllocation - результат распределения прибыли
type ProfitAllocation struct {
	Profit     float64 `json:"profit"`
	Reinvested float64 `json:"reinvested"`
	Extracted  float64 `json:"extracted"`
}
