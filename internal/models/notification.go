package models

import "time"

// Notification - уведомление оператору о событии
type Notification struct {
	ID        int                    `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"` // info, warn, error
	Pair      string                 `json:"pair,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeRiskLevel      = "RISK_LEVEL"      // смена уровня риска
	NotificationTypeDrawdown       = "DRAWDOWN"        // предупреждение о просадке
	NotificationTypeEmergencyStop  = "EMERGENCY_STOP"  // аварийная остановка
	NotificationTypeEmergencyReset = "EMERGENCY_RESET" // сброс остановки
	NotificationTypeStopLoss       = "SL"              // стоп-лосс уровня
	NotificationTypeProfit         = "PROFIT"          // фиксация прибыли
	NotificationTypeError          = "ERROR"           // ошибка цикла
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
