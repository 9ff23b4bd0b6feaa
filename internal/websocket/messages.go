package websocket

import (
	"time"

	"gridbot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeSnapshot - итог завершенного торгового цикла
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeNotification - новое уведомление
	// Отправляется при событиях: смена уровня риска, SL, остановка, ошибки
	MessageTypeNotification MessageType = "notification"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// SnapshotMessage - сообщение с итогом цикла
type SnapshotMessage struct {
	BaseMessage
	Data *SnapshotData `json:"data"`
}

// SnapshotData - сжатое представление CycleSnapshot для панели
//
// Полный снимок доступен через GET /api/v1/status.
type SnapshotData struct {
	Pair        string  `json:"pair"`
	CycleID     string  `json:"cycle_id"`
	CycleNumber uint64  `json:"cycle_number"`
	Result      string  `json:"result"`
	Error       string  `json:"error,omitempty"`
	Price       float64 `json:"price"`

	// Сетка
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
	Spacing    float64 `json:"spacing"`
	Levels     int     `json:"levels"`
	OpenOrders int     `json:"open_orders"`
	Positions  int     `json:"positions"`
	Detached   int     `json:"detached"`

	// Риск
	PortfolioValue float64 `json:"portfolio_value"`
	DrawdownPct    float64 `json:"drawdown_pct"`
	RiskLevel      string  `json:"risk_level"`
	EmergencyStop  bool    `json:"emergency_stop"`

	// Прибыль
	Reinvested float64 `json:"reinvested_total"`
	Extracted  float64 `json:"extracted_total"`

	FinishedAt time.Time `json:"finished_at"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные уведомления
type NotificationData struct {
	ID        int                    `json:"id"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Pair      string                 `json:"pair,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ============ Фабричные функции для создания сообщений ============

// NewSnapshotMessage создает сообщение с итогом цикла
func NewSnapshotMessage(snap *models.CycleSnapshot) *SnapshotMessage {
	data := &SnapshotData{
		Pair:        snap.Pair,
		CycleID:     snap.CycleID,
		CycleNumber: snap.CycleNumber,
		Result:      snap.Result,
		Error:       snap.Error,
		Price:       snap.Price,
		Levels:      len(snap.Levels),
		Positions:   len(snap.Positions),
		Detached:    len(snap.Detached),
		Reinvested:  snap.Reinvested,
		Extracted:   snap.Extracted,
		FinishedAt:  snap.FinishedAt,
	}

	if snap.Config != nil {
		data.LowerBound = snap.Config.LowerBound
		data.UpperBound = snap.Config.UpperBound
		data.Spacing = snap.Config.Spacing
	}
	for i := range snap.Levels {
		data.OpenOrders += len(snap.Levels[i].OrderRefs())
	}
	if snap.Risk != nil {
		data.PortfolioValue = snap.Risk.PortfolioValue
		data.DrawdownPct = snap.Risk.DrawdownPercent
		data.RiskLevel = string(snap.Risk.RiskLevel)
	}
	data.EmergencyStop = snap.EmergencyStop != nil && snap.EmergencyStop.Active

	return &SnapshotMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeSnapshot,
			Timestamp: time.Now(),
		},
		Data: data,
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: &NotificationData{
			ID:        notif.ID,
			Type:      notif.Type,
			Severity:  notif.Severity,
			Pair:      notif.Pair,
			Message:   notif.Message,
			Meta:      notif.Meta,
			Timestamp: notif.Timestamp,
		},
	}
}
