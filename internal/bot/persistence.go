package bot

import (
	"context"

	"gridbot/internal/models"
)

// Persistence - хранилище состояния сетки, снимков риска и аудита
//
// LoadGridState возвращает (nil, nil), если состояния еще нет.
// Реализации: repository.Store (PostgreSQL) и repository.MemoryStore.
type Persistence interface {
	LoadGridState(ctx context.Context, pair string) (*models.GridState, error)
	SaveGridState(ctx context.Context, pair string, state *models.GridState) error
	AppendRiskMetricsSnapshot(ctx context.Context, pair string, m *models.RiskMetrics) error
	LoadLatestRiskSnapshot(ctx context.Context, pair string) (*models.RiskMetrics, error)
	AppendTradeLog(ctx context.Context, entry *models.TradeLogEntry) error

	SaveEmergencyStop(ctx context.Context, pair string, rec *models.EmergencyStopRecord) error
	LoadActiveEmergencyStop(ctx context.Context, pair string) (*models.EmergencyStopRecord, error)
}

// TradeLogger - приемник записей аудита
type TradeLogger interface {
	AppendTradeLog(ctx context.Context, entry *models.TradeLogEntry) error
}

// WebSocketHub - интерфейс для отправки обновлений клиентам
type WebSocketHub interface {
	BroadcastSnapshot(snap *models.CycleSnapshot)
	BroadcastNotification(notif *models.Notification)
}
