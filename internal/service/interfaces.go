package service

import (
	"context"

	"gridbot/internal/bot"
	"gridbot/internal/models"
	"gridbot/internal/repository"
)

// TradingEngine - операции торгового движка, доступные панели управления
type TradingEngine interface {
	Pair() string
	State() string
	IsRunning() bool
	Snapshot() *models.CycleSnapshot
	RiskMetrics() *models.RiskMetrics
	EmergencyStop() *models.EmergencyStopRecord
	TriggerEmergencyStop(ctx context.Context, reason, source string) *models.EmergencyStopRecord
	ResetEmergencyStop(ctx context.Context, token string) (*models.EmergencyStopRecord, error)
}

// TradeLogReader - чтение журнала аудита
type TradeLogReader interface {
	RecentTradeLog(ctx context.Context, pair string, limit int) ([]*models.TradeLogEntry, error)
}

// ============ Интерфейсы сервисов для Dependency Injection ============

// ControlServiceInterface определяет интерфейс сервиса управления
type ControlServiceInterface interface {
	GetStatus() *Status
	GetRiskMetrics() (*models.RiskMetrics, error)
	TriggerEmergencyStop(ctx context.Context, reason string) (*StopResult, error)
	ResetEmergencyStop(ctx context.Context, token string) (*models.EmergencyStopRecord, error)
	RecentTrades(ctx context.Context, limit int) ([]*models.TradeLogEntry, error)
}

// Проверяем, что реальные реализации удовлетворяют интерфейсам
var _ TradingEngine = (*bot.Engine)(nil)
var _ TradeLogReader = (*repository.Store)(nil)
var _ TradeLogReader = (*repository.MemoryStore)(nil)
var _ bot.Persistence = (*repository.Store)(nil)
var _ bot.Persistence = (*repository.MemoryStore)(nil)
var _ ControlServiceInterface = (*ControlService)(nil)
