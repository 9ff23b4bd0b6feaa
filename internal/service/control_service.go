package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gridbot/internal/bot"
	"gridbot/internal/models"
	"gridbot/pkg/utils"
)

// Ошибки сервиса управления
var (
	ErrEngineNotReady    = errors.New("no completed trading cycle yet")
	ErrStopReasonTooLong = errors.New("emergency stop reason is too long")
	ErrStopNotRecorded   = errors.New("emergency stop was not recorded")

	// Ошибки движка, которые различает API
	ErrInvalidConfirmation   = bot.ErrInvalidConfirmation
	ErrNoActiveEmergencyStop = bot.ErrNoActiveEmergencyStop
)

// Ограничения запросов
const (
	MaxStopReasonLength = 256
	DefaultTradesLimit  = 100
	MaxTradesLimit      = 1000

	defaultStopReason = "manual stop via control API"
)

// Status - состояние бота для GET /api/v1/status
type Status struct {
	Pair          string                      `json:"pair"`
	State         string                      `json:"state"` // NORMAL, STOPPED
	CycleRunning  bool                        `json:"cycle_running"`
	EmergencyStop *models.EmergencyStopRecord `json:"emergency_stop,omitempty"`
	Snapshot      *models.CycleSnapshot       `json:"snapshot,omitempty"`
}

// StopResult - итог запроса аварийной остановки
type StopResult struct {
	Record        *models.EmergencyStopRecord `json:"record"`
	AlreadyActive bool                        `json:"already_active"`
}

// ControlService - операции панели управления поверх торгового движка
//
// Движок остается единственным писателем состояния: сервис читает только
// неизменяемые снимки и копии, а остановку и сброс передает движку.
type ControlService struct {
	engine TradingEngine
	trades TradeLogReader
	log    *utils.Logger
}

// NewControlService создает сервис; trades может быть nil
func NewControlService(engine TradingEngine, trades TradeLogReader) *ControlService {
	return &ControlService{
		engine: engine,
		trades: trades,
		log:    utils.L().WithComponent("control"),
	}
}

// GetStatus возвращает состояние движка и последний снимок цикла
//
// До первого цикла Snapshot пуст.
func (s *ControlService) GetStatus() *Status {
	return &Status{
		Pair:          s.engine.Pair(),
		State:         s.engine.State(),
		CycleRunning:  s.engine.IsRunning(),
		EmergencyStop: s.engine.EmergencyStop(),
		Snapshot:      s.engine.Snapshot(),
	}
}

// GetRiskMetrics возвращает последние метрики риска
func (s *ControlService) GetRiskMetrics() (*models.RiskMetrics, error) {
	m := s.engine.RiskMetrics()
	if m == nil {
		return nil, ErrEngineNotReady
	}
	return m, nil
}

// TriggerEmergencyStop останавливает торговлю вручную
//
// Повторный вызов при активной остановке возвращает существующую запись.
func (s *ControlService) TriggerEmergencyStop(ctx context.Context, reason string) (*StopResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultStopReason
	}
	if utf8.RuneCountInString(reason) > MaxStopReasonLength {
		return nil, ErrStopReasonTooLong
	}

	alreadyActive := s.engine.EmergencyStop() != nil
	rec := s.engine.TriggerEmergencyStop(ctx, reason, models.StopSourceManual)
	if rec == nil {
		return nil, ErrStopNotRecorded
	}

	if !alreadyActive {
		s.log.Warn("emergency stop requested", utils.String("reason", reason))
	}
	return &StopResult{Record: rec, AlreadyActive: alreadyActive}, nil
}

// ResetEmergencyStop снимает остановку по токену подтверждения
//
// Токен сверяется движком без нормализации.
func (s *ControlService) ResetEmergencyStop(ctx context.Context, token string) (*models.EmergencyStopRecord, error) {
	rec, err := s.engine.ResetEmergencyStop(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidConfirmation) {
			s.log.Warn("emergency stop reset rejected: invalid confirmation")
		}
		return nil, err
	}
	s.log.Info("emergency stop reset", utils.Int64("stop_id", rec.ID))
	return rec, nil
}

// RecentTrades возвращает последние записи аудита пары
func (s *ControlService) RecentTrades(ctx context.Context, limit int) ([]*models.TradeLogEntry, error) {
	if limit <= 0 {
		limit = DefaultTradesLimit
	}
	if limit > MaxTradesLimit {
		limit = MaxTradesLimit
	}
	if s.trades == nil {
		return []*models.TradeLogEntry{}, nil
	}

	entries, err := s.trades.RecentTradeLog(ctx, s.engine.Pair(), limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.TradeLogEntry{}
	}
	return entries, nil
}
