package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"gridbot/internal/models"
	"gridbot/internal/service"
)

// ErrMockDatabase - ошибка хранилища в тестах
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Control Service ============

// MockControlService мок для ControlServiceInterface
type MockControlService struct {
	mu sync.Mutex

	status  *service.Status
	metrics *models.RiskMetrics
	stop    *models.EmergencyStopRecord
	trades  []*models.TradeLogEntry
	token   string

	riskErr   error
	stopErr   error
	resetErr  error
	tradesErr error

	lastReason string
	lastLimit  int
}

// NewMockControlService создает мок с пустым состоянием
func NewMockControlService() *MockControlService {
	return &MockControlService{
		status: &service.Status{Pair: "BTC/USDT", State: models.TradingStateNormal},
		token:  "confirm",
	}
}

func (m *MockControlService) GetStatus() *service.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.status
	cp.EmergencyStop = m.stop
	if m.stop != nil {
		cp.State = models.TradingStateStopped
	}
	return &cp
}

func (m *MockControlService) GetRiskMetrics() (*models.RiskMetrics, error) {
	if m.riskErr != nil {
		return nil, m.riskErr
	}
	if m.metrics == nil {
		return nil, service.ErrEngineNotReady
	}
	return m.metrics, nil
}

func (m *MockControlService) TriggerEmergencyStop(ctx context.Context, reason string) (*service.StopResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastReason = reason
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	if m.stop != nil {
		return &service.StopResult{Record: m.stop, AlreadyActive: true}, nil
	}
	m.stop = &models.EmergencyStopRecord{
		ID:          1,
		Reason:      reason,
		Source:      models.StopSourceManual,
		TriggeredAt: time.Now(),
		Active:      true,
	}
	return &service.StopResult{Record: m.stop}, nil
}

func (m *MockControlService) ResetEmergencyStop(ctx context.Context, token string) (*models.EmergencyStopRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resetErr != nil {
		return nil, m.resetErr
	}
	if m.stop == nil {
		return nil, service.ErrNoActiveEmergencyStop
	}
	if token != m.token {
		return nil, service.ErrInvalidConfirmation
	}
	now := time.Now()
	rec := *m.stop
	rec.Active = false
	rec.ResetAt = &now
	m.stop = nil
	return &rec, nil
}

func (m *MockControlService) RecentTrades(ctx context.Context, limit int) ([]*models.TradeLogEntry, error) {
	m.lastLimit = limit
	if m.tradesErr != nil {
		return nil, m.tradesErr
	}
	if m.trades == nil {
		return []*models.TradeLogEntry{}, nil
	}
	return m.trades, nil
}
