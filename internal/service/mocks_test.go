package service

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/models"
)

// ============ Mock TradingEngine ============

type MockEngine struct {
	mu sync.Mutex

	pair     string
	running  bool
	snapshot *models.CycleSnapshot
	metrics  *models.RiskMetrics
	stop     *models.EmergencyStopRecord
	token    string
	nextID   int64

	triggerCalls int
	lastSource   string
}

func NewMockEngine() *MockEngine {
	return &MockEngine{pair: "BTC/USDT", token: "confirm-reset"}
}

func (m *MockEngine) Pair() string { return m.pair }

func (m *MockEngine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return models.TradingStateStopped
	}
	return models.TradingStateNormal
}

func (m *MockEngine) IsRunning() bool                  { return m.running }
func (m *MockEngine) Snapshot() *models.CycleSnapshot  { return m.snapshot }
func (m *MockEngine) RiskMetrics() *models.RiskMetrics { return m.metrics }

func (m *MockEngine) EmergencyStop() *models.EmergencyStopRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return nil
	}
	cp := *m.stop
	return &cp
}

func (m *MockEngine) TriggerEmergencyStop(ctx context.Context, reason, source string) *models.EmergencyStopRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.triggerCalls++
	m.lastSource = source
	if m.stop == nil {
		m.nextID++
		m.stop = &models.EmergencyStopRecord{
			ID:          m.nextID,
			Reason:      reason,
			Source:      source,
			TriggeredAt: time.Now(),
			Active:      true,
		}
	}
	cp := *m.stop
	return &cp
}

func (m *MockEngine) ResetEmergencyStop(ctx context.Context, token string) (*models.EmergencyStopRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return nil, ErrNoActiveEmergencyStop
	}
	if token != m.token {
		return nil, ErrInvalidConfirmation
	}
	now := time.Now()
	rec := *m.stop
	rec.Active = false
	rec.ResetAt = &now
	m.stop = nil
	return &rec, nil
}

// ============ Mock TradeLogReader ============

type MockTradeLog struct {
	entries   []*models.TradeLogEntry
	err       error
	lastPair  string
	lastLimit int
}

func (m *MockTradeLog) RecentTradeLog(ctx context.Context, pair string, limit int) ([]*models.TradeLogEntry, error) {
	m.lastPair = pair
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}
