package bot

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/models"
)

// ============ Тестовые реализации зависимостей ============

// memStore - Persistence в памяти с подсчетом вызовов
type memStore struct {
	mu sync.Mutex

	state    *models.GridState
	loadErr  error
	snaps    []*models.RiskMetrics
	trades   []*models.TradeLogEntry
	stops    []*models.EmergencyStopRecord
	active   *models.EmergencyStopRecord
	nextStop int64
	saves    int

	// stopErrs - ошибки следующих вызовов SaveEmergencyStop
	stopErrs []error
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) LoadGridState(ctx context.Context, pair string) (*models.GridState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.state, nil
}

func (s *memStore) SaveGridState(ctx context.Context, pair string, state *models.GridState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.saves++
	return nil
}

func (s *memStore) AppendRiskMetricsSnapshot(ctx context.Context, pair string, m *models.RiskMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, m)
	return nil
}

func (s *memStore) LoadLatestRiskSnapshot(ctx context.Context, pair string) (*models.RiskMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return nil, nil
	}
	return s.snaps[len(s.snaps)-1], nil
}

func (s *memStore) AppendTradeLog(ctx context.Context, entry *models.TradeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, entry)
	return nil
}

func (s *memStore) SaveEmergencyStop(ctx context.Context, pair string, rec *models.EmergencyStopRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stopErrs) > 0 {
		err := s.stopErrs[0]
		s.stopErrs = s.stopErrs[1:]
		return err
	}
	if rec.ID == 0 {
		s.nextStop++
		rec.ID = s.nextStop
	}
	cp := *rec
	s.stops = append(s.stops, &cp)
	if rec.Active {
		s.active = &cp
	} else if s.active != nil && s.active.ID == rec.ID {
		s.active = nil
	}
	return nil
}

func (s *memStore) LoadActiveEmergencyStop(ctx context.Context, pair string) (*models.EmergencyStopRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *memStore) events(event string) []*models.TradeLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TradeLogEntry
	for _, e := range s.trades {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeHub - WebSocketHub, запоминающий трансляции
type fakeHub struct {
	mu            sync.Mutex
	snapshots     []*models.CycleSnapshot
	notifications []*models.Notification
}

func (h *fakeHub) BroadcastSnapshot(snap *models.CycleSnapshot) {
	h.mu.Lock()
	h.snapshots = append(h.snapshots, snap)
	h.mu.Unlock()
}

func (h *fakeHub) BroadcastNotification(n *models.Notification) {
	h.mu.Lock()
	h.notifications = append(h.notifications, n)
	h.mu.Unlock()
}

// testConfig - конфигурация по умолчанию без задержек повторов
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bot.MaxRetries = 0
	cfg.Bot.RetryBackoff = time.Millisecond
	cfg.Bot.OrderTimeout = time.Second
	cfg.Bot.CycleInterval = time.Hour
	cfg.Bot.CycleSoftDeadline = 10 * time.Second
	return cfg
}
