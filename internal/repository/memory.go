package repository

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/models"
)

// Пределы истории в памяти
const (
	memoryRiskSnapshotsCap = 1000
	memoryTradeLogCap      = 10000
)

// MemoryStore - хранилище в памяти процесса (database.driver: memory)
//
// Значения хранятся в сериализованном виде, вызывающий код не разделяет
// с хранилищем указатели.
type MemoryStore struct {
	mu sync.RWMutex

	gridStates map[string][]byte
	riskSnaps  map[string][][]byte
	tradeLog   []*models.TradeLogEntry
	stops      map[int64]*stopRow

	nextTradeID int64
	nextStopID  int64
	now         func() time.Time
}

type stopRow struct {
	pair string
	rec  models.EmergencyStopRecord
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gridStates: make(map[string][]byte),
		riskSnaps:  make(map[string][][]byte),
		stops:      make(map[int64]*stopRow),
		now:        time.Now,
	}
}

// LoadGridState возвращает копию сохраненного состояния
func (m *MemoryStore) LoadGridState(ctx context.Context, pair string) (*models.GridState, error) {
	m.mu.RLock()
	raw, ok := m.gridStates[pair]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	state := &models.GridState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveGridState сохраняет состояние пары
func (m *MemoryStore) SaveGridState(ctx context.Context, pair string, state *models.GridState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.gridStates[pair] = raw
	m.mu.Unlock()
	return nil
}

// AppendRiskMetricsSnapshot добавляет снимок, старые вытесняются
func (m *MemoryStore) AppendRiskMetricsSnapshot(ctx context.Context, pair string, metrics *models.RiskMetrics) error {
	if metrics == nil {
		return nil
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := append(m.riskSnaps[pair], raw)
	if len(snaps) > memoryRiskSnapshotsCap {
		snaps = snaps[len(snaps)-memoryRiskSnapshotsCap:]
	}
	m.riskSnaps[pair] = snaps
	return nil
}

// LoadLatestRiskSnapshot - последний снимок пары
func (m *MemoryStore) LoadLatestRiskSnapshot(ctx context.Context, pair string) (*models.RiskMetrics, error) {
	m.mu.RLock()
	snaps := m.riskSnaps[pair]
	var raw []byte
	if len(snaps) > 0 {
		raw = snaps[len(snaps)-1]
	}
	m.mu.RUnlock()

	if raw == nil {
		return nil, nil
	}
	metrics := &models.RiskMetrics{}
	if err := json.Unmarshal(raw, metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// AppendTradeLog добавляет запись аудита и заполняет entry.ID
func (m *MemoryStore) AppendTradeLog(ctx context.Context, entry *models.TradeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTradeID++
	entry.ID = m.nextTradeID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}

	stored := *entry
	m.tradeLog = append(m.tradeLog, &stored)
	if len(m.tradeLog) > memoryTradeLogCap {
		m.tradeLog = m.tradeLog[len(m.tradeLog)-memoryTradeLogCap:]
	}
	return nil
}

// RecentTradeLog - последние записи аудита пары, новые первыми
func (m *MemoryStore) RecentTradeLog(ctx context.Context, pair string, limit int) ([]*models.TradeLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*models.TradeLogEntry
	for i := len(m.tradeLog) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.tradeLog[i].Pair != pair {
			continue
		}
		e := *m.tradeLog[i]
		entries = append(entries, &e)
	}
	return entries, nil
}

// SaveEmergencyStop создает запись (ID == 0) или обновляет ее статус
func (m *MemoryStore) SaveEmergencyStop(ctx context.Context, pair string, rec *models.EmergencyStopRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == 0 {
		m.nextStopID++
		rec.ID = m.nextStopID
		m.stops[rec.ID] = &stopRow{pair: pair, rec: copyStop(rec)}
		return nil
	}

	row, ok := m.stops[rec.ID]
	if !ok {
		return ErrEmergencyStopNotFound
	}
	row.rec.Active = rec.Active
	row.rec.ResetAt = copyStop(rec).ResetAt
	return nil
}

// LoadActiveEmergencyStop - активная остановка пары или nil
func (m *MemoryStore) LoadActiveEmergencyStop(ctx context.Context, pair string) (*models.EmergencyStopRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *stopRow
	for _, row := range m.stops {
		if row.pair != pair || !row.rec.Active {
			continue
		}
		if found == nil || row.rec.ID > found.rec.ID {
			found = row
		}
	}
	if found == nil {
		return nil, nil
	}
	rec := copyStop(&found.rec)
	return &rec, nil
}

func copyStop(rec *models.EmergencyStopRecord) models.EmergencyStopRecord {
	cp := *rec
	if rec.ResetAt != nil {
		t := *rec.ResetAt
		cp.ResetAt = &t
	}
	return cp
}
