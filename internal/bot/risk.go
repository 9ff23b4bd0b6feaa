package bot

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/pkg/crypto"
	"gridbot/pkg/utils"
)

// ============================================================
// RiskEngine - метрики портфеля, уровень риска, проверка сделок
// и аварийная остановка
// ============================================================
//
// Уровень риска - чистая функция просадки от максимума портфеля:
//
//	< 5%   LOW        ×1.00
//	5-10%  MEDIUM     ×1.00  предупреждение
//	10-15% HIGH       ×0.75
//	15-20% CRITICAL   ×0.50  автоматическая аварийная остановка
//	≥ 20%  EMERGENCY  ×0.25  торговля приостановлена
//
// Нижняя граница диапазона включается: ровно 15% - CRITICAL.
//
// Продажа, покрытая свободным остатком актива, уменьшает экспозицию.
// Лимиты экспозиции проверяются только для непокрытой части, резерв
// кеша продажа не расходует.
//
// Метрики меняет только цикл. Аварийную остановку можно включить
// из API параллельно с циклом, поэтому состояние под мьютексом.

// riskEpsilon - допуск сравнения процентов
const riskEpsilon = 1e-9

// riskTier - строка таблицы уровней
type riskTier struct {
	minDrawdownPct float64
	level          models.RiskLevel
	multiplier     float64
}

// riskTiers - от самого строгого к самому мягкому
var riskTiers = []riskTier{
	{20, models.RiskEmergency, 0.25},
	{15, models.RiskCritical, 0.50},
	{10, models.RiskHigh, 0.75},
	{5, models.RiskMedium, 1.0},
}

// LevelForDrawdown возвращает уровень риска и множитель размера позиции
func LevelForDrawdown(drawdownPct float64) (models.RiskLevel, float64) {
	for _, t := range riskTiers {
		if drawdownPct >= t.minDrawdownPct-riskEpsilon {
			return t.level, t.multiplier
		}
	}
	return models.RiskLow, 1.0
}

// PortfolioInput - оценка портфеля на начало цикла
type PortfolioInput struct {
	PortfolioValue float64
	CashReserves   float64
	AssetExposure  map[string]float64 // актив → стоимость в валюте котировки
	Holdings       map[string]float64 // свободный остаток актива, доступный для продажи
}

// RiskUpdate - результат пересчета метрик
type RiskUpdate struct {
	Metrics       *models.RiskMetrics
	PreviousLevel models.RiskLevel
	LevelChanged  bool

	// AutoStop - запись, созданная автоматической остановкой в этом пересчете
	AutoStop *models.EmergencyStopRecord
}

// TradeValidation - результат проверки сделки
//
// Отказ - обычный результат, а не ошибка вызова. Err содержит
// ErrRiskLimitExceeded или ErrEmergencyStopActive.
type TradeValidation struct {
	Approved bool
	Reason   string
	Err      error
}

func approved() TradeValidation {
	return TradeValidation{Approved: true}
}

func rejected(err error, format string, args ...interface{}) TradeValidation {
	return TradeValidation{Reason: fmt.Sprintf(format, args...), Err: err}
}

// RiskEngine - риск-движок пары
type RiskEngine struct {
	pair     string
	cfg      config.RiskConfig
	verifier *crypto.TokenVerifier
	log      *utils.Logger
	now      func() time.Time

	mu      sync.RWMutex
	metrics *models.RiskMetrics
	high    float64
	level   models.RiskLevel
	held    map[string]float64

	// Резервы одобренных в текущем цикле ордеров
	reservedAsset map[string]float64
	reservedSell  map[string]float64
	reservedTotal float64
	reservedCash  float64

	stop *models.EmergencyStopRecord
}

// NewRiskEngine создает риск-движок
func NewRiskEngine(pair string, cfg config.RiskConfig) *RiskEngine {
	return &RiskEngine{
		pair:          pair,
		cfg:           cfg,
		verifier:      crypto.NewTokenVerifier(cfg.ResetToken, cfg.ResetTokenHash),
		log:           utils.L().WithComponent("risk").WithPair(pair),
		now:           time.Now,
		level:         models.RiskLow,
		held:          make(map[string]float64),
		reservedAsset: make(map[string]float64),
		reservedSell:  make(map[string]float64),
	}
}

// ============ Метрики ============

// UpdatePortfolioValue пересчитывает метрики и уровень риска
//
// Сбрасывает резервы прошлого цикла: открытые ордера уже учтены
// во входной экспозиции. При переходе в CRITICAL и выше включает
// аварийную остановку.
func (r *RiskEngine) UpdatePortfolioValue(in PortfolioInput) RiskUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	pv := in.PortfolioValue
	if pv > r.high {
		r.high = pv
	}

	m := &models.RiskMetrics{
		PortfolioValue: pv,
		AssetExposure:  make(map[string]float64, len(in.AssetExposure)),
		CashReserves:   in.CashReserves,
		PortfolioHigh:  r.high,
		LastUpdate:     r.now(),
	}
	for asset, v := range in.AssetExposure {
		m.AssetExposure[asset] = v
		m.TotalExposure += v
	}
	m.TotalExposurePercent = utils.PercentOf(m.TotalExposure, pv)
	m.CashReservesPercent = utils.PercentOf(m.CashReserves, pv)

	if r.high > 0 && pv < r.high {
		m.CurrentDrawdown = r.high - pv
		m.DrawdownPercent = m.CurrentDrawdown / r.high * 100
	}
	m.RiskLevel, m.PositionSizeMultiplier = LevelForDrawdown(m.DrawdownPercent)

	update := RiskUpdate{
		Metrics:       m.Clone(),
		PreviousLevel: r.level,
		LevelChanged:  m.RiskLevel != r.level,
	}

	critical := models.RiskCritical.Rank()
	if m.RiskLevel.Rank() >= critical && r.level.Rank() < critical && r.stop == nil {
		reason := fmt.Sprintf("drawdown %.2f%% reached %s risk level", m.DrawdownPercent, m.RiskLevel)
		r.stop = r.newStopLocked(reason, models.StopSourceAuto)
		update.AutoStop = cloneStop(r.stop)
		r.log.Error("automatic emergency stop",
			utils.Drawdown(m.DrawdownPercent),
			utils.RiskLevel(string(m.RiskLevel)),
		)
	}

	r.metrics = m
	r.level = m.RiskLevel
	r.held = make(map[string]float64, len(in.Holdings))
	for asset, v := range in.Holdings {
		r.held[asset] = v
	}
	r.reservedAsset = make(map[string]float64)
	r.reservedSell = make(map[string]float64)
	r.reservedTotal = 0
	r.reservedCash = 0

	return update
}

// Metrics возвращает копию последних метрик (nil до первого пересчета)
func (r *RiskEngine) Metrics() *models.RiskMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics.Clone()
}

// PositionSizeMultiplier - множитель размера для текущего уровня риска
func (r *RiskEngine) PositionSizeMultiplier() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.metrics == nil {
		return 1.0
	}
	return r.metrics.PositionSizeMultiplier
}

// RestoreSnapshot восстанавливает максимум портфеля и уровень риска
// из последнего сохраненного снимка
//
// Уровень нужен для перехода в CRITICAL: остановка, снятая оператором
// на уровне CRITICAL, не включается повторно после рестарта.
func (r *RiskEngine) RestoreSnapshot(m *models.RiskMetrics) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.PortfolioHigh > r.high {
		r.high = m.PortfolioHigh
	}
	if m.RiskLevel != "" {
		r.level = m.RiskLevel
	}
}

// ============ Проверка сделок ============

// ValidateTrade проверяет сделку по лимитам
//
// Лимит, достигнутый ровно (5%, 80%, 20%), допускается.
func (r *RiskEngine) ValidateTrade(c models.TradeCandidate) TradeValidation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stop != nil {
		return rejected(ErrEmergencyStopActive, "emergency stop active: %s", r.stop.Reason)
	}

	m := r.metrics
	if m == nil || m.PortfolioValue <= 0 {
		return rejected(ErrRiskLimitExceeded, "portfolio value unknown")
	}
	if m.RiskLevel == models.RiskEmergency {
		return rejected(ErrRiskLimitExceeded, "trading suspended at %s risk level", m.RiskLevel)
	}
	if c.Value <= 0 {
		return rejected(ErrRiskLimitExceeded, "non-positive trade value %.8f", c.Value)
	}

	pv := m.PortfolioValue
	covered, added := r.splitLocked(c)
	if added <= riskEpsilon {
		return approved()
	}
	delta := added - covered

	assetPct := (m.AssetExposure[c.Asset] + r.reservedAsset[c.Asset] + delta) / pv * 100
	if assetPct > r.cfg.MaxAssetExposurePct+riskEpsilon {
		return rejected(ErrRiskLimitExceeded, "asset exposure %.2f%% exceeds %.2f%%", assetPct, r.cfg.MaxAssetExposurePct)
	}

	totalPct := (m.TotalExposure + r.reservedTotal + delta) / pv * 100
	if totalPct > r.cfg.MaxTotalExposurePct+riskEpsilon {
		return rejected(ErrRiskLimitExceeded, "total exposure %.2f%% exceeds %.2f%%", totalPct, r.cfg.MaxTotalExposurePct)
	}

	if c.Side == exchange.SideSell {
		return approved()
	}
	cashPct := (m.CashReserves - r.reservedCash - c.Value) / pv * 100
	if cashPct < r.cfg.MinCashReservePct-riskEpsilon {
		return rejected(ErrRiskLimitExceeded, "cash reserves %.2f%% below %.2f%%", cashPct, r.cfg.MinCashReservePct)
	}

	return approved()
}

// splitLocked делит сделку на часть, закрывающую свободный остаток,
// и часть, добавляющую экспозицию. Покупка целиком добавляет.
func (r *RiskEngine) splitLocked(c models.TradeCandidate) (covered, added float64) {
	if c.Side != exchange.SideSell {
		return 0, c.Value
	}
	free := math.Max(0, r.held[c.Asset]-r.reservedSell[c.Asset])
	covered = math.Min(c.Value, free)
	return covered, c.Value - covered
}

// Reserve учитывает размещенный ордер до конца цикла
//
// Продажа расходует свободный остаток, но не освобождает лимиты для
// покупок: экспозиция снизится только после исполнения.
func (r *RiskEngine) Reserve(c models.TradeCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	covered, added := r.splitLocked(c)
	r.reservedSell[c.Asset] += covered
	r.reservedAsset[c.Asset] += added
	r.reservedTotal += added
	if c.Side != exchange.SideSell {
		r.reservedCash += c.Value
	}
}

// ============ Аварийная остановка ============

func (r *RiskEngine) newStopLocked(reason, source string) *models.EmergencyStopRecord {
	return &models.EmergencyStopRecord{
		Reason:      reason,
		Source:      source,
		TriggeredAt: r.now(),
		Active:      true,
	}
}

func cloneStop(rec *models.EmergencyStopRecord) *models.EmergencyStopRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	if rec.ResetAt != nil {
		t := *rec.ResetAt
		cp.ResetAt = &t
	}
	return &cp
}

// TriggerEmergencyStop включает аварийную остановку
//
// Активная запись одна: повторный вызов возвращает существующую
// запись и created=false.
func (r *RiskEngine) TriggerEmergencyStop(reason, source string) (rec *models.EmergencyStopRecord, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return cloneStop(r.stop), false
	}
	if !CanTransition(models.TradingStateNormal, models.TradingStateStopped) {
		return nil, false
	}

	r.stop = r.newStopLocked(reason, source)
	r.log.Error("emergency stop triggered",
		utils.String("reason", reason),
		utils.String("source", source),
	)
	return cloneStop(r.stop), true
}

// ResetEmergencyStop снимает остановку только при точном токене
//
// Неверный токен оставляет остановку активной.
func (r *RiskEngine) ResetEmergencyStop(token string) (*models.EmergencyStopRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop == nil {
		return nil, ErrNoActiveEmergencyStop
	}
	if err := r.verifier.Verify(token); err != nil {
		r.log.Warn("emergency stop reset rejected", utils.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfirmation, err)
	}

	now := r.now()
	r.stop.Active = false
	r.stop.ResetAt = &now
	reset := cloneStop(r.stop)
	r.stop = nil

	r.log.Info("emergency stop reset", utils.String("reason", reset.Reason))
	return reset, nil
}

// RestoreEmergencyStop восстанавливает активную остановку после рестарта
func (r *RiskEngine) RestoreEmergencyStop(rec *models.EmergencyStopRecord) {
	if rec == nil || !rec.Active {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stop = cloneStop(rec)
}

// AttachStopID запоминает ID записи, присвоенный хранилищем
func (r *RiskEngine) AttachStopID(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		r.stop.ID = id
	}
}

// EmergencyStop - копия активной записи или nil
func (r *RiskEngine) EmergencyStop() *models.EmergencyStopRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneStop(r.stop)
}

// IsEmergencyStopped - торговля заблокирована
func (r *RiskEngine) IsEmergencyStopped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stop != nil
}

// State - NORMAL или STOPPED
func (r *RiskEngine) State() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return tradingState(r.stop)
}
