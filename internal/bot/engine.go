package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/signal"
	"gridbot/pkg/utils"
)

// persistTimeout - сохранение в конце цикла, не зависит от дедлайна цикла
const persistTimeout = 5 * time.Second

// Engine - планировщик торговых циклов одной пары
//
// Единственный писатель состояния сетки и риска. Цикл:
//
//	исполнения → цена/волатильность → балансы, ордера → прибыль →
//	риск → (если не остановлен) выходы → конфигурация →
//	перестроение → размещение → сохранение и снимок
//
// Тик, пришедший во время незавершенного цикла, пропускается.
// Внешние читатели видят только неизменяемые CycleSnapshot.
type Engine struct {
	cfg   *config.Config
	pair  string
	base  string
	quote string

	exch    exchange.Exchange
	orders  *OrderExecutor
	store   Persistence
	audit   TradeLogger
	wsHub   WebSocketHub
	signals signal.Provider

	calc    *GridConfigCalculator
	grid    *GridLevelManager
	risk    *RiskEngine
	profits *ProfitReinvestmentCycle
	vol     *VolatilityEstimator
	fills   *FillQueue

	notifications chan *models.Notification
	notifSeq      atomic.Int64

	running  atomic.Bool
	cycleNum atomic.Uint64

	// stopUnsaved - активная остановка еще не записана в хранилище
	stopUnsaved atomic.Bool

	snapshot atomic.Pointer[models.CycleSnapshot]
	inflight sync.WaitGroup

	log *utils.Logger
	now func() time.Time
}

// NewEngine создает движок пары cfg.Exchange.Pair
//
// store и wsHub необязательны (nil - без сохранения и без трансляции).
func NewEngine(cfg *config.Config, exch exchange.Exchange, store Persistence, wsHub WebSocketHub) (*Engine, error) {
	base, quote, err := exchange.ParsePair(cfg.Exchange.Pair)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:           cfg,
		pair:          cfg.Exchange.Pair,
		base:          base,
		quote:         quote,
		exch:          exch,
		orders:        NewOrderExecutor(exch, cfg.Bot),
		store:         store,
		wsHub:         wsHub,
		calc:          NewGridConfigCalculator(cfg.Grid),
		risk:          NewRiskEngine(cfg.Exchange.Pair, cfg.Risk),
		vol:           NewVolatilityEstimator(24 * time.Hour),
		fills:         NewFillQueue(cfg.Bot.FillQueueSize),
		notifications: make(chan *models.Notification, 100),
		log:           utils.L().WithComponent("engine").WithPair(cfg.Exchange.Pair),
		now:           time.Now,
	}
	if store != nil {
		e.audit = store
	}

	e.profits = NewProfitReinvestmentCycle(e.pair, cfg.Profit.ReinvestRatio, e.audit)
	e.grid, err = NewGridLevelManager(cfg, e.calc, GridManagerDeps{
		Orders:  e.orders,
		Risk:    e.risk,
		Profits: e.profits,
		Audit:   e.audit,
	})
	if err != nil {
		return nil, err
	}

	if fs, ok := exch.(exchange.FillSubscriber); ok {
		if err := fs.SubscribeFills(e.fills.Push); err != nil {
			e.log.Info("exchange does not push fills, relying on open orders sync", utils.Err(err))
		}
	}

	return e, nil
}

// SetSignalSource подключает сервис сигналов с таймаутом cfg.Signal.Timeout
func (e *Engine) SetSignalSource(p signal.Provider) {
	if p == nil {
		e.signals = nil
		return
	}
	e.signals = signal.WithTimeout(p, e.cfg.Signal.Timeout)
}

// Restore восстанавливает состояние после рестарта
//
// Ошибка чтения состояния - фатальная: торговать с неизвестными
// ссылками на ордера нельзя.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	state, err := e.store.LoadGridState(ctx, e.pair)
	if err != nil {
		return fatal("load grid state: %v", err)
	}
	if state != nil {
		e.grid.Restore(state)
		e.profits.Restore(state.ReinvestedTotal, state.ExtractedTotal)
		e.log.Info("grid state restored",
			utils.Int("levels", len(state.Levels)),
			utils.Int("detached", len(state.Detached)),
			utils.Int("positions", len(state.Positions)),
		)
	}

	stop, err := e.store.LoadActiveEmergencyStop(ctx, e.pair)
	if err != nil {
		return fatal("load emergency stop: %v", err)
	}
	if stop != nil {
		e.risk.RestoreEmergencyStop(stop)
		RecordEmergencyStop(e.pair, true)
		e.log.Warn("active emergency stop restored", utils.String("reason", stop.Reason))
	}

	metrics, err := e.store.LoadLatestRiskSnapshot(ctx, e.pair)
	if err != nil {
		e.log.Warn("failed to load risk snapshot, high-water mark starts fresh", utils.Err(err))
	} else if metrics != nil {
		e.risk.RestoreSnapshot(metrics)
		e.log.Info("risk state restored",
			utils.Float64("portfolio_high", metrics.PortfolioHigh),
			utils.RiskLevel(string(metrics.RiskLevel)),
		)
	}
	return nil
}

// Run запускает циклы с интервалом cfg.Bot.CycleInterval до отмены ctx
func (e *Engine) Run(ctx context.Context) error {
	go e.notificationLoop(ctx)

	ticker := time.NewTicker(e.cfg.Bot.CycleInterval)
	defer ticker.Stop()

	e.log.Info("engine started",
		utils.Float64("interval_sec", e.cfg.Bot.CycleInterval.Seconds()),
		utils.State(e.risk.State()),
	)

	e.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.spawnTick(ctx)
		}
	}
}

func (e *Engine) spawnTick(ctx context.Context) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.Tick(ctx)
	}()
}

// Tick запускает цикл, если предыдущий завершен; false - тик пропущен
func (e *Engine) Tick(ctx context.Context) bool {
	if !e.running.CompareAndSwap(false, true) {
		SkippedTicks.WithLabelValues(e.pair).Inc()
		e.log.Warn("previous cycle still running, tick skipped")
		return false
	}
	defer e.running.Store(false)

	e.RunCycle(ctx)
	return true
}

// RunCycle выполняет один цикл синхронно и возвращает его снимок
//
// Паника и ошибки перехватываются в пределах цикла.
func (e *Engine) RunCycle(ctx context.Context) *models.CycleSnapshot {
	start := e.now()
	snap := &models.CycleSnapshot{
		Pair:        e.pair,
		CycleID:     uuid.NewString(),
		CycleNumber: e.cycleNum.Add(1),
		StartedAt:   start,
	}

	deadline := e.cfg.Bot.CycleSoftDeadline
	if deadline <= 0 {
		deadline = e.cfg.Bot.CycleInterval
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var result string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cycle panic: %v", r)
				e.log.Error("panic in trading cycle",
					utils.Any("panic", r),
					utils.String("stack", string(debug.Stack())),
				)
			}
		}()
		result, err = e.runCycle(cctx, snap)
	}()

	e.finishCycle(ctx, snap, result, err)
	return snap
}

// runCycle - шаги цикла; мутации состояния только здесь
func (e *Engine) runCycle(ctx context.Context, snap *models.CycleSnapshot) (string, error) {
	log := e.log.WithCycle(snap.CycleID)
	now := e.now()

	// 1. Исполнения, накопленные с прошлого цикла
	fills := e.fills.Drain()

	// 2. Цена и волатильность
	price, err := e.orders.Price(ctx, e.pair)
	if err != nil {
		return "", fmt.Errorf("get price: %w", err)
	}
	if price <= 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	snap.Price = price
	e.vol.Observe(now, price)
	volatility := e.volatility(ctx)

	// 3. Балансы и открытые ордера
	balances, err := e.orders.Balances(ctx)
	if err != nil {
		return "", fmt.Errorf("get balances: %w", err)
	}
	open, err := e.orders.OpenOrders(ctx, e.pair)
	if err != nil {
		return "", fmt.Errorf("get open orders: %w", err)
	}

	// 4. Исполнения и сверка ссылок
	fillReport := e.grid.ReconcileFills(ctx, fills, price)
	e.grid.SyncOpenOrders(open)
	for _, p := range fillReport.StopLoss {
		e.notify(&models.Notification{
			Type:     models.NotificationTypeStopLoss,
			Severity: models.SeverityWarn,
			Message:  fmt.Sprintf("stop loss on level %d at %.2f", p.LevelIndex, price),
			Meta:     map[string]interface{}{"position_id": p.ID, "pnl": p.RealizedPnl},
		})
	}

	// 5. Прибыль закрытых позиций: изъятие до оценки кеша
	for _, alloc := range e.profits.Drain(ctx) {
		e.notify(&models.Notification{
			Type:     models.NotificationTypeProfit,
			Severity: models.SeverityInfo,
			Message:  fmt.Sprintf("profit %.2f: reinvested %.2f, extracted %.2f", alloc.Profit, alloc.Reinvested, alloc.Extracted),
		})
	}

	// 6. Риск: до любого ордера этого цикла
	input := e.portfolio(balances, open, price)
	update := e.risk.UpdatePortfolioValue(input)
	e.handleRiskUpdate(ctx, update)

	if e.risk.IsEmergencyStopped() {
		log.Debug("emergency stop active, order placement skipped")
		return models.CycleResultStopped, nil
	}

	// 7. Выходы из позиций
	exits, err := e.grid.PlaceExits(ctx, price)
	if exits.Placed > 0 || exits.Failed > 0 {
		log.Info("exit orders processed",
			utils.Int("placed", exits.Placed),
			utils.Int("repriced", exits.Repriced),
			utils.Int("failed", exits.Failed),
		)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrEmergencyStopActive):
		return models.CycleResultStopped, nil
	default:
		return "", fmt.Errorf("place exits: %w", err)
	}

	// 8. Конфигурация сетки
	capital := AvailableCapital(input.PortfolioValue, e.cfg.Risk.MinCashReservePct, e.profits.RingFenced())
	next, err := e.calc.Calculate(price, volatility, capital, now)
	if err != nil {
		return "", err
	}
	if next.IsZero() {
		log.Warn("no capital available, order placement skipped",
			utils.Float64("portfolio_value", input.PortfolioValue),
		)
		return models.CycleResultNoCapital, nil
	}

	// 9. Перестроение
	if need, reason := e.grid.NeedsRebuild(next, price); need {
		log.Info("rebuilding grid", utils.String("reason", reason), utils.Float64("volatility", volatility))
		if _, err := e.grid.RebuildLevels(ctx, next); err != nil {
			return "", fmt.Errorf("rebuild levels: %w", err)
		}
	}

	// 10. Размещение
	opts := e.placementOptions(ctx)
	report, err := e.grid.PlaceOrders(ctx, price, capital, opts)
	log.Debug("placement finished",
		utils.Int("placed", report.Placed),
		utils.Int("risk_rejected", report.RiskRejected),
		utils.Int("insufficient_funds", report.InsufficientFunds),
		utils.Int("failed", report.Failed),
	)
	switch {
	case err == nil:
		return models.CycleResultOK, nil
	case errors.Is(err, ErrEmergencyStopActive):
		return models.CycleResultStopped, nil
	default:
		return "", err
	}
}

// volatility - от биржи, иначе скользящая оценка по ценам циклов
func (e *Engine) volatility(ctx context.Context) float64 {
	v, ok, err := e.orders.Volatility(ctx, e.pair)
	if err != nil {
		e.log.Warn("volatility provider failed, using local estimate", utils.Err(err))
	}
	if ok {
		return v
	}
	return e.vol.Volatility()
}

// portfolio оценивает портфель в валюте котировки
//
// Кеш - свободный остаток котировки без изъятой прибыли: выручка
// выхода уже на бирже, поэтому прибыль увеличивает кеш ровно на
// реинвестируемую долю. Экспозиция по базовому активу включает
// неисполненные ордера на покупку.
func (e *Engine) portfolio(balances map[string]exchange.Balance, open map[string]*exchange.Order, price float64) PortfolioInput {
	quoteBal := balances[e.quote]
	baseBal := balances[e.base]

	cash := quoteBal.Free - e.profits.RingFenced()
	if cash < 0 {
		cash = 0
	}

	return PortfolioInput{
		PortfolioValue: quoteBal.Total() + baseBal.Total()*price,
		CashReserves:   cash,
		AssetExposure: map[string]float64{
			e.base: baseBal.Total()*price + openBuyNotional(open),
		},
		Holdings: map[string]float64{
			e.base: baseBal.Free * price,
		},
	}
}

// placementOptions - ограничения по сигналу; без сервиса ограничений нет
func (e *Engine) placementOptions(ctx context.Context) PlacementOptions {
	if e.signals == nil {
		return PlacementOptions{}
	}
	sig, _ := e.signals.GetSignal(ctx, e.base)
	if sig.Blocks(e.cfg.Signal.MinConfidence) {
		e.log.Info("confident SELL signal, buys suppressed",
			utils.Float64("confidence", sig.Confidence),
		)
		return PlacementOptions{SuppressBuys: true}
	}
	return PlacementOptions{}
}

// handleRiskUpdate - уведомления и остановка по результату пересчета риска
func (e *Engine) handleRiskUpdate(ctx context.Context, u RiskUpdate) {
	m := u.Metrics
	if u.LevelChanged {
		severity := models.SeverityInfo
		if m.RiskLevel.Rank() >= models.RiskMedium.Rank() {
			severity = models.SeverityWarn
		}
		e.notify(&models.Notification{
			Type:     models.NotificationTypeRiskLevel,
			Severity: severity,
			Message:  fmt.Sprintf("risk level %s -> %s (drawdown %.2f%%)", u.PreviousLevel, m.RiskLevel, m.DrawdownPercent),
			Meta: map[string]interface{}{
				"from":       string(u.PreviousLevel),
				"to":         string(m.RiskLevel),
				"multiplier": m.PositionSizeMultiplier,
			},
		})
		if m.RiskLevel == models.RiskMedium && u.PreviousLevel.Rank() < models.RiskMedium.Rank() {
			e.notify(&models.Notification{
				Type:     models.NotificationTypeDrawdown,
				Severity: models.SeverityWarn,
				Message:  fmt.Sprintf("drawdown warning: %.2f%% from high %.2f", m.DrawdownPercent, m.PortfolioHigh),
			})
		}
	}

	if u.AutoStop != nil {
		e.onStopTriggered(ctx, u.AutoStop)
	}
}

// finishCycle - итог, сохранение, снимок и метрики
func (e *Engine) finishCycle(ctx context.Context, snap *models.CycleSnapshot, result string, err error) {
	if err != nil {
		switch {
		case isFatal(err):
			result = models.CycleResultError
			e.log.Error("fatal cycle error, stopping trading", utils.CycleID(snap.CycleID), utils.Err(err))
			e.TriggerEmergencyStop(ctx, fmt.Sprintf("fatal error: %v", err), models.StopSourceFatal)
			e.notify(&models.Notification{
				Type:     models.NotificationTypeError,
				Severity: models.SeverityError,
				Message:  fmt.Sprintf("fatal error, trading halted: %v", err),
			})
		case isDeadline(err) && ctx.Err() == nil:
			result = models.CycleResultDeferred
			e.log.Warn("cycle soft deadline reached, remaining work deferred", utils.CycleID(snap.CycleID), utils.Err(err))
		default:
			result = models.CycleResultError
			e.log.Error("cycle failed", utils.CycleID(snap.CycleID), utils.Err(err))
			e.notify(&models.Notification{
				Type:     models.NotificationTypeError,
				Severity: models.SeverityError,
				Message:  fmt.Sprintf("cycle failed: %v", err),
			})
		}
		if result != models.CycleResultDeferred {
			snap.Error = err.Error()
		}
	}
	if result == "" {
		result = models.CycleResultOK
	}

	state := e.grid.State()
	state.ReinvestedTotal, state.ExtractedTotal = e.profits.Totals()
	metrics := e.risk.Metrics()

	snap.Result = result
	snap.Config = state.Config
	snap.Levels = state.Levels
	snap.Positions = state.Positions
	snap.Detached = state.Detached
	snap.Risk = metrics
	snap.EmergencyStop = e.risk.EmergencyStop()
	snap.Reinvested = state.ReinvestedTotal
	snap.Extracted = state.ExtractedTotal
	snap.FinishedAt = e.now()

	e.persist(ctx, state, metrics)

	e.snapshot.Store(snap)
	if e.wsHub != nil {
		e.wsHub.BroadcastSnapshot(snap)
	}

	RecordCycle(e.pair, result, snap.FinishedAt.Sub(snap.StartedAt).Seconds())
	ActiveLevels.WithLabelValues(e.pair).Set(float64(e.grid.ActiveCount()))
	OpenPositions.WithLabelValues(e.pair).Set(float64(len(snap.Positions)))
	RecordRiskMetrics(e.pair, metrics)
	RecordEmergencyStop(e.pair, snap.EmergencyStop != nil)

	e.log.Info("cycle finished",
		utils.CycleID(snap.CycleID),
		utils.Int64("cycle", int64(snap.CycleNumber)),
		utils.String("result", result),
		utils.Price(snap.Price),
		utils.Latency(float64(snap.FinishedAt.Sub(snap.StartedAt).Milliseconds())),
	)
}

// persist сохраняет состояние сетки и снимок риска
func (e *Engine) persist(ctx context.Context, state *models.GridState, metrics *models.RiskMetrics) {
	if e.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.store.SaveGridState(pctx, e.pair, state); err != nil {
		e.log.Error("failed to save grid state", utils.Err(err))
	}
	if metrics != nil {
		if err := e.store.AppendRiskMetricsSnapshot(pctx, e.pair, metrics); err != nil {
			e.log.Error("failed to append risk snapshot", utils.Err(err))
		}
	}
	e.persistPendingStop(pctx)
}

// persistPendingStop повторяет запись остановки, не сохраненной при
// включении; без записи остановка потеряется при рестарте
func (e *Engine) persistPendingStop(ctx context.Context) {
	if !e.stopUnsaved.CompareAndSwap(true, false) {
		return
	}
	rec := e.risk.EmergencyStop()
	if rec == nil {
		// снята до записи
		return
	}
	if err := e.store.SaveEmergencyStop(ctx, e.pair, rec); err != nil {
		e.stopUnsaved.Store(true)
		e.log.Error("emergency stop still not persisted, will retry", utils.Err(err))
		return
	}
	e.risk.AttachStopID(rec.ID)
	e.log.Info("emergency stop persisted after retry", utils.Int64("stop_id", rec.ID))
}

// ============ Аварийная остановка ============

// TriggerEmergencyStop включает остановку; безопасен из любой горутины
//
// Идущий цикл прерывается перед следующим ордером.
func (e *Engine) TriggerEmergencyStop(ctx context.Context, reason, source string) *models.EmergencyStopRecord {
	rec, created := e.risk.TriggerEmergencyStop(reason, source)
	if created {
		e.onStopTriggered(ctx, rec)
	}
	return rec
}

func (e *Engine) onStopTriggered(ctx context.Context, rec *models.EmergencyStopRecord) {
	RecordEmergencyStop(e.pair, true)

	if e.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := e.store.SaveEmergencyStop(pctx, e.pair, rec); err != nil {
			e.stopUnsaved.Store(true)
			e.log.Error("failed to persist emergency stop, will retry at cycle end", utils.Err(err))
		} else {
			e.risk.AttachStopID(rec.ID)
		}
		e.appendAudit(pctx, &models.TradeLogEntry{
			Timestamp: rec.TriggeredAt,
			Pair:      e.pair,
			Event:     models.TradeEventEmergencyStop,
			Message:   rec.Reason,
			Meta:      map[string]interface{}{"source": rec.Source},
		})
	}

	e.notify(&models.Notification{
		Type:     models.NotificationTypeEmergencyStop,
		Severity: models.SeverityError,
		Message:  fmt.Sprintf("emergency stop (%s): %s", rec.Source, rec.Reason),
		Meta:     map[string]interface{}{"source": rec.Source},
	})
}

// ResetEmergencyStop снимает остановку при точном токене подтверждения
func (e *Engine) ResetEmergencyStop(ctx context.Context, token string) (*models.EmergencyStopRecord, error) {
	rec, err := e.risk.ResetEmergencyStop(token)
	if err != nil {
		return nil, err
	}
	RecordEmergencyStop(e.pair, false)

	if e.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := e.store.SaveEmergencyStop(pctx, e.pair, rec); err != nil {
			e.log.Error("failed to persist emergency stop reset", utils.Err(err))
		}
		e.appendAudit(pctx, &models.TradeLogEntry{
			Timestamp: e.now(),
			Pair:      e.pair,
			Event:     models.TradeEventEmergencyReset,
			Message:   rec.Reason,
		})
	}

	e.notify(&models.Notification{
		Type:     models.NotificationTypeEmergencyReset,
		Severity: models.SeverityInfo,
		Message:  "emergency stop reset, trading resumes",
	})
	return rec, nil
}

func (e *Engine) appendAudit(ctx context.Context, entry *models.TradeLogEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AppendTradeLog(ctx, entry); err != nil {
		e.log.Warn("trade log append failed", utils.String("event", entry.Event), utils.Err(err))
	}
}

// ============ Чтение состояния ============

// Snapshot - снимок последнего завершенного цикла (nil до первого цикла)
//
// Снимок неизменяем: вызывающий не должен его модифицировать.
func (e *Engine) Snapshot() *models.CycleSnapshot {
	return e.snapshot.Load()
}

// RiskMetrics - копия последних метрик риска
func (e *Engine) RiskMetrics() *models.RiskMetrics {
	return e.risk.Metrics()
}

// EmergencyStop - активная запись остановки или nil
func (e *Engine) EmergencyStop() *models.EmergencyStopRecord {
	return e.risk.EmergencyStop()
}

// State - NORMAL или STOPPED
func (e *Engine) State() string {
	return e.risk.State()
}

// Pair - торговая пара движка
func (e *Engine) Pair() string {
	return e.pair
}

// IsRunning - цикл выполняется прямо сейчас
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// ============ Уведомления ============

func (e *Engine) notify(n *models.Notification) {
	n.ID = int(e.notifSeq.Add(1))
	n.Pair = e.pair
	if n.Timestamp.IsZero() {
		n.Timestamp = e.now()
	}
	tryEnqueueNotification(e.notifications, n)
}

// notificationLoop логирует уведомления и транслирует их в хаб
func (e *Engine) notificationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-e.notifications:
			switch n.Severity {
			case models.SeverityError:
				e.log.Error(n.Message, utils.String("type", n.Type))
			case models.SeverityWarn:
				e.log.Warn(n.Message, utils.String("type", n.Type))
			default:
				e.log.Info(n.Message, utils.String("type", n.Type))
			}
			if e.wsHub != nil {
				e.wsHub.BroadcastNotification(n)
			}
		}
	}
}
