package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/pkg/utils"
)

// ============================================================
// GridLevelManager - уровни сетки, размещение ордеров и исполнения
// ============================================================
//
// Все методы вызываются только из горутины цикла. Параллельно идут
// лишь отмены при перестроении, и они не трогают уровни.

// vanishedGrace - подряд синхронизаций без ордера на бирже, после
// которых ссылка без исполнения считается потерянной
const vanishedGrace = 2

// auditTimeout - таймаут записи аудита, не зависит от дедлайна цикла
const auditTimeout = 2 * time.Second

// capitalDriftRebuild - доля изменения капитала, требующая перестроения
const capitalDriftRebuild = 0.10

// qtyEpsilon - остаток количества, считающийся нулем
const qtyEpsilon = 1e-12

// closedRefsKept - сколько ссылок закрытых позиций помнить для дедупликации
const closedRefsKept = 512

// RiskGate - проверка сделок перед размещением
type RiskGate interface {
	ValidateTrade(c models.TradeCandidate) TradeValidation
	Reserve(c models.TradeCandidate)
	IsEmergencyStopped() bool
	PositionSizeMultiplier() float64
}

// ProfitSink - получатель событий фиксации прибыли
type ProfitSink interface {
	Enqueue(ev models.ProfitEvent)
}

// GridManagerDeps - зависимости менеджера уровней
type GridManagerDeps struct {
	Orders  *OrderExecutor
	Risk    RiskGate
	Profits ProfitSink
	Audit   TradeLogger
}

// PlacementOptions - ограничения размещения на цикл
type PlacementOptions struct {
	// SuppressBuys - уверенный SELL сигнал: новые покупки не ставятся
	SuppressBuys bool
}

// PlacementReport - итог размещения
type PlacementReport struct {
	Placed            int
	RiskRejected      int
	InsufficientFunds int
	Failed            int
	Suppressed        int
}

// RebuildReport - итог перестроения
type RebuildReport struct {
	Cancelled int
	Gone      int
	Detached  int
}

// FillReport - итог применения исполнений
type FillReport struct {
	Applied   int
	Closed    []models.Position // выход исполнен
	StopLoss  []models.Position // стоп-лосс сработал в этом вызове
	Exits     int               // назначено новых выходов
	Unmatched int
}

// ExitReport - итог размещения заявок выхода
type ExitReport struct {
	Placed   int
	Repriced int
	Failed   int
}

// GridLevelManager - владелец уровней сетки пары
type GridLevelManager struct {
	pair string
	base string

	cfg             config.GridConfig
	profitThreshold float64
	step            float64
	maxCancels      int

	calc    *GridConfigCalculator
	orders  *OrderExecutor
	risk    RiskGate
	profits ProfitSink
	audit   TradeLogger
	log     *utils.Logger
	now     func() time.Time

	config    *models.GridConfiguration
	levels    []models.GridLevel
	detached  []models.DetachedOrder
	positions []models.Position
	misses    map[string]int

	closedRefs  map[string]struct{}
	closedOrder []string
}

// NewGridLevelManager создает менеджер уровней
func NewGridLevelManager(cfg *config.Config, calc *GridConfigCalculator, deps GridManagerDeps) (*GridLevelManager, error) {
	base, _, err := exchange.ParsePair(cfg.Exchange.Pair)
	if err != nil {
		return nil, err
	}
	maxCancels := cfg.Bot.MaxConcurrentCancels
	if maxCancels <= 0 {
		maxCancels = 1
	}

	return &GridLevelManager{
		pair:            cfg.Exchange.Pair,
		base:            base,
		cfg:             cfg.Grid,
		profitThreshold: cfg.Profit.Threshold,
		step:            cfg.Exchange.Step,
		maxCancels:      maxCancels,
		calc:            calc,
		orders:          deps.Orders,
		risk:            deps.Risk,
		profits:         deps.Profits,
		audit:           deps.Audit,
		log:             utils.L().WithComponent("grid").WithPair(cfg.Exchange.Pair),
		now:             time.Now,
		misses:          make(map[string]int),
		closedRefs:      make(map[string]struct{}),
	}, nil
}

// ============ Состояние ============

// Restore загружает сохраненное состояние после рестарта
//
// Ссылки на ордера сохраняются: их подтвердит SyncOpenOrders.
func (m *GridLevelManager) Restore(state *models.GridState) {
	if state == nil {
		return
	}
	if state.Config != nil {
		c := *state.Config
		m.config = &c
	}
	m.levels = append([]models.GridLevel(nil), state.Levels...)
	m.detached = append([]models.DetachedOrder(nil), state.Detached...)
	m.positions = append([]models.Position(nil), state.Positions...)
	m.misses = make(map[string]int)
}

// State - копия состояния для сохранения
func (m *GridLevelManager) State() *models.GridState {
	st := &models.GridState{
		Pair:      m.pair,
		Levels:    m.Levels(),
		Detached:  append([]models.DetachedOrder(nil), m.detached...),
		Positions: m.Positions(),
		UpdatedAt: m.now(),
	}
	if m.config != nil {
		c := *m.config
		st.Config = &c
	}
	return st
}

// Config - копия текущей конфигурации
func (m *GridLevelManager) Config() *models.GridConfiguration {
	if m.config == nil {
		return nil
	}
	c := *m.config
	return &c
}

// Levels - копия уровней
func (m *GridLevelManager) Levels() []models.GridLevel {
	return append([]models.GridLevel(nil), m.levels...)
}

// Positions - копии открытых позиций
func (m *GridLevelManager) Positions() []models.Position {
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.ClosedAt != nil {
			t := *p.ClosedAt
			p.ClosedAt = &t
		}
		out = append(out, p)
	}
	return out
}

// Detached - копия неподтвержденных ордеров снятых уровней
func (m *GridLevelManager) Detached() []models.DetachedOrder {
	return append([]models.DetachedOrder(nil), m.detached...)
}

// openBuyNotional - неисполненный номинал открытых ордеров на покупку
func openBuyNotional(open map[string]*exchange.Order) float64 {
	total := 0.0
	for _, o := range open {
		if o.Side == exchange.SideBuy {
			total += o.Notional() - o.FilledQty*o.Price
		}
	}
	return total
}

// ActiveCount - уровни с живыми ордерами
func (m *GridLevelManager) ActiveCount() int {
	n := 0
	for i := range m.levels {
		if m.levels[i].Active {
			n++
		}
	}
	return n
}

// ============ Перестроение ============

// NeedsRebuild решает, нужно ли перестраивать уровни под новую конфигурацию
func (m *GridLevelManager) NeedsRebuild(next *models.GridConfiguration, price float64) (bool, string) {
	switch {
	case len(m.levels) == 0 || m.config == nil:
		return true, "no_levels"
	case !m.config.Contains(price):
		return true, "price_out_of_range"
	case math.Abs(m.config.Spacing-next.Spacing) > 1e-12:
		return true, "spacing_changed"
	case m.cfg.RebalanceInterval > 0 && next.LastRebalanceTime.Sub(m.config.LastRebalanceTime) >= m.cfg.RebalanceInterval:
		return true, "rebalance_interval"
	}

	prev := m.config.AvailableCapital
	if prev <= 0 {
		if next.AvailableCapital > 0 {
			return true, "capital_changed"
		}
		return false, ""
	}
	if math.Abs(next.AvailableCapital-prev)/prev > capitalDriftRebuild {
		return true, "capital_changed"
	}
	return false, ""
}

// cancelTarget - ссылка на ордер, подлежащая отмене
type cancelTarget struct {
	ref      string
	side     string
	price    float64
	detached time.Time // не нулевое для ранее отвязанных
}

type cancelResult struct {
	cancelled bool
	err       error
}

// RebuildLevels перестраивает уровни под конфигурацию next
//
// Перед заменой уровней все живые ссылки сверяются с биржей: отмена
// с повторами, затем подтверждение по списку открытых ордеров. Ссылка,
// которую не удалось ни отменить, ни подтвердить закрытой, переносится
// в detached и повторяется при следующем перестроении.
func (m *GridLevelManager) RebuildLevels(ctx context.Context, next *models.GridConfiguration) (RebuildReport, error) {
	var report RebuildReport
	if next == nil {
		return report, fmt.Errorf("rebuild: nil configuration")
	}

	targets := m.cancelTargets()
	results := make([]cancelResult, len(targets))

	if len(targets) > 0 {
		var g errgroup.Group
		g.SetLimit(m.maxCancels)
		for i := range targets {
			i := i
			g.Go(func() error {
				ok, err := m.orders.Cancel(ctx, m.pair, targets[i].ref)
				results[i] = cancelResult{cancelled: ok, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}

	// Подтверждение по открытым ордерам нужно только при ошибках отмены
	var open map[string]*exchange.Order
	var openErr error
	for _, r := range results {
		if r.err != nil {
			open, openErr = m.orders.OpenOrders(ctx, m.pair)
			break
		}
	}

	now := m.now()
	var detached []models.DetachedOrder
	var fatalErr error
	for i, t := range targets {
		r := results[i]
		switch {
		case r.err == nil && r.cancelled:
			report.Cancelled++
			CancelsTotal.WithLabelValues(m.pair, "cancelled").Inc()
			m.record(ctx, &models.TradeLogEntry{
				Timestamp: now,
				Pair:      m.pair,
				Event:     models.TradeEventOrderCancelled,
				OrderRef:  t.ref,
				Side:      t.side,
				Price:     t.price,
				Message:   "cancelled on grid rebuild",
			})
		case r.err == nil:
			// уже не открыт: исполнен или отменен ранее
			report.Gone++
			CancelsTotal.WithLabelValues(m.pair, "gone").Inc()
		case openErr == nil && open != nil && open[t.ref] == nil:
			report.Gone++
			CancelsTotal.WithLabelValues(m.pair, "gone").Inc()
		default:
			if isFatal(r.err) && fatalErr == nil {
				fatalErr = r.err
			}
			at := t.detached
			if at.IsZero() {
				at = now
			}
			detached = append(detached, models.DetachedOrder{
				OrderRef:   t.ref,
				Side:       t.side,
				Price:      t.price,
				DetachedAt: at,
			})
			report.Detached++
			CancelsTotal.WithLabelValues(m.pair, "detached").Inc()
			m.log.Warn("order cancellation unconfirmed, keeping reference",
				utils.OrderID(t.ref),
				utils.Err(r.err),
			)
		}
	}

	oldLevels := m.levels
	m.levels = m.calc.BuildLevels(next)
	m.carryCooldowns(oldLevels, now)

	c := *next
	m.config = &c
	m.detached = detached

	tracked := make(map[string]struct{}, len(detached))
	for _, d := range detached {
		tracked[d.OrderRef] = struct{}{}
	}
	for ref := range m.misses {
		if _, ok := tracked[ref]; !ok {
			delete(m.misses, ref)
		}
	}
	for i := range m.positions {
		m.positions[i].LevelIndex = -1
	}

	m.log.Info("grid rebuilt",
		utils.Int("levels", len(m.levels)),
		utils.Float64("lower", next.LowerBound),
		utils.Float64("upper", next.UpperBound),
		utils.Float64("spacing", next.Spacing),
		utils.Int("cancelled", report.Cancelled),
		utils.Int("detached", report.Detached),
	)

	if fatalErr != nil {
		return report, fatalErr
	}
	return report, nil
}

// cancelTargets - все живые ссылки уровней и ранее отвязанные ордера
func (m *GridLevelManager) cancelTargets() []cancelTarget {
	var targets []cancelTarget
	for _, lvl := range m.levels {
		if lvl.BuyOrderRef != "" {
			targets = append(targets, cancelTarget{ref: lvl.BuyOrderRef, side: exchange.SideBuy, price: lvl.Price})
		}
		if lvl.SellOrderRef != "" {
			targets = append(targets, cancelTarget{ref: lvl.SellOrderRef, side: exchange.SideSell, price: lvl.Price})
		}
	}
	for _, d := range m.detached {
		targets = append(targets, cancelTarget{ref: d.OrderRef, side: d.Side, price: d.Price, detached: d.DetachedAt})
	}
	return targets
}

// carryCooldowns переносит отключение стоп-лоссом на ближайшие новые уровни
func (m *GridLevelManager) carryCooldowns(old []models.GridLevel, now time.Time) {
	if len(m.levels) < 2 {
		return
	}
	half := (m.levels[1].Price - m.levels[0].Price) / 2
	for _, o := range old {
		if !o.CoolingDown(now) {
			continue
		}
		for i := range m.levels {
			if math.Abs(m.levels[i].Price-o.Price) <= half {
				if o.CooldownUntil.After(m.levels[i].CooldownUntil) {
					m.levels[i].CooldownUntil = o.CooldownUntil
				}
				break
			}
		}
	}
}

// ============ Синхронизация с биржей ============

// SyncOpenOrders сверяет ссылки уровней со списком открытых ордеров
//
// Ссылка уровня или заявки выхода, отсутствующая на бирже vanishedGrace
// синхронизаций подряд без исполнения, снимается. Отвязанные ордера, которых нет среди
// открытых, считаются закрытыми.
func (m *GridLevelManager) SyncOpenOrders(open map[string]*exchange.Order) {
	seen := make(map[string]struct{})
	check := func(ref string) bool {
		seen[ref] = struct{}{}
		if _, ok := open[ref]; ok {
			delete(m.misses, ref)
			return true
		}
		m.misses[ref]++
		if m.misses[ref] < vanishedGrace {
			return true
		}
		delete(m.misses, ref)
		m.log.Warn("order vanished without fill, clearing reference", utils.OrderID(ref))
		return false
	}

	for i := range m.levels {
		lvl := &m.levels[i]
		if lvl.BuyOrderRef != "" && !check(lvl.BuyOrderRef) {
			lvl.BuyOrderRef = ""
		}
		if lvl.SellOrderRef != "" && !check(lvl.SellOrderRef) {
			lvl.SellOrderRef = ""
		}
		lvl.Active = lvl.HasOrder()
	}
	for i := range m.positions {
		p := &m.positions[i]
		if p.ExitOrderRef != "" && !check(p.ExitOrderRef) {
			// выход будет выставлен заново
			p.ExitOrderRef = ""
		}
	}

	kept := m.detached[:0]
	for _, d := range m.detached {
		seen[d.OrderRef] = struct{}{}
		if _, ok := open[d.OrderRef]; ok {
			kept = append(kept, d)
		}
	}
	m.detached = kept

	for ref := range m.misses {
		if _, ok := seen[ref]; !ok {
			delete(m.misses, ref)
		}
	}
}

// ============ Исполнения и позиции ============

// ReconcileFills применяет исполнения и проверяет открытые позиции по цене
//
// Исполнение заявки выхода закрывает позицию: PnL считается по ценам
// исполнения входа и выхода, прибыль уходит событием в ProfitSink.
// Остальные исполнения снимают ссылку с уровня и открывают позицию.
// Благоприятное отклонение от входа ≥ порога прибыли назначает выход
// по тейк-профиту, неблагоприятное ≥ StopLoss назначает выход по
// стоп-лоссу (в том числе поверх ждущего тейк-профита) и отключает
// уровень на LevelCooldown. Заявки выхода ставит PlaceExits.
func (m *GridLevelManager) ReconcileFills(ctx context.Context, fills []exchange.Fill, price float64) FillReport {
	var report FillReport
	now := m.now()

	for _, f := range fills {
		if f.Pair != "" && f.Pair != m.pair {
			continue
		}
		if i := m.exitPosition(f.OrderID); i >= 0 {
			report.Applied++
			if p, closed := m.applyExitFill(ctx, i, f); closed {
				report.Closed = append(report.Closed, p)
			}
			continue
		}
		if m.hasPositionFor(f.OrderID) || m.wasClosed(f.OrderID) {
			continue
		}
		idx := m.clearRef(f.OrderID)
		if idx < 0 {
			report.Unmatched++
		}

		m.positions = append(m.positions, m.openPosition(f, idx))
		report.Applied++

		m.record(ctx, &models.TradeLogEntry{
			Timestamp:  f.FilledAt,
			Pair:       m.pair,
			Event:      models.TradeEventFill,
			OrderRef:   f.OrderID,
			Side:       f.Side,
			Price:      f.Price,
			Quantity:   f.Quantity,
			LevelIndex: levelPtr(idx),
		})
	}

	kept := m.positions[:0]
	for _, p := range m.positions {
		if p.IsOpen() {
			kept = append(kept, p)
		}
	}
	m.positions = kept

	if price <= 0 {
		return report
	}

	for i := range m.positions {
		p := &m.positions[i]
		p.UnrealizedPnl = utils.CalculatePNL(p.Side, p.EntryPrice, price, p.Quantity)

		favourable := utils.Deviation(p.EntryPrice, price)
		if p.Side == exchange.SideSell {
			favourable = -favourable
		}
		stopped := m.cfg.StopLoss > 0 && -favourable >= m.cfg.StopLoss-riskEpsilon

		switch {
		case stopped && p.ExitReason != models.PositionStopped:
			p.ExitReason = models.PositionStopped
			report.Exits++
			report.StopLoss = append(report.StopLoss, *p)
			m.coolDown(p.LevelIndex, now)
			m.log.Warn("stop loss hit, closing position",
				utils.Level(p.LevelIndex),
				utils.Price(price),
				utils.PNL(p.UnrealizedPnl),
			)
		case p.ExitReason == "" && favourable >= m.profitThreshold-riskEpsilon:
			p.ExitReason = models.PositionTakeProfit
			report.Exits++
		}
	}
	return report
}

// applyExitFill учитывает исполнение заявки выхода позиции i
//
// Частичное исполнение уменьшает количество и копит PnL; позиция
// закрывается, когда выход исполнен целиком.
func (m *GridLevelManager) applyExitFill(ctx context.Context, i int, f exchange.Fill) (models.Position, bool) {
	p := &m.positions[i]
	qty := math.Min(f.Quantity, p.Quantity)
	p.RealizedPnl += utils.CalculatePNL(p.Side, p.EntryPrice, f.Price, qty)
	if rest := p.Quantity - qty; rest > qtyEpsilon {
		p.Quantity = rest
		return models.Position{}, false
	}

	closed := f.FilledAt
	if closed.IsZero() {
		closed = m.now()
	}
	p.Status = models.PositionStopped
	if p.RealizedPnl > 0 {
		p.Status = models.PositionTakeProfit
	}
	p.ExitPrice = f.Price
	p.UnrealizedPnl = 0
	p.ClosedAt = &closed
	m.rememberClosed(p.OrderRef, p.ExitOrderRef)
	delete(m.misses, p.ExitOrderRef)

	event := models.TradeEventStopLoss
	if p.Status == models.PositionTakeProfit {
		event = models.TradeEventTakeProfit
		if m.profits != nil {
			m.profits.Enqueue(models.ProfitEvent{
				Pair:       m.pair,
				PositionID: p.ID,
				LevelIndex: p.LevelIndex,
				Profit:     p.RealizedPnl,
				EntryPrice: p.EntryPrice,
				ExitPrice:  f.Price,
				At:         closed,
			})
		}
	}
	m.record(ctx, &models.TradeLogEntry{
		Timestamp:  closed,
		Pair:       m.pair,
		Event:      event,
		OrderRef:   p.ExitOrderRef,
		Side:       f.Side,
		Price:      f.Price,
		Quantity:   p.Quantity,
		Amount:     p.RealizedPnl,
		LevelIndex: levelPtr(p.LevelIndex),
		Meta:       map[string]interface{}{"position_id": p.ID, "entry_price": p.EntryPrice},
	})
	m.log.Info("position closed",
		utils.String("status", p.Status),
		utils.Level(p.LevelIndex),
		utils.Price(f.Price),
		utils.PNL(p.RealizedPnl),
	)
	return *p, true
}

// exitPosition - индекс открытой позиции с заявкой выхода orderRef или -1
func (m *GridLevelManager) exitPosition(orderRef string) int {
	for i := range m.positions {
		if m.positions[i].ExitOrderRef == orderRef && m.positions[i].IsOpen() {
			return i
		}
	}
	return -1
}

func (m *GridLevelManager) hasPositionFor(orderRef string) bool {
	for _, p := range m.positions {
		if p.OrderRef == orderRef {
			return true
		}
	}
	return false
}

// rememberClosed запоминает ссылки закрытой позиции, чтобы повторная
// доставка исполнения не открыла ее снова
func (m *GridLevelManager) rememberClosed(refs ...string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, ok := m.closedRefs[ref]; ok {
			continue
		}
		m.closedRefs[ref] = struct{}{}
		m.closedOrder = append(m.closedOrder, ref)
	}
	for len(m.closedOrder) > closedRefsKept {
		delete(m.closedRefs, m.closedOrder[0])
		m.closedOrder = m.closedOrder[1:]
	}
}

func (m *GridLevelManager) wasClosed(orderRef string) bool {
	_, ok := m.closedRefs[orderRef]
	return ok
}

// clearRef снимает ссылку исполненного ордера; индекс уровня или -1
func (m *GridLevelManager) clearRef(orderRef string) int {
	delete(m.misses, orderRef)
	for i := range m.levels {
		lvl := &m.levels[i]
		switch orderRef {
		case lvl.BuyOrderRef:
			lvl.BuyOrderRef = ""
		case lvl.SellOrderRef:
			lvl.SellOrderRef = ""
		default:
			continue
		}
		lvl.Active = lvl.HasOrder()
		return i
	}
	for i, d := range m.detached {
		if d.OrderRef == orderRef {
			m.detached = append(m.detached[:i], m.detached[i+1:]...)
			break
		}
	}
	return -1
}

func (m *GridLevelManager) openPosition(f exchange.Fill, levelIndex int) models.Position {
	p := models.Position{
		ID:         uuid.NewString(),
		Pair:       m.pair,
		Side:       f.Side,
		LevelIndex: levelIndex,
		OrderRef:   f.OrderID,
		EntryPrice: f.Price,
		Quantity:   f.Quantity,
		Status:     models.PositionOpen,
		OpenedAt:   f.FilledAt,
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = m.now()
	}
	if f.Side == exchange.SideSell {
		p.StopLoss = f.Price * (1 + m.cfg.StopLoss)
		p.TakeProfit = f.Price * (1 - m.profitThreshold)
	} else {
		p.StopLoss = f.Price * (1 - m.cfg.StopLoss)
		p.TakeProfit = f.Price * (1 + m.profitThreshold)
	}
	return p
}

func (m *GridLevelManager) coolDown(levelIndex int, now time.Time) {
	if levelIndex < 0 || levelIndex >= len(m.levels) {
		return
	}
	lvl := &m.levels[levelIndex]
	lvl.CooldownUntil = now.Add(m.cfg.LevelCooldown)
	lvl.Active = false
}

// exitSide - сторона заявки, закрывающей позицию
func exitSide(positionSide string) string {
	if positionSide == exchange.SideSell {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

// exitStale - заявка стоп-лосса ушла от рынка и требует перестановки
//
// Заявка тейк-профита, стоящая по выгодной цене, не переставляется,
// пока не сработал стоп-лосс.
func exitStale(p *models.Position, price float64) bool {
	if p.ExitReason != models.PositionStopped {
		return false
	}
	if p.Side == exchange.SideSell {
		return p.ExitPrice < price
	}
	return p.ExitPrice > price
}

// ============ Выходы ============

// PlaceExits выставляет заявки выхода по позициям, достигшим порога
//
// Заявка лимитная по текущей цене: продажа для лонга, покупка для шорта.
// Выход уменьшает риск и не проверяется лимитами экспозиции, но
// аварийная остановка проверяется перед каждой заявкой. Нехватка средств
// на выход не блокирует уровень: выход повторяется в следующем цикле.
func (m *GridLevelManager) PlaceExits(ctx context.Context, price float64) (ExitReport, error) {
	var report ExitReport
	if price <= 0 {
		return report, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	now := m.now()

	for i := range m.positions {
		p := &m.positions[i]
		if !p.Exiting() || p.Quantity <= 0 {
			continue
		}
		if p.ExitOrderRef != "" && !exitStale(p, price) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %v", ErrCycleDeadline, err)
		}
		if m.risk.IsEmergencyStopped() {
			return report, ErrEmergencyStopActive
		}

		if p.ExitOrderRef != "" {
			ok, err := m.orders.Cancel(ctx, m.pair, p.ExitOrderRef)
			switch {
			case err != nil && isFatal(err):
				return report, err
			case err != nil:
				report.Failed++
				m.log.Warn("exit order reprice failed", utils.OrderID(p.ExitOrderRef), utils.Err(err))
				continue
			case !ok:
				// уже исполнена: исполнение придет со следующим циклом
				continue
			}
			CancelsTotal.WithLabelValues(m.pair, "cancelled").Inc()
			m.record(ctx, &models.TradeLogEntry{
				Timestamp: now,
				Pair:      m.pair,
				Event:     models.TradeEventOrderCancelled,
				OrderRef:  p.ExitOrderRef,
				Side:      exitSide(p.Side),
				Price:     p.ExitPrice,
				Message:   "exit order repriced",
			})
			delete(m.misses, p.ExitOrderRef)
			p.ExitOrderRef = ""
			report.Repriced++
		}

		side := exitSide(p.Side)
		req := exchange.OrderRequest{
			Pair:          m.pair,
			Side:          side,
			Price:         price,
			Quantity:      p.Quantity,
			ClientOrderID: uuid.NewString(),
		}
		order, err := m.orders.Place(ctx, req)
		if err != nil {
			switch {
			case exchange.IsInsufficientFunds(err):
				report.Failed++
				RecordOrder(m.pair, side, "insufficient_funds")
				m.log.Warn("insufficient funds for exit order, retrying next cycle",
					utils.Level(p.LevelIndex),
					utils.Side(side),
					utils.Err(err),
				)
				continue
			case isFatal(err):
				RecordOrder(m.pair, side, "failed")
				return report, err
			case ctx.Err() != nil || isDeadline(err):
				return report, fmt.Errorf("%w: %v", ErrCycleDeadline, err)
			default:
				report.Failed++
				RecordOrder(m.pair, side, "failed")
				m.log.Warn("exit order placement failed", utils.Level(p.LevelIndex), utils.Err(err))
				continue
			}
		}

		p.ExitOrderRef = order.ID
		p.ExitPrice = price
		m.risk.Reserve(models.TradeCandidate{
			Pair:       m.pair,
			Asset:      m.base,
			Side:       side,
			Price:      price,
			Value:      p.Quantity * price,
			LevelIndex: p.LevelIndex,
		})
		report.Placed++
		RecordOrder(m.pair, side, "placed")

		m.record(ctx, &models.TradeLogEntry{
			Timestamp:  now,
			Pair:       m.pair,
			Event:      models.TradeEventOrderPlaced,
			OrderRef:   order.ID,
			Side:       side,
			Price:      price,
			Quantity:   p.Quantity,
			LevelIndex: levelPtr(p.LevelIndex),
			Meta: map[string]interface{}{
				"client_order_id": req.ClientOrderID,
				"position_id":     p.ID,
				"exit_reason":     p.ExitReason,
			},
		})
	}
	return report, nil
}

// ============ Размещение ============

// PlaceOrders выставляет ордера на уровни рядом с ценой
//
// Уровень получает ордер, если он в окне PlacementWindow от цены, не имеет
// ссылки, не отключен стоп-лоссом и не заблокирован нехваткой средств.
// Покупка - уровень не ниже цены, продажа - ниже. Аварийная остановка
// проверяется перед каждым ордером.
func (m *GridLevelManager) PlaceOrders(ctx context.Context, price, capital float64, opts PlacementOptions) (PlacementReport, error) {
	var report PlacementReport
	if price <= 0 {
		return report, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	now := m.now()

	for i := range m.levels {
		lvl := &m.levels[i]

		if lvl.HasOrder() || lvl.Size <= 0 || lvl.CoolingDown(now) {
			continue
		}
		if math.Abs(lvl.Price-price)/price > m.cfg.PlacementWindow+riskEpsilon {
			continue
		}
		if lvl.FundsBlockedAt > 0 {
			if capital <= lvl.FundsBlockedAt {
				continue
			}
			lvl.FundsBlockedAt = 0
		}

		side := exchange.SideSell
		if lvl.Price >= price {
			side = exchange.SideBuy
		}
		if side == exchange.SideBuy && opts.SuppressBuys {
			report.Suppressed++
			continue
		}

		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %v", ErrCycleDeadline, err)
		}
		if m.risk.IsEmergencyStopped() {
			return report, ErrEmergencyStopActive
		}

		notional := lvl.Size * m.risk.PositionSizeMultiplier()
		qty := utils.RoundToStep(notional/lvl.Price, m.step)
		if qty <= 0 {
			continue
		}
		cand := models.TradeCandidate{
			Pair:       m.pair,
			Asset:      m.base,
			Side:       side,
			Price:      lvl.Price,
			Value:      qty * lvl.Price,
			LevelIndex: lvl.Index,
		}

		v := m.risk.ValidateTrade(cand)
		if !v.Approved {
			if errors.Is(v.Err, ErrEmergencyStopActive) {
				return report, ErrEmergencyStopActive
			}
			report.RiskRejected++
			RecordOrder(m.pair, side, "risk_rejected")
			RiskRejections.WithLabelValues(m.pair, "limit").Inc()
			m.log.Debug("trade rejected by risk engine",
				utils.Level(lvl.Index),
				utils.Side(side),
				utils.String("reason", v.Reason),
			)
			continue
		}

		req := exchange.OrderRequest{
			Pair:          m.pair,
			Side:          side,
			Price:         lvl.Price,
			Quantity:      qty,
			ClientOrderID: uuid.NewString(),
		}
		order, err := m.orders.Place(ctx, req)
		if err != nil {
			switch {
			case exchange.IsInsufficientFunds(err) && side == exchange.SideSell:
				// продаже не хватает актива, рост капитала ее не разблокирует
				report.InsufficientFunds++
				RecordOrder(m.pair, side, "insufficient_funds")
				m.log.Debug("insufficient base asset for sell level",
					utils.Level(lvl.Index),
					utils.Err(err),
				)
				continue
			case exchange.IsInsufficientFunds(err):
				lvl.FundsBlockedAt = math.Max(capital, math.SmallestNonzeroFloat64)
				report.InsufficientFunds++
				RecordOrder(m.pair, side, "insufficient_funds")
				m.log.Warn("insufficient funds, level blocked until capital grows",
					utils.Level(lvl.Index),
					utils.Side(side),
					utils.Float64("capital", capital),
				)
				continue
			case isFatal(err):
				RecordOrder(m.pair, side, "failed")
				return report, err
			case ctx.Err() != nil || isDeadline(err):
				return report, fmt.Errorf("%w: %v", ErrCycleDeadline, err)
			default:
				report.Failed++
				RecordOrder(m.pair, side, "failed")
				m.log.Warn("order placement failed",
					utils.Level(lvl.Index),
					utils.Side(side),
					utils.Err(err),
				)
				continue
			}
		}

		if side == exchange.SideBuy {
			lvl.BuyOrderRef = order.ID
		} else {
			lvl.SellOrderRef = order.ID
		}
		lvl.Active = true
		m.risk.Reserve(cand)
		report.Placed++
		RecordOrder(m.pair, side, "placed")

		m.record(ctx, &models.TradeLogEntry{
			Timestamp:  now,
			Pair:       m.pair,
			Event:      models.TradeEventOrderPlaced,
			OrderRef:   order.ID,
			Side:       side,
			Price:      lvl.Price,
			Quantity:   qty,
			LevelIndex: levelPtr(lvl.Index),
			Meta:       map[string]interface{}{"client_order_id": req.ClientOrderID},
		})
	}

	return report, nil
}

// ============ Аудит ============

// record пишет аудит вне дедлайна цикла; ошибка только логируется
func (m *GridLevelManager) record(ctx context.Context, entry *models.TradeLogEntry) {
	if m.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := m.audit.AppendTradeLog(actx, entry); err != nil {
		m.log.Warn("trade log append failed", utils.String("event", entry.Event), utils.Err(err))
	}
}

func levelPtr(idx int) *int {
	if idx < 0 {
		return nil
	}
	return &idx
}
