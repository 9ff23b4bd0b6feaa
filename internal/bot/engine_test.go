package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/signal"
)

func newTestEngine(t *testing.T, balances map[string]float64) (*Engine, *exchange.PaperExchange, *memStore, *fakeHub) {
	t.Helper()
	paper, err := exchange.NewPaperExchange("paper", testPair, 50000, balances)
	if err != nil {
		t.Fatalf("NewPaperExchange: %v", err)
	}
	store := newMemStore()
	hub := &fakeHub{}
	e, err := NewEngine(testConfig(), paper, store, hub)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, paper, store, hub
}

// drainNotifications забирает уведомления из очереди движка
func drainNotifications(e *Engine) []*models.Notification {
	var out []*models.Notification
	for {
		select {
		case n := <-e.notifications:
			out = append(out, n)
		default:
			return out
		}
	}
}

func hasNotification(list []*models.Notification, typ string) bool {
	for _, n := range list {
		if n.Type == typ {
			return true
		}
	}
	return false
}

func TestNewEngine_InvalidPair(t *testing.T) {
	paper, _ := exchange.NewPaperExchange("paper", testPair, 50000, nil)
	cfg := testConfig()
	cfg.Exchange.Pair = "BTCUSDT"
	if _, err := NewEngine(cfg, paper, nil, nil); err == nil {
		t.Error("NewEngine with malformed pair should fail")
	}
}

func TestEngine_RunCycle_PlacesAndReconciles(t *testing.T) {
	e, paper, store, hub := newTestEngine(t, map[string]float64{"USDT": 10000})
	ctx := context.Background()

	snap := e.RunCycle(ctx)
	if snap.Result != models.CycleResultOK {
		t.Fatalf("first cycle result = %s (%s), want ok", snap.Result, snap.Error)
	}
	if len(snap.Levels) != 20 || snap.Config == nil {
		t.Fatalf("snapshot has %d levels, config %v", len(snap.Levels), snap.Config)
	}
	if !snap.Levels[10].HasOrder() {
		t.Error("level 10 should hold an order after the first cycle")
	}
	if snap.Risk == nil || snap.Risk.PortfolioValue != 10000 {
		t.Errorf("risk metrics = %+v, want portfolio value 10000", snap.Risk)
	}
	if e.Snapshot() != snap {
		t.Error("Snapshot() must return the last published snapshot")
	}

	// Заявка уровня 10 маркетабельна и исполнена paper-биржей сразу
	if e.fills.Len() != 1 {
		t.Fatalf("fill queue = %d, want 1", e.fills.Len())
	}

	snap = e.RunCycle(ctx)
	if snap.Result != models.CycleResultOK {
		t.Fatalf("second cycle result = %s (%s), want ok", snap.Result, snap.Error)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].LevelIndex != 10 {
		t.Fatalf("positions = %+v, want one on level 10", snap.Positions)
	}
	if snap.CycleNumber != 2 {
		t.Errorf("cycle number = %d, want 2", snap.CycleNumber)
	}

	bal, _ := paper.GetAccountBalance(ctx)
	if bal["BTC"].Total() <= 0 {
		t.Error("paper exchange should hold bought BTC")
	}

	if store.saves != 2 || len(store.snaps) != 2 {
		t.Errorf("persisted %d grid states and %d risk snapshots, want 2 and 2", store.saves, len(store.snaps))
	}
	if len(hub.snapshots) != 2 {
		t.Errorf("hub received %d snapshots, want 2", len(hub.snapshots))
	}
	if n := len(store.events(models.TradeEventFill)); n != 1 {
		t.Errorf("audit has %d FILL records, want 1", n)
	}
}

func TestEngine_TakeProfitRoundTrip(t *testing.T) {
	e, paper, store, _ := newTestEngine(t, map[string]float64{"USDT": 10000})
	ctx := context.Background()

	// Покупка уровня 10 исполняется по 50000, позиция открывается во втором цикле
	e.RunCycle(ctx)
	snap := e.RunCycle(ctx)
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %+v, want one", snap.Positions)
	}
	pos := snap.Positions[0]
	if pos.EntryPrice != 50000 {
		t.Fatalf("entry price = %v, want 50000", pos.EntryPrice)
	}
	qty := pos.Quantity
	wantProfit := (51000 - 50000) * qty

	// +2%: выход продажей по рынку исполняется сразу
	paper.SetPrice(51000)
	snap = e.RunCycle(ctx)
	if snap.Result != models.CycleResultOK {
		t.Fatalf("exit cycle = %s (%s), want ok", snap.Result, snap.Error)
	}
	if snap.Extracted != 0 || snap.Reinvested != 0 {
		t.Errorf("profit booked before the exit fill: %v/%v", snap.Reinvested, snap.Extracted)
	}
	var exitPlaced bool
	for _, entry := range store.events(models.TradeEventOrderPlaced) {
		if entry.Side == exchange.SideSell && entry.Meta["position_id"] == pos.ID {
			exitPlaced = entry.Quantity == qty
		}
	}
	if !exitPlaced {
		t.Fatal("no exit sell recorded for the position")
	}

	bal, _ := paper.GetAccountBalance(ctx)
	if bal["BTC"].Total() != 0 {
		t.Errorf("BTC after exit = %v, want 0", bal["BTC"].Total())
	}
	if !approxEqual(bal["USDT"].Free, 10000+wantProfit, 1e-6) {
		t.Errorf("USDT after exit = %v, want %v", bal["USDT"].Free, 10000+wantProfit)
	}

	snap = e.RunCycle(ctx)
	if len(store.events(models.TradeEventTakeProfit)) != 1 {
		t.Fatal("take profit not recorded on the exit fill")
	}
	if !approxEqual(snap.Reinvested+snap.Extracted, wantProfit, 1e-9) {
		t.Errorf("reinvested %v + extracted %v, want %v", snap.Reinvested, snap.Extracted, wantProfit)
	}
	if !approxEqual(snap.Extracted, wantProfit*0.3, 1e-9) {
		t.Errorf("extracted = %v, want 30%% of %v", snap.Extracted, wantProfit)
	}
	// Кеш - реальный свободный остаток за вычетом изъятого
	if !approxEqual(snap.Risk.CashReserves, bal["USDT"].Free-snap.Extracted, 1e-6) {
		t.Errorf("cash reserves = %v, want %v", snap.Risk.CashReserves, bal["USDT"].Free-snap.Extracted)
	}
	extracted := snap.Extracted

	bal, _ = paper.GetAccountBalance(ctx)
	snap = e.RunCycle(ctx)
	if snap.Extracted != extracted {
		t.Errorf("extracted changed without a new exit: %v -> %v", extracted, snap.Extracted)
	}
	if !approxEqual(snap.Risk.CashReserves, bal["USDT"].Free-extracted, 1e-6) {
		t.Errorf("next cycle cash reserves = %v, want %v", snap.Risk.CashReserves, bal["USDT"].Free-extracted)
	}
	if n := len(store.events(models.TradeEventTakeProfit)); n != 1 {
		t.Errorf("audit has %d TAKE_PROFIT records, want 1", n)
	}
}

func TestEngine_TickSkipsWhileRunning(t *testing.T) {
	e, _, _, _ := newTestEngine(t, map[string]float64{"USDT": 10000})

	e.running.Store(true)
	if e.Tick(context.Background()) {
		t.Error("tick must be skipped while a cycle is running")
	}
	if e.Snapshot() != nil {
		t.Error("skipped tick must not publish a snapshot")
	}

	e.running.Store(false)
	if !e.Tick(context.Background()) {
		t.Error("tick must run when no cycle is in flight")
	}
	if e.IsRunning() {
		t.Error("running flag must be released after the cycle")
	}
}

func TestEngine_EmergencyStopSkipsPlacement(t *testing.T) {
	e, paper, store, _ := newTestEngine(t, map[string]float64{"USDT": 10000})
	ctx := context.Background()

	rec := e.TriggerEmergencyStop(ctx, "operator halt", models.StopSourceManual)
	if rec == nil || e.State() != models.TradingStateStopped {
		t.Fatalf("TriggerEmergencyStop = %+v, state %s", rec, e.State())
	}
	if stop := e.EmergencyStop(); stop == nil || stop.ID != 1 {
		t.Errorf("stop record = %+v, want persisted ID 1", stop)
	}

	snap := e.RunCycle(ctx)
	if snap.Result != models.CycleResultStopped {
		t.Fatalf("cycle result = %s, want stopped", snap.Result)
	}
	if snap.EmergencyStop == nil {
		t.Error("snapshot must carry the active stop")
	}
	if snap.Risk == nil {
		t.Error("risk metrics must be refreshed even while stopped")
	}
	if open, _ := paper.GetOpenOrders(ctx, testPair); len(open) != 0 {
		t.Errorf("%d orders placed during emergency stop", len(open))
	}
	if len(snap.Levels) != 0 {
		t.Errorf("grid built during emergency stop: %d levels", len(snap.Levels))
	}

	if _, err := e.ResetEmergencyStop(ctx, "nope"); !errors.Is(err, ErrInvalidConfirmation) {
		t.Fatalf("reset with wrong token error = %v, want ErrInvalidConfirmation", err)
	}
	if !e.risk.IsEmergencyStopped() {
		t.Fatal("wrong token cleared the stop")
	}

	reset, err := e.ResetEmergencyStop(ctx, config.DefaultResetToken)
	if err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}
	if reset.Active || reset.ResetAt == nil {
		t.Errorf("reset record = %+v", reset)
	}
	if store.active != nil {
		t.Error("persisted stop must be marked inactive")
	}

	if snap := e.RunCycle(ctx); snap.Result != models.CycleResultOK {
		t.Errorf("cycle after reset = %s (%s), want ok", snap.Result, snap.Error)
	}
	if len(store.events(models.TradeEventEmergencyStop)) != 1 || len(store.events(models.TradeEventEmergencyReset)) != 1 {
		t.Error("stop and reset must both be audited")
	}

	notes := drainNotifications(e)
	if !hasNotification(notes, models.NotificationTypeEmergencyStop) || !hasNotification(notes, models.NotificationTypeEmergencyReset) {
		t.Errorf("notifications = %+v, want stop and reset", notes)
	}
}

func TestEngine_FatalErrorTriggersStop(t *testing.T) {
	e, paper, store, _ := newTestEngine(t, map[string]float64{"USDT": 10000})
	paper.InjectFailure(exchange.OpPrice, &exchange.ExchangeError{
		Exchange: "paper",
		Code:     "AUTH",
		Message:  "authentication failure",
		Original: exchange.ErrAuthentication,
	})

	snap := e.RunCycle(context.Background())
	if snap.Result != models.CycleResultError || snap.Error == "" {
		t.Fatalf("cycle = %s %q, want error", snap.Result, snap.Error)
	}
	stop := e.EmergencyStop()
	if stop == nil || stop.Source != models.StopSourceFatal {
		t.Fatalf("stop = %+v, want fatal source", stop)
	}
	if store.active == nil {
		t.Error("fatal stop must be persisted")
	}
	if !hasNotification(drainNotifications(e), models.NotificationTypeError) {
		t.Error("fatal error must be notified")
	}
}

func TestEngine_TransientErrorDoesNotStop(t *testing.T) {
	e, paper, _, _ := newTestEngine(t, map[string]float64{"USDT": 10000})
	paper.InjectFailure(exchange.OpBalance, &exchange.ExchangeError{Exchange: "paper", Code: "502", Message: "bad gateway"})

	snap := e.RunCycle(context.Background())
	if snap.Result != models.CycleResultError {
		t.Errorf("cycle result = %s, want error", snap.Result)
	}
	if e.risk.IsEmergencyStopped() {
		t.Error("transient error must not stop trading")
	}
	if snap := e.RunCycle(context.Background()); snap.Result != models.CycleResultOK {
		t.Errorf("next cycle = %s (%s), want ok", snap.Result, snap.Error)
	}
}

func TestEngine_DrawdownAutoStop(t *testing.T) {
	e, paper, store, _ := newTestEngine(t, map[string]float64{"USDT": 1000, "BTC": 0.18})
	ctx := context.Background()

	if snap := e.RunCycle(ctx); !approxEqual(snap.Risk.PortfolioValue, 10000, 1e-6) {
		t.Fatalf("portfolio value = %v, want 10000", snap.Risk.PortfolioValue)
	}

	// 1000 + 0.18 × 40000 = 8200: просадка 18%
	paper.SetPrice(40000)
	snap := e.RunCycle(ctx)
	if snap.Risk.RiskLevel != models.RiskCritical {
		t.Fatalf("risk level = %s, want CRITICAL", snap.Risk.RiskLevel)
	}
	if snap.Result != models.CycleResultStopped {
		t.Errorf("cycle result = %s, want stopped", snap.Result)
	}
	if store.active == nil || store.active.Source != models.StopSourceAuto {
		t.Errorf("persisted stop = %+v, want auto", store.active)
	}

	notes := drainNotifications(e)
	for _, typ := range []string{models.NotificationTypeRiskLevel, models.NotificationTypeEmergencyStop} {
		if !hasNotification(notes, typ) {
			t.Errorf("missing %s notification", typ)
		}
	}
}

func TestEngine_RestoreAfterRestart(t *testing.T) {
	paper, _ := exchange.NewPaperExchange("paper", testPair, 50000, map[string]float64{"USDT": 10000})
	store := newMemStore()
	store.state = &models.GridState{
		Pair:            testPair,
		Levels:          []models.GridLevel{{Index: 0, Price: 49900, BuyOrderRef: "before-restart", Active: true}},
		ReinvestedTotal: 7,
		ExtractedTotal:  3,
	}
	store.active = &models.EmergencyStopRecord{ID: 4, Reason: "halted before restart", Source: models.StopSourceManual, Active: true}
	store.snaps = []*models.RiskMetrics{{PortfolioHigh: 20000}}

	e, err := NewEngine(testConfig(), paper, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if stop := e.EmergencyStop(); stop == nil || stop.ID != 4 {
		t.Fatalf("restored stop = %+v, want ID 4", stop)
	}

	snap := e.RunCycle(context.Background())
	if snap.Result != models.CycleResultStopped {
		t.Errorf("cycle result = %s, want stopped", snap.Result)
	}
	if snap.Risk.PortfolioHigh != 20000 || !approxEqual(snap.Risk.DrawdownPercent, 50, 1e-9) {
		t.Errorf("risk = high %v drawdown %v, want 20000 and 50%%", snap.Risk.PortfolioHigh, snap.Risk.DrawdownPercent)
	}
	if snap.Reinvested != 7 || snap.Extracted != 3 {
		t.Errorf("profit totals = %v/%v, want 7/3", snap.Reinvested, snap.Extracted)
	}
	if len(snap.Levels) != 1 || snap.Levels[0].BuyOrderRef != "before-restart" {
		t.Errorf("levels = %+v, want restored reference kept for one sync", snap.Levels)
	}
}

func TestEngine_RestoredCriticalLevelDoesNotRestop(t *testing.T) {
	// Остановку сбросили до рестарта, просадка 16% осталась
	paper, _ := exchange.NewPaperExchange("paper", testPair, 50000, map[string]float64{"USDT": 84000})
	store := newMemStore()
	store.snaps = []*models.RiskMetrics{{PortfolioHigh: 100000, RiskLevel: models.RiskCritical}}

	e, err := NewEngine(testConfig(), paper, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	snap := e.RunCycle(context.Background())
	if snap.Risk.RiskLevel != models.RiskCritical {
		t.Fatalf("risk level = %s, want CRITICAL", snap.Risk.RiskLevel)
	}
	if snap.Result == models.CycleResultStopped || e.EmergencyStop() != nil {
		t.Errorf("restart re-triggered the auto stop: result %s", snap.Result)
	}
	if store.active != nil || len(store.events(models.TradeEventEmergencyStop)) != 0 {
		t.Error("no stop must be persisted after restart")
	}
}

func TestEngine_UnsavedStopPersistedAtCycleEnd(t *testing.T) {
	e, paper, store, _ := newTestEngine(t, map[string]float64{"USDT": 10000})
	ctx := context.Background()
	store.stopErrs = []error{errors.New("connection reset"), errors.New("connection reset")}

	if rec := e.TriggerEmergencyStop(ctx, "operator halt", models.StopSourceManual); rec == nil {
		t.Fatal("stop not triggered")
	}
	if store.active != nil {
		t.Fatal("failed insert must not leave a persisted stop")
	}

	// Повтор в конце цикла снова падает
	if snap := e.RunCycle(ctx); snap.Result != models.CycleResultStopped {
		t.Fatalf("cycle result = %s, want stopped", snap.Result)
	}
	if store.active != nil {
		t.Fatal("stop persisted despite a failing store")
	}

	e.RunCycle(ctx)
	if store.active == nil || store.active.Reason != "operator halt" {
		t.Fatalf("persisted stop = %+v, want the operator halt", store.active)
	}
	if stop := e.EmergencyStop(); stop == nil || stop.ID == 0 || stop.ID != store.active.ID {
		t.Errorf("engine stop = %+v, want ID %d", stop, store.active.ID)
	}

	// Рестарт восстанавливает остановку
	restarted, err := NewEngine(testConfig(), paper, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if stop := restarted.EmergencyStop(); stop == nil || stop.ID != store.active.ID {
		t.Errorf("restored stop = %+v, want ID %d", stop, store.active.ID)
	}
}

func TestEngine_RestoreCorruptedStateIsFatal(t *testing.T) {
	paper, _ := exchange.NewPaperExchange("paper", testPair, 50000, nil)
	store := newMemStore()
	store.loadErr = errors.New("invalid character in grid state")

	e, err := NewEngine(testConfig(), paper, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Restore(context.Background()); !errors.Is(err, ErrFatal) {
		t.Errorf("Restore error = %v, want ErrFatal", err)
	}
}

// staticSignal - источник сигнала с фиксированным ответом
type staticSignal struct {
	sig signal.Signal
}

func (s staticSignal) GetSignal(ctx context.Context, asset string) (signal.Signal, error) {
	return s.sig, nil
}

func TestEngine_SellSignalSuppressesBuys(t *testing.T) {
	e, _, _, _ := newTestEngine(t, map[string]float64{"USDT": 10000})
	e.SetSignalSource(staticSignal{sig: signal.Signal{Asset: "BTC", Direction: signal.DirectionSell, Confidence: 0.9}})

	snap := e.RunCycle(context.Background())
	if snap.Result != models.CycleResultOK {
		t.Fatalf("cycle result = %s (%s)", snap.Result, snap.Error)
	}
	if snap.Levels[10].HasOrder() {
		t.Error("buy placed despite a confident SELL signal")
	}
	if e.fills.Len() != 0 {
		t.Error("no fills expected without buys")
	}
}

func TestEngine_NoCapital(t *testing.T) {
	e, _, _, _ := newTestEngine(t, map[string]float64{"USDT": 0})

	snap := e.RunCycle(context.Background())
	if snap.Result != models.CycleResultNoCapital {
		t.Errorf("cycle result = %s, want no_capital", snap.Result)
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e, _, _, hub := newTestEngine(t, map[string]float64{"USDT": 10000})
	e.cfg.Bot.CycleInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for e.Snapshot() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if e.Snapshot() == nil {
		t.Fatal("no cycle completed while running")
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.snapshots) == 0 {
		t.Error("hub received no snapshots")
	}
}
