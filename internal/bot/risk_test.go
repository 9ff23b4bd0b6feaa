package bot

import (
	"errors"
	"testing"

	"gridbot/internal/config"
	"gridbot/internal/models"
	"gridbot/pkg/crypto"
)

func newTestRiskEngine(t *testing.T) *RiskEngine {
	t.Helper()
	return NewRiskEngine("BTC/USDT", config.DefaultRiskConfig())
}

func TestLevelForDrawdown(t *testing.T) {
	tests := []struct {
		drawdown   float64
		wantLevel  models.RiskLevel
		wantFactor float64
	}{
		{0, models.RiskLow, 1.0},
		{4.99, models.RiskLow, 1.0},
		{5, models.RiskMedium, 1.0},
		{9.99, models.RiskMedium, 1.0},
		{10, models.RiskHigh, 0.75},
		{12, models.RiskHigh, 0.75},
		{15, models.RiskCritical, 0.5},
		{19.99, models.RiskCritical, 0.5},
		{20, models.RiskEmergency, 0.25},
		{35, models.RiskEmergency, 0.25},
	}

	for _, tt := range tests {
		level, factor := LevelForDrawdown(tt.drawdown)
		if level != tt.wantLevel || factor != tt.wantFactor {
			t.Errorf("LevelForDrawdown(%v) = %s ×%v, want %s ×%v", tt.drawdown, level, factor, tt.wantLevel, tt.wantFactor)
		}
	}
}

func TestRiskEngine_DrawdownHigh(t *testing.T) {
	r := newTestRiskEngine(t)

	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000, CashReserves: 100000})
	u := r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 88000, CashReserves: 88000})

	m := u.Metrics
	if m.RiskLevel != models.RiskHigh {
		t.Errorf("risk level = %s, want HIGH", m.RiskLevel)
	}
	if m.PositionSizeMultiplier != 0.75 {
		t.Errorf("multiplier = %v, want 0.75", m.PositionSizeMultiplier)
	}
	if !approxEqual(m.DrawdownPercent, 12, 1e-9) || !approxEqual(m.CurrentDrawdown, 12000, 1e-9) {
		t.Errorf("drawdown = %v (%v%%), want 12000 (12%%)", m.CurrentDrawdown, m.DrawdownPercent)
	}
	if m.PortfolioHigh != 100000 {
		t.Errorf("portfolio high = %v, want 100000", m.PortfolioHigh)
	}
	if !u.LevelChanged || u.PreviousLevel != models.RiskLow {
		t.Errorf("level change = %v from %s, want true from LOW", u.LevelChanged, u.PreviousLevel)
	}
	if u.AutoStop != nil || r.IsEmergencyStopped() {
		t.Error("HIGH level must not stop trading")
	}
	if r.PositionSizeMultiplier() != 0.75 {
		t.Errorf("PositionSizeMultiplier() = %v, want 0.75", r.PositionSizeMultiplier())
	}
}

func TestRiskEngine_AutoStopOnCritical(t *testing.T) {
	r := newTestRiskEngine(t)

	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000})
	u := r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 84000})

	if u.Metrics.RiskLevel != models.RiskCritical {
		t.Fatalf("risk level = %s, want CRITICAL", u.Metrics.RiskLevel)
	}
	if u.AutoStop == nil {
		t.Fatal("expected automatic emergency stop")
	}
	if u.AutoStop.Source != models.StopSourceAuto || !u.AutoStop.Active {
		t.Errorf("auto stop = %+v, want active auto record", u.AutoStop)
	}
	if !r.IsEmergencyStopped() || r.State() != models.TradingStateStopped {
		t.Errorf("state = %s, want STOPPED", r.State())
	}

	// Дальнейшее падение не создает вторую запись
	u = r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 79000})
	if u.AutoStop != nil {
		t.Error("second auto stop created while one is active")
	}
}

func TestRiskEngine_NoRestopWithoutRecrossing(t *testing.T) {
	r := newTestRiskEngine(t)

	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000})
	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 84000})
	if _, err := r.ResetEmergencyStop(config.DefaultResetToken); err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}

	u := r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 83000})
	if u.AutoStop != nil || r.IsEmergencyStopped() {
		t.Error("staying at CRITICAL after a reset must not stop again")
	}

	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 95000})
	u = r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 84000})
	if u.AutoStop == nil {
		t.Error("crossing into CRITICAL again must stop trading")
	}
}

func TestRiskEngine_ValidateTradeBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		exposure map[string]float64
		cash     float64
		value    float64
		approved bool
	}{
		{"asset exactly 5%", nil, 100000, 5000, true},
		{"asset 5.1%", nil, 100000, 5100, false},
		{"total exactly 80%", map[string]float64{"ETH": 75000}, 25000, 5000, true},
		{"total 80.1%", map[string]float64{"ETH": 75100}, 24900, 5000, false},
		{"cash exactly 20%", map[string]float64{"ETH": 10000}, 25000, 5000, true},
		{"cash 19.9%", map[string]float64{"ETH": 10000}, 24900, 5000, false},
		{"non-positive value", nil, 100000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRiskEngine(t)
			r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000, CashReserves: tt.cash, AssetExposure: tt.exposure})

			v := r.ValidateTrade(models.TradeCandidate{Pair: "BTC/USDT", Asset: "BTC", Side: "buy", Price: 50000, Value: tt.value})
			if v.Approved != tt.approved {
				t.Fatalf("Approved = %v (%s), want %v", v.Approved, v.Reason, tt.approved)
			}
			if !v.Approved && !errors.Is(v.Err, ErrRiskLimitExceeded) {
				t.Errorf("rejection error = %v, want ErrRiskLimitExceeded", v.Err)
			}
		})
	}
}

func TestRiskEngine_ValidateSellBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		exposure map[string]float64
		holdings float64
		cash     float64
		value    float64
		approved bool
	}{
		{"covered sell above asset cap", map[string]float64{"BTC": 7000}, 7000, 93000, 3000, true},
		{"covered sell with cash below reserve", map[string]float64{"BTC": 7000}, 7000, 1000, 3000, true},
		{"uncovered sell exactly 5%", nil, 0, 100000, 5000, true},
		{"uncovered sell 5.1%", nil, 0, 100000, 5100, false},
		{"partly covered exactly 5%", map[string]float64{"BTC": 4000}, 2000, 96000, 5000, true},
		{"partly covered 5.1%", map[string]float64{"BTC": 4000}, 2000, 96000, 5100, false},
		{"uncovered total 80.1%", map[string]float64{"ETH": 75100}, 0, 24900, 5000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRiskEngine(t)
			r.UpdatePortfolioValue(PortfolioInput{
				PortfolioValue: 100000,
				CashReserves:   tt.cash,
				AssetExposure:  tt.exposure,
				Holdings:       map[string]float64{"BTC": tt.holdings},
			})

			v := r.ValidateTrade(models.TradeCandidate{Pair: "BTC/USDT", Asset: "BTC", Side: "sell", Price: 50000, Value: tt.value})
			if v.Approved != tt.approved {
				t.Fatalf("Approved = %v (%s), want %v", v.Approved, v.Reason, tt.approved)
			}
			if !v.Approved && !errors.Is(v.Err, ErrRiskLimitExceeded) {
				t.Errorf("rejection error = %v, want ErrRiskLimitExceeded", v.Err)
			}
		})
	}
}

func TestRiskEngine_SellAfterBuyNotBlockedByExposure(t *testing.T) {
	r := newTestRiskEngine(t)
	// После первой покупки уровня вся экспозиция BTC - свободный остаток
	r.UpdatePortfolioValue(PortfolioInput{
		PortfolioValue: 10000,
		CashReserves:   9632.3,
		AssetExposure:  map[string]float64{"BTC": 367.7},
		Holdings:       map[string]float64{"BTC": 367.7},
	})

	sell := models.TradeCandidate{Asset: "BTC", Side: "sell", Price: 49960.53, Value: 363.64, LevelIndex: 9}
	if v := r.ValidateTrade(sell); !v.Approved {
		t.Fatalf("sell of held BTC rejected: %s", v.Reason)
	}
	buy := models.TradeCandidate{Asset: "BTC", Side: "buy", Price: 50039.47, Value: 363.64, LevelIndex: 10}
	if v := r.ValidateTrade(buy); v.Approved {
		t.Error("second buy must exceed 5% asset exposure")
	}
}

func TestRiskEngine_SellReservationsConsumeHoldings(t *testing.T) {
	r := newTestRiskEngine(t)
	r.UpdatePortfolioValue(PortfolioInput{
		PortfolioValue: 100000,
		CashReserves:   95100,
		AssetExposure:  map[string]float64{"BTC": 4900},
		Holdings:       map[string]float64{"BTC": 3000},
	})

	sell := models.TradeCandidate{Asset: "BTC", Side: "sell", Value: 3000}
	if v := r.ValidateTrade(sell); !v.Approved {
		t.Fatalf("covered sell rejected: %s", v.Reason)
	}
	r.Reserve(sell)

	if v := r.ValidateTrade(sell); v.Approved {
		t.Error("second sell is uncovered once holdings are reserved: 7.9% must be rejected")
	}
	// Неисполненная продажа не освобождает лимит для покупок
	if v := r.ValidateTrade(models.TradeCandidate{Asset: "BTC", Side: "buy", Value: 200}); v.Approved {
		t.Error("pending sell must not free asset exposure for buys")
	}
}

func TestRiskEngine_ValidateTradeUnknownPortfolio(t *testing.T) {
	r := newTestRiskEngine(t)
	v := r.ValidateTrade(models.TradeCandidate{Asset: "BTC", Value: 10})
	if v.Approved || !errors.Is(v.Err, ErrRiskLimitExceeded) {
		t.Errorf("validation before first update = %+v, want rejection", v)
	}
}

func TestRiskEngine_ReservationsAccumulateWithinCycle(t *testing.T) {
	r := newTestRiskEngine(t)
	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000, CashReserves: 100000})

	c := models.TradeCandidate{Asset: "BTC", Side: "buy", Value: 3000}
	if v := r.ValidateTrade(c); !v.Approved {
		t.Fatalf("first trade rejected: %s", v.Reason)
	}
	r.Reserve(c)
	if v := r.ValidateTrade(c); v.Approved {
		t.Error("second trade must exceed 5% asset exposure with the first reserved")
	}

	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000, CashReserves: 100000})
	if v := r.ValidateTrade(c); !v.Approved {
		t.Errorf("reservations must reset on portfolio update: %s", v.Reason)
	}
}

func TestRiskEngine_EmergencyLevelSuspendsTrading(t *testing.T) {
	r := newTestRiskEngine(t)
	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000, CashReserves: 100000})
	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 79000, CashReserves: 79000})
	if _, err := r.ResetEmergencyStop(config.DefaultResetToken); err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}

	v := r.ValidateTrade(models.TradeCandidate{Asset: "BTC", Value: 100})
	if v.Approved || !errors.Is(v.Err, ErrRiskLimitExceeded) {
		t.Errorf("trade at EMERGENCY level = %+v, want rejection", v)
	}
}

func TestRiskEngine_ManualStopAndReset(t *testing.T) {
	r := newTestRiskEngine(t)
	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 100000, CashReserves: 100000})

	rec, created := r.TriggerEmergencyStop("operator request", models.StopSourceManual)
	if !created || rec == nil || !rec.Active {
		t.Fatalf("TriggerEmergencyStop = %+v, %v", rec, created)
	}
	again, created := r.TriggerEmergencyStop("second", models.StopSourceManual)
	if created || again.Reason != "operator request" {
		t.Errorf("second trigger = %+v, created=%v, want existing record", again, created)
	}

	v := r.ValidateTrade(models.TradeCandidate{Asset: "BTC", Value: 100})
	if v.Approved || !errors.Is(v.Err, ErrEmergencyStopActive) {
		t.Errorf("trade during stop = %+v, want ErrEmergencyStopActive", v)
	}

	for _, token := range []string{"", "wrong", config.DefaultResetToken + " "} {
		if _, err := r.ResetEmergencyStop(token); !errors.Is(err, ErrInvalidConfirmation) {
			t.Errorf("ResetEmergencyStop(%q) error = %v, want ErrInvalidConfirmation", token, err)
		}
		if !r.IsEmergencyStopped() {
			t.Fatalf("stop cleared by token %q", token)
		}
	}

	reset, err := r.ResetEmergencyStop(config.DefaultResetToken)
	if err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}
	if reset.Active || reset.ResetAt == nil {
		t.Errorf("reset record = %+v, want inactive with reset time", reset)
	}
	if r.IsEmergencyStopped() || r.State() != models.TradingStateNormal {
		t.Errorf("state after reset = %s, want NORMAL", r.State())
	}

	if _, err := r.ResetEmergencyStop(config.DefaultResetToken); !errors.Is(err, ErrNoActiveEmergencyStop) {
		t.Errorf("reset without stop error = %v, want ErrNoActiveEmergencyStop", err)
	}
}

func TestRiskEngine_ResetWithTokenHash(t *testing.T) {
	hash, err := crypto.HashToken("s3cret-phrase", 4)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	cfg := config.DefaultRiskConfig()
	cfg.ResetTokenHash = hash
	r := NewRiskEngine("BTC/USDT", cfg)

	r.TriggerEmergencyStop("test", models.StopSourceManual)
	if _, err := r.ResetEmergencyStop(config.DefaultResetToken); !errors.Is(err, ErrInvalidConfirmation) {
		t.Errorf("plain token must not match when hash is configured, got %v", err)
	}
	if _, err := r.ResetEmergencyStop("s3cret-phrase"); err != nil {
		t.Errorf("ResetEmergencyStop with hashed token: %v", err)
	}
}

func TestRiskEngine_RestoreState(t *testing.T) {
	r := newTestRiskEngine(t)
	r.RestoreSnapshot(&models.RiskMetrics{PortfolioHigh: 120000, RiskLevel: models.RiskMedium})
	r.RestoreEmergencyStop(&models.EmergencyStopRecord{ID: 7, Reason: "before restart", Source: models.StopSourceManual, Active: true})
	r.RestoreEmergencyStop(&models.EmergencyStopRecord{ID: 8, Reason: "inactive", Active: false})

	u := r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 108000})
	if u.Metrics.PortfolioHigh != 120000 || u.Metrics.RiskLevel != models.RiskHigh {
		t.Errorf("metrics = high %v level %s, want 120000 HIGH", u.Metrics.PortfolioHigh, u.Metrics.RiskLevel)
	}
	if u.PreviousLevel != models.RiskMedium {
		t.Errorf("previous level = %s, want restored MEDIUM", u.PreviousLevel)
	}
	if stop := r.EmergencyStop(); stop == nil || stop.ID != 7 {
		t.Errorf("restored stop = %+v, want ID 7", stop)
	}
}

func TestRiskEngine_RestoredCriticalLevelDoesNotRestop(t *testing.T) {
	// Оператор снял остановку при просадке 16%, затем процесс перезапущен
	r := newTestRiskEngine(t)
	r.RestoreSnapshot(&models.RiskMetrics{PortfolioHigh: 100000, PortfolioValue: 84000, RiskLevel: models.RiskCritical})

	u := r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 84000})
	if u.AutoStop != nil || r.IsEmergencyStopped() {
		t.Fatal("restored CRITICAL level must not stop trading again")
	}
	if u.LevelChanged {
		t.Errorf("level change from %s, want none", u.PreviousLevel)
	}

	r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 95000})
	if u := r.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 84000}); u.AutoStop == nil {
		t.Error("crossing into CRITICAL again must stop trading")
	}

	fresh := newTestRiskEngine(t)
	fresh.RestoreSnapshot(&models.RiskMetrics{PortfolioHigh: 100000})
	if u := fresh.UpdatePortfolioValue(PortfolioInput{PortfolioValue: 84000}); u.AutoStop == nil {
		t.Error("snapshot without a level must still stop on the first CRITICAL cycle")
	}
}
