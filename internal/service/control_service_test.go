package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gridbot/internal/bot"
	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/models"
	"gridbot/internal/repository"
)

// ============================================================
// ControlService Tests
// ============================================================

func TestControlService_GetStatus(t *testing.T) {
	t.Run("before first cycle", func(t *testing.T) {
		svc := NewControlService(NewMockEngine(), nil)

		status := svc.GetStatus()
		if status.Pair != "BTC/USDT" || status.State != models.TradingStateNormal {
			t.Errorf("unexpected status: %+v", status)
		}
		if status.Snapshot != nil || status.EmergencyStop != nil {
			t.Errorf("expected empty snapshot and stop, got %+v", status)
		}
	})

	t.Run("with snapshot and active stop", func(t *testing.T) {
		engine := NewMockEngine()
		engine.running = true
		engine.snapshot = &models.CycleSnapshot{Pair: "BTC/USDT", CycleNumber: 7, Result: models.CycleResultOK}
		engine.TriggerEmergencyStop(context.Background(), "test", models.StopSourceAuto)

		status := NewControlService(engine, nil).GetStatus()
		if status.State != models.TradingStateStopped || !status.CycleRunning {
			t.Errorf("unexpected state: %+v", status)
		}
		if status.Snapshot == nil || status.Snapshot.CycleNumber != 7 {
			t.Errorf("snapshot not propagated: %+v", status.Snapshot)
		}
		if status.EmergencyStop == nil || status.EmergencyStop.Source != models.StopSourceAuto {
			t.Errorf("stop not propagated: %+v", status.EmergencyStop)
		}
	})
}

func TestControlService_GetRiskMetrics(t *testing.T) {
	engine := NewMockEngine()
	svc := NewControlService(engine, nil)

	if _, err := svc.GetRiskMetrics(); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("expected ErrEngineNotReady, got %v", err)
	}

	engine.metrics = &models.RiskMetrics{PortfolioValue: 10000, RiskLevel: models.RiskLow}
	m, err := svc.GetRiskMetrics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.PortfolioValue != 10000 {
		t.Errorf("PortfolioValue = %v, want 10000", m.PortfolioValue)
	}
}

func TestControlService_TriggerEmergencyStop(t *testing.T) {
	tests := []struct {
		name        string
		reason      string
		wantReason  string
		expectError error
	}{
		{name: "explicit reason", reason: "  market halt  ", wantReason: "market halt"},
		{name: "empty reason uses default", reason: "", wantReason: defaultStopReason},
		{name: "reason too long", reason: strings.Repeat("x", MaxStopReasonLength+1), expectError: ErrStopReasonTooLong},
		{name: "reason at limit", reason: strings.Repeat("я", MaxStopReasonLength), wantReason: strings.Repeat("я", MaxStopReasonLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewMockEngine()
			svc := NewControlService(engine, nil)

			result, err := svc.TriggerEmergencyStop(context.Background(), tt.reason)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
				if engine.triggerCalls != 0 {
					t.Error("engine must not be called on invalid request")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.AlreadyActive {
				t.Error("first stop must not be reported as already active")
			}
			if result.Record.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", result.Record.Reason, tt.wantReason)
			}
			if engine.lastSource != models.StopSourceManual {
				t.Errorf("source = %q, want manual", engine.lastSource)
			}
		})
	}
}

func TestControlService_TriggerEmergencyStopTwice(t *testing.T) {
	engine := NewMockEngine()
	svc := NewControlService(engine, nil)

	first, err := svc.TriggerEmergencyStop(context.Background(), "first")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.TriggerEmergencyStop(context.Background(), "second")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !second.AlreadyActive {
		t.Error("second stop must be reported as already active")
	}
	if second.Record.ID != first.Record.ID || second.Record.Reason != "first" {
		t.Errorf("existing record must be returned, got %+v", second.Record)
	}
}

func TestControlService_ResetEmergencyStop(t *testing.T) {
	tests := []struct {
		name        string
		stopped     bool
		token       string
		expectError error
	}{
		{name: "no active stop", token: "confirm-reset", expectError: ErrNoActiveEmergencyStop},
		{name: "wrong token", stopped: true, token: "nope", expectError: ErrInvalidConfirmation},
		{name: "token is not trimmed", stopped: true, token: " confirm-reset", expectError: ErrInvalidConfirmation},
		{name: "success", stopped: true, token: "confirm-reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewMockEngine()
			if tt.stopped {
				engine.TriggerEmergencyStop(context.Background(), "test", models.StopSourceManual)
			}
			svc := NewControlService(engine, nil)

			rec, err := svc.ResetEmergencyStop(context.Background(), tt.token)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Active || rec.ResetAt == nil {
				t.Errorf("record must be inactive with reset time: %+v", rec)
			}
			if engine.State() != models.TradingStateNormal {
				t.Errorf("state = %s, want NORMAL", engine.State())
			}
		})
	}
}

func TestControlService_RecentTrades(t *testing.T) {
	entries := make([]*models.TradeLogEntry, 5)
	for i := range entries {
		entries[i] = &models.TradeLogEntry{ID: int64(i + 1), Pair: "BTC/USDT"}
	}

	tests := []struct {
		name      string
		limit     int
		log       *MockTradeLog
		wantLimit int
		wantLen   int
		wantErr   bool
	}{
		{name: "default limit", limit: 0, log: &MockTradeLog{entries: entries}, wantLimit: DefaultTradesLimit, wantLen: 5},
		{name: "explicit limit", limit: 2, log: &MockTradeLog{entries: entries}, wantLimit: 2, wantLen: 2},
		{name: "limit capped", limit: 50000, log: &MockTradeLog{entries: entries}, wantLimit: MaxTradesLimit, wantLen: 5},
		{name: "empty log", limit: 10, log: &MockTradeLog{}, wantLimit: 10, wantLen: 0},
		{name: "store error", limit: 10, log: &MockTradeLog{err: errors.New("db down")}, wantLimit: 10, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewControlService(NewMockEngine(), tt.log)

			got, err := svc.RecentTrades(context.Background(), tt.limit)

			if tt.log.lastLimit != tt.wantLimit || tt.log.lastPair != "BTC/USDT" {
				t.Errorf("reader called with (%q, %d), want (BTC/USDT, %d)", tt.log.lastPair, tt.log.lastLimit, tt.wantLimit)
			}
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || len(got) != tt.wantLen {
				t.Errorf("got %d entries, want %d (non-nil)", len(got), tt.wantLen)
			}
		})
	}
}

func TestControlService_RecentTradesWithoutStore(t *testing.T) {
	svc := NewControlService(NewMockEngine(), nil)

	got, err := svc.RecentTrades(context.Background(), 10)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got (%v, %v)", got, err)
	}
}

// ============================================================
// Integration: ControlService + Engine + MemoryStore
// ============================================================

func TestControlService_StopAndResetThroughEngine(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	paper, err := exchange.NewPaperExchange("paper", "BTC/USDT", 50000, map[string]float64{"USDT": 10000})
	if err != nil {
		t.Fatalf("NewPaperExchange: %v", err)
	}
	store := repository.NewMemoryStore()
	engine, err := bot.NewEngine(cfg, paper, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	svc := NewControlService(engine, store)

	result, err := svc.TriggerEmergencyStop(ctx, "operator request")
	if err != nil {
		t.Fatalf("TriggerEmergencyStop: %v", err)
	}
	if result.Record.ID == 0 {
		t.Error("stop record must be persisted with an ID")
	}
	if svc.GetStatus().State != models.TradingStateStopped {
		t.Error("engine must be stopped")
	}

	active, err := store.LoadActiveEmergencyStop(ctx, "BTC/USDT")
	if err != nil || active == nil || active.Reason != "operator request" {
		t.Fatalf("active stop not persisted: (%v, %v)", active, err)
	}

	if _, err := svc.ResetEmergencyStop(ctx, "wrong"); !errors.Is(err, ErrInvalidConfirmation) {
		t.Errorf("expected ErrInvalidConfirmation, got %v", err)
	}
	if _, err := svc.ResetEmergencyStop(ctx, config.DefaultResetToken); err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}
	if active, _ := store.LoadActiveEmergencyStop(ctx, "BTC/USDT"); active != nil {
		t.Errorf("stop still active in store: %+v", active)
	}

	trades, err := svc.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 2 ||
		trades[0].Event != models.TradeEventEmergencyReset ||
		trades[1].Event != models.TradeEventEmergencyStop {
		t.Errorf("unexpected audit trail: %+v", trades)
	}
}
