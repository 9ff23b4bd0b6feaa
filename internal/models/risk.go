package models

import "time"

// RiskLevel - уровень риска, чистая функция просадки
type RiskLevel string

const (
	RiskLow       RiskLevel = "LOW"
	RiskMedium    RiskLevel = "MEDIUM"
	RiskHigh      RiskLevel = "HIGH"
	RiskCritical  RiskLevel = "CRITICAL"
	RiskEmergency RiskLevel = "EMERGENCY"
)

// Rank - порядок уровней для сравнения (LOW = 0)
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	case RiskEmergency:
		return 4
	default:
		return 0
	}
}

// RiskMetrics - снимок риска портфеля
//
// Проценты - в процентах портфеля (5 = 5%).
type RiskMetrics struct {
	PortfolioValue         float64            `json:"portfolio_value"`
	TotalExposure          float64            `json:"total_exposure"`
	TotalExposurePercent   float64            `json:"total_exposure_percent"`
	AssetExposure          map[string]float64 `json:"asset_exposure,omitempty"`
	CashReserves           float64            `json:"cash_reserves"`
	CashReservesPercent    float64            `json:"cash_reserves_percent"`
	PortfolioHigh          float64            `json:"portfolio_high"`
	CurrentDrawdown        float64            `json:"current_drawdown"`
	DrawdownPercent        float64            `json:"drawdown_percent"`
	RiskLevel              RiskLevel          `json:"risk_level"`
	PositionSizeMultiplier float64            `json:"position_size_multiplier"`
	LastUpdate             time.Time          `json:"last_update"`
}

// Clone - глубокая копия для внешних читателей
func (m *RiskMetrics) Clone() *RiskMetrics {
	if m == nil {
		return nil
	}
	cp := *m
	if m.AssetExposure != nil {
		cp.AssetExposure = make(map[string]float64, len(m.AssetExposure))
		for k, v := range m.AssetExposure {
			cp.AssetExposure[k] = v
		}
	}
	return &cp
}

// EmergencyStopRecord - запись аварийной остановки
//
// Активная запись одна; снимается только сбросом с точным токеном.
type EmergencyStopRecord struct {
	ID          int64      `json:"id"`
	Reason      string     `json:"reason"`
	Source      string     `json:"source"` // manual, auto, fatal
	TriggeredAt time.Time  `json:"triggered_at"`
	Active      bool       `json:"active"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
}

// Источники аварийной остановки
const (
	StopSourceManual = "manual"
	StopSourceAuto   = "auto"
	StopSourceFatal  = "fatal"
)

// TradeCandidate - предлагаемая сделка до проверки риска
type TradeCandidate struct {
	Pair       string  `json:"pair"`
	Asset      string  `json:"asset"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Value      float64 `json:"value"` // номинал в валюте котировки
	LevelIndex int     `json:"level_index"`
}

// Состояния торговли
const (
	TradingStateNormal  = "NORMAL"
	TradingStateStopped = "STOPPED"
)
