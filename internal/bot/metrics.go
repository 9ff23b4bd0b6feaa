package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gridbot/internal/models"
)

// ============================================================
// Prometheus метрики торгового цикла
// ============================================================
//
// Экспортируются на /metrics. Метка pair позволяет запускать
// несколько движков в одном процессе.

// ============ Цикл ============

// CycleDuration - длительность цикла по итогу
var CycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gridbot",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Trading cycle duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	},
	[]string{"pair", "result"},
)

// CyclesTotal - завершенные циклы по итогу
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Total number of finished trading cycles",
	},
	[]string{"pair", "result"},
)

// SkippedTicks - тики, пропущенные из-за незавершенного цикла
var SkippedTicks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "cycle",
		Name:      "skipped_ticks_total",
		Help:      "Ticks skipped because the previous cycle was still running",
	},
	[]string{"pair"},
)

// ============ Ордера ============

// OrdersTotal - попытки размещения по итогу
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "total",
		Help:      "Order placement attempts by result",
	},
	[]string{"pair", "side", "result"}, // placed, risk_rejected, insufficient_funds, failed
)

// CancelsTotal - отмены при перестроении сетки
var CancelsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "cancels_total",
		Help:      "Order cancellations during grid rebuild by result",
	},
	[]string{"pair", "result"}, // cancelled, gone, detached
)

// ExchangeLatency - длительность вызовов биржи
var ExchangeLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gridbot",
		Subsystem: "exchange",
		Name:      "call_latency_ms",
		Help:      "Exchange call latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	},
	[]string{"op"},
)

// ============ Сетка ============

// ActiveLevels - уровни с живыми ордерами
var ActiveLevels = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "grid",
		Name:      "active_levels",
		Help:      "Grid levels with a live order",
	},
	[]string{"pair"},
)

// OpenPositions - открытые позиции
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "grid",
		Name:      "open_positions",
		Help:      "Open positions created by level fills",
	},
	[]string{"pair"},
)

// ============ Риск ============

// RiskLevelGauge - уровень риска (0 = LOW ... 4 = EMERGENCY)
var RiskLevelGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "risk",
		Name:      "level",
		Help:      "Current risk level rank (0=LOW, 4=EMERGENCY)",
	},
	[]string{"pair"},
)

// DrawdownPercent - просадка от максимума
var DrawdownPercent = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "risk",
		Name:      "drawdown_percent",
		Help:      "Drawdown from portfolio high in percent",
	},
	[]string{"pair"},
)

// PortfolioValue - стоимость портфеля
var PortfolioValue = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "risk",
		Name:      "portfolio_value",
		Help:      "Portfolio value in quote currency",
	},
	[]string{"pair"},
)

// EmergencyStopActive - 1 при активной аварийной остановке
var EmergencyStopActive = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "risk",
		Name:      "emergency_stop_active",
		Help:      "1 if the emergency stop is active",
	},
	[]string{"pair"},
)

// RiskRejections - сделки, отклоненные риск-движком
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Trades rejected by the risk engine",
	},
	[]string{"pair", "rule"},
)

// ============ Прибыль ============

// ProfitReinvested / ProfitExtracted - суммы распределения прибыли
var ProfitReinvested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "profit",
		Name:      "reinvested_total",
		Help:      "Profit reinvested into cash reserves",
	},
	[]string{"pair"},
)

var ProfitExtracted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "profit",
		Name:      "extracted_total",
		Help:      "Profit extracted from the grid",
	},
	[]string{"pair"},
)

// ============ Буферы ============

// BufferOverflows - переполнения внутренних каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "system",
		Name:      "buffer_overflows_total",
		Help:      "Total number of buffer overflows",
	},
	[]string{"buffer"},
)

// BufferBacklog - заполненность канала в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "system",
		Name:      "buffer_backlog",
		Help:      "Buffer length observed at overflow",
	},
	[]string{"buffer"},
)

// ============ Хелперы ============

// RecordCycle фиксирует итог цикла
func RecordCycle(pair, result string, seconds float64) {
	CycleDuration.WithLabelValues(pair, result).Observe(seconds)
	CyclesTotal.WithLabelValues(pair, result).Inc()
}

// RecordOrder фиксирует попытку размещения
func RecordOrder(pair, side, result string) {
	OrdersTotal.WithLabelValues(pair, side, result).Inc()
}

// RecordRiskMetrics обновляет gauge'и риска
func RecordRiskMetrics(pair string, m *models.RiskMetrics) {
	if m == nil {
		return
	}
	RiskLevelGauge.WithLabelValues(pair).Set(float64(m.RiskLevel.Rank()))
	DrawdownPercent.WithLabelValues(pair).Set(m.DrawdownPercent)
	PortfolioValue.WithLabelValues(pair).Set(m.PortfolioValue)
}

// RecordEmergencyStop выставляет gauge аварийной остановки
func RecordEmergencyStop(pair string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	EmergencyStopActive.WithLabelValues(pair).Set(v)
}

// RecordBufferOverflow увеличивает счётчик переполнений буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog фиксирует заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length))
}
