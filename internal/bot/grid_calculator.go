package bot

import (
	"fmt"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/models"
)

// GridConfigCalculator - расчет параметров сетки по цене, волатильности и капиталу
//
// Режимы по 24h волатильности:
//   - < LowVolatilityThreshold:  ±LowVolatilityRange, шаг LowVolatilitySpacing
//   - > HighVolatilityThreshold: ±HighVolatilityRange, шаг HighVolatilitySpacing
//   - иначе:                     ±BaseRange, шаг BaseSpacing
//
// Калькулятор без состояния; безопасен для конкурентного использования.
type GridConfigCalculator struct {
	cfg config.GridConfig
}

// NewGridConfigCalculator создает калькулятор
func NewGridConfigCalculator(cfg config.GridConfig) *GridConfigCalculator {
	return &GridConfigCalculator{cfg: cfg}
}

// Regime возвращает полуширину диапазона и шаг для волатильности (доли)
func (c *GridConfigCalculator) Regime(volatility float64) (rangePct, spacing float64) {
	switch {
	case volatility < c.cfg.LowVolatilityThreshold:
		return c.cfg.LowVolatilityRange, c.cfg.LowVolatilitySpacing
	case volatility > c.cfg.HighVolatilityThreshold:
		return c.cfg.HighVolatilityRange, c.cfg.HighVolatilitySpacing
	default:
		return c.cfg.BaseRange, c.cfg.BaseSpacing
	}
}

// Calculate строит конфигурацию сетки
//
// capital <= 0 дает нулевую конфигурацию: границы рассчитаны, BaseOrderSize = 0.
// Ордера в таком цикле не ставятся.
func (c *GridConfigCalculator) Calculate(price, volatility, capital float64, now time.Time) (*models.GridConfiguration, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	if volatility < 0 {
		volatility = 0
	}

	rangePct, spacing := c.Regime(volatility)
	levels := c.cfg.TotalLevels
	if levels < 2 {
		levels = 2
	}

	conf := &models.GridConfiguration{
		UpperBound:        price * (1 + rangePct),
		LowerBound:        price * (1 - rangePct),
		Spacing:           spacing,
		TotalLevels:       levels,
		ReferencePrice:    price,
		Volatility:        volatility,
		LastRebalanceTime: now,
	}

	if capital <= 0 {
		return conf, nil
	}

	conf.AvailableCapital = capital
	conf.BaseOrderSize = capital / float64(levels)
	return conf, nil
}

// AvailableCapital - капитал для сетки: стоимость портфеля за вычетом
// минимального резерва и изъятой прибыли
func AvailableCapital(portfolioValue, minCashReservePct, ringFenced float64) float64 {
	capital := portfolioValue*(1-minCashReservePct/100) - ringFenced
	if capital < 0 {
		return 0
	}
	return capital
}

// BuildLevels генерирует уровни с линейным шагом между границами
//
// Крайние уровни (ExtremeLevelCount с каждой стороны) получают вес
// ExtremeSizeMultiplier; размеры нормируются так, что их сумма равна
// AvailableCapital.
func (c *GridConfigCalculator) BuildLevels(conf *models.GridConfiguration) []models.GridLevel {
	if conf == nil || conf.TotalLevels < 2 || conf.UpperBound <= conf.LowerBound {
		return nil
	}

	n := conf.TotalLevels
	step := (conf.UpperBound - conf.LowerBound) / float64(n-1)

	extreme := c.cfg.ExtremeLevelCount
	if extreme*2 > n {
		extreme = n / 2
	}
	mult := c.cfg.ExtremeSizeMultiplier
	if mult <= 0 {
		mult = 1
	}

	weights := make([]float64, n)
	totalWeight := 0.0
	for i := range weights {
		weights[i] = 1
		if i < extreme || i >= n-extreme {
			weights[i] = mult
		}
		totalWeight += weights[i]
	}

	levels := make([]models.GridLevel, n)
	allocated := 0.0
	for i := 0; i < n; i++ {
		price := conf.LowerBound + step*float64(i)
		if i == n-1 {
			price = conf.UpperBound
		}

		size := 0.0
		if conf.AvailableCapital > 0 {
			if i == n-1 {
				// остаток, чтобы сумма не превысила капитал из-за округлений
				size = conf.AvailableCapital - allocated
				if size < 0 {
					size = 0
				}
			} else {
				size = conf.AvailableCapital * weights[i] / totalWeight
			}
		}
		allocated += size

		levels[i] = models.GridLevel{
			Index:   i,
			Price:   price,
			Size:    size,
			Extreme: i < extreme || i >= n-extreme,
		}
	}
	return levels
}
