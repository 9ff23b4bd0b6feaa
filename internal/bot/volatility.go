package bot

import "time"

// minVolatilitySamples - меньше точек - оценка 0 (режим низкой волатильности)
const minVolatilitySamples = 2

type pricePoint struct {
	at    time.Time
	price float64
}

// VolatilityEstimator - скользящая оценка 24h волатильности по ценам циклов
//
// Оценка: (max - min) / min за окно. Используется, когда биржа не
// отдает волатильность сама. Не потокобезопасен: только горутина цикла.
type VolatilityEstimator struct {
	window time.Duration
	points []pricePoint
}

// NewVolatilityEstimator создает оценщик с окном window (0 = 24h)
func NewVolatilityEstimator(window time.Duration) *VolatilityEstimator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &VolatilityEstimator{window: window}
}

// Observe добавляет цену и выбрасывает точки старше окна
func (v *VolatilityEstimator) Observe(at time.Time, price float64) {
	if price <= 0 {
		return
	}
	v.points = append(v.points, pricePoint{at: at, price: price})

	cutoff := at.Add(-v.window)
	drop := 0
	for drop < len(v.points) && v.points[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		v.points = append(v.points[:0], v.points[drop:]...)
	}
}

// Volatility - (max - min) / min по окну; 0 при недостатке точек
func (v *VolatilityEstimator) Volatility() float64 {
	if len(v.points) < minVolatilitySamples {
		return 0
	}
	lo, hi := v.points[0].price, v.points[0].price
	for _, p := range v.points[1:] {
		if p.price < lo {
			lo = p.price
		}
		if p.price > hi {
			hi = p.price
		}
	}
	return (hi - lo) / lo
}

// Samples - точек в окне
func (v *VolatilityEstimator) Samples() int {
	return len(v.points)
}
