package utils

import (
	"math"
)

// math.go - чистые математические функции для сеточной торговли
//
// Функции:
// - RoundToStep: округление объема вниз до шага биржи
// - RoundTo: округление до N знаков
// - Deviation: относительное отклонение цены
// - CalculatePNL: PNL позиции по направлению
// - PercentOf: доля в процентах

// RoundToStep округляет значение ВНИЗ до кратного step.
// Вниз - чтобы не превысить доступные средства. step <= 0 - без изменений.
//
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(1.999, 0.01) = 1.99
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// небольшой эпсилон от ошибок представления (0.3/0.1 = 2.9999...)
	return math.Floor(value/step+1e-9) * step
}

// RoundTo округляет до places знаков после запятой
func RoundTo(value float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(value*p) / p
}

// Deviation - (current - reference) / reference; 0 при reference <= 0
func Deviation(reference, current float64) float64 {
	if reference <= 0 {
		return 0
	}
	return (current - reference) / reference
}

// CalculatePNL - PNL позиции в валюте котировки
//
//   - buy (long):   (current - entry) × qty
//   - sell (short): (entry - current) × qty
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	switch side {
	case "buy", "long":
		return (currentPrice - entryPrice) * quantity
	case "sell", "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// PercentOf - part / total × 100; 0 при total <= 0
func PercentOf(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total * 100
}
