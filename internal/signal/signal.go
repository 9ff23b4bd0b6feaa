// Package signal - внешний сервис торговых сигналов (сентимент)
//
// Сигнал необязателен: сеточное ядро работает и без него, а при
// недоступности сервиса получает NEUTRAL.
package signal

import (
	"context"
	"math"
	"time"
)

// Direction - направление сигнала
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// Пороги сентимента: compound > 0.06 - BUY, < 0.04 - SELL, между ними NEUTRAL
const (
	BuyThreshold  = 0.06
	SellThreshold = 0.04
)

// Signal - сигнал по активу
type Signal struct {
	Asset      string    `json:"asset"`
	Direction  Direction `json:"signal"`
	Confidence float64   `json:"confidence"`
	Compound   float64   `json:"compound"`
	Samples    int       `json:"samples"`
	At         time.Time `json:"timestamp"`
}

// Neutral - сигнал "нет данных"
func Neutral(asset string) Signal {
	return Signal{Asset: asset, Direction: DirectionNeutral, At: time.Now()}
}

// Provider - источник сигналов
type Provider interface {
	GetSignal(ctx context.Context, asset string) (Signal, error)
}

// Classify переводит compound оценку в направление
func Classify(compound float64) Direction {
	switch {
	case compound > BuyThreshold:
		return DirectionBuy
	case compound < SellThreshold:
		return DirectionSell
	default:
		return DirectionNeutral
	}
}

// Confidence - уверенность по разбросу оценок и их количеству
//
// 0.7 × max(0, 1 - 2σ) + 0.3 × min(1, n/100), округление до 3 знаков.
func Confidence(scores []float64) float64 {
	n := len(scores)
	if n == 0 {
		return 0
	}

	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(n)

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	stdDev := math.Sqrt(variance / float64(n))

	consistency := math.Max(0, 1-stdDev*2)
	volume := math.Min(1, float64(n)/100)

	return math.Round((consistency*0.7+volume*0.3)*1000) / 1000
}

// Blocks - сигнал запрещает новые покупки
func (s Signal) Blocks(minConfidence float64) bool {
	return s.Direction == DirectionSell && s.Confidence >= minConfidence
}
