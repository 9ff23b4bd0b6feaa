package bot

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/internal/models"
	"gridbot/pkg/utils"
)

// profitPrecision - знаков после запятой в распределении прибыли
const profitPrecision = 8

// ProfitReinvestmentCycle - распределение прибыли пары
//
// Прибыль - уже полученная выручка заявки выхода, она лежит в балансе
// биржи. reinvest = profit × ReinvestRatio остается в кеше сетки,
// остаток изымается: пишется в аудит и вычитается из кеша и капитала
// при оценке портфеля (RingFenced). Поэтому кеш растет ровно на reinvest.
// События ставятся в очередь и применяются строго по одному в Drain.
type ProfitReinvestmentCycle struct {
	pair  string
	ratio decimal.Decimal
	audit TradeLogger
	log   *utils.Logger

	queueMu sync.Mutex
	queue   []models.ProfitEvent

	// applyMu сериализует применение событий
	applyMu    sync.Mutex
	reinvested decimal.Decimal
	extracted  decimal.Decimal
}

// NewProfitReinvestmentCycle создает цикл реинвестирования
func NewProfitReinvestmentCycle(pair string, reinvestRatio float64, audit TradeLogger) *ProfitReinvestmentCycle {
	return &ProfitReinvestmentCycle{
		pair:  pair,
		ratio: decimal.NewFromFloat(reinvestRatio),
		audit: audit,
		log:   utils.L().WithComponent("profit").WithPair(pair),
	}
}

// Split делит прибыль; reinvested + extracted == profit точно
func (p *ProfitReinvestmentCycle) Split(profit float64) models.ProfitAllocation {
	total := decimal.NewFromFloat(profit)
	reinvest := total.Mul(p.ratio).Round(profitPrecision)
	extract := total.Sub(reinvest)

	return models.ProfitAllocation{
		Profit:     profit,
		Reinvested: reinvest.InexactFloat64(),
		Extracted:  extract.InexactFloat64(),
	}
}

// Enqueue ставит событие в очередь; безопасен из любой горутины
func (p *ProfitReinvestmentCycle) Enqueue(ev models.ProfitEvent) {
	p.queueMu.Lock()
	p.queue = append(p.queue, ev)
	p.queueMu.Unlock()
}

// Pending - событий в очереди
func (p *ProfitReinvestmentCycle) Pending() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.queue)
}

// Drain применяет все накопленные события по порядку
//
// Неположительная прибыль пропускается. Ошибка аудита не отменяет
// изъятие: итоги уже изменены, ошибка логируется.
func (p *ProfitReinvestmentCycle) Drain(ctx context.Context) []models.ProfitAllocation {
	p.queueMu.Lock()
	events := p.queue
	p.queue = nil
	p.queueMu.Unlock()

	if len(events) == 0 {
		return nil
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	out := make([]models.ProfitAllocation, 0, len(events))
	for _, ev := range events {
		if ev.Profit <= 0 {
			continue
		}
		alloc := p.apply(ctx, ev)
		out = append(out, alloc)
	}
	return out
}

func (p *ProfitReinvestmentCycle) apply(ctx context.Context, ev models.ProfitEvent) models.ProfitAllocation {
	alloc := p.Split(ev.Profit)

	total := decimal.NewFromFloat(ev.Profit)
	reinvest := total.Mul(p.ratio).Round(profitPrecision)
	p.reinvested = p.reinvested.Add(reinvest)
	p.extracted = p.extracted.Add(total.Sub(reinvest))

	ProfitReinvested.WithLabelValues(p.pair).Add(alloc.Reinvested)
	ProfitExtracted.WithLabelValues(p.pair).Add(alloc.Extracted)

	if p.audit != nil {
		level := ev.LevelIndex
		entry := &models.TradeLogEntry{
			Timestamp:  ev.At,
			Pair:       p.pair,
			Event:      models.TradeEventProfitExtraction,
			Price:      ev.ExitPrice,
			Amount:     alloc.Extracted,
			LevelIndex: &level,
			Message:    "profit extracted",
			Meta: map[string]interface{}{
				"position_id": ev.PositionID,
				"entry_price": ev.EntryPrice,
				"profit":      alloc.Profit,
				"reinvested":  alloc.Reinvested,
			},
		}
		if err := p.audit.AppendTradeLog(ctx, entry); err != nil {
			p.log.Warn("failed to record profit extraction", utils.Err(err), utils.PNL(alloc.Extracted))
		}
	}

	p.log.Info("profit allocated",
		utils.PNL(alloc.Profit),
		utils.Float64("reinvested", alloc.Reinvested),
		utils.Float64("extracted", alloc.Extracted),
	)
	return alloc
}

// Totals - накопленные реинвестирование и изъятие
func (p *ProfitReinvestmentCycle) Totals() (reinvested, extracted float64) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	return p.reinvested.InexactFloat64(), p.extracted.InexactFloat64()
}

// RingFenced - изъятая прибыль, исключаемая из капитала сетки
func (p *ProfitReinvestmentCycle) RingFenced() float64 {
	_, extracted := p.Totals()
	return extracted
}

// Restore восстанавливает итоги после рестарта
func (p *ProfitReinvestmentCycle) Restore(reinvested, extracted float64) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	p.reinvested = decimal.NewFromFloat(reinvested)
	p.extracted = decimal.NewFromFloat(extracted)
}
