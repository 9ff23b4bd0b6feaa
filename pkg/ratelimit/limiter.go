package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket - token bucket для ограничения частоты запросов к бирже
//
// Ведро пополняется со скоростью rate токенов/сек до емкости burst,
// каждый запрос забирает один токен.
type Bucket struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket создает ведро с полным запасом токенов
func NewBucket(rate, burst float64) *Bucket {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}
	b := &Bucket{
		rate:  rate,
		burst: burst,
		now:   time.Now,
	}
	b.tokens = burst
	b.lastRefill = b.now()
	return b
}

// refill вызывается под mu
func (b *Bucket) refill() {
	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// take забирает токен или возвращает время до появления следующего
func (b *Bucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second)), false
}

// Wait блокирует до получения токена или отмены контекста
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		wait, ok := b.take()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow - неблокирующая попытка получить токен
func (b *Bucket) Allow() bool {
	_, ok := b.take()
	return ok
}

// Tokens - текущий запас (для метрик и тестов)
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// ============================================================
// Лимиты по категориям запросов
// ============================================================

// Категории запросов к бирже
const (
	CategoryOrders     = "orders"
	CategoryMarketData = "market_data"
	CategoryAccount    = "account"
)

// Limits - набор ведер по категориям; для неизвестной категории лимита нет
type Limits struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewLimits создает пустой набор
func NewLimits() *Limits {
	return &Limits{buckets: make(map[string]*Bucket)}
}

// Set задает лимит категории
func (l *Limits) Set(category string, rate, burst float64) *Limits {
	l.mu.Lock()
	l.buckets[category] = NewBucket(rate, burst)
	l.mu.Unlock()
	return l
}

// Wait ждет токен категории
func (l *Limits) Wait(ctx context.Context, category string) error {
	l.mu.RLock()
	b, ok := l.buckets[category]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Wait(ctx)
}
