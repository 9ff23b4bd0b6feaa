package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperExchange - биржа в памяти для paper-режима и тестов
//
// Лимитные ордера блокируют средства при размещении. Ордер исполняется по
// своей цене, когда рынок его достигает (SetPrice), а маркетабельный ордер -
// сразу по текущей цене. Исполнения рассылаются подписчикам после снятия
// блокировки.
type PaperExchange struct {
	mu sync.Mutex

	name  string
	pair  string
	base  string
	quote string
	price float64

	balances   map[string]*Balance
	open       map[string]*Order // открытые ордера по ID
	all        map[string]*Order // все ордера по ID
	byClientID map[string]*Order

	subscribers []func(Fill)

	// Отказы, подставляемые в следующий вызов операции
	failures map[string][]error

	now func() time.Time
}

// Операции для InjectFailure
const (
	OpPlace   = "place"
	OpCancel  = "cancel"
	OpPrice   = "price"
	OpBalance = "balance"
	OpOpen    = "open_orders"
)

// NewPaperExchange создает paper-биржу для одной пары
func NewPaperExchange(name, pair string, startPrice float64, balances map[string]float64) (*PaperExchange, error) {
	base, quote, err := ParsePair(pair)
	if err != nil {
		return nil, err
	}
	if startPrice <= 0 {
		return nil, fmt.Errorf("start price must be positive, got %v", startPrice)
	}

	p := &PaperExchange{
		name:       name,
		pair:       pair,
		base:       base,
		quote:      quote,
		price:      startPrice,
		balances:   map[string]*Balance{base: {Asset: base}, quote: {Asset: quote}},
		open:       make(map[string]*Order),
		all:        make(map[string]*Order),
		byClientID: make(map[string]*Order),
		failures:   make(map[string][]error),
		now:        time.Now,
	}
	for asset, amount := range balances {
		p.balances[asset] = &Balance{Asset: asset, Free: amount}
	}
	return p, nil
}

// GetName возвращает имя биржи
func (p *PaperExchange) GetName() string {
	return p.name
}

// InjectFailure - следующий вызов операции op вернет err (для тестов и учений)
func (p *PaperExchange) InjectFailure(op string, err error) {
	p.mu.Lock()
	p.failures[op] = append(p.failures[op], err)
	p.mu.Unlock()
}

// takeFailure вызывается под mu
func (p *PaperExchange) takeFailure(op string) error {
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.failures[op] = queue[1:]
	return err
}

func (p *PaperExchange) checkPair(pair string) error {
	if pair != p.pair {
		return &ExchangeError{Exchange: p.name, Code: "UNKNOWN_PAIR", Message: "unknown pair " + pair}
	}
	return nil
}

// GetCurrentPrice - текущая цена
func (p *PaperExchange) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpPrice); err != nil {
		return 0, err
	}
	if err := p.checkPair(pair); err != nil {
		return 0, err
	}
	return p.price, nil
}

// PlaceOrder размещает лимитный ордер
func (p *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()

	if err := p.takeFailure(OpPlace); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := p.checkPair(req.Pair); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	// идемпотентность по клиентскому ID
	if req.ClientOrderID != "" {
		if existing, ok := p.byClientID[req.ClientOrderID]; ok {
			cp := *existing
			p.mu.Unlock()
			return &cp, nil
		}
	}

	if req.Price <= 0 || req.Quantity <= 0 {
		p.mu.Unlock()
		return nil, &ExchangeError{Exchange: p.name, Code: "INVALID_ORDER", Message: "price and quantity must be positive"}
	}

	if err := p.lockFunds(req.Side, req.Price, req.Quantity); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	now := p.now()
	order := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        OrderStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.open[order.ID] = order
	p.all[order.ID] = order
	if req.ClientOrderID != "" {
		p.byClientID[req.ClientOrderID] = order
	}

	var fills []Fill
	if (order.Side == SideBuy && order.Price >= p.price) || (order.Side == SideSell && order.Price <= p.price) {
		fills = append(fills, p.fillLocked(order, p.price))
	}

	cp := *order
	subs := p.subscribersLocked()
	p.mu.Unlock()

	dispatch(subs, fills)
	return &cp, nil
}

// lockFunds вызывается под mu
func (p *PaperExchange) lockFunds(side string, price, qty float64) error {
	switch side {
	case SideBuy:
		b := p.balances[p.quote]
		need := price * qty
		if b.Free < need {
			return &ExchangeError{Exchange: p.name, Code: "INSUFFICIENT_FUNDS",
				Message: fmt.Sprintf("insufficient funds: need %.8f %s, free %.8f", need, p.quote, b.Free),
				Original: ErrInsufficientFunds}
		}
		b.Free -= need
		b.Locked += need
	case SideSell:
		b := p.balances[p.base]
		if b.Free < qty {
			return &ExchangeError{Exchange: p.name, Code: "INSUFFICIENT_FUNDS",
				Message: fmt.Sprintf("insufficient funds: need %.8f %s, free %.8f", qty, p.base, b.Free),
				Original: ErrInsufficientFunds}
		}
		b.Free -= qty
		b.Locked += qty
	default:
		return &ExchangeError{Exchange: p.name, Code: "INVALID_SIDE", Message: "invalid side " + side}
	}
	return nil
}

// fillLocked исполняет ордер целиком по fillPrice, вызывается под mu
func (p *PaperExchange) fillLocked(o *Order, fillPrice float64) Fill {
	base, quote := p.balances[p.base], p.balances[p.quote]

	if o.Side == SideBuy {
		quote.Locked -= o.Price * o.Quantity
		quote.Free += (o.Price - fillPrice) * o.Quantity
		base.Free += o.Quantity
	} else {
		base.Locked -= o.Quantity
		quote.Free += fillPrice * o.Quantity
	}

	now := p.now()
	o.Status = OrderStatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = fillPrice
	o.UpdatedAt = now
	delete(p.open, o.ID)

	return Fill{
		OrderID:  o.ID,
		Pair:     o.Pair,
		Side:     o.Side,
		Price:    fillPrice,
		Quantity: o.Quantity,
		FilledAt: now,
	}
}

// CancelOrder отменяет открытый ордер и освобождает средства
func (p *PaperExchange) CancelOrder(ctx context.Context, pair, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpCancel); err != nil {
		return false, err
	}
	if err := p.checkPair(pair); err != nil {
		return false, err
	}

	o, ok := p.open[orderID]
	if !ok {
		if _, known := p.all[orderID]; known {
			return false, nil
		}
		return false, &ExchangeError{Exchange: p.name, Code: "ORDER_NOT_FOUND", Message: "order " + orderID + " not found", Original: ErrOrderNotFound}
	}

	if o.Side == SideBuy {
		b := p.balances[p.quote]
		b.Locked -= o.Price * o.Quantity
		b.Free += o.Price * o.Quantity
	} else {
		b := p.balances[p.base]
		b.Locked -= o.Quantity
		b.Free += o.Quantity
	}

	o.Status = OrderStatusCancelled
	o.UpdatedAt = p.now()
	delete(p.open, orderID)
	return true, nil
}

// GetAccountBalance - копия балансов
func (p *PaperExchange) GetAccountBalance(ctx context.Context) (map[string]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpBalance); err != nil {
		return nil, err
	}

	out := make(map[string]Balance, len(p.balances))
	for asset, b := range p.balances {
		out[asset] = *b
	}
	return out, nil
}

// GetOpenOrders - открытые ордера, отсортированные по цене
func (p *PaperExchange) GetOpenOrders(ctx context.Context, pair string) ([]*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpOpen); err != nil {
		return nil, err
	}
	if err := p.checkPair(pair); err != nil {
		return nil, err
	}

	out := make([]*Order, 0, len(p.open))
	for _, o := range p.open {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

// SubscribeFills регистрирует получателя исполнений
func (p *PaperExchange) SubscribeFills(callback func(Fill)) error {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, callback)
	p.mu.Unlock()
	return nil
}

func (p *PaperExchange) subscribersLocked() []func(Fill) {
	return append(([]func(Fill))(nil), p.subscribers...)
}

func dispatch(subs []func(Fill), fills []Fill) {
	for _, f := range fills {
		for _, cb := range subs {
			cb(f)
		}
	}
}

// SetPrice двигает рынок и исполняет достигнутые ордера
func (p *PaperExchange) SetPrice(price float64) {
	if price <= 0 {
		return
	}

	p.mu.Lock()
	p.price = price

	var fills []Fill
	for _, o := range p.open {
		if (o.Side == SideBuy && price <= o.Price) || (o.Side == SideSell && price >= o.Price) {
			fills = append(fills, p.fillLocked(o, o.Price))
		}
	}
	subs := p.subscribersLocked()
	p.mu.Unlock()

	dispatch(subs, fills)
}

// RunRandomWalk двигает цену случайным блужданием до отмены контекста
//
// sigma - стандартное отклонение шага (доля цены).
func (p *PaperExchange) RunRandomWalk(ctx context.Context, interval time.Duration, sigma float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			next := p.price * (1 + sigma*rng.NormFloat64())
			p.mu.Unlock()
			p.SetPrice(next)
		}
	}
}
