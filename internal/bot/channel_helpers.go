package bot

import (
	"sync"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// tryEnqueueNotification отправляет уведомление в канал с метриками переполнения.
// Возвращает true, если уведомление поставлено в очередь.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		RecordBufferOverflow("notification")
		RecordBufferBacklog("notification", cap(ch), len(ch))
		return false
	}
}

// FillQueue - очередь исполнений от биржи к циклу
//
// Push не блокирует горутину биржи. При заполненном канале исполнение
// уходит в резервный срез: исполнения не теряются.
type FillQueue struct {
	ch chan exchange.Fill

	mu       sync.Mutex
	overflow []exchange.Fill
}

// NewFillQueue создает очередь с буфером size
func NewFillQueue(size int) *FillQueue {
	if size <= 0 {
		size = 256
	}
	return &FillQueue{ch: make(chan exchange.Fill, size)}
}

// Push ставит исполнение в очередь
func (q *FillQueue) Push(f exchange.Fill) {
	select {
	case q.ch <- f:
	default:
		RecordBufferOverflow("fills")
		RecordBufferBacklog("fills", cap(q.ch), len(q.ch))
		q.mu.Lock()
		q.overflow = append(q.overflow, f)
		q.mu.Unlock()
	}
}

// Drain забирает все накопленные исполнения
func (q *FillQueue) Drain() []exchange.Fill {
	var out []exchange.Fill
	for {
		select {
		case f := <-q.ch:
			out = append(out, f)
			continue
		default:
		}
		break
	}

	q.mu.Lock()
	if len(q.overflow) > 0 {
		out = append(out, q.overflow...)
		q.overflow = nil
	}
	q.mu.Unlock()
	return out
}

// Len - количество ожидающих исполнений
func (q *FillQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.overflow)
}
