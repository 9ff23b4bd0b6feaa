package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"gridbot/internal/models"
	"gridbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Размер очереди широковещательных сообщений
const broadcastBufferSize = 256

// outbound - сообщение в очереди рассылки
type outbound struct {
	data     []byte
	snapshot bool
}

// Hub управляет всеми активными WebSocket соединениями
//
// Рассылает клиентам итоги торговых циклов и уведомления. Broadcast не
// блокирует торговый цикл: при переполненной очереди сообщение
// отбрасывается и учитывается в DroppedMessages.
//
// Использование:
// 1. Создать hub: hub := NewHub()
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.BroadcastSnapshot(snap)
//
// Новый клиент сразу получает последний разосланный снимок.
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan outbound

	// Последний снимок; читается и пишется только в Run
	lastSnapshot []byte

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	dropped atomic.Int64

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex

	log *utils.Logger
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        utils.L().WithComponent("websocket"),
	}
}

// Run запускает главный цикл Hub до вызова Stop
//
// Список клиентов копируется под RLock, рассылка идет без блокировки,
// медленные клиенты удаляются под Write Lock.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.lastSnapshot != nil {
				select {
				case client.send <- h.lastSnapshot:
				default:
				}
			}
			h.log.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", utils.Int("clients", total))

		case msg := <-h.broadcast:
			if msg.snapshot {
				h.lastSnapshot = msg.data
			}

			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- msg.data:
				default:
					// Клиент не успевает обрабатывать сообщения
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", total))
			}
		}
	}
}

// Stop останавливает Run и закрывает соединения клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	h.enqueue(message, false)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	h.push(outbound{data: data})
}

// BroadcastSnapshot отправляет итог цикла и запоминает его для новых клиентов
func (h *Hub) BroadcastSnapshot(snap *models.CycleSnapshot) {
	if snap == nil {
		return
	}
	h.enqueue(NewSnapshotMessage(snap), true)
}

func (h *Hub) enqueue(message interface{}, snapshot bool) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", utils.Err(err))
		return
	}
	h.push(outbound{data: data, snapshot: snapshot})
}

// push не блокирует: при полной очереди сообщение отбрасывается
func (h *Hub) push(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(notif *models.Notification) {
	if notif == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(notif))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за переполнения очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
