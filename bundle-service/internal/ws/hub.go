package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storystack-server/shared/interfaces"
)

// Client представляет собой одно WebSocket соединение с идентификатором пользователя.
type Client struct {
	UserID uint64
	Conn   *websocket.Conn
	send   chan []byte // Канал для отправки сообщений этому клиенту
}

// UpdateHub управляет активными WebSocket соединениями и рассылает им
// события обновления стеков. Одно соединение на пользователя: новое
// подключение вытесняет старое.
type UpdateHub struct {
	clients    map[uint64]*Client
	register   chan *Client
	unregister chan uint64
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewUpdateHub создает и запускает новый хаб обновлений.
func NewUpdateHub(logger *zap.Logger) *UpdateHub {
	h := &UpdateHub{
		clients:    make(map[uint64]*Client),
		register:   make(chan *Client),
		unregister: make(chan uint64),
		logger:     logger.Named("UpdateHub"),
	}
	go h.run()
	return h
}

// run обрабатывает регистрацию и дерегистрацию клиентов.
func (h *UpdateHub) run() {
	h.logger.Info("Update hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// Если клиент с таким UserID уже есть, закрываем старое соединение
			if old, ok := h.clients[client.UserID]; ok {
				h.logger.Info("Closing previous connection", zap.Uint64("userID", client.UserID))
				close(old.send)
				_ = old.Conn.Close()
			}
			h.clients[client.UserID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.Uint64("userID", client.UserID))

		case userID := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[userID]; ok {
				delete(h.clients, userID)
				close(client.send)
				// Соединение закрывается в readPump/writePump клиента
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.Uint64("userID", userID))
		}
	}
}

// RegisterClient регистрирует нового клиента.
func (h *UpdateHub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient удаляет клиента.
func (h *UpdateHub) UnregisterClient(userID uint64) {
	h.unregister <- userID
}

// SendToUser отправляет сообщение конкретному пользователю.
// Возвращает true, если пользователь онлайн и сообщение поставлено в очередь.
func (h *UpdateHub) SendToUser(userID uint64, message []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		// Канал переполнен или закрыт (клиент отключается)
		h.logger.Warn("Send queue full, dropping message", zap.Uint64("userID", userID))
		return false
	}
}

// BroadcastEvent рассылает событие бандла всем подключенным клиентам.
// Вызывается консьюмером fanout-очереди событий.
func (h *UpdateHub) BroadcastEvent(event interfaces.BundleEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal bundle event for broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.logger.Warn("Send queue full, dropping broadcast", zap.Uint64("userID", userID))
		}
	}
}

// ConnectedCount возвращает число активных соединений.
func (h *UpdateHub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
