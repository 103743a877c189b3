package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storystack-server/shared/authutils"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: ограничить Origin списком разрешенных хостов редактора
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler обрабатывает запросы на установку WebSocket соединения.
type Handler struct {
	hub      *UpdateHub
	verifier *authutils.JWTVerifier
	logger   *zap.Logger
}

// NewHandler создает новый обработчик WebSocket.
func NewHandler(hub *UpdateHub, verifier *authutils.JWTVerifier, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger.Named("WSHandler"),
	}
}

// ServeWS обрабатывает входящий HTTP запрос для WebSocket.
// Токен передается query-параметром: браузерный WebSocket API
// не позволяет выставить заголовок Authorization.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		h.logger.Warn("Missing 'token' query parameter")
		http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.verifier.VerifyToken(r.Context(), tokenString)
	if err != nil {
		h.logger.Warn("Invalid token for WebSocket connection", zap.Error(err))
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Не пишем ошибку в http.ResponseWriter, upgrader уже это сделал
		h.logger.Error("Failed to upgrade connection", zap.Uint64("userID", claims.UserID), zap.Error(err))
		return
	}

	h.logger.Info("WebSocket connection established", zap.Uint64("userID", claims.UserID))

	client := &Client{
		UserID: claims.UserID,
		Conn:   conn,
		send:   make(chan []byte, 256),
	}
	h.hub.RegisterClient(client)

	clientLogger := h.logger.With(zap.Uint64("userID", claims.UserID))
	go client.writePump(clientLogger)
	go client.readPump(h.hub, clientLogger)
}

// readPump откачивает сообщения от WebSocket соединения.
// Клиентские сообщения не ожидаются и игнорируются.
func (c *Client) readPump(hub *UpdateHub, logger *zap.Logger) {
	defer func() {
		hub.UnregisterClient(c.UserID)
		_ = c.Conn.Close()
		logger.Debug("readPump finished")
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			} else {
				logger.Debug("WebSocket connection closed")
			}
			break
		}
		logger.Warn("Received unexpected message from client (ignored)", zap.Int("size", len(message)))
	}
}

// writePump откачивает сообщения из канала send в WebSocket соединение.
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		logger.Debug("writePump finished")
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
