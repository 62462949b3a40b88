package services

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"hub-backend/internal/metrics"
	"hub-backend/internal/models"

	"github.com/gorilla/websocket"
)

// WebSocket Upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Should check in production environment Origin
		return true
	},
}

// Connection information
type Connection struct {
	ID       string          `json:"id"`
	Conn     *websocket.Conn `json:"-"`
	Send     chan []byte     `json:"-"`
	LastPing time.Time       `json:"last_ping"`
}

// Push message base structure
type PushMessage struct {
	Type       string      `json:"type"`
	Timestamp  string      `json:"timestamp"`
	MessageID  string      `json:"message_id"`
	TransferID string      `json:"transfer_id"`
	Data       interface{} `json:"data"`
}

// TransferUpdateData carries the state a subscriber sees on every transition.
type TransferUpdateData struct {
	TransferID        string `json:"transfer_id"`
	Status            string `json:"status"`
	DestinationChain  uint64 `json:"destination_chain"`
	ConfirmationCount int    `json:"confirmation_count"`
	Attempts          int    `json:"attempts"`
	Reason            string `json:"reason,omitempty"`
	TxHash            string `json:"tx_hash,omitempty"`
}

// subscribeRequest is what clients send after connecting.
type subscribeRequest struct {
	Action     string `json:"action"`
	TransferID string `json:"transferId"`
}

// WebSocketPush service
// Subscriptions are keyed by transfer id; the relay coordinator feeds
// TransferUpdated and subscribers receive every state change.
type WebSocketPushService struct {
	connections map[string]*Connection            // key: connectionID
	subscribers map[string]map[string]*Connection // key: transferID, value: connID -> connection
	connTopics  map[string]map[string]struct{}    // key: connectionID, value: subscribed transferIDs
	hub         chan PushMessage
	register    chan *Connection
	unregister  chan *Connection
	mutex       sync.RWMutex
}

// createWebSocketPush service
func NewWebSocketPushService() *WebSocketPushService {
	service := &WebSocketPushService{
		connections: make(map[string]*Connection),
		subscribers: make(map[string]map[string]*Connection),
		connTopics:  make(map[string]map[string]struct{}),
		hub:         make(chan PushMessage, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
	}

	go service.run()
	return service
}

// Push service
func (s *WebSocketPushService) run() {
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)

		case conn := <-s.unregister:
			s.handleUnregister(conn)

		case message := <-s.hub:
			s.handleBroadcast(message)
		}
	}
}

// RegisterConnection registers a connection with the push service
func (s *WebSocketPushService) RegisterConnection(conn *Connection) {
	s.register <- conn
}

// UnregisterConnection unregisters a connection from the push service
func (s *WebSocketPushService) UnregisterConnection(conn *Connection) {
	s.unregister <- conn
}

// Handle connection registration
func (s *WebSocketPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.connections[conn.ID] = conn
	s.connTopics[conn.ID] = make(map[string]struct{})
	metrics.WebSocketClients.Set(float64(len(s.connections)))

	log.Printf("📱 WebSocket connection registered: connID=%s, total=%d", conn.ID, len(s.connections))

	// Send connection confirmation message
	if conn.Send != nil {
		confirmMsg := PushMessage{
			Type:      "connection_established",
			Timestamp: time.Now().Format(time.RFC3339),
			MessageID: generateMessageID(),
			Data: map[string]interface{}{
				"connection_id": conn.ID,
				"message":       "Real-time transfer status connection established",
			},
		}

		s.sendToConnection(conn, confirmMsg)
	}
}

// Handle connection unregistration
func (s *WebSocketPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.connections[conn.ID]; !exists {
		return
	}
	delete(s.connections, conn.ID)

	// Drop every subscription this connection held
	for transferID := range s.connTopics[conn.ID] {
		if subs, exists := s.subscribers[transferID]; exists {
			delete(subs, conn.ID)
			if len(subs) == 0 {
				delete(s.subscribers, transferID)
			}
		}
	}
	delete(s.connTopics, conn.ID)
	metrics.WebSocketClients.Set(float64(len(s.connections)))

	// Close connection
	if conn.Send != nil {
		close(conn.Send)
	}
	if conn.Conn != nil {
		conn.Conn.Close()
	}

	log.Printf("📱 WebSocket connection unregistered: connID=%s, total=%d", conn.ID, len(s.connections))
}

// Subscribe attaches a connection to one transfer's update stream.
func (s *WebSocketPushService) Subscribe(conn *Connection, transferID string) {
	if transferID == "" {
		return
	}

	s.mutex.Lock()
	if s.subscribers[transferID] == nil {
		s.subscribers[transferID] = make(map[string]*Connection)
	}
	s.subscribers[transferID][conn.ID] = conn
	if s.connTopics[conn.ID] == nil {
		s.connTopics[conn.ID] = make(map[string]struct{})
	}
	s.connTopics[conn.ID][transferID] = struct{}{}
	s.mutex.Unlock()

	log.Printf("📱 WebSocket subscribed: connID=%s, transferId=%s", conn.ID, transferID)

	s.sendToConnection(conn, PushMessage{
		Type:       "subscribed",
		Timestamp:  time.Now().Format(time.RFC3339),
		MessageID:  generateMessageID(),
		TransferID: transferID,
	})
}

// Unsubscribe detaches a connection from one transfer's update stream.
func (s *WebSocketPushService) Unsubscribe(conn *Connection, transferID string) {
	s.mutex.Lock()
	if subs, exists := s.subscribers[transferID]; exists {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(s.subscribers, transferID)
		}
	}
	if topics, exists := s.connTopics[conn.ID]; exists {
		delete(topics, transferID)
	}
	s.mutex.Unlock()

	log.Printf("📱 WebSocket unsubscribed: connID=%s, transferId=%s", conn.ID, transferID)
}

// TransferUpdated receives coordinator state changes. Never blocks: when the
// hub queue is full the update is dropped, subscribers catch up via the API.
func (s *WebSocketPushService) TransferUpdated(rec *models.TransferRecord) {
	message := PushMessage{
		Type:       "transfer_update",
		Timestamp:  time.Now().Format(time.RFC3339),
		MessageID:  generateMessageID(),
		TransferID: rec.TransferID,
		Data: TransferUpdateData{
			TransferID:        rec.TransferID,
			Status:            string(rec.Status),
			DestinationChain:  rec.DestinationChainID,
			ConfirmationCount: rec.ConfirmationCount,
			Attempts:          rec.Attempts,
			Reason:            rec.FailureReason,
			TxHash:            rec.DispatchTxHash,
		},
	}

	select {
	case s.hub <- message:
	default:
		log.Printf("⚠️ [WebSocketpush] hub queue full, dropping update for %s", rec.TransferID)
	}
}

// processmessage
func (s *WebSocketPushService) handleBroadcast(message PushMessage) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	subs, exists := s.subscribers[message.TransferID]
	if !exists || len(subs) == 0 {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}

	successCount := 0
	failedCount := 0
	for _, conn := range subs {
		select {
		case conn.Send <- data:
			successCount++
		default:
			// Slow consumer, drop rather than block the hub
			failedCount++
			log.Printf("⚠️ [WebSocketpush] Failed to send to connection: %s (channel full or closed)", conn.ID)
		}
	}

	log.Printf("📤 [WebSocketpush] transfer_update delivered: transferId=%s, sent=%d, failed=%d",
		message.TransferID, successCount, failedCount)
}

// messageconnection
func (s *WebSocketPushService) sendToConnection(conn *Connection, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}

	select {
	case conn.Send <- data:
		// success
	default:
		log.Printf("⚠️ Failed to send to connection: %s", conn.ID)
	}
}

// HandleWebSocket upgrades the request and runs the connection.
func (s *WebSocketPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	connection := &Connection{
		ID:       generateConnectionID(),
		Conn:     conn,
		Send:     make(chan []byte, 256),
		LastPing: time.Now(),
	}

	// connection
	s.register <- connection

	// start
	go s.handleConnectionWrite(connection)
	go s.handleConnectionRead(connection)
}

// processconnection
func (s *WebSocketPushService) handleConnectionWrite(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ Write message failed: %v", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processconnection
// The read loop doubles as the subscription channel: clients send
// {"action":"subscribe","transferId":"0x.."} to follow a transfer.
func (s *WebSocketPushService) handleConnectionRead(conn *Connection) {
	defer func() {
		s.unregister <- conn
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.LastPing = time.Now()
		return nil
	})

	for {
		_, payload, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket read error: %v", err)
			}
			break
		}

		var req subscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Printf("⚠️ [WebSocketpush] ignoring malformed client message: %v", err)
			continue
		}

		switch req.Action {
		case "subscribe":
			s.Subscribe(conn, req.TransferID)
		case "unsubscribe":
			s.Unsubscribe(conn, req.TransferID)
		case "ping":
			conn.LastPing = time.Now()
		default:
			log.Printf("⚠️ [WebSocketpush] unknown action %q from connID=%s", req.Action, conn.ID)
		}
	}
}

// GetActiveConnections Getconnectioncount
func (s *WebSocketPushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// GetSubscriberCount counts connections following one transfer.
func (s *WebSocketPushService) GetSubscriberCount(transferID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.subscribers[transferID])
}

// ==================== helpers ====================

func generateConnectionID() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}

func generateMessageID() string {
	return fmt.Sprintf("msg_%d", time.Now().UnixNano())
}
