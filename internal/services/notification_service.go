package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// TopicAllMills receives every mill's notifications
const TopicAllMills = "mill:*"

// MillTopic is the subscription topic for one mill
func MillTopic(mill string) string {
	return "mill:" + mill
}

// Client represents a websocket client connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

// NotificationType defines types of notification messages
type NotificationType string

const (
	// NotificationTypeEventsIngested is sent after a batch of events for a mill is stored
	NotificationTypeEventsIngested NotificationType = "events_ingested"
	// NotificationTypeSystemEvent for system-wide events
	NotificationTypeSystemEvent NotificationType = "system_event"
)

// NotificationMessage represents a message sent to clients
type NotificationMessage struct {
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Topic     string           `json:"topic,omitempty"`
	Payload   interface{}      `json:"payload"`
}

// outbound is a message queued for delivery; an empty topic means every client
type outbound struct {
	topic string
	data  []byte
}

// NotificationService manages websocket connections and pushes notifications to them.
// The run loop is the only writer of the client set.
type NotificationService struct {
	logger     *utils.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// NewNotificationService creates a new notification service and starts its run loop
func NewNotificationService(logger *utils.Logger) *NotificationService {
	service := &NotificationService{
		logger:     logger.Named("notification_service"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, sendBufferSize),
		done:       make(chan struct{}),
	}

	go service.run()
	return service
}

// RegisterClient adds a new websocket client and starts its pumps
func (s *NotificationService) RegisterClient(conn *websocket.Conn) *Client {
	client := &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]bool),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return client
	}

	go s.readPump(client)
	go s.writePump(client)
	return client
}

// SubscribeToTopic subscribes a client to a specific topic
func (s *NotificationService) SubscribeToTopic(client *Client, topic string) {
	s.mutex.Lock()
	client.topics[topic] = true
	s.mutex.Unlock()

	s.logger.Debug("Client subscribed to topic", zap.String("client_id", client.ID), zap.String("topic", topic))
}

// UnsubscribeFromTopic unsubscribes a client from a specific topic
func (s *NotificationService) UnsubscribeFromTopic(client *Client, topic string) {
	s.mutex.Lock()
	delete(client.topics, topic)
	s.mutex.Unlock()

	s.logger.Debug("Client unsubscribed from topic", zap.String("client_id", client.ID), zap.String("topic", topic))
}

// Notify sends a notification to all clients
func (s *NotificationService) Notify(notificationType NotificationType, payload interface{}) {
	s.enqueue("", &NotificationMessage{
		Type:      notificationType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// NotifyTopic sends a notification to all clients subscribed to topic
func (s *NotificationService) NotifyTopic(topic string, notificationType NotificationType, payload interface{}) {
	s.enqueue(topic, &NotificationMessage{
		Type:      notificationType,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	})
}

// NotifyMill sends a notification to subscribers of the mill and of every mill
func (s *NotificationService) NotifyMill(mill string, notificationType NotificationType, payload interface{}) {
	s.NotifyTopic(MillTopic(mill), notificationType, payload)
	s.NotifyTopic(TopicAllMills, notificationType, payload)
}

// ClientCount returns the number of connected clients
func (s *NotificationService) ClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of clients subscribed to topic
func (s *NotificationService) SubscriberCount(topic string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	n := 0
	for client := range s.clients {
		if client.topics[topic] {
			n++
		}
	}
	return n
}

// Close stops the run loop and disconnects every client
func (s *NotificationService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *NotificationService) enqueue(topic string, message *NotificationMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal notification message",
			zap.Error(err),
			zap.String("type", string(message.Type)),
			zap.String("topic", topic))
		return
	}

	select {
	case s.broadcast <- outbound{topic: topic, data: data}:
	case <-s.done:
	default:
		s.logger.Warn("Notification queue full, dropping message", zap.String("topic", topic))
	}
}

// run owns client registration and delivery
func (s *NotificationService) run() {
	for {
		select {
		case <-s.done:
			s.mutex.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mutex.Unlock()
			return

		case client := <-s.register:
			s.mutex.Lock()
			s.clients[client] = true
			s.mutex.Unlock()
			s.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-s.unregister:
			s.mutex.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mutex.Unlock()
			s.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-s.broadcast:
			s.deliver(msg)
		}
	}
}

// deliver queues msg on every matching client, dropping clients whose buffer is full
func (s *NotificationService) deliver(msg outbound) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for client := range s.clients {
		if msg.topic != "" && !client.topics[msg.topic] {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			delete(s.clients, client)
			close(client.send)
			s.logger.Warn("Client buffer full, connection closed", zap.String("client_id", client.ID))
		}
	}
}

// readPump handles subscribe and unsubscribe requests from the client
func (s *NotificationService) readPump(client *Client) {
	defer func() {
		select {
		case s.unregister <- client:
		case <-s.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Unexpected websocket close", zap.Error(err), zap.String("client_id", client.ID))
			}
			return
		}

		var clientMsg struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			s.logger.Warn("Invalid client message", zap.Error(err), zap.ByteString("message", message))
			continue
		}

		switch clientMsg.Action {
		case "subscribe":
			if clientMsg.Topic != "" {
				s.SubscribeToTopic(client, clientMsg.Topic)
			}
		case "unsubscribe":
			if clientMsg.Topic != "" {
				s.UnsubscribeFromTopic(client, clientMsg.Topic)
			}
		}
	}
}

// writePump writes queued messages and keepalive pings to the client
func (s *NotificationService) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
