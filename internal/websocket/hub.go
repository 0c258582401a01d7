package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
)

// Message types
const (
	MessageTypeBoardUpdate = "board_update"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Board     string      `json:"board,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// BoardUpdate carries the refreshed top of a board
type BoardUpdate struct {
	Period       domain.Period       `json:"period"`
	Category     domain.Category     `json:"category"`
	Entries      []domain.RankingRow `json:"entries"`
	RanksChanged int                 `json:"ranks_changed"`
	ComputedAt   time.Time           `json:"computed_at"`
}

// ParseBoard parses the "period:category" form used by subscriptions.
func ParseBoard(s string) (domain.Board, error) {
	period, category, ok := strings.Cut(s, ":")
	if !ok {
		return domain.Board{}, fmt.Errorf("board %q: %w", s, domain.ErrInvalidRequest)
	}
	p, err := domain.ParsePeriod(period)
	if err != nil {
		return domain.Board{}, err
	}
	c, err := domain.ParseCategory(category)
	if err != nil {
		return domain.Board{}, err
	}
	return domain.Board{Period: p, Category: c}, nil
}

// Hub tracks connected clients and their board subscriptions
type Hub struct {
	// subscribers by board
	boards map[domain.Board]map[*Client]struct{}

	// all connected clients
	clients map[*Client]struct{}

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan subscription
	unsubscribe chan subscription

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	client *Client
	board  domain.Board
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		boards:      make(map[domain.Board]map[*Client]struct{}),
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan subscription, 64),
		unsubscribe: make(chan subscription, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for board, subs := range h.boards {
					delete(subs, client)
					if len(subs) == 0 {
						delete(h.boards, board)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case sub := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[sub.client]; ok {
				if h.boards[sub.board] == nil {
					h.boards[sub.board] = make(map[*Client]struct{})
				}
				h.boards[sub.board][sub.client] = struct{}{}
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", sub.client.id, "board", sub.board.String())

		case sub := <-h.unsubscribe:
			h.mu.Lock()
			if subs, ok := h.boards[sub.board]; ok {
				delete(subs, sub.client)
				if len(subs) == 0 {
					delete(h.boards, sub.board)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", sub.client.id, "board", sub.board.String())

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// deliver sends a message to the subscribers of its board
func (h *Hub) deliver(message *Message) {
	board, err := ParseBoard(message.Board)
	if err != nil {
		h.logger.Error("broadcast without valid board", "board", message.Board, "error", err)
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.boards[board] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// HasSubscribers reports whether any client follows board
func (h *Hub) HasSubscribers(board domain.Board) bool {
	return h.SubscriberCount(board) > 0
}

// BroadcastBoard queues the refreshed top page of a board for its subscribers
func (h *Hub) BroadcastBoard(page domain.LeaderboardPage, ranksChanged int) {
	board := page.Key().Board()
	message := &Message{
		Type:  MessageTypeBoardUpdate,
		Board: board.String(),
		Data: BoardUpdate{
			Period:       page.Period,
			Category:     page.Category,
			Entries:      page.Entries,
			RanksChanged: ranksChanged,
			ComputedAt:   page.ComputedAt,
		},
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping board update", "board", board.String())
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a board's subscribers
func (h *Hub) Subscribe(client *Client, board domain.Board) {
	h.subscribe <- subscription{client: client, board: board}
}

// Unsubscribe removes a client from a board's subscribers
func (h *Hub) Unsubscribe(client *Client, board domain.Board) {
	h.unsubscribe <- subscription{client: client, board: board}
}

// SubscriberCount returns the number of subscribers of a board
func (h *Hub) SubscriberCount(board domain.Board) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[board])
}

// TotalConnections returns the number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
