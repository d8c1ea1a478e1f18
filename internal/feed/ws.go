package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantgrid/flowbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// EventHandler is called for every normalised feed event.
type EventHandler func(domain.FeedEvent)

// WSClient is a WebSocket client for the vendor's real-time market data feed.
// It manages the connection lifecycle, subscriptions, and dispatches messages
// to registered handlers. On disconnect it reconnects with exponential
// backoff and restores its subscriptions.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscribed instrument keys, restored on reconnect.
	instruments []string

	handlerMu sync.RWMutex
	handlers  []EventHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a WebSocket client for the given feed endpoint.
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed/ws: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	// Restore the subscription after reconnect.
	if len(w.instruments) > 0 {
		if err := w.sendCommand(wsCommand{Action: "subscribe", Instruments: w.instruments}); err != nil {
			return fmt.Errorf("feed/ws: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to tick, quote and market-info updates for the given
// instrument keys.
func (w *WSClient) Subscribe(ctx context.Context, instrumentKeys []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed/ws: not connected")
	}

	if err := w.sendCommand(wsCommand{Action: "subscribe", Instruments: instrumentKeys}); err != nil {
		return fmt.Errorf("feed/ws: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.instruments))
	for _, k := range w.instruments {
		existing[k] = struct{}{}
	}
	for _, k := range instrumentKeys {
		if _, ok := existing[k]; !ok {
			w.instruments = append(w.instruments, k)
		}
	}

	return nil
}

// Unsubscribe removes the given instrument keys from the subscription.
func (w *WSClient) Unsubscribe(ctx context.Context, instrumentKeys []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed/ws: not connected")
	}

	if err := w.sendCommand(wsCommand{Action: "unsubscribe", Instruments: instrumentKeys}); err != nil {
		return fmt.Errorf("feed/ws: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(instrumentKeys))
	for _, k := range instrumentKeys {
		drop[k] = struct{}{}
	}
	filtered := w.instruments[:0]
	for _, k := range w.instruments {
		if _, found := drop[k]; !found {
			filtered = append(filtered, k)
		}
	}
	w.instruments = filtered

	return nil
}

// OnEvent registers a handler that is called for every normalised feed event.
func (w *WSClient) OnEvent(handler EventHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to the registered handlers. It runs in its own goroutine. On
// disconnect it attempts to reconnect with exponential backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Check if we've been shut down.
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and routes it to the handlers
// based on the message type.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	var event domain.FeedEvent
	switch envelope.Type {
	case "tick":
		var m tickMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		tick := tickToDomain(&m)
		event = domain.FeedEvent{Kind: domain.FeedEventTick, Tick: &tick}

	case "quote":
		var m quoteMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		quote := quoteToDomain(&m)
		event = domain.FeedEvent{Kind: domain.FeedEventQuote, Quote: &quote}

	case "market_info":
		var m infoMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		info := infoToDomain(&m)
		event = domain.FeedEvent{Kind: domain.FeedEventMarketInfo, Info: &info}

	default:
		return
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
