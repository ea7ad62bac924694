package publish

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendQueue  = 16
)

// Format selects how a subscriber receives messages.
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

type subscriber struct {
	conn   *websocket.Conn
	format Format
	send   chan []byte
}

// HubStats counts hub activity.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Hub broadcasts control messages to websocket subscribers. Publish never
// blocks the caller: a subscriber whose queue is full misses the message.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	latest *ControlMessage

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish records m as the latest output and queues it for every subscriber.
func (h *Hub) Publish(m ControlMessage) {
	h.published.Add(1)

	var jsonBytes, protoBytes []byte
	jsonFailed := false
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &m
	// sends are non-blocking and happen under the lock so remove cannot
	// close a queue mid-send
	for s := range h.subs {
		var payload []byte
		switch s.format {
		case FormatProto:
			if protoBytes == nil {
				protoBytes = m.MarshalProto()
			}
			payload = protoBytes
		default:
			if jsonFailed {
				continue
			}
			if jsonBytes == nil {
				b, err := json.Marshal(m)
				if err != nil {
					// proto subscribers still get the message
					log.Printf("publish: failed to encode message as JSON: %v", err)
					jsonFailed = true
					continue
				}
				jsonBytes = b
			}
			payload = jsonBytes
		}
		select {
		case s.send <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published message.
func (h *Hub) Latest() (ControlMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return ControlMessage{}, false
	}
	return *h.latest, true
}

// Stats reports subscriber and message counts.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

// ServeHTTP upgrades the request to a websocket subscription. Pass
// ?format=proto for binary protobuf frames; JSON text frames otherwise.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := FormatJSON
	if r.URL.Query().Get("format") == "proto" {
		format = FormatProto
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("publish: websocket upgrade failed: %v", err)
		return
	}

	s := &subscriber{conn: conn, format: format, send: make(chan []byte, sendQueue)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(s)
	h.readLoop(s)
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	msgType := websocket.TextMessage
	if s.format == FormatProto {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
	h.mu.Unlock()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
}
