package main

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Live update feed: balance changes, connection status and ledger inserts
// pushed to connected UIs over a websocket. Slow clients drop events rather
// than block the engine.

const (
	feedSendBuffer  = 16
	feedWriteWait   = 10 * time.Second
	feedPingPeriod  = 30 * time.Second
	feedMaxReadSize = 512
)

type FeedHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan WalletEvent
}

func NewFeedHub() *FeedHub {
	return &FeedHub{clients: make(map[*websocket.Conn]chan WalletEvent)}
}

// Broadcast fans an event out to every connected client without blocking.
func (h *FeedHub) Broadcast(ev WalletEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			droppedEventsTotal.Add(1)
			slog.Debug("feed client too slow, dropping event", "remote", conn.RemoteAddr())
		}
	}
}

func (h *FeedHub) add(conn *websocket.Conn) chan WalletEvent {
	ch := make(chan WalletEvent, feedSendBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	n := len(h.clients)
	h.mu.Unlock()
	wsClientsActive.Store(int64(n))
	return ch
}

func (h *FeedHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	wsClientsActive.Store(int64(n))
	conn.Close()
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		// same-host origins only, compared exactly
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// handleFeed upgrades the connection and streams wallet events until the
// client goes away.
func (h *FeedHub) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("feed upgrade failed", "error", err)
		return
	}
	ch := h.add(conn)
	defer h.remove(conn)

	// reader goroutine: we never expect client messages, but reading is how
	// we notice the peer closing
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(feedMaxReadSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
