// Package observer streams scheduler events to websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"genomevm/internal/genome"
	"genomevm/internal/logging"
)

var (
	observerLogger = logging.GetLogger().WithPrefix("observer")
)

const (
	writeWait = 5 * time.Second
	readWait  = 60 * time.Second
	// outboxSize is how many records a client may lag behind before the
	// oldest are dropped.
	outboxSize = 256
)

type client struct {
	id  uint64
	out chan []byte
}

// Hub fans records out to connected clients. Slow clients lose the oldest
// records rather than stalling the scheduler.
type Hub struct {
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many records were discarded for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Observe is a genome.Observer that broadcasts the event's record.
func (h *Hub) Observe(ev genome.Event) {
	b, err := json.Marshal(ev.Record())
	if err != nil {
		observerLogger.Error("Failed to encode %s event: %v", ev.Kind, err)
		return
	}
	h.Broadcast(b)
}

// Broadcast queues b for every client.
func (h *Hub) Broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !sendLatest(c.out, b) {
			h.dropped.Add(1)
		}
	}
}

// sendLatest queues b, dropping the oldest queued message when ch is full.
// It reports false when something was dropped.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}

func (h *Hub) join() *client {
	c := &client{id: h.nextID.Add(1), out: make(chan []byte, outboxSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observerLogger.Debug("Client %d joined", c.id)
	return c
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	observerLogger.Debug("Client %d left", c.id)
}

// EventsHandler upgrades the request and streams records until the client
// goes away. Messages from the client are read and ignored.
func (h *Hub) EventsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			observerLogger.Debug("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		c := h.join()
		defer h.leave(c)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// StatusHandler serves the value returned by status as JSON.
func StatusHandler(status func() any) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(status())
	}
}

// Mux routes /events to the hub and /status to status.
func (h *Hub) Mux(status func() any) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/events", h.EventsHandler())
	mux.Handle("/status", StatusHandler(status))
	return mux
}

// Serve listens on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string, status func() any) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           h.Mux(status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	observerLogger.Info("Observer listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "observer server")
	}
}
