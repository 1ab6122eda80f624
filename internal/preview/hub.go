package preview

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/camlink/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// viewer is one websocket client. frames holds at most one pending payload;
// a newer frame replaces an unsent one.
type viewer struct {
	conn   *websocket.Conn
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

// Hub fans frames out to connected websocket viewers as binary messages.
type Hub struct {
	mu       sync.RWMutex
	viewers  map[*viewer]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		viewers: make(map[*viewer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logging.Component("preview.Hub"),
	}
}

// HandleWebSocket upgrades the request and streams frames until the viewer
// disconnects or the hub is closed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	v := &viewer{conn: conn, frames: make(chan []byte, 1), done: make(chan struct{})}

	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("viewer connected")

	go h.writeLoop(v)

	// Viewers never send; reading only surfaces the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(v)
}

func (h *Hub) writeLoop(v *viewer) {
	defer h.remove(v)
	for {
		select {
		case <-v.done:
			return
		case data := <-v.frames:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				h.log.Debug().Err(err).Msg("viewer write failed")
				return
			}
			h.sent.Add(1)
		}
	}
}

func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v]
	delete(h.viewers, v)
	h.mu.Unlock()
	v.close()
	if ok {
		h.log.Debug().Msg("viewer disconnected")
	}
}

// Broadcast queues data for every viewer without blocking. data must not be
// modified afterwards.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for v := range h.viewers {
		for {
			select {
			case v.frames <- data:
			default:
				// Drop the stale pending frame and retry with the new one.
				select {
				case <-v.frames:
					h.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Counters reports frames written to viewers and frames replaced before they were sent.
func (h *Hub) Counters() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

func (h *Hub) Close() {
	h.mu.Lock()
	viewers := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
		delete(h.viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		v.close()
	}
}
