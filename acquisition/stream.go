package acquisition

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/acqview/fov"
)

// DefaultStreamRate is the maximum number of positions per second sent to a
// websocket client
const DefaultStreamRate = 10

// positionMsg is the body of GET /fov/pos and of every stream message
type positionMsg struct {
	Plane    []string     `json:"plane"`
	Position fov.Position `json:"position"`
	Cycle    uint64       `json:"cycle"`
}

// hub fans FOV positions out to websocket clients.  It is a poller
// subscriber and never blocks the poll loop; a client that is behind only
// gets the newest position.
type hub struct {
	mu      sync.Mutex
	clients map[chan fov.Position]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[chan fov.Position]struct{})}
}

// UpdateFOV satisfies fov.Subscriber
func (h *hub) UpdateFOV(pos fov.Position) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c <- pos:
		default:
			// drop the stale one and replace it
			select {
			case <-c:
			default:
			}
			select {
			case c <- pos:
			default:
			}
		}
	}
	return nil
}

func (h *hub) register() chan fov.Position {
	c := make(chan fov.Position, 1)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(c chan fov.Position) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream upgrades the request to a websocket and sends the FOV position as
// it is published, at most rate times a second.  The newest position is
// always sent eventually, throttled or not.
func (v *View) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := v.hub.register()
	defer v.hub.unregister(c)
	log := v.log.With("remote", r.RemoteAddr)
	log.Debug("fov stream opened")

	// the client never sends anything, reading only notices it going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-gone:
		case <-v.Poller.Done():
		case <-ctx.Done():
		}
		cancel()
	}()

	// positions that arrive while waiting for a token replace the one in hand
	limit := rate.NewLimiter(rate.Limit(v.streamRate), 1)
	for {
		var pos fov.Position
		select {
		case <-gone:
			log.Debug("fov stream closed")
			return
		case <-v.Poller.Done():
			closeStream(conn, log)
			return
		case pos = <-c:
		}
		if err := limit.Wait(ctx); err != nil {
			select {
			case <-v.Poller.Done():
				closeStream(conn, log)
			default:
				log.Debug("fov stream closed")
			}
			return
		}
		select {
		case pos = <-c:
		default:
		}
		if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
			log.Debug("fov stream write deadline not set", "err", err)
			return
		}
		msg := positionMsg{Plane: v.plane, Position: pos, Cycle: v.Poller.Cycles()}
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("fov stream write failed", "err", err)
			return
		}
	}
}

func closeStream(conn *websocket.Conn, log *slog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "fov poller stopped")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		log.Debug("fov stream close failed", "err", err)
	}
}
