package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/app"
	"github.com/peerwave/peerwave/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the websocket side of the signaling protocol: it
// upgrades connections, pumps frames, and maps named events onto the
// presence registry, call store and relay.
type Controller struct {
	Presence *app.Presence
	Calls    *app.CallStore
	Relay    *app.Relay
	Limiter  *CallRateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(presence *app.Presence, calls *app.CallStore, relay *app.Relay) *Controller {
	return &Controller{
		Presence:   presence,
		Calls:      calls,
		Relay:      relay,
		Limiter:    NewCallRateLimiter(5, 10*time.Second),
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until it
// drops. Each connection gets a fresh ConnID; identity only attaches
// once the client sends addNewUser.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	connID := core.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn_id", string(connID)).Msg("new WS connection")

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, connID, conn)
		ctl.disconnect(connID, conn)
	}()
}

// disconnect runs exactly once per connection, after its read pump
// exits. Unregistering an already-evicted connection is a no-op, so a
// reconnect racing the old connection's teardown stays consistent.
func (ctl *Controller) disconnect(connID core.ConnID, conn *wsConn) {
	conn.Close()
	sess, ok := ctl.Presence.Unregister(connID)
	if !ok {
		return
	}
	ctl.Relay.DisconnectUser(sess.Profile().ID)
	ctl.Relay.BroadcastDirectory()
}
