// Package client implements the call controller that runs next to a
// UI: it keeps the online directory, places and joins calls, owns the
// local media handle and the peer link, and drives its view of the
// call state machine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/proto"
)

// Event is one named message received from the signaling server.
type Event struct {
	Name string
	Data json.RawMessage
}

// Transport is the persistent ordered channel to the server. The
// controller only ever needs "emit named message" and "receive named
// messages"; the websocket details stay here.
type Transport interface {
	Emit(event string, payload any) error
	Events() <-chan Event
	Close() error
}

// WSTransport speaks the envelope protocol over a gorilla websocket.
type WSTransport struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	closed bool
}

// Dial connects to the signaling endpoint and starts the read loop.
func Dial(ctx context.Context, url string) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t := &WSTransport{
		conn:   conn,
		events: make(chan Event, 32),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	defer close(t.events)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "client.transport").Msg("read error")
			}
			return
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "client.transport").Msg("bad frame")
			continue
		}
		t.events <- Event{Name: env.Event, Data: env.Data}
	}
}

func (t *WSTransport) Emit(event string, payload any) error {
	frame, err := proto.Encode(event, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WSTransport) Events() <-chan Event { return t.events }

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
