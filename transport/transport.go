// Package transport moves envelopes between peers over WebSocket
// connections. Envelopes travel as CBOR-encoded binary frames; each
// connection's read side runs in its own goroutine and forwards received
// envelopes, and the eventual disconnect, into the node's event channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"

	"swarmlink/identity"
	"swarmlink/message"
)

// EventType distinguishes the events reported by the transport layer.
type EventType int

const (
	// EventInboundConnection reports a newly accepted connection.
	EventInboundConnection EventType = iota
	// EventMessage reports a received envelope.
	EventMessage
	// EventDisconnected reports that a connection's read side ended.
	EventDisconnected
)

// Event is emitted by listeners and per-connection read pumps.
type Event struct {
	Type     EventType
	Addr     string
	PeerID   identity.PeerID
	Envelope *message.Envelope
}

// Accepted pairs a server-side connection handle with the remote address
// it was accepted from.
type Accepted struct {
	Addr string
	Conn *Conn
}

// Conn is a live connection to a peer. Sends are serialized internally,
// so a Conn may be shared across goroutines.
type Conn struct {
	peerID identity.PeerID

	mu sync.Mutex // guards writes to ws
	ws *websocket.Conn
}

func newConn(peerID identity.PeerID, ws *websocket.Conn) *Conn {
	return &Conn{peerID: peerID, ws: ws}
}

// PeerID returns the peer ID associated with this connection. Until the
// remote side introduces itself this is a placeholder derived from the
// address.
func (c *Conn) PeerID() identity.PeerID {
	return c.peerID
}

// Send writes one envelope as a binary frame.
func (c *Conn) Send(env *message.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a best-effort close frame and tears down the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// Serve accepts peer connections on the listener until the context is
// cancelled. Each accepted connection is reported through conns; its read
// pump forwards envelopes and the eventual disconnect through events.
func Serve(ctx context.Context, ln net.Listener, events chan<- Event, conns chan<- Accepted) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Errorf("transport: upgrade from %s failed: %v", r.RemoteAddr, err)
				return
			}

			addr := r.RemoteAddr
			conn := newConn(identity.PeerID("pending-"+addr), ws)

			select {
			case conns <- Accepted{Addr: addr, Conn: conn}:
			case <-ctx.Done():
				ws.Close()
				return
			}
			select {
			case events <- Event{Type: EventInboundConnection, Addr: addr, PeerID: conn.PeerID()}:
			case <-ctx.Done():
				return
			}

			readPump(ctx, ws, addr, events)
		}),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("transport: listening on %s", ln.Addr())

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Dial opens an outbound connection to addr ("host:port", or a full
// ws:// URL) and spawns its read pump.
func Dial(ctx context.Context, addr string, events chan<- Event) (*Conn, error) {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to %s: %w", addr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn := newConn(identity.PeerID("outbound-"+addr), ws)
	go readPump(ctx, ws, addr, events)

	return conn, nil
}

// readPump reads frames until the connection dies, forwarding envelopes
// into events. A Disconnected event is always emitted on exit.
func readPump(ctx context.Context, ws *websocket.Conn, addr string, events chan<- Event) {
	defer func() {
		select {
		case events <- Event{Type: EventDisconnected, Addr: addr}:
		case <-ctx.Done():
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			log.Debugf("transport: read from %s ended: %v", addr, err)
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		env, err := message.Decode(data)
		if err != nil {
			log.Warnf("transport: bad envelope from %s: %v", addr, err)
			continue
		}

		select {
		case events <- Event{Type: EventMessage, Addr: addr, PeerID: env.From, Envelope: env}:
		case <-ctx.Done():
			return
		}
	}
}
