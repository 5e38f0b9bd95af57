// Package router dispatches inbound envelopes to handlers registered per
// message kind.
package router

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"swarmlink/identity"
	"swarmlink/message"
)

// HandlerFunc processes an inbound envelope. A non-nil return value is
// sent back to the originating peer as a response.
type HandlerFunc func(*message.Envelope) *message.Envelope

// Router maps message kinds to handlers. Safe for concurrent use:
// handlers may be registered while the node's event loop is dispatching.
type Router struct {
	mu       sync.RWMutex
	handlers map[message.Kind]HandlerFunc
	fallback HandlerFunc
}

// New creates a router with no handlers registered.
func New() *Router {
	return &Router{handlers: make(map[message.Kind]HandlerFunc)}
}

// Register installs a handler for a kind, replacing any existing one.
func (r *Router) Register(kind message.Kind, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Debugf("router: registered handler for %s", kind)
	r.handlers[kind] = h
}

// SetDefault installs a fallback handler for kinds with no registered
// handler.
func (r *Router) SetDefault(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// HasHandler reports whether a handler is registered for the kind.
func (r *Router) HasHandler(kind message.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// HandlerCount returns the number of registered handlers, excluding the
// fallback.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch routes an envelope to its handler and returns the handler's
// response, if any. Envelopes with no matching handler and no fallback
// are accepted silently.
func (r *Router) Dispatch(env *message.Envelope) *message.Envelope {
	r.mu.RLock()
	h, ok := r.handlers[env.Kind]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return h(env)
	}
	if fallback != nil {
		return fallback(env)
	}
	log.Debugf("router: no handler for kind %s", env.Kind)
	return nil
}

// HelloHandler answers a peer's introduction with a welcome ack.
func HelloHandler(self identity.PeerID) HandlerFunc {
	return func(env *message.Envelope) *message.Envelope {
		resp, err := message.New(self, &env.From, message.KindWelcome, message.WelcomePayload{Status: "accepted"})
		if err != nil {
			log.Errorf("router: failed to build welcome: %v", err)
			return nil
		}
		return resp
	}
}

// HeartbeatHandler acknowledges a liveness ping, echoing the sender's
// send timestamp so it can measure round-trip latency.
func HeartbeatHandler(self identity.PeerID) HandlerFunc {
	return func(env *message.Envelope) *message.Envelope {
		var hb message.HeartbeatPayload
		if err := env.DecodePayload(&hb); err != nil || hb.SentAt.IsZero() {
			hb.SentAt = time.Now().UTC()
		}
		resp, err := message.New(self, &env.From, message.KindHeartbeatAck, hb)
		if err != nil {
			log.Errorf("router: failed to build heartbeat ack: %v", err)
			return nil
		}
		return resp
	}
}

// GoodbyeHandler accepts a peer's departure notice. No response is sent.
func GoodbyeHandler() HandlerFunc {
	return func(env *message.Envelope) *message.Envelope {
		log.Debugf("router: peer %s said goodbye", env.From)
		return nil
	}
}
