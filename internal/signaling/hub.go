package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/ratelimit"
)

const hubWriteWait = 5 * time.Second

// ErrPeerGone is returned by Emit when the target connection has closed.
var ErrPeerGone = errors.New("peer not connected")

type HubConfig struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins restricts websocket upgrades by Origin host. Empty
	// allows all origins.
	AllowedOrigins []string

	MaxMessageBytes   int64
	MessagesPerSecond int
}

// Hub owns the websocket connections and implements Transport. Each
// connection gets a random hex id and a dedicated read goroutine, so events
// from one peer arrive at the router in order.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	router   *Router
	upgrader websocket.Upgrader

	maxMessageBytes   int64
	messagesPerSecond int

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	sid string
	ws  *websocket.Conn

	// writeMu serializes writes; gorilla connections support one
	// concurrent writer only.
	writeMu sync.Mutex
}

func NewHub(cfg HubConfig, router *Router) *Hub {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:               log,
		metrics:           cfg.Metrics,
		router:            router,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		peers:             make(map[string]*peer),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}
	router.SetTransport(h)
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts[u.Host] = struct{}{}
		} else {
			hosts[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[u.Host]
		return ok
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{sid: randomID(), ws: ws}
	h.mu.Lock()
	h.peers[p.sid] = p
	h.mu.Unlock()

	h.router.HandleEvent(p.sid, EventConnect, nil)
	h.readLoop(p)

	h.mu.Lock()
	delete(h.peers, p.sid)
	h.mu.Unlock()
	h.router.HandleEvent(p.sid, EventDisconnect, nil)
	_ = ws.Close()
}

func (h *Hub) readLoop(p *peer) {
	if h.maxMessageBytes > 0 {
		p.ws.SetReadLimit(h.maxMessageBytes)
	}
	limiter := ratelimit.NewTokenBucket(nil, int64(h.messagesPerSecond), int64(h.messagesPerSecond))

	for {
		msgType, raw, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			h.closePeer(p, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if h.messagesPerSecond > 0 && !limiter.Allow(1) {
			h.metrics.Inc(metrics.DropReasonRateLimited)
			h.closePeer(p, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			h.metrics.Inc(metrics.DropReasonBadMessage)
			h.log.Warn("dropping unparseable message", "sid", p.sid)
			continue
		}
		h.router.HandleEvent(p.sid, env.Event, env.Data)
	}
}

func (h *Hub) closePeer(p *peer, code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(hubWriteWait))
}

// Emit implements Transport.
func (h *Hub) Emit(sid, event string, payload any) error {
	h.mu.Lock()
	p, ok := h.peers[sid]
	h.mu.Unlock()
	if !ok {
		return ErrPeerGone
	}
	return p.send(event, payload)
}

// Broadcast implements Transport.
func (h *Hub) Broadcast(event string, payload any, skipSID string) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for sid, p := range h.peers {
		if sid == skipSID {
			continue
		}
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, p := range targets {
		if err := p.send(event, payload); err != nil {
			h.log.Debug("broadcast delivery failed", "sid", p.sid, "event", event, "err", err)
		}
	}
}

func (p *peer) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return p.ws.WriteMessage(websocket.TextMessage, msg)
}
