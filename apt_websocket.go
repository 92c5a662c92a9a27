package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsSendBuffer  = 64
	wsMaxReadSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// frames are zstd compressed by FrameEncoder when enabled
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is a control message from a browser
type ClientMessage struct {
	Type         string     `json:"type"` // settings, reset, save, status, aos, los
	Settings     *apt.Patch `json:"settings,omitempty"`
	Satellite    string     `json:"satellite,omitempty"`
	NorthToSouth bool       `json:"north_to_south,omitempty"`
}

// ServerMessage is a JSON message to a browser. Image data goes as binary
// frames.
type ServerMessage struct {
	Type     string        `json:"type"`
	ID       string        `json:"id,omitempty"`
	Error    string        `json:"error,omitempty"`
	Settings *apt.Settings `json:"settings,omitempty"`
	Status   *apt.Status   `json:"status,omitempty"`
	Files    []string      `json:"files,omitempty"`
	Pass     any           `json:"pass,omitempty"`
}

type outbound struct {
	binary bool
	data   []byte
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	info ViewerInfo
	send chan outbound
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// queue sends without blocking; a client that cannot keep up loses messages
func (c *wsClient) queue(m outbound) bool {
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// APTHub streams decoder events to every connected browser and accepts
// control messages from them
type APTHub struct {
	pipeline *apt.Pipeline
	passes   *PassController
	frames   *FrameEncoder
	viewers  *ViewerLookup
	metrics  *PrometheusMetrics

	mu        sync.RWMutex
	clients   map[string]*wsClient
	lastImage []byte

	dropped atomic.Uint64
}

// NewAPTHub creates a hub. passes, viewers and metrics may be nil.
func NewAPTHub(pipeline *apt.Pipeline, passes *PassController, frames *FrameEncoder, viewers *ViewerLookup, metrics *PrometheusMetrics) *APTHub {
	return &APTHub{
		pipeline: pipeline,
		passes:   passes,
		frames:   frames,
		viewers:  viewers,
		metrics:  metrics,
		clients:  make(map[string]*wsClient),
	}
}

// Run distributes pipeline events until ctx is done
func (h *APTHub) Run(ctx context.Context) error {
	events := h.pipeline.Events()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case ev := <-events:
			h.broadcastEvent(ev)
		}
	}
}

func (h *APTHub) broadcastEvent(ev apt.Event) {
	switch ev.Type {
	case apt.EventSaved:
		h.metrics.RecordImagesSaved(len(ev.Files))
		log.Printf("[APT] Saved %v", ev.Files)
		h.broadcastJSON(ServerMessage{Type: "saved", Files: ev.Files})
		return
	}

	frame, err := h.frames.Encode(ev)
	if err != nil {
		log.Printf("[WS] Failed to encode %s frame: %v", ev.Type, err)
		return
	}
	if frame == nil {
		return
	}
	if ev.Type == apt.EventImage {
		h.mu.Lock()
		h.lastImage = frame
		h.mu.Unlock()
	}
	h.broadcast(outbound{binary: true, data: frame}, ev.Type.String())
}

func (h *APTHub) broadcastJSON(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Failed to marshal %s message: %v", msg.Type, err)
		return
	}
	h.broadcast(outbound{data: data}, msg.Type)
}

func (h *APTHub) broadcast(m outbound, kind string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.queue(m) {
			h.metrics.RecordWSMessageSent(kind)
		} else {
			h.dropped.Add(1)
		}
	}
}

// AnnouncePass tells every browser about an AOS or LOS
func (h *APTHub) AnnouncePass(ann PassAnnouncement) {
	h.broadcastJSON(ServerMessage{Type: ann.Event, Pass: ann})
}

// ClientCount returns the number of connected browsers
func (h *APTHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and serves one browser
func (h *APTHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	info := h.viewers.Lookup(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for %s: %v", info.IP, err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		info: info,
		send: make(chan outbound, wsSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	last := h.lastImage
	h.mu.Unlock()

	h.metrics.RecordWSConnection(info.Browser, info.CountryCode)
	log.Printf("[WS] Viewer %s connected from %s (%s, %s)", c.id, info.IP, orUnknown(info.Browser), orUnknown(info.Country))

	st := h.pipeline.Status()
	h.sendJSON(c, ServerMessage{Type: "hello", ID: c.id, Status: &st})
	if last != nil {
		c.queue(outbound{binary: true, data: last})
	}

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	h.metrics.RecordWSDisconnect()
	log.Printf("[WS] Viewer %s disconnected", c.id)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (h *APTHub) sendJSON(c *wsClient, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Failed to marshal %s message: %v", msg.Type, err)
		return
	}
	if c.queue(outbound{data: data}) {
		h.metrics.RecordWSMessageSent(msg.Type)
	}
}

// writePump owns all writes to the connection
func (h *APTHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			typ := websocket.TextMessage
			if m.binary {
				typ = websocket.BinaryMessage
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(typ, m.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *APTHub) readPump(c *wsClient) {
	c.conn.SetReadLimit(wsMaxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && DebugMode {
				log.Printf("DEBUG: [WS] Read from %s failed: %v", c.id, err)
			}
			return
		}
		h.metrics.RecordWSMessageReceived(msg.Type)
		h.handleMessage(c, msg)
	}
}

func (h *APTHub) handleMessage(c *wsClient, msg ClientMessage) {
	switch msg.Type {
	case "settings":
		if msg.Settings == nil {
			h.sendJSON(c, ServerMessage{Type: "error", Error: "settings message without settings"})
			return
		}
		s, err := h.pipeline.Apply(*msg.Settings)
		if err != nil {
			h.sendJSON(c, ServerMessage{Type: "error", Error: err.Error(), Settings: &s})
			return
		}
		h.broadcastJSON(ServerMessage{Type: "settings", Settings: &s})

	case "reset":
		h.pipeline.Reset()
		h.mu.Lock()
		h.lastImage = nil
		h.mu.Unlock()
		h.broadcastJSON(ServerMessage{Type: "reset"})

	case "save":
		// saving can take a while; keep reading pongs
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			files, err := h.pipeline.Save(ctx)
			if err != nil {
				h.sendJSON(c, ServerMessage{Type: "error", Error: err.Error()})
				return
			}
			if len(files) == 0 {
				h.sendJSON(c, ServerMessage{Type: "error", Error: "image too short to save"})
			}
		}()

	case "status":
		st := h.pipeline.Status()
		h.sendJSON(c, ServerMessage{Type: "status", Status: &st})

	case PassEventAOS, PassEventLOS:
		if h.passes == nil {
			h.sendJSON(c, ServerMessage{Type: "error", Error: "pass control not available"})
			return
		}
		go func() {
			cmd := PassCommand{Event: msg.Type, Satellite: msg.Satellite, NorthToSouth: msg.NorthToSouth}
			handled, err := h.passes.HandleCommand(context.Background(), cmd)
			switch {
			case err != nil:
				h.sendJSON(c, ServerMessage{Type: "error", Error: err.Error()})
			case !handled:
				h.sendJSON(c, ServerMessage{Type: "error", Error: "satellite " + msg.Satellite + " does not match this channel"})
			}
		}()

	default:
		h.sendJSON(c, ServerMessage{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

func (h *APTHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}
