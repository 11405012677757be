package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/vmihailenco/msgpack/v5"

	"flock-sim/internal/sim"
)

const (
	MaxWSConnectionsTotal    = 200
	MaxWSConnectionsPerIP    = 10
	DefaultBroadcastInterval = 100 * time.Millisecond

	wsWriteWait = 2 * time.Second

	EventSimState = "sim:state"
	EventSimStats = "sim:stats"
)

// Format is a WebSocket client's wire encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

// ParseFormat reads a ?format= value. Anything but "msgpack" is JSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "msgpack") {
		return FormatMsgpack
	}
	return FormatJSON
}

// Envelope is one message on the socket.
type Envelope struct {
	Event string `json:"event" msgpack:"event"`
	Data  any    `json:"data" msgpack:"data"`
}

type wsClient struct {
	conn   *websocket.Conn
	ip     string
	format Format
}

// frame holds one message in every encoding a client asked for.
type frame struct {
	text   []byte
	binary []byte
}

// Hub fans snapshots out to WebSocket clients. Only the hub goroutine writes to
// connections.
type Hub struct {
	clients    map[*websocket.Conn]*wsClient
	mu         sync.RWMutex
	broadcast  chan frame
	register   chan *wsClient
	unregister chan *websocket.Conn

	upgrader websocket.Upgrader
	limiter  *ConnLimiter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHub(origins OriginPolicy) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan frame, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		limiter:    NewConnLimiter(MaxWSConnectionsPerIP),
		stopChan:   make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origins.Allowed(origin) {
				return true
			}
			logs.WithTag("origin", origin).Info("websocket connection rejected")
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// Start serves registrations and broadcasts until Stop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopChan:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			count := len(h.clients)
			h.mu.Unlock()

			logs.WithTag("ip", client.ip).WithTag("clients", count).Debug("websocket client connected")
			UpdateWSConnections(count)

		case conn := <-h.unregister:
			h.remove(conn)

		case f := <-h.broadcast:
			h.send(f)
		}
	}
}

func (h *Hub) send(f frame) {
	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, client := range h.clients {
		msgType, data := websocket.TextMessage, f.text
		if client.format == FormatMsgpack {
			msgType, data = websocket.BinaryMessage, f.binary
		}
		if data == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(msgType, data); err != nil {
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.remove(conn)
	}
	IncrementWSMessages()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if ok {
		h.limiter.Release(client.ip)
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		logs.WithTag("ip", client.ip).WithTag("clients", count).Debug("websocket client disconnected")
		UpdateWSConnections(count)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, client := range h.clients {
		h.limiter.Release(client.ip)
		conn.Close()
		delete(h.clients, conn)
	}
	UpdateWSConnections(0)
}

// Stop closes every connection and ends the hub and the broadcast loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	h.wg.Wait()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) formats() (text, binary bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.format == FormatMsgpack {
			binary = true
		} else {
			text = true
		}
	}
	return text, binary
}

// Broadcast encodes data once per format in use and queues it. A full queue
// drops the message.
func (h *Hub) Broadcast(event string, data any) {
	text, binary := h.formats()
	if !text && !binary {
		return
	}

	msg := Envelope{Event: event, Data: data}
	var f frame
	var err error
	if text {
		if f.text, err = json.Marshal(msg); err != nil {
			logs.Warn(errors.New("encoding websocket frame failed").WithTag("event", event).Wrap(err))
			return
		}
	}
	if binary {
		if f.binary, err = msgpack.Marshal(msg); err != nil {
			logs.Warn(errors.New("encoding websocket frame failed").WithTag("event", event).Wrap(err))
			return
		}
	}

	select {
	case h.broadcast <- f:
	default:
	}
}

// StartBroadcastLoop publishes the latest snapshot every interval while
// clients are connected.
func (h *Hub) StartBroadcastLoop(s Simulator, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastSeq uint64
		scratch := &sim.Snapshot{}
		for {
			select {
			case <-h.stopChan:
				return
			case <-ticker.C:
			}

			if h.ClientCount() == 0 {
				continue
			}
			if s.Snapshot().Sequence == lastSeq {
				continue
			}
			snap := s.Snapshot().CloneInto(scratch)
			lastSeq = snap.Sequence
			h.Broadcast(EventSimState, snap)
			h.Broadcast(EventSimStats, snapshotStats(snap))
		}
	}()
}

// HandleWebSocket upgrades r after the total and per-IP limits.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if total := h.ClientCount(); total >= MaxWSConnectionsTotal {
		logs.WithTag("clients", total).Info("websocket connection rejected: total limit reached")
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.limiter.Acquire(ip) {
		logs.WithTag("ip", ip).Info("websocket connection rejected: per-IP limit reached")
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warn(errors.New("websocket upgrade failed").WithTag("ip", ip).Wrap(err))
		h.limiter.Release(ip)
		return
	}

	client := &wsClient{
		conn:   conn,
		ip:     ip,
		format: ParseFormat(r.URL.Query().Get("format")),
	}
	select {
	case h.register <- client:
	case <-h.stopChan:
		h.limiter.Release(ip)
		conn.Close()
		return
	}

	go h.readLoop(client)
}

// readLoop drains client messages until the connection fails. Clients only
// send keepalives; anything decodable is logged at debug level.
func (h *Hub) readLoop(client *wsClient) {
	defer func() {
		select {
		case h.unregister <- client.conn:
		case <-h.stopChan:
		}
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Envelope
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		logs.WithTag("ip", client.ip).WithTag("event", msg.Event).Debug("websocket message")
	}
}

// snapshotStats is the compact stats frame sent alongside state.
func snapshotStats(snap *sim.Snapshot) map[string]any {
	return map[string]any{
		"tick":  snap.Tick,
		"boids": snap.BoidCount,
		"mode":  snap.Mode,
		"index": snap.Index,
	}
}
