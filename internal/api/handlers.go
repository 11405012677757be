package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-chi/chi/v5"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/encoding/json"
	"github.com/vmihailenco/msgpack/v5"

	"flock-sim/internal/boids"
	"flock-sim/internal/render"
	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

const (
	MaxBoidsPerRequest = 1000
	DefaultEventCount  = 100
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Tick            sim.TickStats     `json:"tick" msgpack:"tick"`
	Index           spatial.Stats     `json:"index" msgpack:"index"`
	Mode            string            `json:"mode" msgpack:"mode"`
	Threshold       int               `json:"threshold" msgpack:"threshold"`
	RefreshInterval float32           `json:"refreshInterval" msgpack:"refreshInterval"`
	Boids           int               `json:"boids" msgpack:"boids"`
	Visualizing     bool              `json:"visualizing" msgpack:"visualizing"`
	Running         bool              `json:"running" msgpack:"running"`
	Events          sim.EventLogStats `json:"events" msgpack:"events"`
	RateLimit       RateLimitStats    `json:"rateLimit" msgpack:"rateLimit"`
	Clients         int               `json:"clients" msgpack:"clients"`
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeEncoded(w, r, h.sim.Snapshot().Clone())
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	cfg := h.sim.Config()
	stats := StatsResponse{
		Tick:            h.sim.LastStats(),
		Index:           h.sim.IndexStats(),
		Mode:            h.sim.Mode().String(),
		Threshold:       cfg.AutoSwitchThreshold,
		RefreshInterval: cfg.RefreshInterval,
		Boids:           h.sim.BoidCount(),
		Visualizing:     h.sim.Visualizing(),
		Running:         h.sim.Running(),
		Events:          h.sim.Events().Stats(),
		RateLimit:       h.limiter.Stats(),
	}
	if h.clients != nil {
		stats.Clients = h.clients()
	}
	writeEncoded(w, r, stats)
}

// actor attributes a mutation's events to the requesting client.
func (h *routerHandlers) actor(r *http.Request) *sim.Actor {
	return h.sim.As(EventSource(r))
}

// EventSource names the client behind r in the event log.
func EventSource(r *http.Request) string {
	return "api:" + GetClientIP(r)
}

func (h *routerHandlers) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.sim.Params())
}

// handlePutParams decodes the body over the current parameters, so a
// partial object only changes the fields it names.
func (h *routerHandlers) handlePutParams(w http.ResponseWriter, r *http.Request) {
	params := h.sim.Params()
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.actor(r).SetParams(params); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h.sim.Params())
}

func (h *routerHandlers) handlePostMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode      string `json:"mode"`
		Threshold *int   `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}

	if req.Mode != "" {
		mode, err := spatial.ParseMode(req.Mode)
		if err != nil {
			writeError(w, err)
			return
		}
		h.sim.SetMode(mode)
	}
	if req.Threshold != nil {
		if *req.Threshold <= 0 {
			writeErrorMessage(w, "threshold must be positive", http.StatusBadRequest)
			return
		}
		h.sim.SetAutoSwitchThreshold(*req.Threshold)
	}

	writeJSON(w, map[string]any{
		"mode":      h.sim.Mode().String(),
		"threshold": h.sim.Config().AutoSwitchThreshold,
	})
}

func (h *routerHandlers) handlePostBoids(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count    int         `json:"count"`
		Position *mgl32.Vec3 `json:"position"`
		Size     float32     `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}

	if req.Position != nil {
		i, err := h.actor(r).AddBoid(*req.Position, req.Size)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]int{"index": i, "boids": h.sim.BoidCount()})
		return
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}
	count = min(count, MaxBoidsPerRequest)

	added, err := h.actor(r).AddRandomBoids(count)
	if err != nil && added == 0 {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"added": added, "boids": h.sim.BoidCount()})
}

func (h *routerHandlers) handleDeleteBoid(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeErrorMessage(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	if err := h.actor(r).RemoveBoid(i); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"boids": h.sim.BoidCount()})
}

func (h *routerHandlers) handleRestart(w http.ResponseWriter, r *http.Request) {
	h.actor(r).Restart()
	logs.WithTag("source", GetClientIP(r)).Info("simulation restarted")
	writeJSON(w, map[string]int{"boids": h.sim.BoidCount()})
}

func (h *routerHandlers) handleGetVisualization(w http.ResponseWriter, r *http.Request) {
	writeEncoded(w, r, map[string]any{
		"index": h.sim.IndexStats(),
		"nodes": h.sim.VisualizationData(),
	})
}

func (h *routerHandlers) handleToggleVisualization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"visualizing": h.sim.ToggleVisualization()})
}

func (h *routerHandlers) handleGetColliders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.sim.ColliderBoxes())
}

func (h *routerHandlers) handlePutColliders(w http.ResponseWriter, r *http.Request) {
	var boxes []spatial.Bounds
	if err := json.NewDecoder(r.Body).Decode(&boxes); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}
	for _, b := range boxes {
		if b.IsEmpty() {
			writeErrorMessage(w, "collider box min must not exceed max", http.StatusBadRequest)
			return
		}
	}
	h.actor(r).SetColliderBoxes(boxes...)
	writeJSON(w, h.sim.ColliderBoxes())
}

func (h *routerHandlers) handlePutRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interval float32 `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]float32{"interval": h.sim.SetRefreshInterval(req.Interval)})
}

func (h *routerHandlers) handlePostResize(w http.ResponseWriter, r *http.Request) {
	cfg := h.sim.Config()
	req := struct {
		Center   mgl32.Vec3 `json:"center"`
		Size     float32    `json:"size"`
		Capacity int        `json:"capacity"`
	}{cfg.RootCenter, cfg.RootSize, cfg.Capacity}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.actor(r).Resize(req.Center, req.Size, req.Capacity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h.sim.IndexStats())
}

func (h *routerHandlers) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	n := DefaultEventCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeErrorMessage(w, "n must be an integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, h.sim.Events().Recent(n))
}

func (h *routerHandlers) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	plane, err := render.ParsePlane(r.URL.Query().Get("plane"))
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	var buf bytes.Buffer
	if err := h.frames.renderer(plane).EncodePNG(&buf, h.sim.Snapshot().Clone(), h.sim.ColliderBoxes()); err != nil {
		logs.Warn(errors.New("rendering frame failed").Wrap(err))
		writeErrorMessage(w, "rendering frame failed", http.StatusInternalServerError)
		return
	}
	RecordRender(time.Since(start))

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logs.Warn(errors.New("encoding response failed").Wrap(err))
	}
}

// writeEncoded answers in msgpack when the request asks for it with
// ?format=msgpack, and in JSON otherwise.
func writeEncoded(w http.ResponseWriter, r *http.Request, data any) {
	if ParseFormat(r.URL.Query().Get("format")) != FormatMsgpack {
		writeJSON(w, data)
		return
	}

	b, err := msgpack.Marshal(data)
	if err != nil {
		writeError(w, errors.New("encoding response failed").Wrap(err))
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	w.Write(b)
}

func writeErrorMessage(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps typed errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.Type(err) {
	case boids.ErrTypeInvalidParams,
		sim.ErrTypeInvalidConfig,
		spatial.ErrTypeInvalidMode,
		render.ErrTypeInvalidPlane:
		code = http.StatusBadRequest
	case sim.ErrTypeBoidNotFound:
		code = http.StatusNotFound
	case sim.ErrTypeBoidLimit:
		code = http.StatusServiceUnavailable
	case ErrTypeUnauthorized:
		code = http.StatusUnauthorized
	default:
		logs.Warn(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"type":  errors.Type(err),
	})
}
