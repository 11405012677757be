package api

import (
	"bytes"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"flock-sim/internal/boids"
	"flock-sim/internal/render"
	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

var testRateLimit = RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}

func newTestSim(t *testing.T) *sim.Simulator {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.Seed = 3
	cfg.InitialCount = 20
	cfg.MaxBoids = 30
	s, err := sim.New(cfg)
	require.NoError(t, err)
	return s
}

func newTestRouter(t *testing.T, s Simulator, sessions *SessionManager) http.Handler {
	t.Helper()
	limiter := NewIPRateLimiter(testRateLimit)
	t.Cleanup(limiter.Stop)

	opts := render.DefaultOptions()
	opts.Width, opts.Height = 64, 64
	return NewRouter(RouterConfig{
		Simulator:      s,
		RateLimiter:    limiter,
		Sessions:       sessions,
		Render:         opts,
		DisableLogging: true,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGetState(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	rec := do(t, h, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	snap := decode[sim.Snapshot](t, rec)
	assert.Equal(t, 20, snap.BoidCount)
	assert.Len(t, snap.Boids, 20)
	assert.Equal(t, "auto", snap.Mode)
	assert.Equal(t, int64(3), snap.Seed)
}

func TestGetStateMsgpack(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	rec := do(t, h, http.MethodGet, "/api/state?format=msgpack", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get("Content-Type"))

	var snap sim.Snapshot
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 20, snap.BoidCount)
	assert.Len(t, snap.Boids, 20)
}

func TestGetStats(t *testing.T) {
	s := newTestSim(t)
	_, err := s.Tick(1.0 / 60)
	require.NoError(t, err)
	h := newTestRouter(t, s, nil)

	stats := decode[StatsResponse](t, do(t, h, http.MethodGet, "/api/stats", ""))
	assert.Equal(t, 20, stats.Boids)
	assert.Equal(t, uint64(1), stats.Tick.Tick)
	assert.Equal(t, "octree", stats.Index.Kind)
	assert.Equal(t, spatial.DefaultAutoSwitchThreshold, stats.Threshold)
	assert.False(t, stats.Running)
	assert.Positive(t, stats.Events.Total)
	assert.Positive(t, stats.RateLimit.Allowed)
}

func TestPutParams(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	rec := do(t, h, http.MethodPut, "/api/params", `{"maxSpeed":1.5,"maxNeighbors":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[boids.Params](t, do(t, h, http.MethodGet, "/api/params", ""))
	want := boids.DefaultParams()
	want.MaxSpeed = 1.5
	want.MaxNeighbors = 3
	assert.Equal(t, want, got)

	rec = do(t, h, http.MethodPut, "/api/params", `{"maxSpeed":-1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, boids.ErrTypeInvalidParams, body["type"])

	rec = do(t, h, http.MethodPut, "/api/params", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMode(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	rec := do(t, h, http.MethodPost, "/api/mode", `{"mode":"bvh","threshold":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "bvh", body["mode"])
	assert.Equal(t, float64(50), body["threshold"])

	_, err := s.Tick(1.0 / 60)
	require.NoError(t, err)
	assert.Equal(t, "bvh", s.IndexStats().Kind)

	rec = do(t, h, http.MethodPost, "/api/mode", `{"mode":"quadtree"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, spatial.ErrTypeInvalidMode, decode[map[string]string](t, rec)["type"])

	rec = do(t, h, http.MethodPost, "/api/mode", `{"threshold":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostBoids(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	rec := do(t, h, http.MethodPost, "/api/boids", `{"count":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"added": 5, "boids": 25}, decode[map[string]int](t, rec))

	rec = do(t, h, http.MethodPost, "/api/boids", `{"position":[1,2,3]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"index": 25, "boids": 26}, decode[map[string]int](t, rec))

	e, _, ok := s.Boid(25)
	require.True(t, ok)
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, e.Position)

	rec = do(t, h, http.MethodPost, "/api/boids", `{"count":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"added": 4, "boids": 30}, decode[map[string]int](t, rec))

	rec = do(t, h, http.MethodPost, "/api/boids", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, sim.ErrTypeBoidLimit, decode[map[string]string](t, rec)["type"])
}

func TestDeleteBoid(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	rec := do(t, h, http.MethodDelete, "/api/boids/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 19, decode[map[string]int](t, rec)["boids"])

	rec = do(t, h, http.MethodDelete, "/api/boids/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, sim.ErrTypeBoidNotFound, decode[map[string]string](t, rec)["type"])

	rec = do(t, h, http.MethodDelete, "/api/boids/first", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestart(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	do(t, h, http.MethodDelete, "/api/boids/0", "")
	rec := do(t, h, http.MethodPost, "/api/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, decode[map[string]int](t, rec)["boids"])
}

func TestVisualization(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	rec := do(t, h, http.MethodPost, "/api/visualization/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["visualizing"])
	assert.True(t, s.Visualizing())

	var body struct {
		Index spatial.Stats        `json:"index"`
		Nodes []spatial.NodeVisual `json:"nodes"`
	}
	rec = do(t, h, http.MethodGet, "/api/visualization", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Nodes, body.Index.Nodes)
}

func TestColliders(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	rec := do(t, h, http.MethodPut, "/api/colliders", `[{"min":[-1,-1,-1],"max":[1,1,1]}]`)
	require.Equal(t, http.StatusOK, rec.Code)

	boxes := decode[[]spatial.Bounds](t, do(t, h, http.MethodGet, "/api/colliders", ""))
	require.Len(t, boxes, 1)
	assert.Equal(t, mgl32.Vec3{1, 1, 1}, boxes[0].Max)
	assert.Equal(t, boxes, s.ColliderBoxes())

	rec = do(t, h, http.MethodPut, "/api/colliders", `[{"min":[1,1,1],"max":[-1,-1,-1]}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/colliders", `[]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.ColliderBoxes())
}

func TestPutRefresh(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	rec := do(t, h, http.MethodPut, "/api/refresh", `{"interval":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sim.MinRefreshInterval, decode[map[string]float32](t, rec)["interval"])
}

func TestPostResize(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	rec := do(t, h, http.MethodPost, "/api/resize", `{"size":60}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float32(60), s.Config().RootSize)
	assert.Equal(t, 4, s.Config().Capacity)

	rec = do(t, h, http.MethodPost, "/api/resize", `{"size":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, sim.ErrTypeInvalidConfig, decode[map[string]string](t, rec)["type"])
}

func TestGetEvents(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)
	do(t, h, http.MethodPost, "/api/restart", "")

	events := decode[[]sim.Event](t, do(t, h, http.MethodGet, "/api/events?n=2", ""))
	require.Len(t, events, 2)
	assert.Equal(t, "restart", events[1].Name)

	rec := do(t, h, http.MethodGet, "/api/events?n=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFrame(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	rec := do(t, h, http.MethodGet, "/api/frame.png?plane=xz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	rec = do(t, h, http.MethodGet, "/api/frame.png?plane=uv", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := NewIPRateLimiter(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	t.Cleanup(limiter.Stop)
	h := NewRouter(RouterConfig{
		Simulator:      newTestSim(t),
		RateLimiter:    limiter,
		DisableLogging: true,
	})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/params", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/params", "").Code)
	rec := do(t, h, http.MethodGet, "/api/params", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, RateLimitStats{Allowed: 2, Rejected: 1}, limiter.Stats())
}

func TestCORS(t *testing.T) {
	h := newTestRouter(t, newTestSim(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/params", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/params", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMutationEventsCarryClientSource(t *testing.T) {
	s := newTestSim(t)
	h := newTestRouter(t, s, nil)

	restartFrom := func(ip string) {
		req := httptest.NewRequest(http.MethodPost, "/api/restart", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	for i := 0; i < sim.MaxEventsPerSource+5; i++ {
		restartFrom("203.0.113.7")
	}
	restartFrom("198.51.100.2")

	bySource := map[string]int{}
	for _, e := range s.Events().Recent(0) {
		if e.Type == sim.EventTypeRestart {
			bySource[e.Source]++
		}
	}
	limited := bySource["api:203.0.113.7"]
	assert.GreaterOrEqual(t, limited, sim.MaxEventsPerSource)
	assert.Less(t, limited, sim.MaxEventsPerSource+5, "one client is rate limited on its own")
	assert.Equal(t, 1, bySource["api:198.51.100.2"])
	assert.Equal(t, 1, bySource[""], "the restart from New has no source")
}
