package render

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/fogleman/gg"

	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

const (
	// RecordBufferSize is the number of frames the writer may lag behind.
	RecordBufferSize = 16

	// MaxConsecutiveWriteErrors stops a recorder whose directory went bad.
	MaxConsecutiveWriteErrors = 10
)

// SnapshotSource is what a Recorder captures from.
type SnapshotSource interface {
	Snapshot() *sim.Snapshot
	ColliderBoxes() []spatial.Bounds
}

// RecorderConfig selects where and how often frames are saved.
type RecorderConfig struct {
	Dir       string `json:"dir" toml:"dir"`
	FPS       int    `json:"fps" toml:"fps"`
	MaxFrames int    `json:"maxFrames" toml:"max_frames"` // 0 records until Stop
}

func (c RecorderConfig) Enabled() bool {
	return c.Dir != ""
}

type recordedFrame struct {
	tick uint64
	img  *image.RGBA
}

// frameRing is a single-producer single-consumer ring of preallocated
// frames. When it is full new frames are dropped.
type frameRing struct {
	frames   [RecordBufferSize]recordedFrame
	readIdx  atomic.Uint32
	writeIdx atomic.Uint32

	written atomic.Uint64
	dropped atomic.Uint64
}

func newFrameRing(width, height int) *frameRing {
	r := &frameRing{}
	for i := range r.frames {
		r.frames[i].img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	return r
}

// reserve returns the slot to fill, or nil when the ring is full.
func (r *frameRing) reserve() *recordedFrame {
	w := r.writeIdx.Load()
	if (w+1)%RecordBufferSize == r.readIdx.Load() {
		r.dropped.Add(1)
		return nil
	}
	return &r.frames[w]
}

func (r *frameRing) commit() {
	r.writeIdx.Store((r.writeIdx.Load() + 1) % RecordBufferSize)
	r.written.Add(1)
}

// peek returns the oldest frame without releasing its slot.
func (r *frameRing) peek() *recordedFrame {
	rd := r.readIdx.Load()
	if rd == r.writeIdx.Load() {
		return nil
	}
	return &r.frames[rd]
}

func (r *frameRing) release() {
	r.readIdx.Store((r.readIdx.Load() + 1) % RecordBufferSize)
}

func (r *frameRing) pending() int {
	rd, w := r.readIdx.Load(), r.writeIdx.Load()
	if w >= rd {
		return int(w - rd)
	}
	return int(RecordBufferSize - rd + w)
}

// RecorderStats are recorder counters.
type RecorderStats struct {
	Captured uint64 `json:"captured"`
	Dropped  uint64 `json:"dropped"`
	Saved    uint64 `json:"saved"`
	Errors   uint64 `json:"errors"`
	Pending  int    `json:"pending"`
	Running  bool   `json:"running"`
}

// Recorder saves numbered PNG frames of a running simulation. Frames are
// drawn on the capture goroutine and written to disk by a second one, so a
// slow disk only costs dropped frames.
type Recorder struct {
	src      SnapshotSource
	renderer *Renderer
	ring     *frameRing
	cfg      RecorderConfig

	lastSeq uint64       // capture goroutine only
	snap    sim.Snapshot // capture goroutine only

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	saved             atomic.Uint64
	writeErrors       atomic.Uint64
	consecutiveErrors int // writer goroutine only
}

// NewRecorder creates cfg.Dir when it does not exist.
func NewRecorder(src SnapshotSource, opts Options, cfg RecorderConfig) (*Recorder, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.New("creating recording directory failed").
			WithTag("dir", cfg.Dir).
			Wrap(err)
	}

	renderer := NewRenderer(opts)
	o := renderer.Options()
	return &Recorder{
		src:      src,
		renderer: renderer,
		ring:     newFrameRing(o.Width, o.Height),
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}, nil
}

// Start runs the capture and writer goroutines until Stop.
func (r *Recorder) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(2)
	go r.captureLoop()
	go r.writerLoop()

	logs.WithTag("dir", r.cfg.Dir).
		WithTag("fps", r.cfg.FPS).
		Info("frame recording started")
}

// Stop ends capturing and waits until captured frames are on disk.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.Flush()
		r.running.Store(false)

		st := r.Stats()
		logs.WithTag("saved", st.Saved).
			WithTag("dropped", st.Dropped).
			Info("frame recording stopped")
	})
}

func (r *Recorder) done() bool {
	return r.cfg.MaxFrames > 0 && r.ring.written.Load() >= uint64(r.cfg.MaxFrames)
}

// Capture draws the latest snapshot into the ring. It returns false when
// nothing new was published, the frame limit is reached or the ring is full.
func (r *Recorder) Capture() bool {
	if r.done() {
		return false
	}
	if seq := r.src.Snapshot().Sequence; seq == 0 || seq == r.lastSeq {
		return false
	}
	slot := r.ring.reserve()
	if slot == nil {
		return false
	}
	snap := r.src.Snapshot().CloneInto(&r.snap)
	r.lastSeq = snap.Sequence
	slot.tick = snap.Tick
	r.renderer.RenderInto(slot.img, snap, r.src.ColliderBoxes())
	r.ring.commit()
	return true
}

// Flush writes every captured frame and returns how many were saved.
func (r *Recorder) Flush() int {
	n := 0
	for {
		frame := r.ring.peek()
		if frame == nil {
			return n
		}
		if r.save(frame) {
			n++
		}
		r.ring.release()
	}
}

func (r *Recorder) save(frame *recordedFrame) bool {
	path := filepath.Join(r.cfg.Dir, fmt.Sprintf("frame_%08d.png", frame.tick))
	if err := gg.SavePNG(path, frame.img); err != nil {
		r.writeErrors.Add(1)
		r.consecutiveErrors++
		if r.consecutiveErrors <= 3 {
			logs.Warn(errors.New("saving frame failed").WithTag("path", path).Wrap(err))
		}
		return false
	}
	r.consecutiveErrors = 0
	r.saved.Add(1)
	return true
}

func (r *Recorder) captureLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Capture()
		}
	}
}

func (r *Recorder) writerLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.Flush()
			return
		case <-ticker.C:
			if r.consecutiveErrors >= MaxConsecutiveWriteErrors {
				continue
			}
			r.Flush()
		}
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Captured: r.ring.written.Load(),
		Dropped:  r.ring.dropped.Load(),
		Saved:    r.saved.Load(),
		Errors:   r.writeErrors.Load(),
		Pending:  r.ring.pending(),
		Running:  r.running.Load(),
	}
}
