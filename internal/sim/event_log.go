package sim

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

const (
	EventBufferSize     = 1024                   // Ring size
	MaxEventsPerSec     = 2000                   // Global rate limit
	MaxEventsPerSource  = 20                     // Per-source rate limit per second
	BatchFlushSize      = 64                     // Events per batch write
	BatchFlushInterval  = 250 * time.Millisecond // How often to flush
	SourceLimiterExpiry = 5 * time.Minute        // Idle time before a source limiter is dropped
)

// EventLog is a bounded, rate-limited ring of simulation events with an
// optional JSON-lines writer. When the ring is full the oldest unwritten
// events are dropped.
type EventLog struct {
	mu        sync.Mutex
	buffer    [EventBufferSize]Event
	writeHead uint64 // guarded by mu
	readHead  uint64 // guarded by mu

	globalLimiter  *rate.Limiter
	sourceLimiters sync.Map // map[string]*sourceLimiterEntry

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	out    io.Writer
	file   *os.File
	fileMu sync.Mutex

	droppedCount atomic.Uint64
	totalCount   atomic.Uint64
}

type sourceLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// NewEventLog returns an event log that records into its ring immediately.
// Nothing is written out until Start.
func NewEventLog() *EventLog {
	return &EventLog{
		globalLimiter: rate.NewLimiter(MaxEventsPerSec, MaxEventsPerSec/10),
		stopChan:      make(chan struct{}),
	}
}

// Start opens filePath for append, when set, and starts the writer. An empty
// path keeps events in memory only.
func (el *EventLog) Start(filePath string) error {
	if filePath == "" {
		return el.StartWriter(nil)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	el.fileMu.Lock()
	el.file = file
	el.fileMu.Unlock()
	return el.StartWriter(file)
}

// StartWriter starts the background flush into w. A nil w only drains the
// ring's unwritten cursor.
func (el *EventLog) StartWriter(w io.Writer) error {
	if !el.running.CompareAndSwap(false, true) {
		return nil
	}
	el.fileMu.Lock()
	el.out = w
	el.fileMu.Unlock()

	el.writerWg.Add(2)
	go el.writerLoop()
	go el.cleanupLoop()
	return nil
}

// Stop flushes pending events and closes the file opened by Start.
func (el *EventLog) Stop() {
	el.stopOnce.Do(func() {
		if !el.running.Load() {
			return
		}
		close(el.stopChan)
		el.writerWg.Wait()
		el.running.Store(false)

		el.fileMu.Lock()
		if el.file != nil {
			if err := el.file.Close(); err != nil {
				logs.Warn(err)
			}
			el.file = nil
		}
		el.out = nil
		el.fileMu.Unlock()
	})
}

// Emit records event. It returns false when a rate limit rejects it.
func (el *EventLog) Emit(event Event) bool {
	if !el.globalLimiter.Allow() {
		el.droppedCount.Add(1)
		return false
	}
	if event.Source != "" && !el.sourceLimiter(event.Source).Allow() {
		el.droppedCount.Add(1)
		return false
	}

	el.mu.Lock()
	el.writeHead++
	head := el.writeHead
	if head-el.readHead > EventBufferSize {
		el.readHead = head - EventBufferSize
		el.droppedCount.Add(1)
	}
	event.Sequence = head
	el.buffer[head%EventBufferSize] = event
	el.mu.Unlock()

	el.totalCount.Add(1)
	return true
}

// EmitSimple builds and records an event.
func (el *EventLog) EmitSimple(t EventType, tick uint64, source string, payload any) bool {
	return el.Emit(NewEvent(t, tick, source, payload))
}

// Recent returns up to n of the newest events, oldest first.
func (el *EventLog) Recent(n int) []Event {
	el.mu.Lock()
	defer el.mu.Unlock()

	head := el.writeHead
	avail := head
	if avail > EventBufferSize {
		avail = EventBufferSize
	}
	if n <= 0 || uint64(n) > avail {
		n = int(avail)
	}

	out := make([]Event, 0, n)
	for seq := head - uint64(n) + 1; seq <= head && n > 0; seq++ {
		out = append(out, el.buffer[seq%EventBufferSize])
	}
	return out
}

func (el *EventLog) sourceLimiter(source string) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := el.sourceLimiters.Load(source); ok {
		e := v.(*sourceLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}

	entry := &sourceLimiterEntry{limiter: rate.NewLimiter(MaxEventsPerSource, MaxEventsPerSource)}
	entry.lastUsed.Store(now)
	actual, _ := el.sourceLimiters.LoadOrStore(source, entry)
	return actual.(*sourceLimiterEntry).limiter
}

func (el *EventLog) writerLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, BatchFlushSize)
	for {
		select {
		case <-el.stopChan:
			for {
				batch = el.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				el.flushBatch(batch)
			}

		case <-ticker.C:
			batch = el.collectBatch(batch[:0])
			if len(batch) > 0 {
				el.flushBatch(batch)
			}
		}
	}
}

func (el *EventLog) cleanupLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(SourceLimiterExpiry)
	defer ticker.Stop()

	for {
		select {
		case <-el.stopChan:
			return
		case <-ticker.C:
			el.cleanupSourceLimiters()
		}
	}
}

func (el *EventLog) cleanupSourceLimiters() {
	cutoff := time.Now().Add(-SourceLimiterExpiry).UnixNano()
	el.sourceLimiters.Range(func(key, value any) bool {
		if value.(*sourceLimiterEntry).lastUsed.Load() < cutoff {
			el.sourceLimiters.Delete(key)
		}
		return true
	})
}

// collectBatch moves up to BatchFlushSize unwritten events into batch.
func (el *EventLog) collectBatch(batch []Event) []Event {
	el.mu.Lock()
	defer el.mu.Unlock()

	for el.readHead < el.writeHead && len(batch) < BatchFlushSize {
		el.readHead++
		batch = append(batch, el.buffer[el.readHead%EventBufferSize])
	}
	return batch
}

// flushBatch appends newline-delimited JSON to the writer.
func (el *EventLog) flushBatch(batch []Event) {
	el.fileMu.Lock()
	defer el.fileMu.Unlock()

	if el.out == nil {
		return
	}
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := el.out.Write(data); err != nil {
			logs.Warn(err)
			return
		}
	}
}

// Stats returns counters for monitoring.
func (el *EventLog) Stats() EventLogStats {
	el.mu.Lock()
	pending := el.writeHead - el.readHead
	el.mu.Unlock()

	return EventLogStats{
		Total:   el.totalCount.Load(),
		Dropped: el.droppedCount.Load(),
		Pending: pending,
		Running: el.running.Load(),
	}
}

// EventLogStats are event log counters.
type EventLogStats struct {
	Total   uint64 `json:"total" msgpack:"total"`
	Dropped uint64 `json:"dropped" msgpack:"dropped"`
	Pending uint64 `json:"pending" msgpack:"pending"`
	Running bool   `json:"running" msgpack:"running"`
}
