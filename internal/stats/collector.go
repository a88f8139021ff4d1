// Package stats keeps a short resource history for each supervised process.
// It listens for process.stats samples on the event hub and turns them into
// sliding windows of CPU utilisation and resident memory for the API.
package stats

import (
	"context"
	"sync"
	"time"

	"grimm.is/warden/internal/events"
)

// RingBuffer holds a sliding window of data points.
type RingBuffer struct {
	data     []float64
	head     int
	capacity int
	isFull   bool
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		data:     make([]float64, size),
		capacity: size,
	}
}

// Add inserts a new value, overwriting the oldest if full.
func (r *RingBuffer) Add(val float64) {
	r.data[r.head] = val
	r.head = (r.head + 1) % r.capacity
	if r.head == 0 {
		r.isFull = true
	}
}

// Snapshot returns the data ordered from oldest to newest.
func (r *RingBuffer) Snapshot() []float64 {
	result := make([]float64, 0, r.capacity)
	if r.isFull {
		result = append(result, r.data[r.head:]...)
		result = append(result, r.data[:r.head]...)
	} else {
		result = append(result, r.data[:r.head]...)
	}
	return result
}

// Len returns the number of data points currently in the buffer.
func (r *RingBuffer) Len() int {
	if r.isFull {
		return r.capacity
	}
	return r.head
}

// Series is the recorded history of one process.
type Series struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	PID  int       `json:"pid"`
	CPU  []float64 `json:"cpu"` // fraction of one core per sample interval
	RSS  []float64 `json:"rss"` // bytes
	Last time.Time `json:"last"`
}

type history struct {
	name    string
	pid     int
	cpu     *RingBuffer
	rss     *RingBuffer
	lastCPU float64
	lastAt  time.Time
}

// Collector records process.stats samples per process id.
type Collector struct {
	mu       sync.RWMutex
	procs    map[string]*history
	capacity int

	hub    *events.Hub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CollectorOption configures the Collector.
type CollectorOption func(*Collector)

// WithCapacity sets the ring buffer capacity (number of data points).
// Default: 60 (30 minutes at the default 30s stats interval)
func WithCapacity(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// NewCollector creates a collector bound to hub.
func NewCollector(hub *events.Hub, opts ...CollectorOption) *Collector {
	c := &Collector{
		procs:    make(map[string]*history),
		capacity: 60,
		hub:      hub,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes process events until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch := c.hub.Subscribe(256,
		events.EventProcessStats,
		events.EventProcessStopped,
		events.EventProcessCrashed,
		events.EventProcessDead,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.hub.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-ch:
				c.Observe(e)
			}
		}
	}()
}

// Stop halts event consumption and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Observe applies a single event. Stats samples extend a process's
// history; a process that exits has its history dropped.
func (c *Collector) Observe(e events.Event) {
	switch d := e.Data.(type) {
	case events.ProcessStatsData:
		at := e.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		c.sample(d, at)
	case events.ProcessData:
		if e.Type == events.EventProcessStopped || e.Type == events.EventProcessDead {
			c.Forget(d.ID)
		}
	case events.ProcessCrashedData:
		c.Forget(d.ID)
	}
}

func (c *Collector) sample(d events.ProcessStatsData, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.procs[d.ID]
	if !ok || h.pid != d.PID {
		// First sight (or a new pid under the same id): a rate needs two samples.
		c.procs[d.ID] = &history{
			name:    d.Name,
			pid:     d.PID,
			cpu:     NewRingBuffer(c.capacity),
			rss:     NewRingBuffer(c.capacity),
			lastCPU: d.CPUSeconds,
			lastAt:  at,
		}
		c.procs[d.ID].rss.Add(float64(d.RSSBytes))
		return
	}

	h.rss.Add(float64(d.RSSBytes))
	if wall := at.Sub(h.lastAt).Seconds(); wall > 0 {
		delta := d.CPUSeconds - h.lastCPU
		if delta < 0 {
			delta = 0
		}
		h.cpu.Add(delta / wall)
	}
	h.lastCPU = d.CPUSeconds
	h.lastAt = at
}

// Series returns the history for a process id.
func (c *Collector) Series(id string) (Series, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.procs[id]
	if !ok {
		return Series{}, false
	}
	return Series{
		ID:   id,
		Name: h.name,
		PID:  h.pid,
		CPU:  h.cpu.Snapshot(),
		RSS:  h.rss.Snapshot(),
		Last: h.lastAt,
	}, true
}

// All returns the history of every tracked process.
func (c *Collector) All() []Series {
	c.mu.RLock()
	ids := make([]string, 0, len(c.procs))
	for id := range c.procs {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	out := make([]Series, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.Series(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// Forget drops the history of a process.
func (c *Collector) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.procs, id)
}
