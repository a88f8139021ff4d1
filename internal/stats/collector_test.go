package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/events"
)

func TestRingBuffer_Add(t *testing.T) {
	buf := NewRingBuffer(5)

	// Add values
	for i := 0; i < 5; i++ {
		buf.Add(float64(i))
	}

	snapshot := buf.Snapshot()
	if len(snapshot) != 5 {
		t.Errorf("Expected 5 items, got %d", len(snapshot))
	}

	// Should be [0, 1, 2, 3, 4]
	for i, v := range snapshot {
		if v != float64(i) {
			t.Errorf("Expected %f at index %d, got %f", float64(i), i, v)
		}
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	buf := NewRingBuffer(3)

	// Add 5 values to a buffer of size 3
	for i := 0; i < 5; i++ {
		buf.Add(float64(i))
	}

	snapshot := buf.Snapshot()
	if len(snapshot) != 3 {
		t.Errorf("Expected 3 items, got %d", len(snapshot))
	}

	// Should be [2, 3, 4] (oldest to newest after wrap)
	expected := []float64{2, 3, 4}
	for i, v := range snapshot {
		if v != expected[i] {
			t.Errorf("Expected %f at index %d, got %f", expected[i], i, v)
		}
	}
}

func TestRingBuffer_Len(t *testing.T) {
	buf := NewRingBuffer(5)

	if buf.Len() != 0 {
		t.Errorf("Expected length 0, got %d", buf.Len())
	}

	buf.Add(1.0)
	buf.Add(2.0)
	if buf.Len() != 2 {
		t.Errorf("Expected length 2, got %d", buf.Len())
	}

	// Fill and overflow
	for i := 0; i < 10; i++ {
		buf.Add(float64(i))
	}
	if buf.Len() != 5 {
		t.Errorf("Expected length 5 (capacity), got %d", buf.Len())
	}
}

func statsEvent(id string, pid int, cpu float64, rss uint64, at time.Time) events.Event {
	return events.Event{
		Type:      events.EventProcessStats,
		Timestamp: at,
		Data: events.ProcessStatsData{
			ID: id, Name: "web", PID: pid, CPUSeconds: cpu, RSSBytes: rss,
		},
	}
}

func TestCollector_CPURate(t *testing.T) {
	c := NewCollector(events.NewHub(), WithCapacity(10))
	t0 := time.Unix(1000, 0)

	c.Observe(statsEvent("proc_a", 42, 1.0, 4096, t0))
	c.Observe(statsEvent("proc_a", 42, 1.5, 8192, t0.Add(2*time.Second)))
	c.Observe(statsEvent("proc_a", 42, 3.5, 8192, t0.Add(4*time.Second)))

	s, ok := c.Series("proc_a")
	require.True(t, ok)
	assert.Equal(t, "web", s.Name)
	assert.Equal(t, 42, s.PID)
	assert.Equal(t, []float64{0.25, 1.0}, s.CPU)
	assert.Equal(t, []float64{4096, 8192, 8192}, s.RSS)
	assert.Equal(t, t0.Add(4*time.Second), s.Last)
}

func TestCollector_NewPIDRestartsHistory(t *testing.T) {
	c := NewCollector(events.NewHub())
	t0 := time.Unix(1000, 0)

	c.Observe(statsEvent("proc_a", 1, 5, 100, t0))
	c.Observe(statsEvent("proc_a", 1, 6, 100, t0.Add(time.Second)))
	c.Observe(statsEvent("proc_a", 2, 0.1, 200, t0.Add(2*time.Second)))

	s, ok := c.Series("proc_a")
	require.True(t, ok)
	assert.Equal(t, 2, s.PID)
	assert.Empty(t, s.CPU)
	assert.Equal(t, []float64{200}, s.RSS)
}

func TestCollector_CounterGoesBackwards(t *testing.T) {
	c := NewCollector(events.NewHub())
	t0 := time.Unix(1000, 0)

	c.Observe(statsEvent("proc_a", 1, 5, 100, t0))
	c.Observe(statsEvent("proc_a", 1, 4, 100, t0.Add(time.Second)))

	s, _ := c.Series("proc_a")
	assert.Equal(t, []float64{0}, s.CPU)
}

func TestCollector_ForgetsExitedProcesses(t *testing.T) {
	c := NewCollector(events.NewHub())
	t0 := time.Unix(1000, 0)

	c.Observe(statsEvent("proc_a", 1, 1, 1, t0))
	c.Observe(statsEvent("proc_b", 2, 1, 1, t0))
	c.Observe(statsEvent("proc_c", 3, 1, 1, t0))
	assert.Len(t, c.All(), 3)

	c.Observe(events.Event{Type: events.EventProcessStopped, Data: events.ProcessData{ID: "proc_a"}})
	c.Observe(events.Event{Type: events.EventProcessCrashed, Data: events.ProcessCrashedData{
		ProcessData: events.ProcessData{ID: "proc_b"},
	}})

	_, ok := c.Series("proc_a")
	assert.False(t, ok)
	_, ok = c.Series("proc_b")
	assert.False(t, ok)
	_, ok = c.Series("proc_c")
	assert.True(t, ok)
}

func TestCollector_StartConsumesHub(t *testing.T) {
	hub := events.NewHub()
	c := NewCollector(hub)
	c.Start(context.Background())
	defer c.Stop()

	hub.EmitProcess(events.EventProcessStats, events.ProcessStatsData{ID: "proc_a", PID: 7, RSSBytes: 1024})

	require.Eventually(t, func() bool {
		_, ok := c.Series("proc_a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	hub.EmitProcess(events.EventProcessStopped, events.ProcessData{ID: "proc_a"})
	require.Eventually(t, func() bool {
		_, ok := c.Series("proc_a")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
