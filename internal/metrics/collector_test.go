package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
)

func TestCollector_Observe(t *testing.T) {
	reg := Get()
	hub := events.NewHub()
	c := NewCollector(reg, hub, logging.New(logging.DefaultConfig()))

	spawns := testutil.ToFloat64(reg.ProcessSpawns.WithLabelValues("observe-test"))
	crashes := testutil.ToFloat64(reg.ProcessCrashes.WithLabelValues("observe-test"))

	c.Observe(events.Event{Type: events.EventProcessSpawned, Data: events.ProcessData{Name: "observe-test"}})
	c.Observe(events.Event{Type: events.EventProcessCrashed, Data: events.ProcessCrashedData{
		ProcessData: events.ProcessData{Name: "observe-test"},
		ExitCode:    1,
	}})
	c.Observe(events.Event{Type: events.EventProcessStats, Data: events.ProcessStatsData{
		Name: "observe-test", CPUSeconds: 1.5, RSSBytes: 4096,
	}})

	if got := testutil.ToFloat64(reg.ProcessSpawns.WithLabelValues("observe-test")); got != spawns+1 {
		t.Errorf("spawns = %v, want %v", got, spawns+1)
	}
	if got := testutil.ToFloat64(reg.ProcessCrashes.WithLabelValues("observe-test")); got != crashes+1 {
		t.Errorf("crashes = %v, want %v", got, crashes+1)
	}
	if got := testutil.ToFloat64(reg.ProcessRSS.WithLabelValues("observe-test")); got != 4096 {
		t.Errorf("rss = %v, want 4096", got)
	}
}

func TestCollector_Subscribes(t *testing.T) {
	reg := Get()
	hub := events.NewHub()
	c := NewCollector(reg, hub, nil)
	c.Start(context.Background())
	defer c.Stop()

	before := testutil.ToFloat64(reg.WorkflowsStarted.WithLabelValues("collector-test"))
	hub.EmitWorkflow(events.EventWorkflowStarted, events.WorkflowData{WorkflowName: "collector-test"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(reg.WorkflowsStarted.WithLabelValues("collector-test")) == before+1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("collector did not record workflow.started")
}

func TestRegistry_Records(t *testing.T) {
	reg := Get()

	before := testutil.ToFloat64(reg.ProxyCalls.WithLabelValues("cache", "get", "error"))
	reg.RecordProxyCall("cache", "get", context.Canceled)
	if got := testutil.ToFloat64(reg.ProxyCalls.WithLabelValues("cache", "get", "error")); got != before+1 {
		t.Errorf("proxy calls = %v, want %v", got, before+1)
	}

	reg.RecordWorkflowFinished("records-test", "completed", time.Second)
	if got := testutil.ToFloat64(reg.WorkflowsFinished.WithLabelValues("records-test", "completed")); got != 1 {
		t.Errorf("finished = %v, want 1", got)
	}

	reg.RecordAPIRequest("GET", "/v1/processes", 200, 0.01)
	if got := testutil.ToFloat64(reg.APIRequests.WithLabelValues("GET", "/v1/processes", "200")); got < 1 {
		t.Errorf("api requests = %v, want >= 1", got)
	}
}
