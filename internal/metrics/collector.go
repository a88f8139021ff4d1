package metrics

import (
	"context"
	"sync"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
)

// Collector subscribes to the event hub and turns lifecycle events into
// Prometheus series.
type Collector struct {
	registry *Registry
	hub      *events.Hub
	logger   *logging.Logger

	ch     <-chan events.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector bound to hub.
func NewCollector(reg *Registry, hub *events.Hub, logger *logging.Logger) *Collector {
	return &Collector{
		registry: reg,
		hub:      hub,
		logger:   logging.OrDefault(logger).WithComponent("metrics"),
	}
}

// Start begins consuming events until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.ch = c.hub.Subscribe(1024)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.hub.Unsubscribe(c.ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-c.ch:
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

// Observe applies a single event to the registry.
func (c *Collector) Observe(e events.Event) {
	r := c.registry

	switch d := e.Data.(type) {
	case events.ProcessData:
		switch e.Type {
		case events.EventProcessSpawned:
			r.ProcessSpawns.WithLabelValues(d.Name).Inc()
		case events.EventProcessStopped:
			r.ProcessStops.WithLabelValues(d.Name).Inc()
		case events.EventProcessDead:
			r.ProcessDeaths.WithLabelValues(d.Name).Inc()
		case events.EventProcessOrphaned:
			r.ProcessOrphans.WithLabelValues(d.Name).Inc()
		}
	case events.ProcessCrashedData:
		r.ProcessCrashes.WithLabelValues(d.Name).Inc()
	case events.ProcessRestartedData:
		r.ProcessRestarts.WithLabelValues(d.Name).Inc()
	case events.ProcessStatsData:
		r.ProcessCPU.WithLabelValues(d.Name).Set(d.CPUSeconds)
		r.ProcessRSS.WithLabelValues(d.Name).Set(float64(d.RSSBytes))
	case events.WorkflowData:
		switch e.Type {
		case events.EventWorkflowStarted:
			r.WorkflowsStarted.WithLabelValues(d.WorkflowName).Inc()
		case events.EventWorkflowStep:
			r.WorkflowSteps.WithLabelValues(d.WorkflowName, d.Step, d.Status).Inc()
		}
	default:
		c.logger.Debug("unhandled event payload", "type", e.Type)
	}

	published, dropped := c.hub.Stats()
	r.EventsPublished.Set(float64(published))
	r.EventsDropped.Set(float64(dropped))
}
