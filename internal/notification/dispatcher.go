// Package notification turns process and workflow failures on the event hub
// into alerts on external channels (generic webhooks, Slack, Discord, ntfy).
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/ratelimit"
)

// Level constants
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

const (
	sendTimeout = 10 * time.Second
	// per channel, per minute
	channelBurst = 20
)

// watched lists the hub events that can become notifications.
var watched = []events.EventType{
	events.EventProcessCrashed,
	events.EventProcessDead,
	events.EventProcessOrphaned,
	events.EventWorkflowCompleted,
	events.EventWorkflowFailed,
	events.EventWorkflowCancelled,
}

// Notification represents a notification event
type Notification struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Options configures a Dispatcher.
type Options struct {
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *logging.Logger
}

// Dispatcher manages notification channels and dispatching
type Dispatcher struct {
	channels []config.NotifyChannel
	client   *http.Client
	clock    clock.Clock
	limiter  *ratelimit.Limiter
	logger   *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a new notification dispatcher. Disabled channels
// are dropped up front.
func NewDispatcher(cfg *config.NotifyConfig, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: sendTimeout}
	}
	d := &Dispatcher{
		client:  opts.HTTPClient,
		clock:   opts.Clock,
		limiter: ratelimit.NewLimiter(opts.Clock),
		logger:  logging.OrDefault(opts.Logger).WithComponent("notify"),
	}
	if cfg != nil {
		for _, ch := range cfg.Channels {
			if !ch.Disabled {
				d.channels = append(d.channels, ch)
			}
		}
	}
	return d
}

// Enabled reports whether any channel is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.channels) > 0
}

// Start forwards hub events to the channels until ctx is cancelled or Stop
// is called. It does nothing when no channel is configured.
func (d *Dispatcher) Start(ctx context.Context, hub *events.Hub) {
	if !d.Enabled() || hub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	ch := hub.Subscribe(64, watched...)
	go func() {
		defer close(d.done)
		defer hub.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if n, ok := FromEvent(evt); ok {
					d.Send(ctx, n)
				}
			}
		}
	}()
}

// Stop halts forwarding and waits for in-flight sends.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send dispatches a notification to all enabled and relevant channels
func (d *Dispatcher) Send(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = d.clock.Now()
	}

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		if !wants(ch, n) {
			continue
		}
		if !d.limiter.Allow(ch.Name, channelBurst, time.Minute) {
			d.logger.Warn("notification dropped, channel over rate limit", "channel", ch.Name, "event", n.Event)
			continue
		}

		wg.Add(1)
		go func(channel config.NotifyChannel) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := d.sendToChannel(sctx, channel, n); err != nil {
				d.logger.Error("failed to send notification",
					"channel", channel.Name,
					"type", channel.Type,
					"error", err)
			}
		}(ch)
	}
	wg.Wait()
}

// wants checks the channel's event filter and minimum level.
func wants(ch config.NotifyChannel, n Notification) bool {
	if len(ch.Events) > 0 && !slices.Contains(ch.Events, n.Event) {
		return false
	}
	return shouldSend(n.Level, ch.Level)
}

// shouldSend checks if a message level meets the channel's minimum level
func shouldSend(msgLevel, chanLevel string) bool {
	if chanLevel == "" {
		return true
	}

	levels := map[string]int{
		LevelInfo:     1,
		LevelWarning:  2,
		LevelCritical: 3,
	}

	return levels[strings.ToLower(msgLevel)] >= levels[strings.ToLower(chanLevel)]
}

// FromEvent builds the notification for a hub event. It returns false for
// events that are not alerted on.
func FromEvent(evt events.Event) (Notification, bool) {
	n := Notification{Event: string(evt.Type), Timestamp: evt.Timestamp}

	switch data := evt.Data.(type) {
	case events.ProcessCrashedData:
		n.Level = LevelWarning
		n.Title = fmt.Sprintf("Process %s crashed", data.Name)
		n.Message = fmt.Sprintf("%s (%s) exited with code %d, %d consecutive failures", data.Name, data.ID, data.ExitCode, data.ConsecutiveFailures)
		if data.Error != "" {
			n.Message += ": " + data.Error
		}
		n.Data = map[string]any{"id": data.ID, "name": data.Name, "exit_code": data.ExitCode}

	case events.ProcessData:
		switch evt.Type {
		case events.EventProcessDead:
			n.Level = LevelCritical
			n.Title = fmt.Sprintf("Process %s is dead", data.Name)
			n.Message = fmt.Sprintf("%s (%s) exhausted its restarts and will not be started again", data.Name, data.ID)
		case events.EventProcessOrphaned:
			n.Level = LevelInfo
			n.Title = fmt.Sprintf("Process %s adopted", data.Name)
			n.Message = fmt.Sprintf("%s (%s, pid %d) outlived the previous daemon and was adopted", data.Name, data.ID, data.PID)
		default:
			return n, false
		}
		if data.Error != "" {
			n.Message += ": " + data.Error
		}
		n.Data = map[string]any{"id": data.ID, "name": data.Name}

	case events.WorkflowData:
		switch evt.Type {
		case events.EventWorkflowFailed:
			n.Level = LevelWarning
			n.Title = fmt.Sprintf("Workflow %s failed", data.WorkflowName)
			n.Message = fmt.Sprintf("%s failed: %s", data.InstanceID, data.Error)
			if data.Step != "" {
				n.Message = fmt.Sprintf("%s failed at step %q: %s", data.InstanceID, data.Step, data.Error)
			}
		case events.EventWorkflowCancelled:
			n.Level = LevelInfo
			n.Title = fmt.Sprintf("Workflow %s cancelled", data.WorkflowName)
			n.Message = fmt.Sprintf("%s was cancelled", data.InstanceID)
		case events.EventWorkflowCompleted:
			n.Level = LevelInfo
			n.Title = fmt.Sprintf("Workflow %s completed", data.WorkflowName)
			n.Message = fmt.Sprintf("%s completed", data.InstanceID)
		default:
			return n, false
		}
		n.Data = map[string]any{"instance_id": data.InstanceID, "workflow": data.WorkflowName}

	default:
		return n, false
	}
	return n, true
}

func (d *Dispatcher) sendToChannel(ctx context.Context, ch config.NotifyChannel, n Notification) error {
	switch strings.ToLower(ch.Type) {
	case "webhook":
		return d.postJSON(ctx, ch, n)
	case "slack":
		return d.postJSON(ctx, ch, map[string]any{
			"text": fmt.Sprintf("*%s*\n%s\n_Level: %s_", n.Title, n.Message, n.Level),
		})
	case "discord":
		return d.postJSON(ctx, ch, map[string]any{
			"content": fmt.Sprintf("**%s**\n%s", n.Title, n.Message),
		})
	case "ntfy":
		return d.sendNtfy(ctx, ch, n)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

// Channel Implementations

func (d *Dispatcher) postJSON(ctx context.Context, ch config.NotifyChannel, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, ch)
}

func (d *Dispatcher) sendNtfy(ctx context.Context, ch config.NotifyChannel, n Notification) error {
	url := strings.TrimRight(ch.URL, "/") + "/" + ch.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(n.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", n.Title)

	// Map levels to tags/priorities
	switch n.Level {
	case LevelCritical:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case LevelWarning:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	case LevelInfo:
		req.Header.Set("Priority", "low")
		req.Header.Set("Tags", "information_source")
	}
	return d.do(req, ch)
}

func (d *Dispatcher) do(req *http.Request, ch config.NotifyChannel) error {
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s failed with status: %d", ch.Type, resp.StatusCode)
	}
	return nil
}
