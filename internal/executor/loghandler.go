package executor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/workflow"
)

// ipcHandler forwards log records to the orchestrator as "log" messages.
type ipcHandler struct {
	out        workflow.Emitter
	instanceID string
	level      slog.Leveler
	fields     map[string]any
	group      string
}

func newIPCHandler(out workflow.Emitter, instanceID string, level slog.Leveler) *ipcHandler {
	return &ipcHandler{out: out, instanceID: instanceID, level: level}
}

func (h *ipcHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ipcHandler) Handle(_ context.Context, r slog.Record) error {
	fields := maps.Clone(h.fields)
	r.Attrs(func(a slog.Attr) bool {
		if fields == nil {
			fields = make(map[string]any)
		}
		h.add(fields, a)
		return true
	})

	// Delivery is best effort; a dead connection surfaces through the proxy.
	_ = h.out.Send(&protocol.Message{
		Type:       protocol.MsgLog,
		InstanceID: h.instanceID,
		Timestamp:  r.Time,
		Level:      logging.LevelFromSlog(r.Level),
		Message:    r.Message,
		Fields:     fields,
	})
	return nil
}

func (h *ipcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.fields = maps.Clone(h.fields)
	if next.fields == nil {
		next.fields = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		next.add(next.fields, a)
	}
	return &next
}

func (h *ipcHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func (h *ipcHandler) add(fields map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			ga.Key = a.Key + "." + ga.Key
			h.add(fields, ga)
		}
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			fields[key] = v.Error()
		case fmt.Stringer:
			fields[key] = v.String()
		default:
			fields[key] = v
		}
	case slog.KindDuration, slog.KindTime:
		fields[key] = a.Value.String()
	default:
		fields[key] = a.Value.Any()
	}
}
