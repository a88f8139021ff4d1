package proxy

import (
	"context"
	"encoding/json"
	"time"

	"grimm.is/warden/internal/protocol"
)

// Core service and method names.
const (
	ServiceCache  = "cache"
	ServiceEvents = "events"
	ServiceLogger = "logger"

	MethodGet    = "get"
	MethodSet    = "set"
	MethodDelete = "delete"
	MethodEmit   = "emit"
	MethodLog    = "log"
)

// CacheEntry is the reply to cache.get.
type CacheEntry struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// CacheSetArgs is the single argument of cache.set.
type CacheSetArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTLMs int64           `json:"ttlMs,omitempty"`
}

// EmitArgs is the single argument of events.emit.
type EmitArgs struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// LogArgs is the single argument of logger.log.
type LogArgs struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Core bundles the orchestrator's built-in services.
type Core struct {
	Cache  Cache
	Events Events
	Logger Logger
}

// NewCore binds the core stubs to a caller.
func NewCore(c Caller) Core {
	return Core{Cache: Cache{c}, Events: Events{c}, Logger: Logger{c}}
}

// Cache is a key/value store with optional TTL, shared by all instances.
type Cache struct{ c Caller }

// Get decodes the value stored under key into out and reports whether it
// was present.
func (s Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	var entry CacheEntry
	if err := callInto(ctx, s.c, &entry, protocol.TargetCore, ServiceCache, MethodGet, key); err != nil {
		return false, err
	}
	if !entry.Found {
		return false, nil
	}
	if out != nil && len(entry.Value) > 0 {
		if err := json.Unmarshal(entry.Value, out); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Set stores value under key. A zero ttl keeps it until deleted.
func (s Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	args := CacheSetArgs{Key: key, Value: raw, TTLMs: ttl.Milliseconds()}
	_, err = s.c.Call(ctx, protocol.TargetCore, ServiceCache, MethodSet, args)
	return err
}

// Delete removes key and reports whether it existed.
func (s Cache) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := callInto(ctx, s.c, &existed, protocol.TargetCore, ServiceCache, MethodDelete, key)
	return existed, err
}

// Events publishes custom events on the orchestrator's event hub.
type Events struct{ c Caller }

// Emit publishes a workflow.event with the given name and payload.
func (s Events) Emit(ctx context.Context, name string, data any) error {
	args := EmitArgs{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		args.Data = raw
	}
	_, err := s.c.Call(ctx, protocol.TargetCore, ServiceEvents, MethodEmit, args)
	return err
}

// Logger writes through the orchestrator's logger.
type Logger struct{ c Caller }

// Log writes one record at level ("debug", "info", "warn", "error").
func (s Logger) Log(ctx context.Context, level, msg string, fields map[string]any) error {
	_, err := s.c.Call(ctx, protocol.TargetCore, ServiceLogger, MethodLog, LogArgs{Level: level, Message: msg, Fields: fields})
	return err
}

func (s Logger) Info(ctx context.Context, msg string, fields map[string]any) error {
	return s.Log(ctx, "info", msg, fields)
}

func (s Logger) Warn(ctx context.Context, msg string, fields map[string]any) error {
	return s.Log(ctx, "warn", msg, fields)
}

func (s Logger) Error(ctx context.Context, msg string, fields map[string]any) error {
	return s.Log(ctx, "error", msg, fields)
}

// Plugins reaches services registered by plugins in the orchestrator.
type Plugins struct{ c Caller }

// NewPlugins binds plugin stubs to a caller.
func NewPlugins(c Caller) Plugins {
	return Plugins{c: c}
}

// Service returns a stub for one plugin service.
func (p Plugins) Service(name string) PluginService {
	return PluginService{c: p.c, name: name}
}

// PluginService is a stub for a named plugin service.
type PluginService struct {
	c    Caller
	name string
}

// Name returns the service name.
func (s PluginService) Name() string { return s.name }

// Call invokes method and decodes its result into out (nil discards it).
func (s PluginService) Call(ctx context.Context, method string, out any, args ...any) error {
	return callInto(ctx, s.c, out, protocol.TargetPlugin, s.name, method, args...)
}

// Invoke invokes method and returns the raw result.
func (s PluginService) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return s.c.Call(ctx, protocol.TargetPlugin, s.name, method, args...)
}
