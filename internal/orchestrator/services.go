package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/proxy"
	"grimm.is/warden/internal/state"
)

var (
	ErrUnknownTarget  = errors.New("unknown proxy target")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrBadArguments   = errors.New("bad arguments")
)

// KV is the part of the state store the cache service uses.
type KV interface {
	Get(bucket, key string) ([]byte, error)
	Set(bucket, key string, value []byte) error
	SetWithTTL(bucket, key string, value []byte, ttl time.Duration) error
	Delete(bucket, key string) error
}

// Call is a proxy call as seen by a plugin.
type Call struct {
	InstanceID string
	Service    string
	Method     string
	Args       []json.RawMessage
}

// Arg decodes argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return fmt.Errorf("%w: %s.%s wants argument %d, got %d", ErrBadArguments, c.Service, c.Method, i+1, len(c.Args))
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("%w: %s.%s argument %d: %v", ErrBadArguments, c.Service, c.Method, i+1, err)
	}
	return nil
}

// PluginFunc answers one plugin method. The result is JSON-encoded.
type PluginFunc func(ctx context.Context, call *Call) (any, error)

// Services answers proxy calls from executors: the built-in core services
// (cache, events, logger) and registered plugins.
type Services struct {
	kv      KV
	hub     *events.Hub
	logger  *logging.Logger
	metrics *metrics.Registry

	mu      sync.RWMutex
	plugins map[string]map[string]PluginFunc
}

// NewServices creates the service registry. metrics may be nil.
func NewServices(kv KV, hub *events.Hub, logger *logging.Logger, m *metrics.Registry) *Services {
	return &Services{
		kv:      kv,
		hub:     hub,
		logger:  logging.OrDefault(logger).WithComponent("services"),
		metrics: m,
		plugins: make(map[string]map[string]PluginFunc),
	}
}

// RegisterPlugin exposes fn as service.method to workflow code.
func (s *Services) RegisterPlugin(service, method string, fn PluginFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods, ok := s.plugins[service]
	if !ok {
		methods = make(map[string]PluginFunc)
		s.plugins[service] = methods
	}
	methods[method] = fn
}

// Plugins returns the registered plugin services and their methods, sorted.
func (s *Services) Plugins() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.plugins))
	for svc, methods := range s.plugins {
		out[svc] = slices.Sorted(maps.Keys(methods))
	}
	return out
}

// Handle answers a proxy.call message for an instance.
func (s *Services) Handle(ctx context.Context, instanceID string, msg *protocol.Message) (json.RawMessage, error) {
	call := &Call{InstanceID: instanceID, Service: msg.Service, Method: msg.Method, Args: msg.Args}

	var (
		result any
		err    error
	)
	switch msg.Target {
	case protocol.TargetCore:
		result, err = s.core(ctx, call)
	case protocol.TargetPlugin:
		result, err = s.plugin(ctx, call)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTarget, msg.Target)
	}
	if s.metrics != nil {
		s.metrics.RecordProxyCall(call.Service, call.Method, err)
	}
	if err != nil {
		s.logger.Debug("proxy call failed", "instance", instanceID, "target", msg.Target,
			"service", call.Service, "method", call.Method, "error", err)
		return nil, err
	}

	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s.%s: %w", call.Service, call.Method, err)
	}
	return b, nil
}

func (s *Services) plugin(ctx context.Context, call *Call) (any, error) {
	s.mu.RLock()
	methods, ok := s.plugins[call.Service]
	var fn PluginFunc
	if ok {
		fn, ok = methods[call.Method]
	}
	s.mu.RUnlock()

	switch {
	case methods == nil:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, call.Service)
	case !ok:
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, call.Service, call.Method)
	}
	return fn(ctx, call)
}

func (s *Services) core(_ context.Context, call *Call) (any, error) {
	switch call.Service {
	case proxy.ServiceCache:
		return s.cache(call)
	case proxy.ServiceEvents:
		if call.Method != proxy.MethodEmit {
			break
		}
		var args proxy.EmitArgs
		if err := call.Arg(0, &args); err != nil {
			return nil, err
		}
		s.hub.Publish(events.Event{
			Type:   events.EventWorkflowCustom,
			Source: "workflow",
			Data:   events.CustomData{InstanceID: call.InstanceID, Name: args.Name, Data: args.Data},
		})
		return nil, nil
	case proxy.ServiceLogger:
		if call.Method != proxy.MethodLog {
			break
		}
		var args proxy.LogArgs
		if err := call.Arg(0, &args); err != nil {
			return nil, err
		}
		level, err := logging.ParseLevel(args.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		attrs := []any{"instance", call.InstanceID}
		for k, v := range args.Fields {
			attrs = append(attrs, k, v)
		}
		s.logger.Log(context.Background(), level, args.Message, attrs...)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: core.%s", ErrUnknownService, call.Service)
	}
	return nil, fmt.Errorf("%w: core.%s.%s", ErrUnknownMethod, call.Service, call.Method)
}

func (s *Services) cache(call *Call) (any, error) {
	switch call.Method {
	case proxy.MethodGet:
		var key string
		if err := call.Arg(0, &key); err != nil {
			return nil, err
		}
		val, err := s.kv.Get(state.BucketCache, key)
		if errors.Is(err, state.ErrNotFound) {
			return proxy.CacheEntry{Found: false}, nil
		}
		if err != nil {
			return nil, err
		}
		return proxy.CacheEntry{Found: true, Value: val}, nil

	case proxy.MethodSet:
		var args proxy.CacheSetArgs
		if err := call.Arg(0, &args); err != nil {
			return nil, err
		}
		if args.Key == "" {
			return nil, fmt.Errorf("%w: cache key is empty", ErrBadArguments)
		}
		value := []byte(args.Value)
		if len(value) == 0 {
			value = []byte("null")
		}
		if args.TTLMs > 0 {
			return nil, s.kv.SetWithTTL(state.BucketCache, args.Key, value, time.Duration(args.TTLMs)*time.Millisecond)
		}
		return nil, s.kv.Set(state.BucketCache, args.Key, value)

	case proxy.MethodDelete:
		var key string
		if err := call.Arg(0, &key); err != nil {
			return nil, err
		}
		err := s.kv.Delete(state.BucketCache, key)
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		return true, nil
	}
	return nil, fmt.Errorf("%w: core.cache.%s", ErrUnknownMethod, call.Method)
}
