package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/proxy"
	"grimm.is/warden/internal/state"
)

type servicesHarness struct {
	store *state.SQLiteStore
	hub   *events.Hub
	svc   *Services
	logs  *bytes.Buffer
}

func newServicesHarness(t *testing.T) *servicesHarness {
	t.Helper()
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureBucket(state.BucketCache))

	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf, JSON: true})
	hub := events.NewHub()
	return &servicesHarness{store: store, hub: hub, svc: NewServices(store, hub, logger, nil), logs: &buf}
}

func (h *servicesHarness) call(t *testing.T, target, service, method string, args ...any) (json.RawMessage, error) {
	t.Helper()
	msg, err := protocol.NewProxyCall(1, target, service, method, args...)
	require.NoError(t, err)
	return h.svc.Handle(context.Background(), "wf_svc", msg)
}

func TestServices_Cache(t *testing.T) {
	h := newServicesHarness(t)

	out, err := h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodGet, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"found":false}`, string(out))

	_, err = h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodSet,
		proxy.CacheSetArgs{Key: "k", Value: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	out, err = h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodGet, "k")
	require.NoError(t, err)
	var entry proxy.CacheEntry
	require.NoError(t, json.Unmarshal(out, &entry))
	assert.True(t, entry.Found)
	assert.JSONEq(t, `{"n":1}`, string(entry.Value))

	out, err = h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodDelete, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(out))

	out, err = h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodDelete, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(out))
}

func TestServices_CacheTTL(t *testing.T) {
	h := newServicesHarness(t)

	_, err := h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodSet,
		proxy.CacheSetArgs{Key: "short", Value: json.RawMessage(`"v"`), TTLMs: 20})
	require.NoError(t, err)

	_, err = h.store.Get(state.BucketCache, "short")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := h.store.Get(state.BucketCache, "short")
		return errors.Is(err, state.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServices_CacheThroughStubs(t *testing.T) {
	h := newServicesHarness(t)
	core := proxy.NewCore(handleCaller{h.svc})
	ctx := context.Background()

	require.NoError(t, core.Cache.Set(ctx, "user", map[string]string{"name": "ada"}, 0))

	var got map[string]string
	found, err := core.Cache.Get(ctx, "user", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ada", got["name"])
}

// handleCaller routes stub calls straight into Services.Handle.
type handleCaller struct{ s *Services }

func (c handleCaller) Call(ctx context.Context, target, service, method string, args ...any) (json.RawMessage, error) {
	msg, err := protocol.NewProxyCall(1, target, service, method, args...)
	if err != nil {
		return nil, err
	}
	return c.s.Handle(ctx, "wf_stub", msg)
}

func TestServices_CacheRejectsEmptyKey(t *testing.T) {
	h := newServicesHarness(t)
	_, err := h.call(t, protocol.TargetCore, proxy.ServiceCache, proxy.MethodSet, proxy.CacheSetArgs{})
	assert.ErrorIs(t, err, ErrBadArguments)
}

func TestServices_EventsEmit(t *testing.T) {
	h := newServicesHarness(t)
	ch := h.hub.Subscribe(4, events.EventWorkflowCustom)
	defer h.hub.Unsubscribe(ch)

	_, err := h.call(t, protocol.TargetCore, proxy.ServiceEvents, proxy.MethodEmit,
		proxy.EmitArgs{Name: "order.shipped", Data: json.RawMessage(`{"id":7}`)})
	require.NoError(t, err)

	select {
	case e := <-ch:
		data, ok := e.Data.(events.CustomData)
		require.True(t, ok)
		assert.Equal(t, "wf_svc", data.InstanceID)
		assert.Equal(t, "order.shipped", data.Name)
		assert.JSONEq(t, `{"id":7}`, string(data.Data))
	case <-time.After(time.Second):
		t.Fatal("custom event not published")
	}
}

func TestServices_Logger(t *testing.T) {
	h := newServicesHarness(t)

	_, err := h.call(t, protocol.TargetCore, proxy.ServiceLogger, proxy.MethodLog,
		proxy.LogArgs{Level: "warn", Message: "stock low", Fields: map[string]any{"sku": "PEN"}})
	require.NoError(t, err)

	line := h.logs.String()
	assert.Contains(t, line, `"msg":"stock low"`)
	assert.Contains(t, line, `"level":"WARN"`)
	assert.Contains(t, line, `"sku":"PEN"`)
	assert.Contains(t, line, `"instance":"wf_svc"`)

	_, err = h.call(t, protocol.TargetCore, proxy.ServiceLogger, proxy.MethodLog, proxy.LogArgs{Level: "loud", Message: "x"})
	assert.ErrorIs(t, err, ErrBadArguments)
}

func TestServices_Plugins(t *testing.T) {
	h := newServicesHarness(t)
	h.svc.RegisterPlugin("math", "add", func(_ context.Context, call *Call) (any, error) {
		var a, b int
		if err := call.Arg(0, &a); err != nil {
			return nil, err
		}
		if err := call.Arg(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	h.svc.RegisterPlugin("math", "raw", func(context.Context, *Call) (any, error) {
		return json.RawMessage(`[1,2]`), nil
	})

	out, err := h.call(t, protocol.TargetPlugin, "math", "add", 2, 3)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))

	out, err = h.call(t, protocol.TargetPlugin, "math", "raw")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(out))

	_, err = h.call(t, protocol.TargetPlugin, "math", "add", 2)
	assert.ErrorIs(t, err, ErrBadArguments)

	_, err = h.call(t, protocol.TargetPlugin, "math", "add", "two", 3)
	assert.ErrorIs(t, err, ErrBadArguments)

	assert.Equal(t, map[string][]string{"math": {"add", "raw"}}, h.svc.Plugins())
}

func TestServices_UnknownRoutes(t *testing.T) {
	h := newServicesHarness(t)
	h.svc.RegisterPlugin("math", "add", func(context.Context, *Call) (any, error) { return nil, nil })

	tests := []struct {
		name    string
		target  string
		service string
		method  string
		want    error
	}{
		{"target", "remote", "math", "add", ErrUnknownTarget},
		{"plugin service", protocol.TargetPlugin, "billing", "add", ErrUnknownService},
		{"plugin method", protocol.TargetPlugin, "math", "mul", ErrUnknownMethod},
		{"core service", protocol.TargetCore, "queue", "push", ErrUnknownService},
		{"core cache method", protocol.TargetCore, proxy.ServiceCache, "clear", ErrUnknownMethod},
		{"core events method", protocol.TargetCore, proxy.ServiceEvents, "listen", ErrUnknownMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.call(t, tt.target, tt.service, tt.method)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestServices_PluginError(t *testing.T) {
	h := newServicesHarness(t)
	boom := errors.New("provider down")
	h.svc.RegisterPlugin("payments", "charge", func(context.Context, *Call) (any, error) { return nil, boom })

	_, err := h.call(t, protocol.TargetPlugin, "payments", "charge")
	assert.ErrorIs(t, err, boom)
}
