package proxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/protocol"
)

type call struct {
	target, service, method string
	args                    []any
}

type fakeCaller struct {
	calls  []call
	result json.RawMessage
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, target, service, method string, args ...any) (json.RawMessage, error) {
	f.calls = append(f.calls, call{target, service, method, args})
	return f.result, f.err
}

func (f *fakeCaller) last() call {
	return f.calls[len(f.calls)-1]
}

func TestCore_CacheSet(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage("null")}
	core := NewCore(fc)

	require.NoError(t, core.Cache.Set(context.Background(), "order:1", map[string]int{"total": 5}, 2*time.Second))
	c := fc.last()
	assert.Equal(t, protocol.TargetCore, c.target)
	assert.Equal(t, ServiceCache, c.service)
	assert.Equal(t, MethodSet, c.method)
	require.Len(t, c.args, 1)
	args := c.args[0].(CacheSetArgs)
	assert.Equal(t, "order:1", args.Key)
	assert.JSONEq(t, `{"total":5}`, string(args.Value))
	assert.Equal(t, int64(2000), args.TTLMs)
}

func TestCore_CacheGet(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{"found":true,"value":{"total":5}}`)}
	core := NewCore(fc)

	var out struct{ Total int }
	found, err := core.Cache.Get(context.Background(), "order:1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, out.Total)
	assert.Equal(t, []any{"order:1"}, fc.last().args)

	fc.result = json.RawMessage(`{"found":false}`)
	found, err = core.Cache.Get(context.Background(), "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCore_CacheDelete(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`true`)}
	existed, err := NewCore(fc).Cache.Delete(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, MethodDelete, fc.last().method)
}

func TestCore_EventsAndLogger(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage("null")}
	core := NewCore(fc)

	require.NoError(t, core.Events.Emit(context.Background(), "order.shipped", map[string]string{"id": "o1"}))
	emit := fc.last().args[0].(EmitArgs)
	assert.Equal(t, "order.shipped", emit.Name)
	assert.JSONEq(t, `{"id":"o1"}`, string(emit.Data))

	require.NoError(t, core.Logger.Warn(context.Background(), "low stock", map[string]any{"sku": "A1"}))
	c := fc.last()
	assert.Equal(t, ServiceLogger, c.service)
	logArgs := c.args[0].(LogArgs)
	assert.Equal(t, "warn", logArgs.Level)
	assert.Equal(t, "low stock", logArgs.Message)
}

func TestPlugins_Service(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{"paymentId":"pay_1"}`)}
	svc := NewPlugins(fc).Service("payments")
	assert.Equal(t, "payments", svc.Name())

	var out struct {
		PaymentID string `json:"paymentId"`
	}
	require.NoError(t, svc.Call(context.Background(), "charge", &out, 42.5, "usd"))
	assert.Equal(t, "pay_1", out.PaymentID)

	c := fc.last()
	assert.Equal(t, protocol.TargetPlugin, c.target)
	assert.Equal(t, "payments", c.service)
	assert.Equal(t, "charge", c.method)
	assert.Equal(t, []any{42.5, "usd"}, c.args)

	raw, err := svc.Invoke(context.Background(), "status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"paymentId":"pay_1"}`, string(raw))
}

func TestPlugins_RemoteErrorPassesThrough(t *testing.T) {
	fc := &fakeCaller{err: &RemoteError{Target: "plugin", Service: "payments", Method: "charge", Message: "declined"}}
	err := NewPlugins(fc).Service("payments").Call(context.Background(), "charge", nil)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "plugin payments.charge: declined", err.Error())
}
