package demo

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/state"
	"grimm.is/warden/internal/workflow"
)

// servicesCaller answers proxy calls in-process, without a channel.
type servicesCaller struct {
	services   *orchestrator.Services
	instanceID string
}

func (c servicesCaller) Call(ctx context.Context, target, service, method string, args ...any) (json.RawMessage, error) {
	msg, err := protocol.NewProxyCall(1, target, service, method, args...)
	if err != nil {
		return nil, err
	}
	return c.services.Handle(ctx, c.instanceID, msg)
}

type env struct {
	store    *state.SQLiteStore
	hub      *events.Hub
	services *orchestrator.Services
	plugins  *Plugins
	logger   *logging.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureBucket(state.BucketCache))

	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: io.Discard})
	hub := events.NewHub()
	services := orchestrator.NewServices(store, hub, logger, nil)
	plugins := NewPlugins(logger)
	plugins.Register(services)
	return &env{store: store, hub: hub, services: services, plugins: plugins, logger: logger}
}

func (e *env) run(t *testing.T, def *workflow.Definition, input string) (json.RawMessage, error) {
	t.Helper()
	const id = "wf_0123456789abcdef"
	r := workflow.NewRunner(def, workflow.RunnerOptions{
		Caller: servicesCaller{services: e.services, instanceID: id},
		Logger: e.logger,
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	return r.Run(context.Background(), workflow.RunState{InstanceID: id, Input: json.RawMessage(input)})
}

func TestRegistry(t *testing.T) {
	reg := Registry()
	assert.Equal(t, []string{"hello", "process-order"}, reg.Names())
	for _, name := range reg.Names() {
		def, err := reg.Get(name)
		require.NoError(t, err)
		assert.NoError(t, def.Validate(), name)
	}
}

func TestHello(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, Hello(), `{"name":"ada","count":5}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"Hello, ada!","liftoff":true}`, string(out))

	out, err = e.run(t, Hello(), `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"Hello, world!","liftoff":true}`, string(out))
}

// the canonical order used throughout the docs
const sampleOrder = `{"orderId":"o1","items":[{"name":"x","qty":2}],"customerEmail":"a@b.com"}`

func TestProcessOrder(t *testing.T) {
	e := newEnv(t)
	custom := e.hub.Subscribe(4, events.EventWorkflowCustom)
	defer e.hub.Unsubscribe(custom)

	out, err := e.run(t, ProcessOrder(), sampleOrder)
	require.NoError(t, err)

	var res OrderResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "o1", res.OrderID)
	assert.Regexp(t, `^pay_[0-9a-f]{12}$`, res.PaymentID)
	assert.Regexp(t, `^TRK[0-9A-F]{12}$`, res.Tracking)
	assert.True(t, res.EmailSent)
	assert.InDelta(t, 2*DefaultUnitPrice, res.Total, 0.001)

	cached, err := e.store.Get(state.BucketCache, "order:o1")
	require.NoError(t, err)
	assert.JSONEq(t, string(out), string(cached))

	select {
	case ev := <-custom:
		data, ok := ev.Data.(events.CustomData)
		require.True(t, ok)
		assert.Equal(t, "order.completed", data.Name)
		assert.Equal(t, "wf_0123456789abcdef", data.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("order.completed was not published")
	}

	sent := e.plugins.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "a@b.com", sent[0].To)
}

func TestProcessOrder_ExplicitPrices(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, ProcessOrder(), `{
	  "orderId": "o2",
	  "customerEmail": "ada@example.com",
	  "currency": "eur",
	  "items": [{"name": "book", "qty": 2, "price": 12.5}, {"name": "pen", "qty": 1}]
	}`)
	require.NoError(t, err)

	var res OrderResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "o2", res.OrderID)
	assert.InDelta(t, 25+DefaultUnitPrice, res.Total, 0.001)
	assert.NotEmpty(t, res.Tracking)
}

func TestProcessOrder_InvalidInput(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, ProcessOrder(), `{"orderId":"o1","items":[]}`)
	require.ErrorIs(t, err, workflow.ErrValidation)

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "validate", stepErr.Step)
	assert.Equal(t, 1, stepErr.Attempts)
}

func TestProcessOrder_DeclinedPaymentFails(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, ProcessOrder(), `{"orderId":"o3","customerEmail":"a@b.com","items":[{"name":"free","qty":1,"price":0}]}`)

	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "payment", stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Empty(t, e.plugins.Sent())
}

func TestPlugins_PaymentSettlesAfterChecks(t *testing.T) {
	e := newEnv(t)
	e.plugins.SettleAfter = 3
	ctx := context.Background()

	call := func(method string, args ...any) json.RawMessage {
		msg, err := protocol.NewProxyCall(1, protocol.TargetPlugin, ServicePayments, method, args...)
		require.NoError(t, err)
		out, err := e.services.Handle(ctx, "wf_1", msg)
		require.NoError(t, err)
		return out
	}

	var charge ChargeResult
	require.NoError(t, json.Unmarshal(call(MethodCharge, "ord_1", 10.0, "eur"), &charge))
	assert.Equal(t, "eur", charge.Currency)

	var st PaymentStatus
	for _, want := range []string{PaymentPending, PaymentPending, PaymentSettled} {
		require.NoError(t, json.Unmarshal(call(MethodStatus, charge.PaymentID), &st))
		assert.Equal(t, want, st.Status)
	}

	msg, err := protocol.NewProxyCall(2, protocol.TargetPlugin, ServicePayments, MethodStatus, "pay_missing")
	require.NoError(t, err)
	_, err = e.services.Handle(ctx, "wf_1", msg)
	assert.ErrorIs(t, err, ErrUnknownPayment)
}

func TestPlugins_Registered(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, map[string][]string{
		ServicePayments: {MethodCharge, MethodStatus},
		ServiceShipping: {MethodCreateLabel},
		ServiceEmail:    {MethodSend},
	}, e.services.Plugins())
}
