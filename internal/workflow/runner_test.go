package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/proxy"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) Send(m *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func (r *recorder) find(t protocol.MessageType) []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestRunner(t *testing.T, def *Definition) (*Runner, *recorder, *sleeps) {
	t.Helper()
	require.NoError(t, def.Validate())
	rec := &recorder{}
	sl := &sleeps{}
	r := NewRunner(def, RunnerOptions{Emitter: rec, Sleep: sl.sleep})
	return r, rec, sl
}

func run(t *testing.T, r *Runner, input string) (json.RawMessage, error) {
	t.Helper()
	return r.Run(context.Background(), RunState{InstanceID: "wf_test", Input: json.RawMessage(input)})
}

type orderInput struct {
	Qty   int     `json:"qty"`
	Price float64 `json:"price"`
}

func TestRun_MapperAndPassTransform(t *testing.T) {
	def := &Definition{
		Name:    "two-step",
		StartAt: "total",
		Steps: map[string]Step{
			"total": &TaskStep{
				Handler: Handle(func(sc *StepContext, in orderInput) (map[string]float64, error) {
					return map[string]float64{"total": float64(in.Qty) * in.Price}, nil
				}),
				Transition: Transition{Next: "summary"},
			},
			"summary": &PassStep{
				Transform: func(sc *StepContext) (any, error) {
					var total struct{ Total float64 }
					if err := sc.DecodeStep("total", &total); err != nil {
						return nil, err
					}
					var in orderInput
					if err := sc.DecodeInput(&in); err != nil {
						return nil, err
					}
					return map[string]any{"total": total.Total, "qty": in.Qty}, nil
				},
				Transition: Transition{End: true},
			},
		},
	}
	// mapper doubles the quantity before the task sees it
	def.Steps["total"].(*TaskStep).InputMapper = Map(func(prev orderInput, in orderInput) (orderInput, error) {
		return orderInput{Qty: in.Qty * 2, Price: in.Price}, nil
	})

	r, rec, _ := newTestRunner(t, def)
	out, err := run(t, r, `{"qty":3,"price":2.5}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":15,"qty":3}`, string(out))

	assert.Equal(t, []protocol.MessageType{
		protocol.MsgStarted,
		protocol.MsgStepStarted, protocol.MsgStepCompleted, protocol.MsgProgress,
		protocol.MsgStepStarted, protocol.MsgStepCompleted, protocol.MsgProgress,
		protocol.MsgCompleted,
	}, rec.types())

	completed := rec.find(protocol.MsgStepCompleted)
	assert.Equal(t, "summary", completed[0].NextStep)
	assert.Equal(t, "", completed[1].NextStep)
	assert.Equal(t, 1, completed[0].Attempts)

	progress := rec.find(protocol.MsgProgress)
	assert.InDelta(t, 50.0, progress[0].Progress, 0.001)
	assert.InDelta(t, 100.0, progress[1].Progress, 0.001)

	for _, m := range rec.msgs {
		assert.Equal(t, "wf_test", m.InstanceID)
		assert.False(t, m.Timestamp.IsZero())
	}
}

func TestRun_PassResultAndPassthrough(t *testing.T) {
	def := &Definition{
		Name:    "pass",
		StartAt: "echo",
		Steps: map[string]Step{
			"echo":  &PassStep{Transition: Transition{Next: "fixed"}},
			"fixed": &PassStep{Result: map[string]bool{"ok": true}, Transition: Transition{End: true}},
		},
	}
	r, rec, _ := newTestRunner(t, def)
	out, err := run(t, r, `{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.JSONEq(t, `{"a":1}`, string(rec.find(protocol.MsgStepCompleted)[0].Output))
}

func TestRun_PassPrefersResultOverTransform(t *testing.T) {
	var transformed atomic.Int32
	def := &Definition{
		Name:    "pass-order",
		StartAt: "both",
		Steps: map[string]Step{
			"both": &PassStep{
				Result: "literal",
				Transform: func(*StepContext) (any, error) {
					transformed.Add(1)
					return "computed", nil
				},
				Transition: Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	out, err := run(t, r, `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"literal"`, string(out))
	assert.Zero(t, transformed.Load())
}

func TestRun_StepWithoutMapperSeesWorkflowInput(t *testing.T) {
	var seen json.RawMessage
	def := &Definition{
		Name:    "no-chaining",
		StartAt: "a",
		Steps: map[string]Step{
			"a": &TaskStep{
				Handler: func(*StepContext, json.RawMessage) (any, error) {
					return map[string]int{"fromA": 1}, nil
				},
				Transition: Transition{Next: "b"},
			},
			"b": &TaskStep{
				InputSchema: `{"type":"object","required":["orderId"]}`,
				Handler: func(sc *StepContext, in json.RawMessage) (any, error) {
					seen = in
					assert.JSONEq(t, `{"fromA":1}`, string(sc.Prev))
					return "ok", nil
				},
				Transition: Transition{Next: "echo"},
			},
			"echo": &PassStep{Transition: Transition{End: true}},
		},
	}
	r, _, _ := newTestRunner(t, def)
	out, err := run(t, r, `{"orderId":"o1"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"o1"}`, string(seen))
	// a pass step without result or transform also echoes the workflow input
	assert.JSONEq(t, `{"orderId":"o1"}`, string(out))
}

func TestRun_BranchStepsSeeBranchInput(t *testing.T) {
	def := &Definition{
		Name:    "branch-input",
		StartAt: "prep",
		Steps: map[string]Step{
			"prep": &TaskStep{
				Handler:    func(*StepContext, json.RawMessage) (any, error) { return map[string]int{"n": 7}, nil },
				Transition: Transition{Next: "fan"},
			},
			"fan": &ParallelStep{
				InputMapper: func(prev, _ json.RawMessage) (any, error) { return prev, nil },
				Branches: []Branch{{
					Name:    "only",
					StartAt: "first",
					Steps: map[string]Step{
						"first": &TaskStep{
							Handler:    func(*StepContext, json.RawMessage) (any, error) { return "ignored", nil },
							Transition: Transition{Next: "second"},
						},
						"second": &TaskStep{
							Handler: func(sc *StepContext, in json.RawMessage) (any, error) {
								var branchIn struct{ N int }
								if err := sc.DecodeInput(&branchIn); err != nil {
									return nil, err
								}
								return map[string]any{"in": in, "prev": sc.Prev, "n": branchIn.N}, nil
							},
							Transition: Transition{End: true},
						},
					},
				}},
				Transition: Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	out, err := run(t, r, `{"orderId":"o1"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"in":{"n":7},"prev":"ignored","n":7}]`, string(out))
}

func TestRun_RetryCountsAttempts(t *testing.T) {
	var calls atomic.Int32
	def := &Definition{
		Name:    "flaky",
		StartAt: "charge",
		Steps: map[string]Step{
			"charge": &TaskStep{
				Handler: func(sc *StepContext, _ json.RawMessage) (any, error) {
					n := calls.Add(1)
					assert.Equal(t, int(n), sc.Attempt)
					if n < 3 {
						return nil, errors.New("gateway busy")
					}
					return "charged", nil
				},
				Retry:      &RetryPolicy{MaxAttempts: 3, Interval: 100 * time.Millisecond, BackoffRate: 2},
				Transition: Transition{End: true},
			},
		},
	}
	r, rec, sl := newTestRunner(t, def)
	out, err := run(t, r, `null`)
	require.NoError(t, err)
	assert.JSONEq(t, `"charged"`, string(out))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sl.delays)
	assert.Equal(t, 3, rec.find(protocol.MsgStepCompleted)[0].Attempts)
	assert.Len(t, rec.find(protocol.MsgStepStarted), 1)
}

func TestRun_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	def := &Definition{
		Name:         "broken",
		StartAt:      "fail",
		DefaultRetry: &RetryPolicy{MaxAttempts: 2},
		Steps: map[string]Step{
			"fail": &TaskStep{
				Handler: func(*StepContext, json.RawMessage) (any, error) {
					calls.Add(1)
					return nil, errors.New("boom")
				},
				Transition: Transition{End: true},
			},
		},
	}
	r, rec, _ := newTestRunner(t, def)
	_, err := run(t, r, `{}`)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "fail", stepErr.Step)
	assert.Equal(t, 2, stepErr.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	assert.Equal(t, []protocol.MessageType{
		protocol.MsgStarted, protocol.MsgStepStarted, protocol.MsgStepFailed, protocol.MsgFailed,
	}, rec.types())
	failed := rec.find(protocol.MsgStepFailed)[0]
	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, failed.Error, "boom")
}

func TestRun_ValidationIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	def := &Definition{
		Name:    "schema",
		StartAt: "check",
		Steps: map[string]Step{
			"check": &TaskStep{
				InputSchema: `{"type":"object","required":["orderId"],"properties":{"orderId":{"type":"string"}}}`,
				Handler: func(*StepContext, json.RawMessage) (any, error) {
					calls.Add(1)
					return nil, nil
				},
				Retry:      &RetryPolicy{MaxAttempts: 5},
				Transition: Transition{End: true},
			},
		},
	}
	r, _, sl := newTestRunner(t, def)
	_, err := run(t, r, `{"qty":1}`)
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, calls.Load())
	assert.Empty(t, sl.delays)

	_, err = run(t, r, `{"orderId":"o1"}`)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_OutputSchema(t *testing.T) {
	def := &Definition{
		Name:    "out-schema",
		StartAt: "produce",
		Steps: map[string]Step{
			"produce": &TaskStep{
				OutputSchema: `{"type":"object","required":["id"]}`,
				Handler: func(*StepContext, json.RawMessage) (any, error) {
					return map[string]string{"name": "x"}, nil
				},
				Transition: Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	_, err := run(t, r, `{}`)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "output")
}

func choiceDef() *Definition {
	isLarge := func(sc *StepContext) bool {
		var in orderInput
		_ = sc.DecodePrev(&in)
		return in.Qty > 10
	}
	return &Definition{
		Name:    "route",
		StartAt: "route",
		Steps: map[string]Step{
			"route": &ChoiceStep{
				Choices: []ChoiceRule{{Condition: isLarge, Next: "bulk"}},
				Default: "retail",
			},
			"bulk":   &PassStep{Result: "bulk", Transition: Transition{End: true}},
			"retail": &PassStep{Result: "retail", Transition: Transition{End: true}},
		},
	}
}

func TestRun_ChoiceRoutes(t *testing.T) {
	r, rec, _ := newTestRunner(t, choiceDef())

	out, err := run(t, r, `{"qty":50}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"bulk"`, string(out))
	first := rec.find(protocol.MsgStepCompleted)[0]
	assert.Equal(t, "bulk", first.NextStep)
	assert.JSONEq(t, `{"qty":50}`, string(first.Output))

	out, err = run(t, r, `{"qty":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"retail"`, string(out))
}

func TestRun_ChoiceWithoutMatch(t *testing.T) {
	def := choiceDef()
	def.Steps["route"].(*ChoiceStep).Default = ""
	r, _, _ := newTestRunner(t, def)

	_, err := run(t, r, `{"qty":1}`)
	require.ErrorIs(t, err, ErrNoChoiceMatched)
}

func TestRun_ParallelKeepsBranchOrder(t *testing.T) {
	branch := func(name string, delay time.Duration) Branch {
		return Branch{
			Name:    name,
			StartAt: "work",
			Steps: map[string]Step{
				"work": &TaskStep{
					Handler: func(sc *StepContext, in json.RawMessage) (any, error) {
						time.Sleep(delay)
						return map[string]string{"branch": name, "in": string(in)}, nil
					},
					Transition: Transition{Next: "tag"},
				},
				"tag": &PassStep{
					Transform: func(sc *StepContext) (any, error) {
						out, ok := sc.StepOutput("work")
						if !ok {
							return nil, errors.New("missing work output")
						}
						return out, nil
					},
					Transition: Transition{End: true},
				},
			},
		}
	}
	def := &Definition{
		Name:    "fanout",
		StartAt: "both",
		Steps: map[string]Step{
			"both": &ParallelStep{
				Branches:   []Branch{branch("slow", 30*time.Millisecond), branch("fast", 0)},
				Transition: Transition{End: true},
			},
		},
	}
	r, rec, _ := newTestRunner(t, def)
	out, err := run(t, r, `1`)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"branch":"slow","in":"1"},{"branch":"fast","in":"1"}]`, string(out))

	// branch steps run silently
	assert.Len(t, rec.find(protocol.MsgStepStarted), 1)
}

func TestRun_ParallelBranchFailure(t *testing.T) {
	def := &Definition{
		Name:    "fanout-fail",
		StartAt: "both",
		Steps: map[string]Step{
			"both": &ParallelStep{
				Branches: []Branch{
					{Name: "ok", StartAt: "a", Steps: map[string]Step{"a": &PassStep{Result: 1, Transition: Transition{End: true}}}},
					{Name: "bad", StartAt: "b", Steps: map[string]Step{"b": &TaskStep{
						Handler: func(*StepContext, json.RawMessage) (any, error) {
							return nil, errors.New("no stock")
						},
						Transition: Transition{End: true},
					}}},
				},
				Transition: Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	_, err := run(t, r, `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch bad")
	assert.Contains(t, err.Error(), "no stock")
}

func TestRun_PollUntilDone(t *testing.T) {
	def := &Definition{
		Name:    "poll",
		StartAt: "wait",
		Steps: map[string]Step{
			"wait": &PollStep{
				Check: func(sc *StepContext, _ json.RawMessage) (PollResult, error) {
					n := 0
					if v, ok := sc.Metadata.Get("checks"); ok {
						n = v.(int)
					}
					n++
					sc.Metadata.Set("checks", n)
					return PollResult{Done: n == 3, Output: map[string]int{"checks": n}}, nil
				},
				Interval:   time.Second,
				Transition: Transition{End: true},
			},
		},
	}
	r, rec, sl := newTestRunner(t, def)
	out, err := run(t, r, `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"checks":3}`, string(out))

	polls := rec.find(protocol.MsgStepPoll)
	require.Len(t, polls, 3)
	assert.Equal(t, 3, polls[2].Attempt)
	assert.True(t, polls[2].Done)
	assert.False(t, polls[0].Done)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sl.delays)
}

func TestRun_PollLimits(t *testing.T) {
	never := func(*StepContext, json.RawMessage) (PollResult, error) { return PollResult{}, nil }

	t.Run("max attempts", func(t *testing.T) {
		def := &Definition{
			Name:    "poll-exhausted",
			StartAt: "wait",
			Steps: map[string]Step{
				"wait": &PollStep{Check: never, Interval: time.Millisecond, MaxAttempts: 4, Transition: Transition{End: true}},
			},
		}
		r, rec, _ := newTestRunner(t, def)
		_, err := run(t, r, `{}`)
		require.ErrorIs(t, err, ErrPollExhausted)
		assert.Len(t, rec.find(protocol.MsgStepPoll), 4)
	})

	t.Run("timeout", func(t *testing.T) {
		mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		def := &Definition{
			Name:    "poll-timeout",
			StartAt: "wait",
			Steps: map[string]Step{
				"wait": &PollStep{Check: never, Interval: 10 * time.Second, Timeout: 35 * time.Second, Transition: Transition{End: true}},
			},
		}
		require.NoError(t, def.Validate())
		rec := &recorder{}
		r := NewRunner(def, RunnerOptions{
			Emitter: rec,
			Clock:   mc,
			Sleep: func(_ context.Context, d time.Duration) error {
				mc.Advance(d)
				return nil
			},
		})
		_, err := r.Run(context.Background(), RunState{InstanceID: "wf_t"})
		require.ErrorIs(t, err, ErrPollTimeout)
		// checks at 0s, 10s, 20s and 30s; a fifth would land past 35s
		assert.Len(t, rec.find(protocol.MsgStepPoll), 4)
	})
}

func TestRun_LoopUntil(t *testing.T) {
	def := &Definition{
		Name:    "count",
		StartAt: "inc",
		Steps: map[string]Step{
			"inc": &LoopStep{
				Body: Handle(func(sc *StepContext, n int) (int, error) {
					return n + 1, nil
				}),
				Until: func(out json.RawMessage, _ int) bool {
					return string(out) == "5"
				},
				MaxIterations: 100,
				Transition:    Transition{End: true},
			},
		},
	}
	r, rec, _ := newTestRunner(t, def)
	out, err := run(t, r, `2`)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))

	loops := rec.find(protocol.MsgStepLoop)
	require.Len(t, loops, 3)
	assert.Equal(t, 3, loops[2].Iteration)
	assert.JSONEq(t, `4`, string(loops[1].Output))
}

func TestRun_LoopStopsAtMaxIterations(t *testing.T) {
	def := &Definition{
		Name:    "bounded",
		StartAt: "spin",
		Steps: map[string]Step{
			"spin": &LoopStep{
				Body: func(sc *StepContext, _ json.RawMessage) (any, error) {
					return sc.Iteration, nil
				},
				Until:         func(json.RawMessage, int) bool { return false },
				MaxIterations: 3,
				Transition:    Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	out, err := run(t, r, `null`)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(out))
}

func TestRun_WorkflowTimeout(t *testing.T) {
	def := &Definition{
		Name:    "slow",
		StartAt: "hang",
		Timeout: 20 * time.Millisecond,
		Steps: map[string]Step{
			"hang": &TaskStep{
				Handler: func(sc *StepContext, _ json.RawMessage) (any, error) {
					<-sc.Context().Done()
					return nil, sc.Context().Err()
				},
				Retry:      &RetryPolicy{MaxAttempts: 3},
				Transition: Transition{End: true},
			},
		},
	}
	r, rec, _ := newTestRunner(t, def)
	_, err := run(t, r, `{}`)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Attempts)
	assert.Len(t, rec.find(protocol.MsgFailed), 1)
}

func TestRun_ResumeFromCurrentStep(t *testing.T) {
	var firstCalls atomic.Int32
	def := &Definition{
		Name:    "resume",
		StartAt: "first",
		Steps: map[string]Step{
			"first": &TaskStep{
				Handler: func(*StepContext, json.RawMessage) (any, error) {
					firstCalls.Add(1)
					return "one", nil
				},
				Transition: Transition{Next: "second"},
			},
			"second": &PassStep{
				Transform: func(sc *StepContext) (any, error) {
					var prev string
					if err := sc.DecodePrev(&prev); err != nil {
						return nil, err
					}
					snap := sc.Instance()
					return map[string]any{"prev": prev, "progress": snap.Progress, "known": len(snap.StepResults)}, nil
				},
				Transition: Transition{End: true},
			},
		},
	}
	r, rec, _ := newTestRunner(t, def)
	out, err := r.Run(context.Background(), RunState{
		InstanceID: "wf_resume",
		Input:      json.RawMessage(`{}`),
		StepResults: map[string]protocol.StepResult{
			"first": {Status: protocol.StepCompleted, Output: json.RawMessage(`"one"`), Attempts: 1},
		},
		CurrentStep: "second",
		PrevOutput:  json.RawMessage(`"one"`),
	})
	require.NoError(t, err)
	assert.Zero(t, firstCalls.Load())
	// the snapshot is taken while "second" is running
	assert.JSONEq(t, `{"prev":"one","progress":50,"known":2}`, string(out))
	assert.Equal(t, "second", rec.find(protocol.MsgStarted)[0].Step)
	assert.InDelta(t, 100.0, rec.find(protocol.MsgProgress)[0].Progress, 0.001)
}

func TestRun_PanicBecomesError(t *testing.T) {
	def := &Definition{
		Name:    "panics",
		StartAt: "bad",
		Steps: map[string]Step{
			"bad": &TaskStep{
				Handler:    func(*StepContext, json.RawMessage) (any, error) { panic("nil map") },
				Transition: Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	_, err := run(t, r, `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

type echoCaller struct {
	mu    sync.Mutex
	calls []string
}

func (c *echoCaller) Call(_ context.Context, target, service, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, target+":"+service+"."+method)
	c.mu.Unlock()
	if target == protocol.TargetPlugin {
		return json.RawMessage(`{"paymentId":"pay_9"}`), nil
	}
	return json.RawMessage(`null`), nil
}

func TestRun_StepsReachServicesThroughCaller(t *testing.T) {
	caller := &echoCaller{}
	def := &Definition{
		Name:    "services",
		StartAt: "pay",
		Steps: map[string]Step{
			"pay": &TaskStep{
				Handler: func(sc *StepContext, _ json.RawMessage) (any, error) {
					var res struct {
						PaymentID string `json:"paymentId"`
					}
					if err := sc.Plugins.Service("payments").Call(sc.Context(), "charge", &res, 10); err != nil {
						return nil, err
					}
					if err := sc.Core.Events.Emit(sc.Context(), "payment.done", res); err != nil {
						return nil, err
					}
					return res.PaymentID, nil
				},
				Transition: Transition{End: true},
			},
		},
	}
	require.NoError(t, def.Validate())
	r := NewRunner(def, RunnerOptions{Caller: caller})
	out, err := r.Run(context.Background(), RunState{InstanceID: "wf_svc"})
	require.NoError(t, err)
	assert.JSONEq(t, `"pay_9"`, string(out))
	assert.Equal(t, []string{"plugin:payments.charge", "core:events.emit"}, caller.calls)
}

func TestRun_NoCallerFailsServiceCalls(t *testing.T) {
	def := &Definition{
		Name:    "offline",
		StartAt: "log",
		Steps: map[string]Step{
			"log": &TaskStep{
				Handler: func(sc *StepContext, _ json.RawMessage) (any, error) {
					return nil, sc.Core.Logger.Info(sc.Context(), "hi", nil)
				},
				Transition: Transition{End: true},
			},
		},
	}
	r, _, _ := newTestRunner(t, def)
	_, err := run(t, r, `{}`)
	require.ErrorIs(t, err, proxy.ErrConnectionClosed)
}
