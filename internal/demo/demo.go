// Package demo holds the workflows and plugins compiled into the warden
// binary: "hello" and "process-order".
package demo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"grimm.is/warden/internal/workflow"
)

// Registry returns a registry with every demo workflow.
func Registry() *workflow.Registry {
	reg := workflow.NewRegistry()
	Register(reg)
	return reg
}

// Register adds the demo workflows to reg.
func Register(reg *workflow.Registry) {
	reg.MustRegister(Hello())
	reg.MustRegister(ProcessOrder())
}

// HelloInput is the input of the hello workflow.
type HelloInput struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

// Hello greets, then counts down from Count (default 3).
func Hello() *workflow.Definition {
	return &workflow.Definition{
		Name:        "hello",
		Description: "Greets someone and counts down",
		StartAt:     "greet",
		Steps: map[string]workflow.Step{
			"greet": &workflow.TaskStep{
				Handler: workflow.Handle(func(sc *workflow.StepContext, in HelloInput) (map[string]any, error) {
					name := in.Name
					if name == "" {
						name = "world"
					}
					sc.Logger.Info("greeting", "name", name)
					return map[string]any{"message": fmt.Sprintf("Hello, %s!", name)}, nil
				}),
				Transition: workflow.Transition{Next: "countdown"},
			},
			"countdown": &workflow.LoopStep{
				InputMapper: workflow.Map(func(_ map[string]any, in HelloInput) (int, error) {
					if in.Count <= 0 {
						return 3, nil
					}
					return in.Count, nil
				}),
				Body: workflow.Handle(func(sc *workflow.StepContext, n int) (int, error) {
					sc.Logger.Debug("tick", "remaining", n)
					return n - 1, nil
				}),
				Until: func(out json.RawMessage, _ int) bool {
					return strings.TrimSpace(string(out)) == "0"
				},
				MaxIterations: 100,
				Transition:    workflow.Transition{Next: "done"},
			},
			"done": &workflow.PassStep{
				Transform: func(sc *workflow.StepContext) (any, error) {
					var greet struct {
						Message string `json:"message"`
					}
					if err := sc.DecodeStep("greet", &greet); err != nil {
						return nil, err
					}
					return map[string]any{"message": greet.Message, "liftoff": true}, nil
				},
				Transition: workflow.Transition{End: true},
			},
		},
	}
}

// OrderItem is one line of an order. Items without a price are charged
// DefaultUnitPrice.
type OrderItem struct {
	Name  string   `json:"name"`
	Qty   int      `json:"qty"`
	Price *float64 `json:"price,omitempty"`
}

// DefaultUnitPrice is the price of an item that carries none.
const DefaultUnitPrice = 10.0

func (it OrderItem) unitPrice() float64 {
	if it.Price == nil {
		return DefaultUnitPrice
	}
	return *it.Price
}

// OrderInput is the input of the process-order workflow.
type OrderInput struct {
	OrderID       string      `json:"orderId"`
	Items         []OrderItem `json:"items"`
	CustomerEmail string      `json:"customerEmail"`
	Currency      string      `json:"currency,omitempty"`
}

// Order is the state handed from one process-order step to the next.
type Order struct {
	OrderID   string  `json:"orderId"`
	Email     string  `json:"email"`
	Total     float64 `json:"total"`
	Currency  string  `json:"currency"`
	PaymentID string  `json:"paymentId,omitempty"`
}

// OrderResult is the output of process-order.
type OrderResult struct {
	OrderID   string  `json:"orderId"`
	PaymentID string  `json:"paymentId"`
	Tracking  string  `json:"tracking"`
	EmailSent bool    `json:"emailSent"`
	Total     float64 `json:"total"`
}

const orderSchema = `{
  "type": "object",
  "required": ["orderId", "items", "customerEmail"],
  "properties": {
    "orderId": {"type": "string", "minLength": 1},
    "customerEmail": {"type": "string", "minLength": 3},
    "currency": {"type": "string"},
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "qty"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "qty": {"type": "integer", "minimum": 1},
          "price": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

const paymentSchema = `{
  "type": "object",
  "required": ["orderId", "paymentId"],
  "properties": {"paymentId": {"type": "string", "minLength": 1}}
}`

var errUnsettled = errors.New("payment did not settle")

// fromPrev hands the previous step's Order to the next step.
var fromPrev = workflow.Map(func(prev Order, _ json.RawMessage) (Order, error) {
	if prev.OrderID == "" {
		return Order{}, errors.New("previous step produced no order")
	}
	return prev, nil
})

// ProcessOrder validates an order and charges it, then ships it and
// notifies the customer in parallel. The ship branch waits for the payment
// to settle before printing a label.
func ProcessOrder() *workflow.Definition {
	return &workflow.Definition{
		Name:         "process-order",
		Description:  "Validate, charge, ship and notify for one order",
		StartAt:      "validate",
		DefaultRetry: &workflow.RetryPolicy{MaxAttempts: 2, Interval: 100 * time.Millisecond},
		Timeout:      2 * time.Minute,
		Steps: map[string]workflow.Step{
			"validate": &workflow.TaskStep{
				InputSchema: orderSchema,
				Handler:     workflow.Handle(validateOrder),
				Transition:  workflow.Transition{Next: "payment"},
			},
			"payment": &workflow.TaskStep{
				InputMapper:  fromPrev,
				Handler:      workflow.Handle(chargeOrder),
				OutputSchema: paymentSchema,
				Retry:        &workflow.RetryPolicy{MaxAttempts: 3, Interval: 200 * time.Millisecond, BackoffRate: 2, MaxInterval: time.Second},
				Transition:   workflow.Transition{Next: "fulfill"},
			},
			"fulfill": &workflow.ParallelStep{
				InputMapper: fromPrev,
				Branches: []workflow.Branch{
					{
						Name:    "ship",
						StartAt: "settle",
						Steps: map[string]workflow.Step{
							"settle": &workflow.PollStep{
								Check:       settlePayment,
								Interval:    50 * time.Millisecond,
								Timeout:     10 * time.Second,
								MaxAttempts: 20,
								Transition:  workflow.Transition{Next: "label"},
							},
							"label": &workflow.TaskStep{
								Handler:    workflow.Handle(createLabel),
								Transition: workflow.Transition{End: true},
							},
						},
					},
					{
						Name:    "notify",
						StartAt: "email",
						Steps: map[string]workflow.Step{
							"email": &workflow.TaskStep{
								Handler:    workflow.Handle(sendConfirmation),
								Transition: workflow.Transition{End: true},
							},
						},
					},
				},
				Transition: workflow.Transition{Next: "complete"},
			},
			"complete": &workflow.PassStep{
				Transform:  completeOrder,
				Transition: workflow.Transition{End: true},
			},
		},
	}
}

func validateOrder(sc *workflow.StepContext, in OrderInput) (Order, error) {
	total := 0.0
	for _, it := range in.Items {
		total += float64(it.Qty) * it.unitPrice()
	}
	currency := in.Currency
	if currency == "" {
		currency = "usd"
	}
	sc.Logger.Debug("order validated", "order", in.OrderID, "items", len(in.Items), "total", total)
	return Order{
		OrderID:  in.OrderID,
		Email:    in.CustomerEmail,
		Total:    total,
		Currency: currency,
	}, nil
}

func chargeOrder(sc *workflow.StepContext, o Order) (Order, error) {
	var res ChargeResult
	if err := sc.Plugins.Service(ServicePayments).Call(sc.Context(), MethodCharge, &res, o.OrderID, o.Total, o.Currency); err != nil {
		return Order{}, err
	}
	o.PaymentID = res.PaymentID
	return o, nil
}

func settlePayment(sc *workflow.StepContext, input json.RawMessage) (workflow.PollResult, error) {
	var o Order
	if err := json.Unmarshal(input, &o); err != nil {
		return workflow.PollResult{}, fmt.Errorf("decode order: %w", err)
	}
	var st PaymentStatus
	if err := sc.Plugins.Service(ServicePayments).Call(sc.Context(), MethodStatus, &st, o.PaymentID); err != nil {
		return workflow.PollResult{}, err
	}
	switch st.Status {
	case PaymentSettled:
		return workflow.PollResult{Done: true, Output: st}, nil
	case PaymentFailed:
		return workflow.PollResult{}, fmt.Errorf("%w: %s", errUnsettled, o.PaymentID)
	}
	return workflow.PollResult{}, nil
}

func createLabel(sc *workflow.StepContext, o Order) (map[string]string, error) {
	var res LabelResult
	if err := sc.Plugins.Service(ServiceShipping).Call(sc.Context(), MethodCreateLabel, &res, o.OrderID); err != nil {
		return nil, err
	}
	return map[string]string{"tracking": res.Tracking}, nil
}

func sendConfirmation(sc *workflow.StepContext, o Order) (map[string]bool, error) {
	var res EmailResult
	subject := fmt.Sprintf("Order %s confirmed", o.OrderID)
	if err := sc.Plugins.Service(ServiceEmail).Call(sc.Context(), MethodSend, &res, o.Email, subject); err != nil {
		return nil, err
	}
	return map[string]bool{"emailSent": res.Sent}, nil
}

func completeOrder(sc *workflow.StepContext) (any, error) {
	var o Order
	if err := sc.DecodeStep("payment", &o); err != nil {
		return nil, err
	}

	// one output per branch, in branch order
	var branches []map[string]any
	if err := sc.DecodePrev(&branches); err != nil {
		return nil, fmt.Errorf("decode fulfilment: %w", err)
	}
	res := OrderResult{OrderID: o.OrderID, PaymentID: o.PaymentID, Total: o.Total}
	for _, b := range branches {
		if v, ok := b["tracking"].(string); ok {
			res.Tracking = v
		}
		if v, ok := b["emailSent"].(bool); ok {
			res.EmailSent = v
		}
	}

	ctx := sc.Context()
	if err := sc.Core.Cache.Set(ctx, "order:"+res.OrderID, res, 24*time.Hour); err != nil {
		return nil, err
	}
	if err := sc.Core.Events.Emit(ctx, "order.completed", res); err != nil {
		return nil, err
	}
	if err := sc.Core.Logger.Info(ctx, "order processed", map[string]any{"orderId": res.OrderID, "total": res.Total}); err != nil {
		return nil, err
	}
	return res, nil
}
