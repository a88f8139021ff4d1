package demo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/orchestrator"
)

// Plugin services and methods called by process-order.
const (
	ServicePayments = "payments"
	ServiceShipping = "shipping"
	ServiceEmail    = "email"

	MethodCharge      = "charge"
	MethodStatus      = "status"
	MethodCreateLabel = "createLabel"
	MethodSend        = "send"
)

// Payment states reported by payments.status.
const (
	PaymentPending = "pending"
	PaymentSettled = "settled"
	PaymentFailed  = "failed"
)

var (
	ErrDeclined       = errors.New("payment declined")
	ErrUnknownPayment = errors.New("unknown payment")
)

type ChargeResult struct {
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

type PaymentStatus struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
}

type LabelResult struct {
	Tracking string `json:"tracking"`
	Carrier  string `json:"carrier"`
}

type EmailResult struct {
	Sent bool   `json:"sent"`
	To   string `json:"to"`
}

// Plugins is an in-memory stand-in for the payment, shipping and email
// providers. A payment settles after SettleAfter status checks.
type Plugins struct {
	SettleAfter int
	Logger      *logging.Logger

	mu       sync.Mutex
	payments map[string]*payment
	sent     []EmailResult
}

type payment struct {
	orderID string
	checks  int
}

// NewPlugins returns plugins whose payments settle on the second check.
func NewPlugins(logger *logging.Logger) *Plugins {
	return &Plugins{
		SettleAfter: 2,
		Logger:      logging.OrDefault(logger).WithComponent("demo"),
		payments:    make(map[string]*payment),
	}
}

// Register exposes every plugin method on s.
func (p *Plugins) Register(s *orchestrator.Services) {
	s.RegisterPlugin(ServicePayments, MethodCharge, p.charge)
	s.RegisterPlugin(ServicePayments, MethodStatus, p.status)
	s.RegisterPlugin(ServiceShipping, MethodCreateLabel, p.createLabel)
	s.RegisterPlugin(ServiceEmail, MethodSend, p.send)
}

// Sent returns the emails sent so far.
func (p *Plugins) Sent() []EmailResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EmailResult(nil), p.sent...)
}

func (p *Plugins) charge(_ context.Context, call *orchestrator.Call) (any, error) {
	var (
		orderID  string
		amount   float64
		currency string
	)
	if err := call.Arg(0, &orderID); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &amount); err != nil {
		return nil, err
	}
	if err := call.Arg(2, &currency); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount %.2f", ErrDeclined, amount)
	}

	id := "pay_" + shortID()
	p.mu.Lock()
	p.payments[id] = &payment{orderID: orderID}
	p.mu.Unlock()

	p.Logger.Info("payment charged", "order", orderID, "payment", id, "amount", amount, "currency", currency)
	return ChargeResult{PaymentID: id, Amount: amount, Currency: currency}, nil
}

func (p *Plugins) status(_ context.Context, call *orchestrator.Call) (any, error) {
	var id string
	if err := call.Arg(0, &id); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, id)
	}
	pay.checks++
	st := PaymentPending
	if pay.checks >= p.SettleAfter {
		st = PaymentSettled
	}
	return PaymentStatus{PaymentID: id, Status: st}, nil
}

func (p *Plugins) createLabel(_ context.Context, call *orchestrator.Call) (any, error) {
	var orderID string
	if err := call.Arg(0, &orderID); err != nil {
		return nil, err
	}
	return LabelResult{Tracking: "TRK" + strings.ToUpper(shortID()), Carrier: "warden-post"}, nil
}

func (p *Plugins) send(_ context.Context, call *orchestrator.Call) (any, error) {
	var to, subject string
	if err := call.Arg(0, &to); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &subject); err != nil {
		return nil, err
	}
	res := EmailResult{Sent: true, To: to}

	p.mu.Lock()
	p.sent = append(p.sent, res)
	p.mu.Unlock()

	p.Logger.Info("email sent", "to", to, "subject", subject)
	return res, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
