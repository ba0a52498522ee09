// Package payments defines the gateway port the engine hands money-movement
// instructions to. The engine never moves funds itself; deposit_return and
// default_coverage rows are instructions, and the gateway executes them
// outside any lease window.
package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	jsoniter "github.com/json-iterator/go"

	"github.com/chamalabs/chama/money"
)

var log = logrus.WithField("prefix", "payments")

// Status is a payment's state at the provider.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Final reports whether the status admits no further provider transitions.
func (s Status) Final() bool {
	return s != StatusPending
}

// CallbackResult is the provider's asynchronous settlement notice.
type CallbackResult struct {
	PaymentID   string `json:"payment_id"`
	FinalStatus Status `json:"final_status"`
}

// Gateway is the payment provider port.
type Gateway interface {
	// Initiate starts a payment and returns the provider's payment id.
	Initiate(ctx context.Context, amount decimal.Decimal, currency, payerRef, reference string, metadata map[string]string) (string, error)
	// Query returns the provider-side status of a payment.
	Query(ctx context.Context, paymentID string) (Status, error)
	// Callback parses an inbound provider notification.
	Callback(ctx context.Context, payload []byte) (*CallbackResult, error)
}

// ErrUnknownPayment is returned when a payment id was never initiated here.
var ErrUnknownPayment = errors.New("unknown payment id")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MemoryGateway is the in-process gateway used by tests and the default node
// wiring. Payments settle only through SettlePayment or a Callback.
type MemoryGateway struct {
	mu       sync.Mutex
	payments map[string]Status
}

// NewMemoryGateway returns an empty in-process gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{payments: make(map[string]Status)}
}

// Initiate records the payment as pending. Providers denominate in integer
// minor units, so the amount must be cent-aligned.
func (g *MemoryGateway) Initiate(_ context.Context, amount decimal.Decimal, currency, payerRef, reference string, _ map[string]string) (string, error) {
	if !money.IsCentAligned(amount) {
		return "", errors.Errorf("amount %s is not representable in minor units", amount)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uuid.NewString()
	g.payments[id] = StatusPending
	log.WithFields(logrus.Fields{
		"payment":     id,
		"minor_units": money.Cents(amount),
		"currency":    currency,
		"payer":       payerRef,
		"reference":   reference,
	}).Info("Payment initiated")
	return id, nil
}

// Query returns the recorded status.
func (g *MemoryGateway) Query(_ context.Context, paymentID string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.payments[paymentID]
	if !ok {
		return "", ErrUnknownPayment
	}
	return st, nil
}

// Callback parses the provider payload and applies the final status.
func (g *MemoryGateway) Callback(_ context.Context, payload []byte) (*CallbackResult, error) {
	var result CallbackResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, errors.Wrap(err, "could not decode payment callback")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.payments[result.PaymentID]; !ok {
		return nil, ErrUnknownPayment
	}
	g.payments[result.PaymentID] = result.FinalStatus
	return &result, nil
}

// SettlePayment finalizes a pending payment. Test helper.
func (g *MemoryGateway) SettlePayment(paymentID string, st Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[paymentID] = st
}
