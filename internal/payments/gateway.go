// Package payments abstracts the card processor behind an
// authorize/capture/void/refund gateway.
package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math"
	"sync"
)

// ErrDeclined marks a failure the customer can fix (card declined,
// insufficient funds). Other errors are treated as gateway outages.
var ErrDeclined = errors.New("payment declined")

type ChargeRequest struct {
	Amount        float64
	Currency      string
	Method        string
	PaymentMethod string // processor token, e.g. pm_card_visa
	CustomerRef   string
	Reference     string // booking id, sent as metadata
}

type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req ChargeRequest) (string, error)
	Capture(ctx context.Context, txID string) error
	Void(ctx context.Context, txID string) error
	Refund(ctx context.Context, txID string, amount float64, currency string) (string, error)
}

// ToMinor converts an amount to the smallest currency unit.
func ToMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// MockGateway approves everything. The Fail* hooks let tests script
// failures for a given step.
type MockGateway struct {
	mu            sync.Mutex
	FailAuthorize error
	FailCapture   error
	FailRefund    error

	Voided   []string
	Captured []string
	Refunded []string
}

func NewMockGateway() *MockGateway { return &MockGateway{} }

func (m *MockGateway) Name() string { return "mock_gateway" }

func (m *MockGateway) Authorize(_ context.Context, _ ChargeRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAuthorize != nil {
		return "", m.FailAuthorize
	}
	return "mock_" + randomHex(8), nil
}

func (m *MockGateway) Capture(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCapture != nil {
		return m.FailCapture
	}
	m.Captured = append(m.Captured, txID)
	return nil
}

func (m *MockGateway) Void(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Voided = append(m.Voided, txID)
	return nil
}

func (m *MockGateway) Refund(_ context.Context, txID string, _ float64, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRefund != nil {
		return "", m.FailRefund
	}
	m.Refunded = append(m.Refunded, txID)
	return "mock_re_" + randomHex(8), nil
}

// SetFailures replaces the scripted failures under the gateway lock.
func (m *MockGateway) SetFailures(authorize, capture, refund error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailAuthorize, m.FailCapture, m.FailRefund = authorize, capture, refund
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
