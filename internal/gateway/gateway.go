package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Links maps a provider name to a checkout URL for one payment.
type Links map[string]string

// Gateway mints checkout links for a payment and verifies completion.
// Implementations must leave no state behind on a failed CreateLinks.
type Gateway interface {
	CreateLinks(ctx context.Context, paymentID string, amount decimal.Decimal) (Links, error)
	Verify(ctx context.Context, paymentID string) (bool, error)
}

// Error wraps a provider failure. Callers treat it as retryable.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Multi fans link creation out across providers and accepts payment as soon
// as any provider verifies it.
type Multi struct {
	Providers []Gateway
}

func (m Multi) CreateLinks(ctx context.Context, paymentID string, amount decimal.Decimal) (Links, error) {
	if len(m.Providers) == 0 {
		return nil, &Error{Provider: "multi", Op: "create", Err: errors.New("no providers configured")}
	}
	out := Links{}
	for _, p := range m.Providers {
		links, err := p.CreateLinks(ctx, paymentID, amount)
		if err != nil {
			return nil, err
		}
		for name, u := range links {
			out[name] = u
		}
	}
	return out, nil
}

func (m Multi) Verify(ctx context.Context, paymentID string) (bool, error) {
	var lastErr error
	for _, p := range m.Providers {
		ok, err := p.Verify(ctx, paymentID)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, lastErr
}

// Static returns fixed links and a fixed verification result. Used in tests
// and as a placeholder when no provider credentials are configured.
type Static struct {
	Links Links
	Paid  bool
	Err   error
}

func (s Static) CreateLinks(ctx context.Context, paymentID string, amount decimal.Decimal) (Links, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Links != nil {
		return s.Links, nil
	}
	return Links{"static": "https://pay.invalid/" + paymentID}, nil
}

func (s Static) Verify(ctx context.Context, paymentID string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	return s.Paid, nil
}
