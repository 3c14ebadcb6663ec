package gateway

import (
	"context"
	"errors"
	"net/url"

	"github.com/shopspring/decimal"
)

// PayPal mints hosted-button checkout links. Completion for these flows is
// reported asynchronously over IPN, which is outside this adapter, so Verify
// always reports unpaid and Multi falls through to the next provider.
type PayPal struct {
	BusinessEmail string
	NotifyURL     string
	ReturnURL     string
	CancelURL     string
}

const paypalCheckoutURL = "https://www.paypal.com/cgi-bin/webscr"

func (p PayPal) CreateLinks(ctx context.Context, paymentID string, amount decimal.Decimal) (Links, error) {
	if p.BusinessEmail == "" {
		return nil, &Error{Provider: "paypal", Op: "create", Err: errors.New("business email not configured")}
	}
	q := url.Values{}
	q.Set("cmd", "_xclick")
	q.Set("business", p.BusinessEmail)
	q.Set("item_name", "Assignment Payment "+paymentID)
	q.Set("amount", amount.StringFixed(2))
	q.Set("currency_code", "USD")
	q.Set("invoice", paymentID)
	if p.NotifyURL != "" {
		q.Set("notify_url", p.NotifyURL)
	}
	if p.ReturnURL != "" {
		q.Set("return", p.ReturnURL)
	}
	if p.CancelURL != "" {
		q.Set("cancel_return", p.CancelURL)
	}
	return Links{"paypal": paypalCheckoutURL + "?" + q.Encode()}, nil
}

func (p PayPal) Verify(ctx context.Context, paymentID string) (bool, error) {
	return false, nil
}
