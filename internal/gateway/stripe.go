package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// Stripe creates Checkout Sessions and verifies them by re-fetching the
// session's payment status. Session ids live in memory for the lifetime of
// the process, matching the payment window they belong to.
type Stripe struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	sessions map[string]string
}

const stripeBaseURL = "https://api.stripe.com"

func NewStripe(apiKey, successURL, cancelURL string) *Stripe {
	return &Stripe{
		APIKey:     apiKey,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		BaseURL:    stripeBaseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		sessions:   make(map[string]string),
	}
}

type stripeSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentStatus string `json:"payment_status"`
}

func (s *Stripe) CreateLinks(ctx context.Context, paymentID string, amount decimal.Decimal) (Links, error) {
	if s.APIKey == "" {
		return nil, &Error{Provider: "stripe", Op: "create", Err: errors.New("api key not configured")}
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", paymentID)
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][product_data][name]", "Assignment Payment "+paymentID)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amount.Shift(2).IntPart(), 10))
	form.Set("line_items[0][quantity]", "1")
	if s.SuccessURL != "" {
		form.Set("success_url", s.SuccessURL)
	}
	if s.CancelURL != "" {
		form.Set("cancel_url", s.CancelURL)
	}
	var session stripeSession
	if err := s.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, &Error{Provider: "stripe", Op: "create", Err: err}
	}
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	s.sessions[paymentID] = session.ID
	s.mu.Unlock()
	return Links{"stripe": session.URL}, nil
}

func (s *Stripe) Verify(ctx context.Context, paymentID string) (bool, error) {
	s.mu.Lock()
	sessionID, ok := s.sessions[paymentID]
	s.mu.Unlock()
	if !ok {
		return false, &Error{Provider: "stripe", Op: "verify", Err: fmt.Errorf("no checkout session for payment %s", paymentID)}
	}
	var session stripeSession
	if err := s.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+sessionID, nil, &session); err != nil {
		return false, &Error{Provider: "stripe", Op: "verify", Err: err}
	}
	return session.PaymentStatus == "paid", nil
}

// do issues one Stripe API request, retrying 5xx responses and transport
// errors with capped exponential backoff.
func (s *Stripe) do(ctx context.Context, method, path string, form url.Values, out any) error {
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	base := s.BaseURL
	if base == "" {
		base = stripeBaseURL
	}
	attempt := func() error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(attempt, policy)
}
