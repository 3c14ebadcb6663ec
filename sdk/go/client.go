// Package assignlinesdk is a minimal client for the Assignline read API.
package assignlinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client talks to an Assignline API server. Set either Token (JWT
// bearer) or APIKey; BaseURL includes the base path, e.g.
// "http://127.0.0.1:8787/v0".
type Client struct {
	BaseURL    string
	Token      string
	APIKey     string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: http.DefaultClient,
	}
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

type Assignment struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	ChannelID      string  `json:"channel_id"`
	Status         string  `json:"status"`
	Reviewed       bool    `json:"reviewed"`
	Doable         *bool   `json:"doable,omitempty"`
	Deadline       *string `json:"deadline,omitempty"`
	LastReminderAt *string `json:"last_reminder_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type Revision struct {
	Details   string `json:"details"`
	CreatedAt string `json:"created_at"`
}

type AssignmentDetail struct {
	Assignment
	Revisions []Revision `json:"revisions"`
}

type PaymentSession struct {
	AssignmentID string `json:"assignment_id"`
	PayerID      string `json:"payer_id"`
	Amount       string `json:"amount"`
	Paid         bool   `json:"paid"`
	CreatedAt    string `json:"created_at"`
}

// ListAssignmentsOptions filter the assignment list. Zero values are
// left out of the query.
type ListAssignmentsOptions struct {
	Status  string
	OwnerID string
	Limit   int
}

func (c *Client) ListAssignments(ctx context.Context, opts ListAssignmentsOptions) ([]Assignment, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.OwnerID != "" {
		q.Set("owner_id", opts.OwnerID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out []Assignment
	if err := c.get(ctx, "/assignments", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAssignment(ctx context.Context, id string) (AssignmentDetail, error) {
	var out AssignmentDetail
	err := c.get(ctx, "/assignments/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListPaymentSessions(ctx context.Context, assignmentID string) ([]PaymentSession, error) {
	var out []PaymentSession
	err := c.get(ctx, "/assignments/"+url.PathEscape(assignmentID)+"/payments", nil, &out)
	return out, err
}

func (c *Client) PaymentStatus(ctx context.Context, assignmentID, payerID string) (PaymentSession, error) {
	var out PaymentSession
	err := c.get(ctx, "/assignments/"+url.PathEscape(assignmentID)+"/payments/"+url.PathEscape(payerID), nil, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeError(res.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func decodeError(status int, data []byte) error {
	var envelope struct {
		Err APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Err.Code != "" {
		envelope.Err.Status = status
		return &envelope.Err
	}
	return &APIError{
		Status:  status,
		Code:    "unknown",
		Message: strings.TrimSpace(string(data)),
	}
}
