package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"assignline/internal/config"
	"assignline/internal/db"
	"assignline/internal/domain"
	"assignline/internal/engine"
	"assignline/internal/gateway"
	"assignline/internal/migrate"
	"assignline/internal/platform"
	"assignline/internal/repo"
)

const (
	testAdminID  = "UADMIN"
	testOwnerID  = "USTUDENT"
	testJWTKey   = "test-secret"
	testBasePath = "/v0"
)

type stubPlatform struct {
	seq atomic.Int64
}

func (p *stubPlatform) CreatePrivateChannel(ctx context.Context, name string, acl platform.ChannelACL) (string, error) {
	return fmt.Sprintf("C%04d", p.seq.Add(1)), nil
}

func (p *stubPlatform) DeleteChannel(ctx context.Context, channelID string) error { return nil }

func (p *stubPlatform) SendChannelMessage(ctx context.Context, channelID, text string) error {
	return nil
}

func (p *stubPlatform) SendDirectMessage(ctx context.Context, userID, text string) error {
	return nil
}

func (p *stubPlatform) LookupUserName(ctx context.Context, userID string) (string, error) {
	return userID, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Admins = []string{testAdminID}
	eng := engine.New(conn, cfg, &stubPlatform{}, &gateway.Static{
		Links: gateway.Links{"stripe": "https://pay.example.com/s"},
		Paid:  true,
	})
	eng.TeardownDelay = time.Hour
	handler, err := New(Config{
		Engine:   eng,
		BasePath: testBasePath,
		Auth: AuthConfig{
			JWTSecret:              testJWTKey,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func get(t *testing.T, client *http.Client, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

// seedAssignment drives a submission through review and payment-link
// generation so the read endpoints have something to return.
func seedAssignment(t *testing.T, eng engine.Engine) domain.Assignment {
	t.Helper()
	ctx := context.Background()
	a, err := eng.SubmitAssignment(ctx, testOwnerID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.ConfirmReview(ctx, a.ChannelID, testAdminID, true); err != nil {
		t.Fatalf("confirm review: %v", err)
	}
	if _, err := eng.GeneratePaymentLinks(ctx, a.ChannelID, decimal.RequireFromString("49.99"), testAdminID); err != nil {
		t.Fatalf("generate links: %v", err)
	}
	return a
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/assignments", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Body apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Body.Code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", envelope.Body.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testOwnerID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/assignments", map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request status %d: %s", res.StatusCode, string(data))
	}

	res, _ = get(t, srv.Client(), srv.URL+testBasePath+"/assignments", map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	key := "asl_test_key_1"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   testOwnerID,
		Name:      "test",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/assignments", map[string]string{
		"X-Api-Key": key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request status %d: %s", res.StatusCode, string(data))
	}
	res, _ = get(t, srv.Client(), srv.URL+testBasePath+"/assignments", map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestAssignmentEndpoints(t *testing.T) {
	srv := newTestServer(t)
	a := seedAssignment(t, srv.Engine)

	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/assignments", asActor(testOwnerID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list []AssignmentResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	res, data = get(t, srv.Client(), srv.URL+testBasePath+"/assignments/"+a.ID, asActor(testOwnerID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var detail AssignmentDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Status != string(domain.StatusAwaitingPayConfirm) {
		t.Fatalf("expected awaiting confirmation, got %s", detail.Status)
	}
	if len(detail.Revisions) != 0 {
		t.Fatalf("expected no revisions, got %d", len(detail.Revisions))
	}

	res, data = get(t, srv.Client(), srv.URL+testBasePath+"/assignments/missing", asActor(testOwnerID))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Body apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Body.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Body.Code)
	}
}

func TestPaymentEndpoints(t *testing.T) {
	srv := newTestServer(t)
	a := seedAssignment(t, srv.Engine)

	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/assignments/"+a.ID+"/payments", asActor(testOwnerID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list payments status %d: %s", res.StatusCode, string(data))
	}
	var sessions []PaymentSessionResponse
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatalf("unmarshal sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Amount != "49.99" || sessions[0].Paid {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	if _, err := srv.Engine.ConfirmPayment(context.Background(), a.ChannelID, testOwnerID); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	res, data = get(t, srv.Client(), srv.URL+testBasePath+"/assignments/"+a.ID+"/payments/"+testOwnerID, asActor(testOwnerID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get payment status %d: %s", res.StatusCode, string(data))
	}
	var session PaymentSessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if !session.Paid {
		t.Fatal("expected session paid after confirmation")
	}

	res, _ = get(t, srv.Client(), srv.URL+testBasePath+"/assignments/"+a.ID+"/payments/"+testAdminID, asActor(testOwnerID))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for other payer, got %d", res.StatusCode)
	}
}

func TestEventsAdminOnly(t *testing.T) {
	srv := newTestServer(t)
	seedAssignment(t, srv.Engine)

	res, data := get(t, srv.Client(), srv.URL+testBasePath+"/events", asActor(testOwnerID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d: %s", res.StatusCode, string(data))
	}

	res, data = get(t, srv.Client(), srv.URL+testBasePath+"/events", asActor(testAdminID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected submission and review events, got %d", len(events))
	}
	if events[0].ID <= events[1].ID {
		t.Fatal("expected newest-first ordering")
	}
}
