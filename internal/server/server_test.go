package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/chain"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type fakeSigner struct{ addr string }

func (f fakeSigner) Address() string { return f.addr }

func (f fakeSigner) SignHash(digest []byte) ([]byte, error) {
	return append([]byte("sig:"), digest...), nil
}

type fakeWallet struct{ signer fakeSigner }

func (f fakeWallet) Current(ctx context.Context) (ledger.Signer, error) { return f.signer, nil }

type fakeLedger struct {
	connected bool
	sent      int
}

func (f *fakeLedger) Connected() bool { return f.connected }

func (f *fakeLedger) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeLedger) Authenticate(ctx context.Context, signer ledger.Signer) (ledger.AuthResult, error) {
	return ledger.AuthResult{
		Address:    signer.Address(),
		SigningKey: "key-1",
		ExpiresAt:  "2031-01-01T00:00:00Z",
	}, nil
}

func (f *fakeLedger) SendSigned(ctx context.Context, msg ledger.SignedMessage) (ledger.Response, error) {
	f.sent++
	resp := ledger.Response{OK: true, AcceptedVersion: msg.Version, ProofID: "proof-http"}
	if msg.Kind == ledger.KindSessionCreate {
		resp.RemoteSessionID = "remote-http"
	}
	return resp, nil
}

func (f *fakeLedger) SendRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type fakeEscrow struct{}

func (f fakeEscrow) Milestones(ctx context.Context, projectID string) ([]chain.Milestone, error) {
	return nil, nil
}

func (f fakeEscrow) BatchSettle(ctx context.Context, params chain.SettleParams) (string, error) {
	return "0xsettle", nil
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
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
	cfg := config.Default("proj-http")
	gate := &auth.Gate{
		Transport: &fakeLedger{},
		Wallet:    fakeWallet{signer: fakeSigner{addr: "0xClient"}},
	}
	e := engine.New(conn, cfg, gate, &fakeLedger{}, fakeEscrow{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeader(t *testing.T, subject string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mintToken(t, subject)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
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

func createTestSession(t *testing.T, srv *testServer) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"project_id": "proj-http",
		"client":     "0xClient",
		"milestones": []map[string]any{
			{"id": "m1", "worker": "0xWorker", "amount": 1000},
		},
	}, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return session
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", envelope.Error.Code)
	}

	healthRes, healthData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d: %s", healthRes.StatusCode, string(healthData))
	}
}

func TestMilestoneLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	session := createTestSession(t, srv)
	if session.StateVersion != 1 {
		t.Fatalf("expected state version 1, got %d", session.StateVersion)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/submit", map[string]any{
		"work_proof_hash": "0xproof",
	}, authHeader(t, "0xWorker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SessionResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.StateVersion != 2 {
		t.Fatalf("expected state version 2 after submit, got %d", submitted.StateVersion)
	}
	if got := submitted.Snapshot.Milestone("m1").Status; string(got) != "submitted" {
		t.Fatalf("expected submitted, got %s", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/approve", nil, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved SessionResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if got := approved.Snapshot.Milestone("m1").Status; string(got) != "approved" {
		t.Fatalf("expected approved, got %s", got)
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createTestSession(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/submit", map[string]any{
		"work_proof_hash": "0xproof",
	}, authHeader(t, "0xWorker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/revise", map[string]any{
		"feedback": "missing edge cases",
	}, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revise status %d: %s", res.StatusCode, string(data))
	}
	var revised SessionResponse
	if err := json.Unmarshal(data, &revised); err != nil {
		t.Fatalf("unmarshal revise: %v", err)
	}
	if got := revised.Snapshot.Milestone("m1").Status; string(got) != "under_revision" {
		t.Fatalf("expected under_revision, got %s", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/disputes", map[string]any{
		"type":   "quality",
		"reason": "not as agreed",
	}, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("raise dispute status %d: %s", res.StatusCode, string(data))
	}
	var raised DisputeRaisedResponse
	if err := json.Unmarshal(data, &raised); err != nil {
		t.Fatalf("unmarshal dispute: %v", err)
	}
	if raised.DisputeID == "" {
		t.Fatalf("missing dispute id: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/proj-http/milestones/m1/disputes/"+raised.DisputeID+"/resolve",
		map[string]any{"resolution": "worker"}, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved SessionResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolve: %v", err)
	}
	if got := resolved.Snapshot.Milestone("m1").Status; string(got) != "approved" {
		t.Fatalf("worker resolution should approve, got %s", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/session/close", map[string]any{
		"reason": "wrapped up",
	}, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
}

func TestScopeViolationIsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createTestSession(t, srv)

	// The client cannot submit work on a worker's milestone.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/submit", map[string]any{
		"work_proof_hash": "0xproof",
	}, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected code forbidden, got %q", envelope.Error.Code)
	}
}

func TestTransitionConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createTestSession(t, srv)

	// Approving before any submission is an invalid transition.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-http/milestones/m1/approve", nil, authHeader(t, "0xClient"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected code invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestDeviceKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/device-keys", map[string]any{
		"address": "0xWorker",
		"name":    "laptop",
	}, authHeader(t, "0xWorker"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create device key status %d: %s", res.StatusCode, string(data))
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal device key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	listRes, listData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Device-Key": created.Key,
	})
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("device key auth failed: %d %s", listRes.StatusCode, string(listData))
	}

	badRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Device-Key": "not-a-key",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown device key, got %d", badRes.StatusCode)
	}
}
