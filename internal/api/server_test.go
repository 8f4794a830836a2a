package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"EasyCash-Core/internal/crypto"
	"EasyCash-Core/internal/orchestrator"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/internal/routing"
	"EasyCash-Core/internal/settlement"
)

func newTestServer(t *testing.T, apiKeys []string) (*Server, *settlement.MemoryLedger) {
	t.Helper()
	transport := routing.NewStaticTransport(
		routing.StaticAgent{ID: "agent-1", Cost: "1.5", Latency: time.Millisecond, SecurityScore: 0.9},
	)
	signer, err := crypto.NewEphemeralSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	ledger := settlement.NewMemoryLedger(32)
	orch, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Resolver:  routing.NewNegotiator(transport),
		Transport: transport,
		Signer:    signer,
		Ledger:    ledger,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return NewServer(":0", orch, ledger, apiKeys), ledger
}

func postTransaction(t *testing.T, server *Server, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(encoded))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func validRequest(ref string) protocol.TransactionRequest {
	return protocol.TransactionRequest{
		ReferenceID: ref,
		IntentType:  protocol.IntentTransfer,
		Amount:      "42",
		Asset:       "USDC",
		Recipient:   "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		SourceChain: protocol.ChainEthereum,
	}
}

func TestHandleExecuteSuccess(t *testing.T) {
	server, ledger := newTestServer(t, nil)

	rec := postTransaction(t, server, validRequest("api-ok"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body %s", rec.Code, rec.Body.String())
	}

	var resp protocol.TransactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TxHash == "" || resp.Status != protocol.StatusConfirmed {
		t.Fatalf("unexpected response: %+v", resp)
	}

	records, err := ledger.ListLatest(context.Background(), 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("ledger record missing after execution")
	}
}

func TestHandleExecuteValidationError(t *testing.T) {
	server, _ := newTestServer(t, nil)

	bad := validRequest("api-bad")
	bad.Amount = "-1"
	rec := postTransaction(t, server, bad, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "VALIDATION_FAILED" {
		t.Fatalf("unexpected error code: %+v", body)
	}
}

func TestHandleExecuteMalformedJSON(t *testing.T) {
	server, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestAPIKeyEnforcement(t *testing.T) {
	server, _ := newTestServer(t, []string{"sk-live-1"})

	rec := postTransaction(t, server, validRequest("api-auth"), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("request without key should be rejected, got %d", rec.Code)
	}

	rec = postTransaction(t, server, validRequest("api-auth"), map[string]string{apiKeyHeader: "sk-live-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("request with valid key should pass, got %d: %s", rec.Code, rec.Body.String())
	}

	// 健康检查不要求认证。
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	health := httptest.NewRecorder()
	server.Handler().ServeHTTP(health, req)
	if health.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", health.Code)
	}
}

func TestHandleMetricsSnapshot(t *testing.T) {
	server, _ := newTestServer(t, nil)
	if rec := postTransaction(t, server, validRequest("api-metrics"), nil); rec.Code != http.StatusOK {
		t.Fatalf("seed transaction failed: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint: %d", rec.Code)
	}

	var snap struct {
		TotalTransactions uint64  `json:"total_transactions"`
		SuccessRate       float64 `json:"success_rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TotalTransactions != 1 || snap.SuccessRate != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHandleListExecutions(t *testing.T) {
	server, _ := newTestServer(t, nil)
	for _, ref := range []string{"ls-a", "ls-b"} {
		if rec := postTransaction(t, server, validRequest(ref), nil); rec.Code != http.StatusOK {
			t.Fatalf("seed %s failed: %d", ref, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?limit=1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list executions: %d", rec.Code)
	}

	var records []settlement.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) != 1 || records[0].ReferenceID != "ls-b" {
		t.Fatalf("expected newest record only, got %+v", records)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	server, _ := newTestServer(t, []string{"sk-live-1"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("prometheus endpoint: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type: %s", ct)
	}
}
