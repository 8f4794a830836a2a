package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"EasyCash-Core/internal/crypto"
	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/observability/alerting"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/internal/routing"
	"EasyCash-Core/internal/settlement"
)

const recipientEVM = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

func validTransfer(ref string) protocol.TransactionRequest {
	return protocol.TransactionRequest{
		ReferenceID: ref,
		IntentType:  protocol.IntentTransfer,
		Amount:      "100.50",
		Asset:       "USDC",
		Recipient:   recipientEVM,
		SourceChain: protocol.ChainEthereum,
	}
}

// countingResolver 统计协商次数，可配置前若干次失败。
type countingResolver struct {
	calls    int32
	failures int32
	failWith error
	delay    time.Duration
}

func (r *countingResolver) Negotiate(ctx context.Context, req protocol.NormalizedRequest) (*protocol.Route, error) {
	n := atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= atomic.LoadInt32(&r.failures) {
		return nil, r.failWith
	}
	cost := decimal.NewFromInt(2)
	return &protocol.Route{
		Quote: protocol.Quote{
			AgentID:       "agent-1",
			Cost:          cost,
			Latency:       5 * time.Millisecond,
			SecurityScore: 0.9,
			ExpiresAt:     time.Now().Add(time.Minute),
		},
		Fee:        cost,
		ResolvedAt: time.Now(),
	}, nil
}

func newTestOrchestrator(t *testing.T, cfg Config, deps Deps) (*Orchestrator, *settlement.MemorySink, *settlement.MemoryLedger) {
	t.Helper()
	if deps.Transport == nil {
		deps.Transport = routing.NewStaticTransport(
			routing.StaticAgent{ID: "agent-1", Cost: "2", Latency: 5 * time.Millisecond, SecurityScore: 0.9},
		)
	}
	if deps.Resolver == nil {
		deps.Resolver = &countingResolver{}
	}
	if deps.Signer == nil {
		signer, err := crypto.NewEphemeralSigner()
		if err != nil {
			t.Fatalf("signer: %v", err)
		}
		deps.Signer = signer
	}
	sink := settlement.NewMemorySink()
	ledger := settlement.NewMemoryLedger(64)
	deps.Events = sink
	deps.Ledger = ledger

	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, sink, ledger
}

func TestExecuteEndToEnd(t *testing.T) {
	o, sink, ledger := newTestOrchestrator(t, Config{}, Deps{})

	resp, err := o.Execute(context.Background(), validTransfer("ref-e2e"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.TxHash == "" || resp.Status != protocol.StatusConfirmed || resp.AgentID != "agent-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FeeUsed != "2" {
		t.Fatalf("fee should come from the selected route, got %s", resp.FeeUsed)
	}

	snap := o.Metrics()
	if snap.SuccessfulTransactions != 1 || snap.FailedTransactions != 0 {
		t.Fatalf("metrics not recorded: %+v", snap)
	}

	records, err := ledger.ListLatest(context.Background(), 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("ledger record missing: %v, %d", err, len(records))
	}
	if records[0].Outcome != settlement.RecordSucceeded || records[0].TxHash != resp.TxHash {
		t.Fatalf("unexpected ledger record: %+v", records[0])
	}

	events := sink.Events()
	if len(events) != 1 || events[0].Outcome != settlement.RecordSucceeded {
		t.Fatalf("settlement event missing: %+v", events)
	}
}

func TestExecuteValidationFailureIsTerminal(t *testing.T) {
	resolver := &countingResolver{}
	o, _, _ := newTestOrchestrator(t, Config{}, Deps{Resolver: resolver})

	req := validTransfer("ref-bad")
	req.Recipient = ""
	_, err := o.Execute(context.Background(), req)
	if err == nil {
		t.Fatalf("transfer without recipient must fail")
	}
	if atomic.LoadInt32(&resolver.calls) != 0 {
		t.Fatalf("validation failure must not reach negotiation")
	}

	snap := o.Metrics()
	if snap.FailedTransactions != 1 {
		t.Fatalf("failure must be recorded in metrics: %+v", snap)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	resolver := &countingResolver{
		failures: 100,
		failWith: xerrors.New(routing.CodeNoQuotesAvailable, "协商窗口内未收到任何报价"),
	}
	o, _, _ := newTestOrchestrator(t, Config{MaxRetries: 3, RetryBackoff: 10 * time.Millisecond}, Deps{Resolver: resolver})

	var backoffs []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}

	_, err := o.Execute(context.Background(), validTransfer("ref-retry"))
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("expected RETRIES_EXHAUSTED, got %v", err)
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(backoffs) != 2 || backoffs[0] != 10*time.Millisecond || backoffs[1] != 20*time.Millisecond {
		t.Fatalf("backoff must double per retry, got %v", backoffs)
	}
}

func TestExecuteTerminalFailureSkipsRetry(t *testing.T) {
	transport := routing.NewStaticTransport(
		routing.StaticAgent{ID: "agent-1", Cost: "2", Latency: time.Millisecond, SecurityScore: 0.9, RejectSubmit: true},
	)
	o, sink, _ := newTestOrchestrator(t, Config{MaxRetries: 5}, Deps{Transport: transport})

	_, err := o.Execute(context.Background(), validTransfer("ref-reject"))
	if xerrors.CodeOf(err) != routing.CodeSubmitRejected {
		t.Fatalf("terminal rejection must surface directly, got %v", err)
	}

	events := sink.Events()
	if len(events) != 1 || events[0].ErrorCode != routing.CodeSubmitRejected {
		t.Fatalf("failure event missing: %+v", events)
	}
}

func TestExecuteShieldedRequiresZK(t *testing.T) {
	req := validTransfer("ref-shielded")
	req.IsShielded = true

	disabled, _, _ := newTestOrchestrator(t, Config{}, Deps{})
	if _, err := disabled.Execute(context.Background(), req); xerrors.CodeOf(err) != xerrors.CodeInvalidRequest {
		t.Fatalf("shielded transfer without zk must be rejected, got %v", err)
	}

	enabled, _, _ := newTestOrchestrator(t, Config{EnableZKProofs: true}, Deps{})
	resp, err := enabled.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("shielded execute: %v", err)
	}
	if len(resp.ProofRef) != 66 || resp.ProofRef[:2] != "0x" {
		t.Fatalf("shielded response must carry a proof reference, got %q", resp.ProofRef)
	}
}

func TestExecuteSharedFingerprintNegotiatesOnce(t *testing.T) {
	resolver := &countingResolver{delay: 30 * time.Millisecond}
	o, _, _ := newTestOrchestrator(t, Config{RouteCacheTTL: time.Minute}, Deps{Resolver: resolver})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			// reference_id 不同但指纹相同，应共享一次协商。
			req := validTransfer("ref-" + string(rune('a'+idx)))
			_, errs[idx] = o.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 1 {
		t.Fatalf("identical fingerprints must negotiate once, got %d", got)
	}
}

func TestExecuteHonoursCancellation(t *testing.T) {
	resolver := &countingResolver{delay: time.Second}
	o, _, _ := newTestOrchestrator(t, Config{}, Deps{Resolver: resolver})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := o.Execute(ctx, validTransfer("ref-cancel"))
	if err == nil {
		t.Fatalf("cancelled pipeline must surface an error")
	}
}

func TestExecuteRecoversAfterTransientFailure(t *testing.T) {
	resolver := &countingResolver{
		failures: 2,
		failWith: xerrors.New(routing.CodeNoQuotesAvailable, "协商窗口内未收到任何报价"),
	}
	o, _, _ := newTestOrchestrator(t, Config{MaxRetries: 3, RetryBackoff: time.Millisecond}, Deps{Resolver: resolver})

	resp, err := o.Execute(context.Background(), validTransfer("ref-flaky"))
	if err != nil {
		t.Fatalf("execute should succeed on third attempt: %v", err)
	}
	if resp.TxHash == "" {
		t.Fatalf("missing tx hash")
	}
	if got := atomic.LoadInt32(&resolver.calls); got != 3 {
		t.Fatalf("expected 3 negotiation attempts, got %d", got)
	}
}

func TestMetricsSuccessRate(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{}, Deps{})

	for i := 0; i < 3; i++ {
		if _, err := o.Execute(context.Background(), validTransfer("ok-"+string(rune('a'+i)))); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	bad := validTransfer("bad")
	bad.Amount = "-5"
	if _, err := o.Execute(context.Background(), bad); err == nil {
		t.Fatalf("negative amount must fail")
	}

	snap := o.Metrics()
	if snap.TotalTransactions != 4 || snap.SuccessRate != 0.75 {
		t.Fatalf("expected success_rate 0.75, got %+v", snap)
	}
}

// capturingAlerts 记录编排器派发的告警事件。
type capturingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *capturingAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturingAlerts) all() []alerting.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alerting.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestAlertReportsFirstAttemptFailure(t *testing.T) {
	alerts := &capturingAlerts{}
	resolver := &countingResolver{
		failures: 1,
		failWith: xerrors.New(xerrors.CodeInitializationFailure, "协商器未就绪"),
	}
	o, _, _ := newTestOrchestrator(t,
		Config{MaxRetries: 3, RetryBackoff: time.Millisecond},
		Deps{Resolver: resolver, Alerts: alerts},
	)

	if _, err := o.Execute(context.Background(), validTransfer("ref-alert-terminal")); err == nil {
		t.Fatal("terminal resolver failure must fail the transaction")
	}
	events := alerts.all()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Attempts != 1 || events[0].MaxRetries != 3 {
		t.Fatalf("first-attempt failure must report attempts=1 of 3, got attempts=%d max=%d",
			events[0].Attempts, events[0].MaxRetries)
	}
}

func TestAlertReportsExhaustedAttempts(t *testing.T) {
	alerts := &capturingAlerts{}
	resolver := &countingResolver{
		failures: 99,
		failWith: xerrors.New(xerrors.CodeTimeout, "协商超时"),
	}
	o, _, _ := newTestOrchestrator(t,
		Config{MaxRetries: 3, RetryBackoff: time.Millisecond},
		Deps{Resolver: resolver, Alerts: alerts},
	)
	o.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := o.Execute(context.Background(), validTransfer("ref-alert-exhausted")); err == nil {
		t.Fatal("exhausted retries must fail the transaction")
	}
	events := alerts.all()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Attempts != 3 || events[0].MaxRetries != 3 {
		t.Fatalf("exhausted retries must report attempts=3 of 3, got attempts=%d max=%d",
			events[0].Attempts, events[0].MaxRetries)
	}
}
