package monitoring

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"EasyCash-Core/internal/protocol"
)

func TestSnapshotSuccessRate(t *testing.T) {
	agg := NewAggregator()
	fee := decimal.NewFromInt(1)
	for i := 0; i < 7; i++ {
		agg.RecordSuccess("USDC", protocol.ChainEthereum, fee, 100*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		agg.RecordFailure("SUBMIT_REJECTED", 50*time.Millisecond)
	}

	snap := agg.Snapshot()
	if snap.TotalTransactions != 10 || snap.SuccessfulTransactions != 7 || snap.FailedTransactions != 3 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if math.Abs(snap.SuccessRate-0.7) > 1e-9 {
		t.Fatalf("success_rate should be successes over total, got %f", snap.SuccessRate)
	}
	if snap.FailuresByCode["SUBMIT_REJECTED"] != 3 {
		t.Fatalf("failure code counts missing: %+v", snap.FailuresByCode)
	}
}

func TestSnapshotAverageLatency(t *testing.T) {
	agg := NewAggregator()
	fee := decimal.NewFromInt(1)
	agg.RecordSuccess("USDC", protocol.ChainEthereum, fee, 100*time.Millisecond)
	agg.RecordSuccess("USDC", protocol.ChainEthereum, fee, 300*time.Millisecond)

	snap := agg.Snapshot()
	if math.Abs(snap.AverageLatencyMS-200) > 1e-6 {
		t.Fatalf("expected 200ms average latency, got %f", snap.AverageLatencyMS)
	}
}

func TestSnapshotFeeAggregates(t *testing.T) {
	agg := NewAggregator()
	half := decimal.RequireFromString("0.5")
	agg.RecordSuccess("USDC", protocol.ChainEthereum, half, time.Millisecond)
	agg.RecordSuccess("USDC", protocol.ChainEthereum, half, time.Millisecond)
	agg.RecordSuccess("USDC", protocol.ChainBase, decimal.NewFromInt(2), time.Millisecond)
	agg.RecordSuccess("DAI", protocol.ChainEthereum, decimal.NewFromInt(3), time.Millisecond)

	snap := agg.Snapshot()
	if len(snap.FeeTotals) != 3 {
		t.Fatalf("expected 3 fee groups, got %+v", snap.FeeTotals)
	}
	// 排序后 DAI 在前，USDC 按链名排序。
	if snap.FeeTotals[0].Asset != "DAI" || snap.FeeTotals[0].Total != "3" {
		t.Fatalf("unexpected first group: %+v", snap.FeeTotals[0])
	}
	for _, group := range snap.FeeTotals {
		if group.Asset == "USDC" && group.Chain == protocol.ChainEthereum && group.Total != "1" {
			t.Fatalf("USDC/ethereum total should accumulate to 1, got %s", group.Total)
		}
	}
}

func TestSnapshotEmpty(t *testing.T) {
	snap := NewAggregator().Snapshot()
	if snap.SuccessRate != 0 || snap.AverageLatencyMS != 0 || snap.TotalTransactions != 0 {
		t.Fatalf("empty aggregator must report zeros: %+v", snap)
	}
}

func TestAggregatorConcurrentWriters(t *testing.T) {
	agg := NewAggregator()
	fee := decimal.NewFromInt(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					agg.RecordSuccess("USDC", protocol.ChainEthereum, fee, time.Millisecond)
				} else {
					agg.RecordFailure("TIMEOUT", time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	snap := agg.Snapshot()
	if snap.TotalTransactions != 800 || snap.SuccessfulTransactions != 400 || snap.FailedTransactions != 400 {
		t.Fatalf("lost updates under concurrency: %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	agg := NewAggregator()
	agg.RecordSuccess("USDC", protocol.ChainEthereum, decimal.RequireFromString("0.25"), 80*time.Millisecond)
	agg.RecordFailure("NO_QUOTES_AVAILABLE", 10*time.Millisecond)

	srv := httptest.NewServer(Handler(agg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	text := string(body)
	for _, want := range []string{
		`ecash_transactions_total{outcome="succeeded"} 1`,
		`ecash_transactions_total{outcome="failed"} 1`,
		`ecash_transaction_failures_total{code="NO_QUOTES_AVAILABLE"} 1`,
		`ecash_fees_paid_total{asset="USDC",chain="ethereum"} 0.25`,
		`ecash_transaction_duration_seconds_count 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %q in:\n%s", want, text)
		}
	}
}

func TestDisabledAggregatorRecordsNothing(t *testing.T) {
	agg := Disabled()
	agg.RecordSuccess("USDC", protocol.ChainEthereum, decimal.NewFromInt(1), 50*time.Millisecond)
	agg.RecordFailure("TIMEOUT", 50*time.Millisecond)

	snap := agg.Snapshot()
	if snap.TotalTransactions != 0 || snap.SuccessRate != 0 || len(snap.FeeTotals) != 0 {
		t.Fatalf("disabled aggregator must stay empty: %+v", snap)
	}
}
