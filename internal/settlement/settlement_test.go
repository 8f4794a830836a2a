package settlement

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"EasyCash-Core/deploy/migrations"
	"EasyCash-Core/internal/protocol"
)

func sampleRequest() protocol.NormalizedRequest {
	amount, _ := decimal.NewFromString("25")
	return protocol.NormalizedRequest{
		ReferenceID: "ref-42",
		Intent:      protocol.IntentTransfer,
		Amount:      amount,
		AmountText:  "25",
		Asset:       "USDC",
		Recipient:   "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		SourceChain: protocol.ChainEthereum,
	}
}

func TestMemoryLedgerOrdering(t *testing.T) {
	ledger := NewMemoryLedger(10)
	ctx := context.Background()

	for _, ref := range []string{"a", "b", "c"} {
		if err := ledger.Append(ctx, Record{ReferenceID: ref, Outcome: RecordSucceeded}); err != nil {
			t.Fatalf("append %s: %v", ref, err)
		}
	}

	records, err := ledger.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ReferenceID != "c" || records[1].ReferenceID != "b" {
		t.Fatalf("expected newest first, got %+v", records)
	}
}

func TestMemoryLedgerCapacity(t *testing.T) {
	ledger := NewMemoryLedger(2)
	ctx := context.Background()
	for _, ref := range []string{"a", "b", "c"} {
		if err := ledger.Append(ctx, Record{ReferenceID: ref}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	records, err := ledger.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ReferenceID != "c" {
		t.Fatalf("oldest record should be evicted, got %+v", records)
	}
}

func TestRecordOfSuccess(t *testing.T) {
	req := sampleRequest()
	fp := protocol.FingerprintOf(&req)
	resp := &protocol.TransactionResponse{
		TxHash:  "0xabc",
		AgentID: "agent-1",
		FeeUsed: "0.3",
	}

	record := RecordOf(req, fp, resp, "", 120*time.Millisecond)
	if record.Outcome != RecordSucceeded || record.TxHash != "0xabc" || record.Fee != "0.3" {
		t.Fatalf("unexpected success record: %+v", record)
	}
	if record.ErrorCode != "" {
		t.Fatalf("success record must not carry an error code")
	}
	if record.Fingerprint != string(fp) || record.LatencyMS != 120 {
		t.Fatalf("record must carry fingerprint and latency: %+v", record)
	}
}

func TestRecordOfFailure(t *testing.T) {
	req := sampleRequest()
	record := RecordOf(req, protocol.FingerprintOf(&req), nil, "RETRIES_EXHAUSTED", time.Second)
	if record.Outcome != RecordFailed || record.ErrorCode != "RETRIES_EXHAUSTED" {
		t.Fatalf("unexpected failure record: %+v", record)
	}
	if record.TxHash != "" {
		t.Fatalf("failure record must not carry a tx hash")
	}
}

func TestMemorySinkPublish(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	event := Event{ReferenceID: "ref-42", Outcome: RecordSucceeded, Asset: "USDC", Amount: "25"}
	if err := sink.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events := sink.Events()
	if len(events) != 1 || events[0].ReferenceID != "ref-42" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRabbitMQSinkRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQSink(RabbitMQConfig{}); err == nil {
		t.Fatalf("missing URL must be rejected")
	}
}

func TestEmbeddedMigrationsCoverExecutionsTable(t *testing.T) {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("schema init depends on embedded migrations, none found")
	}

	var combined strings.Builder
	for _, name := range names {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		combined.Write(content)
	}
	schema := combined.String()
	if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS executions") {
		t.Fatalf("migrations must create the executions table, got:\n%s", schema)
	}
	for _, column := range []string{"reference_id", "fingerprint", "tx_hash", "outcome", "latency_ms"} {
		if !strings.Contains(schema, column) {
			t.Fatalf("executions schema is missing column %s", column)
		}
	}
}
