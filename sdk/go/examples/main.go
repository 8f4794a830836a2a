package main

import (
	"context"
	"fmt"
	"time"

	"EasyCash-Core/internal/config"
	"EasyCash-Core/internal/protocol"

	"EasyCash-Core/sdk/go/ecash"
)

func main() {
	cfg := config.Default()
	cfg.Environment = config.EnvDevnet
	cfg.Agent.Mode = "static"
	cfg.ZK.Enabled = true

	client, err := ecash.New(cfg)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.ExecuteTransaction(ctx, protocol.TransactionRequest{
		ReferenceID: "example-transfer",
		IntentType:  protocol.IntentTransfer,
		Amount:      "25.50",
		Asset:       "USDC",
		Recipient:   "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		SourceChain: protocol.ChainEthereum,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed via %s: tx=%s fee=%s\n", resp.AgentID, resp.TxHash, resp.FeeUsed)

	shielded, err := client.ExecuteTransaction(ctx, protocol.TransactionRequest{
		ReferenceID: "example-shielded",
		IntentType:  protocol.IntentTransfer,
		Amount:      "100",
		Asset:       "USDC",
		Recipient:   "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		SourceChain: protocol.ChainEthereum,
		IsShielded:  true,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("shielded transfer proved: proof=%s tx=%s\n", shielded.ProofRef, shielded.TxHash)

	snap := client.GetMetrics()
	fmt.Printf("success_rate=%.2f average_latency_ms=%.1f\n", snap.SuccessRate, snap.AverageLatencyMS)
}
