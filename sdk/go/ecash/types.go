package ecash

import (
	"EasyCash-Core/internal/monitoring"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/internal/settlement"
)

// Aliases let importers of this package name the request and response types
// without reaching into internal packages.
type (
	TransactionRequest  = protocol.TransactionRequest
	TransactionResponse = protocol.TransactionResponse
	Fingerprint         = protocol.Fingerprint
	ChainID             = protocol.ChainID
	IntentType          = protocol.IntentType
	MetricsSnapshot     = monitoring.Snapshot
	ExecutionRecord     = settlement.Record
	SettlementEvent     = settlement.Event
)

// Supported chains.
const (
	ChainEthereum = protocol.ChainEthereum
	ChainBase     = protocol.ChainBase
	ChainSolana   = protocol.ChainSolana
)

// Supported intents.
const (
	IntentTransfer = protocol.IntentTransfer
	IntentSwap     = protocol.IntentSwap
	IntentPayout   = protocol.IntentPayout
	IntentShield   = protocol.IntentShield
)
