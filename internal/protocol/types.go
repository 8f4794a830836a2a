package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChainID 表示受支持的区块链网络。
type ChainID string

const (
	ChainEthereum ChainID = "ethereum"
	ChainBase     ChainID = "base"
	ChainSolana   ChainID = "solana"
)

// ParseChainID 将字符串解析为链标识。
func ParseChainID(raw string) (ChainID, error) {
	switch ChainID(strings.ToLower(strings.TrimSpace(raw))) {
	case ChainEthereum:
		return ChainEthereum, nil
	case ChainBase:
		return ChainBase, nil
	case ChainSolana:
		return ChainSolana, nil
	default:
		return "", fmt.Errorf("未知的链标识: %s", raw)
	}
}

// Valid 判断链标识是否为受支持的枚举值。
func (c ChainID) Valid() bool {
	switch c {
	case ChainEthereum, ChainBase, ChainSolana:
		return true
	default:
		return false
	}
}

// IsEVM 返回该链是否使用 EVM 地址格式。
func (c ChainID) IsEVM() bool {
	switch c {
	case ChainEthereum, ChainBase:
		return true
	default:
		return false
	}
}

func (c ChainID) String() string { return string(c) }

// IntentType 表示交易意图的分类。
type IntentType string

const (
	IntentTransfer IntentType = "transfer"
	IntentSwap     IntentType = "swap"
	IntentPayout   IntentType = "payout"
	IntentShield   IntentType = "shield"
)

// ParseIntentType 将字符串解析为意图类型。
func ParseIntentType(raw string) (IntentType, error) {
	switch IntentType(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentTransfer:
		return IntentTransfer, nil
	case IntentSwap:
		return IntentSwap, nil
	case IntentPayout:
		return IntentPayout, nil
	case IntentShield:
		return IntentShield, nil
	default:
		return "", fmt.Errorf("未知的意图类型: %s", raw)
	}
}

// Valid 判断意图类型是否为受支持的枚举值。
func (t IntentType) Valid() bool {
	switch t {
	case IntentTransfer, IntentSwap, IntentPayout, IntentShield:
		return true
	default:
		return false
	}
}

// RequiresRecipient 返回该意图是否必须携带收款地址。
func (t IntentType) RequiresRecipient() bool {
	switch t {
	case IntentTransfer, IntentPayout:
		return true
	default:
		return false
	}
}

func (t IntentType) String() string { return string(t) }

// TransactionRequest 是调用方提交的原始交易意图，构造后不再修改。
type TransactionRequest struct {
	ReferenceID string     `json:"reference_id"`
	IntentType  IntentType `json:"type"`
	Amount      string     `json:"amount"`
	Asset       string     `json:"asset"`
	Recipient   string     `json:"recipient,omitempty"`
	SourceChain ChainID    `json:"source_chain"`
	TargetChain ChainID    `json:"target_chain,omitempty"`
	IsShielded  bool       `json:"is_shielded"`
}

// NormalizedRequest 是通过校验后的规范化请求，金额已解析为十进制定点数。
type NormalizedRequest struct {
	ReferenceID string
	Intent      IntentType
	Amount      decimal.Decimal
	AmountText  string
	Asset       string
	Recipient   string
	SourceChain ChainID
	TargetChain ChainID
	Shielded    bool
}

// CrossChain 返回该请求是否跨链。
func (n *NormalizedRequest) CrossChain() bool {
	return n.TargetChain != "" && n.TargetChain != n.SourceChain
}

// DestinationChain 返回资金最终落地的链。
func (n *NormalizedRequest) DestinationChain() ChainID {
	if n.TargetChain != "" {
		return n.TargetChain
	}
	return n.SourceChain
}

// Quote 是单个执行代理针对一次协商给出的报价。
type Quote struct {
	AgentID       string          `json:"agent_id"`
	Cost          decimal.Decimal `json:"cost"`
	Latency       time.Duration   `json:"latency"`
	SecurityScore float64         `json:"security_score"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Hops          []string        `json:"hops,omitempty"`
}

// Expired 判断报价在给定时刻是否已失效。
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.After(now)
}

// Route 是协商选定的执行路径，缓存条目为不可变快照。
type Route struct {
	Quote      Quote           `json:"quote"`
	Fee        decimal.Decimal `json:"fee"`
	Hops       []string        `json:"hops,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// StageTimings 记录各阶段耗时，单位毫秒。
type StageTimings struct {
	ValidateMS int64 `json:"validate_ms"`
	RouteMS    int64 `json:"route_ms"`
	ProofMS    int64 `json:"proof_ms,omitempty"`
	ExecuteMS  int64 `json:"execute_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// TransactionResponse 是一次成功执行的最终结果。
type TransactionResponse struct {
	TxHash      string       `json:"tx_hash"`
	Status      string       `json:"status"`
	BlockHeight uint64       `json:"block_height,omitempty"`
	AgentID     string       `json:"agent_id"`
	FeeUsed     string       `json:"fee_used"`
	Hops        []string     `json:"hops,omitempty"`
	ProofRef    string       `json:"proof_ref,omitempty"`
	Timings     StageTimings `json:"timings"`
}

// StatusConfirmed 是链上确认后的终态。
const StatusConfirmed = "confirmed"
