package routing

import (
	"context"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"
)

// 路由传输层错误码。
const (
	// CodeAgentUnreachable 表示代理网络暂时不可达，可重试。
	CodeAgentUnreachable = "AGENT_UNREACHABLE"
	// CodeSubmitRejected 表示代理明确拒绝了交易，属于终态失败。
	CodeSubmitRejected = "SUBMIT_REJECTED"
)

func init() {
	xerrors.Register(CodeAgentUnreachable, xerrors.Attributes{
		Message:   "代理网络不可达",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeSubmitRejected, xerrors.Attributes{
		Message:  "交易被代理拒绝",
		Severity: xerrors.SeverityCritical,
	})
}

// QuoteCriteria 描述向代理网络广播报价请求时的筛选条件。
type QuoteCriteria struct {
	Asset       string              `json:"asset"`
	Intent      protocol.IntentType `json:"intent"`
	SourceChain protocol.ChainID    `json:"source_chain"`
	TargetChain protocol.ChainID    `json:"target_chain"`
	Shielded    bool                `json:"shielded"`
	AmountText  string              `json:"amount"`
}

// CriteriaOf 根据规范化请求构造报价筛选条件。
func CriteriaOf(req protocol.NormalizedRequest) QuoteCriteria {
	return QuoteCriteria{
		Asset:       req.Asset,
		Intent:      req.Intent,
		SourceChain: req.SourceChain,
		TargetChain: req.DestinationChain(),
		Shielded:    req.Shielded,
		AmountText:  req.AmountText,
	}
}

// Submission 携带提交给选定代理的全部执行材料。
type Submission struct {
	Request   protocol.NormalizedRequest
	Route     protocol.Route
	ProofRef  string
	Signature string
}

// Receipt 是代理网络对一次成功提交的回执。
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight uint64 `json:"block_height"`
	AgentID     string `json:"agent_id"`
}

// Transport 抽象了与外部代理网络的交互。
//
// Quotes 广播报价请求并返回一个报价流，流在所有代理响应完毕后关闭；
// Submit 将签名后的交易交给选定代理执行。
type Transport interface {
	Quotes(ctx context.Context, criteria QuoteCriteria) (<-chan protocol.Quote, error)
	Submit(ctx context.Context, sub Submission) (*Receipt, error)
	Close() error
}
