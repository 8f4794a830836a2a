package zk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"
)

// 零知识证明相关错误码。
const (
	// CodeProofGeneration 表示证明生成过程中的瞬时故障，可重试。
	CodeProofGeneration = "PROOF_GENERATION_FAILED"
	// CodeProofInputMalformed 表示电路输入不合法，属于终态失败。
	CodeProofInputMalformed = "PROOF_INPUT_MALFORMED"
)

func init() {
	xerrors.Register(CodeProofGeneration, xerrors.Attributes{
		Message:   "生成零知识证明失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeProofInputMalformed, xerrors.Attributes{
		Message:  "证明电路输入不合法",
		Severity: xerrors.SeverityCritical,
	})
}

// Proof 是一次证明生成的产物，缓存条目为不可变快照。
type Proof struct {
	// Ref 是 0x 前缀的十六进制证明数据，可直接随交易提交。
	Ref         string               `json:"ref"`
	Fingerprint protocol.Fingerprint `json:"fingerprint"`
}

// Prover 抽象外部证明服务。
type Prover interface {
	Prove(ctx context.Context, req protocol.NormalizedRequest, fp protocol.Fingerprint) (*Proof, error)
	Verify(proof string) bool
}

// LocalProver 是本地的模拟证明器，用 SHA-256 哈希代替真实电路。
//
// 生产环境应替换为真实的 ZK-SNARK 电路实现（Circom、Arkworks 等），
// 这里仅保证确定性与接口契约。
type LocalProver struct {
	circuitPath string
}

// NewLocalProver 创建一个本地证明器，circuitPath 标识电路版本。
func NewLocalProver(circuitPath string) *LocalProver {
	if strings.TrimSpace(circuitPath) == "" {
		circuitPath = "circuits/spend.wasm"
	}
	return &LocalProver{circuitPath: circuitPath}
}

// Prove 对规范化请求生成确定性的屏蔽证明。
func (p *LocalProver) Prove(ctx context.Context, req protocol.NormalizedRequest, fp protocol.Fingerprint) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "证明生成被取消")
	}
	if !req.Shielded {
		return nil, xerrors.New(CodeProofInputMalformed, "非屏蔽交易不需要证明")
	}
	if !req.Amount.IsPositive() {
		return nil, xerrors.New(CodeProofInputMalformed, "证明输入金额必须为正",
			xerrors.WithMetadata("amount", req.AmountText))
	}

	input := fmt.Sprintf("%s-%s-%s-%s", fp, req.AmountText, req.Asset, p.circuitPath)
	digest := sha256.Sum256([]byte(input))
	return &Proof{
		Ref:         "0x" + hex.EncodeToString(digest[:]),
		Fingerprint: fp,
	}, nil
}

// Verify 对证明做离线校验。模拟实现仅检查格式。
func (p *LocalProver) Verify(proof string) bool {
	return strings.HasPrefix(proof, "0x") && len(proof) > 10
}
