package validator

import (
	"fmt"
	"regexp"
	"strings"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CodeValidation 表示请求未通过静态校验，属于终态错误，调用方需修正输入。
const CodeValidation xerrors.Code = "VALIDATION_FAILED"

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "transaction request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// AssetSpec 描述单个资产的精度与金额边界。
// 精度上限直接影响资金正确性，超出小数位的金额一律拒绝而非舍入。
type AssetSpec struct {
	Symbol    string
	Decimals  int32
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// Chains 列出该资产支持的链；跨链对要求源链与目标链都在其中。
	Chains []protocol.ChainID
}

// supportedAssets 是内置的资产登记表。
var supportedAssets = map[string]AssetSpec{
	"USDC": {
		Symbol:    "USDC",
		Decimals:  6,
		MinAmount: decimal.New(1, -6),
		MaxAmount: decimal.New(1, 12),
		Chains:    []protocol.ChainID{protocol.ChainEthereum, protocol.ChainBase, protocol.ChainSolana},
	},
	"USDT": {
		Symbol:    "USDT",
		Decimals:  6,
		MinAmount: decimal.New(1, -6),
		MaxAmount: decimal.New(1, 12),
		Chains:    []protocol.ChainID{protocol.ChainEthereum, protocol.ChainBase},
	},
	"DAI": {
		Symbol:    "DAI",
		Decimals:  18,
		MinAmount: decimal.New(1, -12),
		MaxAmount: decimal.New(1, 12),
		Chains:    []protocol.ChainID{protocol.ChainEthereum, protocol.ChainBase},
	},
	"ETH": {
		Symbol:    "ETH",
		Decimals:  18,
		MinAmount: decimal.New(1, -12),
		MaxAmount: decimal.New(1, 9),
		Chains:    []protocol.ChainID{protocol.ChainEthereum, protocol.ChainBase},
	},
	"SOL": {
		Symbol:    "SOL",
		Decimals:  9,
		MinAmount: decimal.New(1, -9),
		MaxAmount: decimal.New(1, 9),
		Chains:    []protocol.ChainID{protocol.ChainSolana},
	},
}

// AssetSpecOf 返回资产的登记信息。
func AssetSpecOf(symbol string) (AssetSpec, bool) {
	spec, ok := supportedAssets[strings.ToUpper(strings.TrimSpace(symbol))]
	return spec, ok
}

// amountPattern 只放行无符号十进制数字。
var amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// solanaAddressPattern 匹配 base58 编码的 Solana 地址。
var solanaAddressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Validate 对交易请求做结构与语义校验，按固定顺序短路返回第一个失败项。
// 校验是纯函数，不产生任何副作用。
func Validate(req *protocol.TransactionRequest) (*protocol.NormalizedRequest, error) {
	if req == nil {
		return nil, fail("request", "请求不能为空")
	}

	// 1. reference_id 非空。
	if strings.TrimSpace(req.ReferenceID) == "" {
		return nil, fail("reference_id", "幂等标识不能为空")
	}

	// 2. 意图与收款地址的一致性。
	if !req.IntentType.Valid() {
		return nil, fail("type", fmt.Sprintf("未知的意图类型: %s", req.IntentType))
	}
	recipient := strings.TrimSpace(req.Recipient)
	if req.IntentType.RequiresRecipient() && recipient == "" {
		return nil, fail("recipient", fmt.Sprintf("%s 意图必须提供收款地址", req.IntentType))
	}
	if !req.IntentType.RequiresRecipient() && recipient != "" {
		return nil, fail("recipient", fmt.Sprintf("%s 意图不接受收款地址", req.IntentType))
	}

	// 3. 金额为正且满足资产精度与上下界。
	amount, spec, err := parseAmount(req.Amount, req.Asset)
	if err != nil {
		return nil, err
	}

	// 4. 资产在支持集合内（parseAmount 已查表，spec 为空说明资产未登记）。
	if spec == nil {
		return nil, fail("asset", fmt.Sprintf("不支持的资产: %s", req.Asset))
	}

	// 5. 收款地址格式与落地链匹配。
	if !req.SourceChain.Valid() {
		return nil, fail("source_chain", fmt.Sprintf("不支持的链: %s", req.SourceChain))
	}
	destination := req.SourceChain
	if req.TargetChain != "" {
		if !req.TargetChain.Valid() {
			return nil, fail("target_chain", fmt.Sprintf("不支持的链: %s", req.TargetChain))
		}
		destination = req.TargetChain
	}
	if recipient != "" {
		if err := validateAddress(recipient, destination); err != nil {
			return nil, err
		}
	}

	// 6. 显式同链转账视为空操作，拒绝。
	if req.TargetChain != "" && req.TargetChain == req.SourceChain {
		return nil, fail("target_chain", "目标链与源链相同，无跨链意义")
	}

	// 7. 跨链对必须在该资产的支持集合内。
	if !chainSupported(spec, req.SourceChain) {
		return nil, fail("source_chain", fmt.Sprintf("资产 %s 不支持链 %s", spec.Symbol, req.SourceChain))
	}
	if req.TargetChain != "" && !chainSupported(spec, req.TargetChain) {
		return nil, fail("target_chain", fmt.Sprintf("资产 %s 不支持跨链到 %s", spec.Symbol, req.TargetChain))
	}

	return &protocol.NormalizedRequest{
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Intent:      req.IntentType,
		Amount:      amount,
		AmountText:  canonicalAmount(amount),
		Asset:       spec.Symbol,
		Recipient:   recipient,
		SourceChain: req.SourceChain,
		TargetChain: req.TargetChain,
		Shielded:    req.IsShielded,
	}, nil
}

// parseAmount 解析金额并执行精度与边界检查。
func parseAmount(raw, asset string) (decimal.Decimal, *AssetSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil, fail("amount", "金额不能为空")
	}
	if !amountPattern.MatchString(trimmed) {
		return decimal.Zero, nil, fail("amount", fmt.Sprintf("金额格式非法: %s", trimmed))
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, nil, fail("amount", fmt.Sprintf("金额解析失败: %v", err))
	}
	if !amount.IsPositive() {
		return decimal.Zero, nil, fail("amount", "金额必须为正数")
	}

	spec, ok := AssetSpecOf(asset)
	if !ok {
		return decimal.Zero, nil, nil
	}
	if !amount.Truncate(spec.Decimals).Equal(amount) {
		return decimal.Zero, nil, fail("amount",
			fmt.Sprintf("金额精度超出资产 %s 允许的 %d 位小数", spec.Symbol, spec.Decimals))
	}
	if amount.LessThan(spec.MinAmount) {
		return decimal.Zero, nil, fail("amount",
			fmt.Sprintf("金额低于资产 %s 的最小值 %s", spec.Symbol, spec.MinAmount))
	}
	if amount.GreaterThan(spec.MaxAmount) {
		return decimal.Zero, nil, fail("amount",
			fmt.Sprintf("金额超出资产 %s 的最大值 %s", spec.Symbol, spec.MaxAmount))
	}
	return amount, &spec, nil
}

// validateAddress 按链校验地址格式。
func validateAddress(address string, chain protocol.ChainID) error {
	if chain.IsEVM() {
		if !common.IsHexAddress(address) {
			return fail("recipient", fmt.Sprintf("不是合法的 %s 地址: %s", chain, address))
		}
		return nil
	}
	if !solanaAddressPattern.MatchString(address) {
		return fail("recipient", fmt.Sprintf("不是合法的 %s 地址: %s", chain, address))
	}
	return nil
}

func chainSupported(spec *AssetSpec, chain protocol.ChainID) bool {
	for _, c := range spec.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// canonicalAmount 去掉尾随零，保证字段值相等的金额得到相同的指纹输入。
func canonicalAmount(amount decimal.Decimal) string {
	text := amount.String()
	if strings.Contains(text, ".") {
		text = strings.TrimRight(text, "0")
		text = strings.TrimRight(text, ".")
	}
	return text
}

func fail(field, rule string) error {
	return xerrors.New(CodeValidation, fmt.Sprintf("%s: %s", field, rule),
		xerrors.WithMetadata("field", field))
}
