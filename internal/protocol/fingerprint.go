package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint 是请求中可缓存字段的确定性摘要，作为缓存与单飞去重的键。
// 摘要刻意排除 reference_id 与收款地址：结构相同的请求共享路由与证明工作。
type Fingerprint string

// fingerprintVersion 变更摘要字段集合时递增，避免新旧缓存键混用。
const fingerprintVersion = "v1"

// FingerprintOf 对规范化请求的可缓存字段按固定顺序求 SHA-256 摘要。
// 字段相等的两次调用必然得到相同指纹。
func FingerprintOf(n *NormalizedRequest) Fingerprint {
	target := string(n.TargetChain)
	if target == "" {
		target = "-"
	}
	shielded := "0"
	if n.Shielded {
		shielded = "1"
	}
	parts := []string{
		fingerprintVersion,
		string(n.Intent),
		n.Asset,
		n.AmountText,
		string(n.SourceChain),
		target,
		shielded,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func (f Fingerprint) String() string { return string(f) }

// Short 返回指纹前缀，用于日志输出。
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
