package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	xerrors "EasyCash-Core/internal/errors"
)

// CodeSigningFailure 表示交易签名失败。
const CodeSigningFailure = "SIGNING_FAILURE"

func init() {
	xerrors.Register(CodeSigningFailure, xerrors.Attributes{
		Message:  "交易签名失败",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Signer 持有 secp256k1 私钥并对交易载荷做 ECDSA 签名。
//
// 载荷先经 SHA-256 摘要，再进行签名，输出 0x 前缀的十六进制字符串。
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner 从十六进制私钥创建签名器，接受可选的 0x 前缀。
func NewSigner(privateKeyHex string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "签名私钥不能为空")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析签名私钥失败")
	}
	return &Signer{key: key}, nil
}

// NewEphemeralSigner 生成一把随机私钥，开发网和测试使用。
func NewEphemeralSigner() (*Signer, error) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailure, err, "生成临时私钥失败")
	}
	return &Signer{key: key}, nil
}

// Sign 对载荷做 SHA-256 摘要并返回 0x 前缀的签名。
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || s.key == nil {
		return "", xerrors.New(CodeSigningFailure, "签名器未初始化")
	}
	digest := sha256.Sum256(payload)
	sig, err := gethcrypto.Sign(digest[:], s.key)
	if err != nil {
		return "", xerrors.Wrap(CodeSigningFailure, err, "ECDSA 签名失败")
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Address 返回私钥对应的 EVM 地址。
func (s *Signer) Address() common.Address {
	return gethcrypto.PubkeyToAddress(s.key.PublicKey)
}

// PublicKeyHex 返回未压缩公钥的十六进制表示。
func (s *Signer) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(gethcrypto.FromECDSAPub(&s.key.PublicKey))
}

// VerifySignature 校验签名是否由给定公钥对数据签出。
//
// 签名接受带恢复位的 65 字节形式或不带的 64 字节形式。
func VerifySignature(publicKeyHex string, data []byte, signatureHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(publicKeyHex), "0x"))
	if err != nil {
		return false, fmt.Errorf("解析公钥失败: %w", err)
	}
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x"))
	if err != nil {
		return false, fmt.Errorf("解析签名失败: %w", err)
	}
	switch len(sigBytes) {
	case 65:
		sigBytes = sigBytes[:64]
	case 64:
	default:
		return false, fmt.Errorf("签名长度不合法: 期望 64 或 65 字节, 实际 %d", len(sigBytes))
	}

	digest := sha256.Sum256(data)
	return gethcrypto.VerifySignature(pubBytes, digest[:], sigBytes), nil
}
