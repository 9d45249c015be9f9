package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// Role 签名角色
type Role string

const (
	RoleApp    Role = "app"    // 服务端持有的 app 密钥，对每个操作联署
	RoleAuthor Role = "author" // 终端用户钱包
)

const signatureLength = 65

var (
	// ErrSignatureMismatch 签名恢复出的地址与期望签名者不一致，视为篡改或错误密钥
	ErrSignatureMismatch = errcode.New(errcode.KindSignature, "signature_mismatch", "signature does not match expected signer")
	// ErrMalformedMessage 消息与其类型化数据不一致，说明构建有缺陷
	ErrMalformedMessage = errcode.New(errcode.KindValidation, "malformed_message", "canonical message is malformed")
	// ErrMalformedSignature 签名字节格式不正确
	ErrMalformedSignature = errcode.New(errcode.KindSignature, "malformed_signature", "signature is not a 65-byte secp256k1 signature")
	// ErrNoSigner 角色未注册签名者
	ErrNoSigner = errcode.New(errcode.KindAuthorization, "no_signer", "no signer registered for role")
)

// Signer 对规范化消息签名
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, msg *typeddata.Message) ([]byte, error)
}

// KeySigner 本地私钥签名
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 使用私钥创建签名者
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewKeySignerFromHex 从十六进制私钥创建签名者
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address 签名者地址
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign 对摘要签名，返回 r‖s‖v，v 为 27/28
func (s *KeySigner) Sign(ctx context.Context, msg *typeddata.Message) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(msg.Digest.Bytes(), s.key)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "sign_failed", "sign digest", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover 从摘要和签名恢复签名者地址
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	normalized := make([]byte, signatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrMalformedSignature
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, errcode.Wrap(errcode.KindSignature, "malformed_signature", "recover signer", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify 独立重算摘要后恢复签名者并与期望地址比较。
// 消息本身不自洽时返回 ErrMalformedMessage；签名者不符时返回 false, nil。
func Verify(msg *typeddata.Message, sig []byte, expected common.Address) (bool, error) {
	if msg == nil {
		return false, ErrMalformedMessage
	}
	recomputed, err := typeddata.Hash(msg.TypedData)
	if err != nil {
		return false, errcode.Wrap(errcode.KindValidation, "malformed_message", "recompute typed data hash", err)
	}
	if recomputed.Digest != msg.Digest {
		return false, ErrMalformedMessage
	}
	signer, err := Recover(recomputed.Digest, sig)
	if err != nil {
		return false, err
	}
	return signer == expected, nil
}

// RequireValid 签名不符时返回 ErrSignatureMismatch
func RequireValid(msg *typeddata.Message, sig []byte, expected common.Address) error {
	ok, err := Verify(msg, sig, expected)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignatureMismatch
	}
	return nil
}

// IsMismatch 区分篡改（不可原样重试）与构建缺陷（需重建）
func IsMismatch(err error) bool {
	return errors.Is(err, ErrSignatureMismatch)
}
