package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// Authority 双角色签名：app 联署 + 作者签名
type Authority struct {
	mu      sync.RWMutex
	signers map[Role]Signer
}

// NewAuthority 创建签名中心，app 签名者必需，作者签名者可后续注册
func NewAuthority(app Signer) *Authority {
	return &Authority{signers: map[Role]Signer{RoleApp: app}}
}

// Register 注册某角色的签名者
func (a *Authority) Register(role Role, s Signer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signers[role] = s
}

// Signer 获取角色签名者
func (a *Authority) Signer(role Role) (Signer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.signers[role]
	return s, ok && s != nil
}

// Address 角色地址
func (a *Authority) Address(role Role) (common.Address, bool) {
	s, ok := a.Signer(role)
	if !ok {
		return common.Address{}, false
	}
	return s.Address(), true
}

// Sign 以指定角色签名，并立即校验结果（远程签名者可能返回错误签名）
func (a *Authority) Sign(ctx context.Context, msg *typeddata.Message, role Role) ([]byte, error) {
	s, ok := a.Signer(role)
	if !ok {
		return nil, fmt.Errorf("%s: %w", role, ErrNoSigner)
	}
	sig, err := s.Sign(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := RequireValid(msg, sig, s.Address()); err != nil {
		return nil, errcode.Wrap(errcode.KindSignature, "signer_returned_invalid", fmt.Sprintf("%s signer returned an invalid signature", role), err)
	}
	return sig, nil
}
