// Package authz 决定每个操作的授权路径：谁签名、谁提交。
package authz

import (
	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// Path 提交路径
type Path string

const (
	// PathAuthorPays 作者签名并用自己的账户提交
	PathAuthorPays Path = "author_pays"
	// PathGasless 仅 app 签名，由 relayer 提交（需要作者事先授权）
	PathGasless Path = "gasless"
)

// Decision 路由结果
type Decision struct {
	Path                   Path
	RequireAuthorSignature bool
	Submitter              typeddata.Submitter
}

var (
	// ErrAuthorSignatureRequired 需要作者签名但载荷中没有
	ErrAuthorSignatureRequired = errcode.New(errcode.KindAuthorization, "author_signature_required", "operation requires the author's signature")
	// ErrAppSignatureMissing 每个操作都必须有 app 签名
	ErrAppSignatureMissing = errcode.New(errcode.KindAuthorization, "app_signature_missing", "operation requires the app co-signature")
	// ErrGaslessNotApproved 作者未授权 app，不能走 gasless
	ErrGaslessNotApproved = errcode.New(errcode.KindAuthorization, "gasless_not_approved", "author has not approved the app for gasless submission")
	// ErrSubmitterMismatch 载荷声明的提交方与路由结果不符
	ErrSubmitterMismatch = errcode.New(errcode.KindAuthorization, "submitter_mismatch", "payload submitter does not match the resolved path")
)

// Router 授权路由。无状态，授权状态由调用方在构建前从账本读取
type Router struct {
	gaslessEnabled bool
}

// NewRouter gaslessEnabled=false 时所有请求都走作者付费
func NewRouter(gaslessEnabled bool) *Router {
	return &Router{gaslessEnabled: gaslessEnabled}
}

// Resolve 按顺序判断：
// 授权类操作始终需要作者签名（授权不能自我授权）；
// 已授权且请求 gasless 时只需 app 签名、relayer 提交；
// 其他情况双签名、作者提交。
func (r *Router) Resolve(kind typeddata.Kind, approved, preferGasless bool) Decision {
	if kind.IsApproval() {
		return authorPays()
	}
	if approved && preferGasless && r.gaslessEnabled {
		return Decision{Path: PathGasless, RequireAuthorSignature: false, Submitter: typeddata.SubmitterRelayer}
	}
	return authorPays()
}

func authorPays() Decision {
	return Decision{Path: PathAuthorPays, RequireAuthorSignature: true, Submitter: typeddata.SubmitterAuthor}
}

// Check 校验已组装载荷满足路由要求，不符合时返回授权错误
func (r *Router) Check(p *typeddata.SignedPayload, approved bool) error {
	if len(p.AppSignature) == 0 {
		return ErrAppSignatureMissing
	}
	kind := p.Kind()
	if kind.IsApproval() || p.Submitter == typeddata.SubmitterAuthor {
		if len(p.AuthorSignature) == 0 {
			return ErrAuthorSignatureRequired
		}
		return nil
	}
	if p.Submitter != typeddata.SubmitterRelayer {
		return ErrSubmitterMismatch
	}
	// relayer 提交且没有作者签名时，必须已授权
	if len(p.AuthorSignature) == 0 {
		if !r.gaslessEnabled {
			return ErrAuthorSignatureRequired
		}
		if !approved {
			return ErrGaslessNotApproved
		}
	}
	return nil
}

// SubmitterAddress 解析实际支付 gas 的账户
func SubmitterAddress(p *typeddata.SignedPayload, relayer common.Address) common.Address {
	if p.Submitter == typeddata.SubmitterRelayer {
		return relayer
	}
	return p.Header().Author
}
