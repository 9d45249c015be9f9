package typeddata

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Submitter 谁把载荷发送到账本
type Submitter string

const (
	SubmitterAuthor  Submitter = "author"  // 作者自付 gas
	SubmitterRelayer Submitter = "relayer" // app 的中继账户代付
)

// SignedPayload 已签名载荷。创建后不可修改，参数变化必须用新 nonce 重建
type SignedPayload struct {
	Operation       Operation
	Message         *Message
	AppSignature    hexutil.Bytes
	AuthorSignature hexutil.Bytes
	Submitter       Submitter
}

// Kind 操作类型
func (p *SignedPayload) Kind() Kind {
	return p.Operation.Kind()
}

// Header 公共字段
func (p *SignedPayload) Header() Header {
	return HeaderOf(p.Operation)
}

// Digest 规范化消息摘要
func (p *SignedPayload) Digest() common.Hash {
	if p.Message == nil {
		return common.Hash{}
	}
	return p.Message.Digest
}

// PartiallySigned 缺少作者签名（仅 app 签名，走代付路径）
func (p *SignedPayload) PartiallySigned() bool {
	return len(p.AuthorSignature) == 0
}

type payloadJSON struct {
	Kind            Kind            `json:"kind"`
	Operation       json.RawMessage `json:"operation"`
	Digest          common.Hash     `json:"digest"`
	AppSignature    hexutil.Bytes   `json:"appSignature"`
	AuthorSignature hexutil.Bytes   `json:"authorSignature,omitempty"`
	Submitter       Submitter       `json:"submitter"`
}

// MarshalJSON 按 kind 区分操作
func (p *SignedPayload) MarshalJSON() ([]byte, error) {
	op, err := json.Marshal(p.Operation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadJSON{
		Kind:            p.Kind(),
		Operation:       op,
		Digest:          p.Digest(),
		AppSignature:    p.AppSignature,
		AuthorSignature: p.AuthorSignature,
		Submitter:       p.Submitter,
	})
}

// UnmarshalJSON 只还原操作与签名；Message 需由接收方用自己的 Builder 重新编码
func (p *SignedPayload) UnmarshalJSON(data []byte) error {
	var raw payloadJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, ok := NewOperation(raw.Kind)
	if !ok {
		return fmt.Errorf("unknown operation kind %q", raw.Kind)
	}
	if err := json.Unmarshal(raw.Operation, op); err != nil {
		return err
	}
	p.Operation = op
	p.Message = &Message{Kind: raw.Kind, Digest: raw.Digest}
	p.AppSignature = raw.AppSignature
	p.AuthorSignature = raw.AuthorSignature
	p.Submitter = raw.Submitter
	return nil
}

// MarshalOperation 带 kind 的操作编码
func MarshalOperation(op Operation) ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind      Kind            `json:"kind"`
		Operation json.RawMessage `json:"operation"`
	}{op.Kind(), body})
}

// UnmarshalOperation 解析带 kind 的操作
func UnmarshalOperation(data []byte) (Operation, error) {
	var raw struct {
		Kind      Kind            `json:"kind"`
		Operation json.RawMessage `json:"operation"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	op, ok := NewOperation(raw.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown operation kind %q", raw.Kind)
	}
	if err := json.Unmarshal(raw.Operation, op); err != nil {
		return nil, err
	}
	return op, nil
}
