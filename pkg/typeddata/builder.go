package typeddata

import (
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"comments-relay/pkg/errcode"
)

const (
	DomainName    = "Ethereum Comments Protocol"
	DomainVersion = "1"

	DefaultMinDeadlineMargin  = 30 * time.Second
	DefaultMaxDeadlineHorizon = 24 * time.Hour
	DefaultMaxContentLength   = 10240
)

// Domain EIP-712 域参数
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain 使用协议默认名称和版本
func NewDomain(chainID int64, contract common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: contract,
	}
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// types 每种操作的字段顺序固定，改动即破坏签名兼容
var types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"MetadataEntry": {
		{Name: "key", Type: "bytes32"},
		{Name: "value", Type: "bytes"},
	},
	string(KindAddComment): {
		{Name: "content", Type: "string"},
		{Name: "metadata", Type: "MetadataEntry[]"},
		{Name: "targetUri", Type: "string"},
		{Name: "parentId", Type: "bytes32"},
		{Name: "author", Type: "address"},
		{Name: "app", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	string(KindEditComment): {
		{Name: "commentId", Type: "bytes32"},
		{Name: "content", Type: "string"},
		{Name: "metadata", Type: "MetadataEntry[]"},
		{Name: "author", Type: "address"},
		{Name: "app", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	string(KindDeleteComment): {
		{Name: "commentId", Type: "bytes32"},
		{Name: "author", Type: "address"},
		{Name: "app", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	string(KindAddApproval): {
		{Name: "author", Type: "address"},
		{Name: "app", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	string(KindRemoveApproval): {
		{Name: "author", Type: "address"},
		{Name: "app", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// typesFor 只保留该操作用到的类型，避免无关类型混入签名数据
func typesFor(kind Kind) apitypes.Types {
	out := apitypes.Types{
		"EIP712Domain": types["EIP712Domain"],
		string(kind):   types[string(kind)],
	}
	if kind == KindAddComment || kind == KindEditComment {
		out["MetadataEntry"] = types["MetadataEntry"]
	}
	return out
}

// Message 规范化消息：类型化数据 + 摘要
type Message struct {
	Kind            Kind               `json:"kind"`
	TypedData       apitypes.TypedData `json:"typedData"`
	DomainSeparator common.Hash        `json:"domainSeparator"`
	StructHash      common.Hash        `json:"structHash"`
	Digest          common.Hash        `json:"digest"`
}

// Encoded 0x19 0x01 ‖ domainSeparator ‖ structHash，签名覆盖的精确字节
func (m *Message) Encoded() []byte {
	out := make([]byte, 0, 2+2*common.HashLength)
	out = append(out, 0x19, 0x01)
	out = append(out, m.DomainSeparator.Bytes()...)
	out = append(out, m.StructHash.Bytes()...)
	return out
}

// Options 构建约束
type Options struct {
	MinDeadlineMargin  time.Duration
	MaxDeadlineHorizon time.Duration
	MaxContentLength   int
}

// Option 构建器选项
type Option func(*Options)

// WithDeadlineWindow 设置截止时间的最小余量与最大跨度
func WithDeadlineWindow(minMargin, maxHorizon time.Duration) Option {
	return func(o *Options) {
		o.MinDeadlineMargin = minMargin
		o.MaxDeadlineHorizon = maxHorizon
	}
}

// WithMaxContentLength 设置评论内容的最大字节数
func WithMaxContentLength(n int) Option {
	return func(o *Options) {
		o.MaxContentLength = n
	}
}

// Builder 类型化数据构建器，无副作用
type Builder struct {
	domain Domain
	opts   Options
}

// NewBuilder 创建构建器
func NewBuilder(domain Domain, opts ...Option) *Builder {
	o := Options{
		MinDeadlineMargin:  DefaultMinDeadlineMargin,
		MaxDeadlineHorizon: DefaultMaxDeadlineHorizon,
		MaxContentLength:   DefaultMaxContentLength,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Builder{domain: domain, opts: o}
}

// Domain 返回域参数
func (b *Builder) Domain() Domain {
	return b.domain
}

// Options 返回构建约束
func (b *Builder) Options() Options {
	return b.opts
}

// Build 校验全部约束并构建规范化消息；now 为账本当前时间
func (b *Builder) Build(op Operation, now time.Time) (*Message, error) {
	var v violations
	b.validate(op, &v)
	b.validateDeadline(op.header().Deadline, now, &v)
	if err := v.result(op.Kind()); err != nil {
		return nil, err
	}
	return b.encode(op)
}

// Encode 只做结构校验（不检查截止时间窗口），用于重新推导已签名消息
func (b *Builder) Encode(op Operation) (*Message, error) {
	var v violations
	b.validate(op, &v)
	if op.header().Deadline == nil {
		v.add("deadline", "required")
	}
	if err := v.result(op.Kind()); err != nil {
		return nil, err
	}
	return b.encode(op)
}

// CommentID 评论ID = AddComment 规范化消息的摘要
func (b *Builder) CommentID(op *AddComment) (common.Hash, error) {
	msg, err := b.Encode(op)
	if err != nil {
		return common.Hash{}, err
	}
	return msg.Digest, nil
}

func (b *Builder) validate(op Operation, v *violations) {
	h := op.header()
	if h.Author == (common.Address{}) {
		v.add("author", "required")
	}
	if h.App == (common.Address{}) {
		v.add("app", "required")
	}
	if h.Nonce == nil {
		v.add("nonce", "required")
	} else if h.Nonce.Sign() < 0 {
		v.add("nonce", "must not be negative")
	}

	switch o := op.(type) {
	case *AddComment:
		hasTarget := strings.TrimSpace(o.TargetURI) != ""
		if hasTarget == o.IsReply() {
			v.add("targetUri", "exactly one of targetUri or parentId must be set")
		}
		b.validateContent(o.Content, v)
		validateMetadata(o.Metadata, v)
	case *EditComment:
		if o.CommentID == (common.Hash{}) {
			v.add("commentId", "required")
		}
		b.validateContent(o.Content, v)
		validateMetadata(o.Metadata, v)
	case *DeleteComment:
		if o.CommentID == (common.Hash{}) {
			v.add("commentId", "required")
		}
	case *AddApproval, *RemoveApproval:
	default:
		v.add("kind", fmt.Sprintf("unsupported operation %T", op))
	}
}

func (b *Builder) validateContent(content string, v *violations) {
	if strings.TrimSpace(content) == "" {
		v.add("content", "must not be empty")
		return
	}
	if !utf8.ValidString(content) {
		v.add("content", "must be valid UTF-8")
	}
	if b.opts.MaxContentLength > 0 && len(content) > b.opts.MaxContentLength {
		v.add("content", fmt.Sprintf("exceeds %d bytes", b.opts.MaxContentLength))
	}
}

func (b *Builder) validateDeadline(deadline *big.Int, now time.Time, v *violations) {
	if deadline == nil {
		v.add("deadline", "required")
		return
	}
	earliest := big.NewInt(now.Add(b.opts.MinDeadlineMargin).Unix())
	if deadline.Cmp(earliest) <= 0 {
		v.add("deadline", "expired or within the minimum safety margin")
	}
	if b.opts.MaxDeadlineHorizon > 0 {
		latest := big.NewInt(now.Add(b.opts.MaxDeadlineHorizon).Unix())
		if deadline.Cmp(latest) > 0 {
			v.add("deadline", "too far in the future")
		}
	}
}

func validateMetadata(entries []MetadataEntry, v *violations) {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		field := fmt.Sprintf("metadata[%d].key", i)
		switch {
		case e.Key == "":
			v.add(field, "required")
		case len(e.Key) > common.HashLength:
			v.add(field, "longer than 32 bytes")
		}
		if _, dup := seen[e.Key]; dup {
			v.add(field, "duplicate key")
		}
		seen[e.Key] = struct{}{}
	}
}

func (b *Builder) encode(op Operation) (*Message, error) {
	td := apitypes.TypedData{
		Types:       typesFor(op.Kind()),
		PrimaryType: string(op.Kind()),
		Domain:      b.domain.typed(),
		Message:     messageOf(op),
	}
	msg, err := Hash(td)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "encode_failed", "encode typed data", err)
	}
	msg.Kind = op.Kind()
	return msg, nil
}

// Hash 独立地从类型化数据重新计算域分隔符、结构哈希和摘要
func Hash(td apitypes.TypedData) (*Message, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, err
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Kind:            Kind(td.PrimaryType),
		TypedData:       td,
		DomainSeparator: common.BytesToHash(domainSeparator),
		StructHash:      common.BytesToHash(structHash),
	}
	msg.Digest = crypto.Keccak256Hash(msg.Encoded())
	return msg, nil
}

func messageOf(op Operation) apitypes.TypedDataMessage {
	h := op.header()
	m := apitypes.TypedDataMessage{
		"author":   h.Author.Hex(),
		"app":      h.App.Hex(),
		"nonce":    h.Nonce.String(),
		"deadline": h.Deadline.String(),
	}
	switch o := op.(type) {
	case *AddComment:
		m["content"] = o.Content
		m["metadata"] = metadataOf(o.Metadata)
		m["targetUri"] = o.TargetURI
		m["parentId"] = o.ParentID.Hex()
	case *EditComment:
		m["commentId"] = o.CommentID.Hex()
		m["content"] = o.Content
		m["metadata"] = metadataOf(o.Metadata)
	case *DeleteComment:
		m["commentId"] = o.CommentID.Hex()
	}
	return m
}

// metadataOf 数组元素必须是 map[string]interface{}，这是 apitypes 的要求
func metadataOf(entries []MetadataEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"key":   MetadataKey(e.Key).Hex(),
			"value": hexutil.Encode(e.Value),
		})
	}
	return out
}

// MetadataKey 键右侧补零到32字节
func MetadataKey(key string) common.Hash {
	var h common.Hash
	copy(h[:], key)
	return h
}
