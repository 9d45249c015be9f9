package typeddata

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind 操作类型
type Kind string

const (
	KindAddComment     Kind = "AddComment"
	KindEditComment    Kind = "EditComment"
	KindDeleteComment  Kind = "DeleteComment"
	KindAddApproval    Kind = "AddApproval"
	KindRemoveApproval Kind = "RemoveApproval"
)

// IsApproval 授权类操作（授予/撤销）
func (k Kind) IsApproval() bool {
	return k == KindAddApproval || k == KindRemoveApproval
}

// Valid 是否为已知操作类型
func (k Kind) Valid() bool {
	switch k {
	case KindAddComment, KindEditComment, KindDeleteComment, KindAddApproval, KindRemoveApproval:
		return true
	}
	return false
}

// MetadataEntry 元数据条目，Key 形如 "string title"，编码为 bytes32
type MetadataEntry struct {
	Key   string        `json:"key"`
	Value hexutil.Bytes `json:"value"`
}

// Header 每种操作共有的字段
type Header struct {
	Author   common.Address `json:"author"`
	App      common.Address `json:"app"`
	Nonce    *big.Int       `json:"nonce"`
	Deadline *big.Int       `json:"deadline"`
}

func (h *Header) header() *Header { return h }

// Operation 封闭的操作联合类型，只能是本包定义的五种
type Operation interface {
	Kind() Kind
	header() *Header
}

// AddComment 发表评论（根评论或回复）
type AddComment struct {
	Header
	Content   string          `json:"content"`
	Metadata  []MetadataEntry `json:"metadata"`
	TargetURI string          `json:"targetUri"`
	ParentID  common.Hash     `json:"parentId"`
}

// EditComment 编辑评论
type EditComment struct {
	Header
	CommentID common.Hash     `json:"commentId"`
	Content   string          `json:"content"`
	Metadata  []MetadataEntry `json:"metadata"`
}

// DeleteComment 删除评论
type DeleteComment struct {
	Header
	CommentID common.Hash `json:"commentId"`
}

// AddApproval 作者授权 app 代为提交
type AddApproval struct {
	Header
}

// RemoveApproval 撤销授权
type RemoveApproval struct {
	Header
}

func (*AddComment) Kind() Kind     { return KindAddComment }
func (*EditComment) Kind() Kind    { return KindEditComment }
func (*DeleteComment) Kind() Kind  { return KindDeleteComment }
func (*AddApproval) Kind() Kind    { return KindAddApproval }
func (*RemoveApproval) Kind() Kind { return KindRemoveApproval }

// HeaderOf 返回操作公共字段的副本
func HeaderOf(op Operation) Header {
	return *op.header()
}

// IsReply 是否为回复
func (c *AddComment) IsReply() bool {
	return c.ParentID != (common.Hash{})
}

// WithNonce 返回设置了新 nonce 的副本，原操作不变
func WithNonce(op Operation, nonce *big.Int) Operation {
	cp := Clone(op)
	cp.header().Nonce = new(big.Int).Set(nonce)
	return cp
}

// WithDeadline 返回设置了新截止时间的副本
func WithDeadline(op Operation, deadline *big.Int) Operation {
	cp := Clone(op)
	cp.header().Deadline = new(big.Int).Set(deadline)
	return cp
}

// WithParties 返回设置了作者与 app 的副本
func WithParties(op Operation, author, app common.Address) Operation {
	cp := Clone(op)
	h := cp.header()
	h.Author = author
	h.App = app
	return cp
}

// Clone 深拷贝操作
func Clone(op Operation) Operation {
	switch v := op.(type) {
	case *AddComment:
		cp := *v
		cp.Header = cloneHeader(v.Header)
		cp.Metadata = cloneMetadata(v.Metadata)
		return &cp
	case *EditComment:
		cp := *v
		cp.Header = cloneHeader(v.Header)
		cp.Metadata = cloneMetadata(v.Metadata)
		return &cp
	case *DeleteComment:
		cp := *v
		cp.Header = cloneHeader(v.Header)
		return &cp
	case *AddApproval:
		cp := *v
		cp.Header = cloneHeader(v.Header)
		return &cp
	case *RemoveApproval:
		cp := *v
		cp.Header = cloneHeader(v.Header)
		return &cp
	}
	return nil
}

// NewOperation 按类型创建空操作，用于反序列化
func NewOperation(kind Kind) (Operation, bool) {
	switch kind {
	case KindAddComment:
		return &AddComment{}, true
	case KindEditComment:
		return &EditComment{}, true
	case KindDeleteComment:
		return &DeleteComment{}, true
	case KindAddApproval:
		return &AddApproval{}, true
	case KindRemoveApproval:
		return &RemoveApproval{}, true
	}
	return nil, false
}

func cloneHeader(h Header) Header {
	out := h
	if h.Nonce != nil {
		out.Nonce = new(big.Int).Set(h.Nonce)
	}
	if h.Deadline != nil {
		out.Deadline = new(big.Int).Set(h.Deadline)
	}
	return out
}

func cloneMetadata(in []MetadataEntry) []MetadataEntry {
	if in == nil {
		return nil
	}
	out := make([]MetadataEntry, len(in))
	for i, e := range in {
		out[i] = MetadataEntry{Key: e.Key, Value: append(hexutil.Bytes(nil), e.Value...)}
	}
	return out
}
