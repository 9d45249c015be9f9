// Package reconciler 维护客户端的乐观缓存：用户操作立即以 pending 条目展示，
// 随后根据账本结果转为 confirmed（合并为权威记录）或 failed（等待用户重试或移除）。
package reconciler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// EntryKind 用户操作类型
type EntryKind string

const (
	KindPost     EntryKind = "post"
	KindEdit     EntryKind = "edit"
	KindDelete   EntryKind = "delete"
	KindReaction EntryKind = "reaction"
	KindApproval EntryKind = "approval"
)

// Status 条目状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Record 已确认的权威评论记录（来自账本事件或索引服务）
type Record struct {
	CommentID   common.Hash    `json:"commentId"`
	Author      common.Address `json:"author"`
	App         common.Address `json:"app"`
	ParentID    common.Hash    `json:"parentId,omitempty"`
	TargetURI   string         `json:"targetUri,omitempty"`
	Content     string         `json:"content"`
	Deleted     bool           `json:"deleted,omitempty"`
	TxHash      common.Hash    `json:"txHash,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Draft 创建 pending 条目所需的信息
type Draft struct {
	// LocalID 本次尝试的标识，取载荷摘要；AddComment 时即派生的 commentId
	LocalID string
	Kind    EntryKind
	// CommentID 发表类为派生ID，编辑/删除为目标评论
	CommentID common.Hash
	Digest    common.Hash
	Operation typeddata.Operation
	// Preview 乐观展示的内容
	Preview Record
}

// Entry pending 集合中的条目
type Entry struct {
	LocalID         string              `json:"localId"`
	ActionID        string              `json:"actionId"`
	Kind            EntryKind           `json:"kind"`
	Status          Status              `json:"status"`
	RetryCount      int                 `json:"retryCount"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	StillProcessing bool                `json:"stillProcessing,omitempty"`
	CommentID       common.Hash         `json:"commentId"`
	Digest          common.Hash         `json:"digest"`
	TxHash          common.Hash         `json:"txHash,omitempty"`
	Operation       typeddata.Operation `json:"-"`
	Preview         Record              `json:"preview"`
	Record          *Record             `json:"record,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// CanRetry 只有失败条目提供重试；仍在处理中的条目重试可能产生第二笔交易
func (e Entry) CanRetry() bool {
	return e.Status == StatusFailed
}

// Item 视图中的一个位置：权威记录、挂起条目，或两者（对已有评论的编辑/删除）
type Item struct {
	ActionID string  `json:"actionId,omitempty"`
	Record   *Record `json:"record,omitempty"`
	Entry    *Entry  `json:"entry,omitempty"`
}

var (
	// ErrEntryNotFound 条目不存在或已合并
	ErrEntryNotFound = errcode.New(errcode.KindValidation, "entry_not_found", "pending entry not found")
	// ErrInFlight 同一条目已有进行中的提交
	ErrInFlight = errcode.New(errcode.KindValidation, "entry_in_flight", "a submission for this entry is already in flight")
	// ErrNotFailed 只有失败条目可以重试或移除
	ErrNotFailed = errcode.New(errcode.KindValidation, "entry_not_failed", "entry is not in failed state")
	// ErrEntryExists 同一载荷已有失败条目，需要走重试重建
	ErrEntryExists = errcode.New(errcode.KindValidation, "entry_exists", "entry already exists for this payload")
	// ErrNotPending 条目不在 pending 状态
	ErrNotPending = errcode.New(errcode.KindValidation, "entry_not_pending", "entry is not pending")
)
