package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// ReceiptStatus 交易最终状态
type ReceiptStatus int

const (
	StatusSuccess ReceiptStatus = iota + 1
	StatusReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReverted:
		return "reverted"
	}
	return "unknown"
}

// EventName 账本事件名
type EventName string

const (
	EventCommentAdded    EventName = "CommentAdded"
	EventCommentEdited   EventName = "CommentEdited"
	EventCommentDeleted  EventName = "CommentDeleted"
	EventApprovalAdded   EventName = "ApprovalAdded"
	EventApprovalRemoved EventName = "ApprovalRemoved"
)

// Transaction 待发送的交易：已签名载荷 + 支付 gas 的账户
type Transaction struct {
	Payload   *typeddata.SignedPayload
	Submitter common.Address
}

// Event 账本事件
type Event struct {
	Name        EventName      `json:"name"`
	TxHash      common.Hash    `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber"`
	CommentID   common.Hash    `json:"commentId,omitempty"`
	Author      common.Address `json:"author"`
	App         common.Address `json:"app"`
	Nonce       *big.Int       `json:"nonce,omitempty"`
	ParentID    common.Hash    `json:"parentId,omitempty"`
	TargetURI   string         `json:"targetUri,omitempty"`
	Content     string         `json:"content,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Receipt 交易回执
type Receipt struct {
	TxHash      common.Hash   `json:"txHash"`
	Status      ReceiptStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	BlockNumber uint64        `json:"blockNumber"`
	Events      []Event       `json:"events,omitempty"`
}

// Err 回滚原因对应的错误，成功时为 nil
func (r *Receipt) Err() error {
	if r == nil || r.Status == StatusSuccess {
		return nil
	}
	return Rejection(r.Reason)
}

// CommentID 回执中 CommentAdded 事件携带的评论ID
func (r *Receipt) CommentID() (common.Hash, bool) {
	for _, ev := range r.Events {
		if ev.CommentID != (common.Hash{}) {
			return ev.CommentID, true
		}
	}
	return common.Hash{}, false
}

// EventFilter 事件查询条件，零值字段不参与过滤
type EventFilter struct {
	Names     []EventName
	Author    *common.Address
	App       *common.Address
	CommentID *common.Hash
	TxHash    *common.Hash
	FromBlock uint64
}

// Match 判断事件是否满足条件
func (f EventFilter) Match(ev Event) bool {
	if len(f.Names) > 0 {
		found := false
		for _, n := range f.Names {
			if n == ev.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Author != nil && *f.Author != ev.Author {
		return false
	}
	if f.App != nil && *f.App != ev.App {
		return false
	}
	if f.CommentID != nil && *f.CommentID != ev.CommentID {
		return false
	}
	if f.TxHash != nil && *f.TxHash != ev.TxHash {
		return false
	}
	return ev.BlockNumber >= f.FromBlock
}

// Ledger 账本接口：只追加、权威，提交后的交易不可撤销
type Ledger interface {
	ReadNonce(ctx context.Context, author, app common.Address) (*big.Int, error)
	ReadApproval(ctx context.Context, author, app common.Address) (bool, error)
	SubmitTransaction(ctx context.Context, tx *Transaction) (common.Hash, error)
	// GetTransactionReceipt 交易尚未最终确定时返回 ErrReceiptNotFound
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	// Now 账本时间（最新区块时间），用于截止时间校验
	Now(ctx context.Context) (time.Time, error)
}

// 回滚原因，与合约 revert 字符串一致
const (
	ReasonNonceUsed          = "nonce already used"
	ReasonInvalidNonce       = "invalid nonce"
	ReasonDeadlineExpired    = "deadline expired"
	ReasonNotApproved        = "not approved"
	ReasonAlreadyApproved    = "approval already granted"
	ReasonInvalidAppSig      = "invalid app signature"
	ReasonInvalidAuthorSig   = "invalid author signature"
	ReasonCommentNotFound    = "comment not found"
	ReasonNotCommentAuthor   = "not comment author"
	ReasonCommentExists      = "comment already exists"
	ReasonUnauthorizedSender = "unauthorized submitter"
)

var (
	// ErrReceiptNotFound 交易尚未打包
	ErrReceiptNotFound = errors.New("receipt not found")

	ErrNonceUsed        = errcode.New(errcode.KindLedger, "nonce_used", ReasonNonceUsed)
	ErrInvalidNonce     = errcode.New(errcode.KindLedger, "invalid_nonce", ReasonInvalidNonce)
	ErrDeadlineExpired  = errcode.New(errcode.KindLedger, "deadline_expired", ReasonDeadlineExpired)
	ErrNotApproved      = errcode.New(errcode.KindAuthorization, "not_approved", ReasonNotApproved)
	ErrAlreadyApproved  = errcode.New(errcode.KindAuthorization, "already_approved", ReasonAlreadyApproved)
	ErrInvalidAppSig    = errcode.New(errcode.KindSignature, "invalid_app_signature", ReasonInvalidAppSig)
	ErrInvalidAuthorSig = errcode.New(errcode.KindSignature, "invalid_author_signature", ReasonInvalidAuthorSig)
	ErrCommentNotFound  = errcode.New(errcode.KindLedger, "comment_not_found", ReasonCommentNotFound)
	ErrNotCommentAuthor = errcode.New(errcode.KindLedger, "not_comment_author", ReasonNotCommentAuthor)
	ErrCommentExists    = errcode.New(errcode.KindLedger, "comment_exists", ReasonCommentExists)
	ErrUnauthorized     = errcode.New(errcode.KindAuthorization, "unauthorized_submitter", ReasonUnauthorizedSender)
)

var rejections = []struct {
	reason string
	err    error
}{
	{ReasonNonceUsed, ErrNonceUsed},
	{ReasonInvalidNonce, ErrInvalidNonce},
	{ReasonDeadlineExpired, ErrDeadlineExpired},
	{ReasonNotApproved, ErrNotApproved},
	{ReasonAlreadyApproved, ErrAlreadyApproved},
	{ReasonInvalidAppSig, ErrInvalidAppSig},
	{ReasonInvalidAuthorSig, ErrInvalidAuthorSig},
	{ReasonCommentNotFound, ErrCommentNotFound},
	{ReasonNotCommentAuthor, ErrNotCommentAuthor},
	{ReasonCommentExists, ErrCommentExists},
	{ReasonUnauthorizedSender, ErrUnauthorized},
}

// Rejection 把回滚原因映射为错误；未知原因归为 ledger 类
func Rejection(reason string) error {
	for _, r := range rejections {
		if strings.Contains(reason, r.reason) {
			return r.err
		}
	}
	return errcode.New(errcode.KindLedger, "reverted", reason)
}

// RequiresRebuild 该错误是否意味着必须用新 nonce 重建载荷
func RequiresRebuild(err error) bool {
	switch errcode.KindOf(err) {
	case errcode.KindLedger, errcode.KindAuthorization:
		return true
	}
	return false
}
