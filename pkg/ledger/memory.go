package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/signer"
	"comments-relay/pkg/typeddata"
)

type pairKey struct {
	author common.Address
	app    common.Address
}

type commentState struct {
	author    common.Address
	app       common.Address
	parentID  common.Hash
	targetURI string
	content   string
	deleted   bool
}

type memTx struct {
	tx      *Transaction
	receipt *Receipt
	mined   bool
}

// MemoryLedger 内存账本，按合约规则执行，用于开发模式和测试。
// 交易在提交时按内存池顺序执行，所以 ReadNonce 反映待打包状态；回执在打包后才可见。
type MemoryLedger struct {
	mu        sync.Mutex
	builder   *typeddata.Builder
	clock     func() time.Time
	autoMine  bool
	nonces    map[pairKey]*big.Int
	approvals map[pairKey]bool
	comments  map[common.Hash]*commentState
	txs       map[common.Hash]*memTx
	pending   []common.Hash
	events    []Event
	block     uint64
	seq       uint64
	faults    []error
}

// MemoryOption 内存账本选项
type MemoryOption func(*MemoryLedger)

// WithClock 自定义账本时间
func WithClock(fn func() time.Time) MemoryOption {
	return func(l *MemoryLedger) {
		l.clock = fn
	}
}

// WithManualMining 交易提交后保持未打包，直到调用 Mine
func WithManualMining() MemoryOption {
	return func(l *MemoryLedger) {
		l.autoMine = false
	}
}

// NewMemoryLedger 创建内存账本，builder 的域必须与签名方一致
func NewMemoryLedger(builder *typeddata.Builder, opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		builder:   builder,
		clock:     time.Now,
		autoMine:  true,
		nonces:    make(map[pairKey]*big.Int),
		approvals: make(map[pairKey]bool),
		comments:  make(map[common.Hash]*commentState),
		txs:       make(map[common.Hash]*memTx),
	}
	for _, fn := range opts {
		fn(l)
	}
	return l
}

// ReadNonce 读取 nonce
func (l *MemoryLedger) ReadNonce(ctx context.Context, author, app common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.nonceLocked(pairKey{author, app})), nil
}

// ReadApproval 读取授权状态
func (l *MemoryLedger) ReadApproval(ctx context.Context, author, app common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.approvals[pairKey{author, app}], nil
}

// Now 账本时间
func (l *MemoryLedger) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return l.clock(), nil
}

// InjectSubmitFault 下一次提交在被账本接收前失败（模拟网络故障）
func (l *MemoryLedger) InjectSubmitFault(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, err)
}

// SubmitTransaction 执行交易并返回交易哈希；回滚也会返回哈希，结果见回执
func (l *MemoryLedger) SubmitTransaction(ctx context.Context, tx *Transaction) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if tx == nil || tx.Payload == nil || tx.Payload.Operation == nil {
		return common.Hash{}, errcode.New(errcode.KindValidation, "empty_transaction", "transaction has no payload")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.faults) > 0 {
		err := l.faults[0]
		l.faults = l.faults[1:]
		return common.Hash{}, err
	}

	l.seq++
	hash := crypto.Keccak256Hash(
		tx.Payload.Digest().Bytes(),
		tx.Submitter.Bytes(),
		new(big.Int).SetUint64(l.seq).Bytes(),
	)

	receipt := &Receipt{TxHash: hash, Status: StatusSuccess}
	reason, events := l.applyLocked(tx)
	if reason != "" {
		receipt.Status = StatusReverted
		receipt.Reason = reason
	} else {
		for i := range events {
			events[i].TxHash = hash
		}
		receipt.Events = events
	}

	l.txs[hash] = &memTx{tx: tx, receipt: receipt}
	l.pending = append(l.pending, hash)
	if l.autoMine {
		l.mineLocked()
	}
	return hash, nil
}

// Mine 打包所有待处理交易
func (l *MemoryLedger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
}

// PendingCount 未打包交易数
func (l *MemoryLedger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// GetTransactionReceipt 获取回执，未打包返回 ErrReceiptNotFound
func (l *MemoryLedger) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	mt, ok := l.txs[txHash]
	if !ok || !mt.mined {
		return nil, ErrReceiptNotFound
	}
	cp := *mt.receipt
	cp.Events = append([]Event(nil), mt.receipt.Events...)
	return &cp, nil
}

// QueryEvents 查询已打包事件
func (l *MemoryLedger) QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range l.events {
		if filter.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CommentExists 评论是否存在且未删除
func (l *MemoryLedger) CommentExists(id common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.comments[id]
	return ok && !c.deleted
}

// CommentContent 评论当前内容
func (l *MemoryLedger) CommentContent(id common.Hash) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.comments[id]
	if !ok || c.deleted {
		return "", false
	}
	return c.content, true
}

func (l *MemoryLedger) nonceLocked(key pairKey) *big.Int {
	if n, ok := l.nonces[key]; ok {
		return n
	}
	return new(big.Int)
}

func (l *MemoryLedger) mineLocked() {
	if len(l.pending) == 0 {
		return
	}
	l.block++
	now := l.clock()
	for _, h := range l.pending {
		mt := l.txs[h]
		mt.mined = true
		mt.receipt.BlockNumber = l.block
		for i := range mt.receipt.Events {
			mt.receipt.Events[i].BlockNumber = l.block
			mt.receipt.Events[i].Timestamp = now
			l.events = append(l.events, mt.receipt.Events[i])
		}
	}
	l.pending = nil
}

// applyLocked 合约规则；返回非空原因表示回滚，状态不变
func (l *MemoryLedger) applyLocked(tx *Transaction) (string, []Event) {
	p := tx.Payload
	op := p.Operation
	h := typeddata.HeaderOf(op)
	key := pairKey{h.Author, h.App}

	if h.Deadline == nil || h.Deadline.Cmp(big.NewInt(l.clock().Unix())) <= 0 {
		return ReasonDeadlineExpired, nil
	}
	if h.Nonce == nil {
		return ReasonInvalidNonce, nil
	}
	current := l.nonceLocked(key)
	switch h.Nonce.Cmp(current) {
	case -1:
		return ReasonNonceUsed, nil
	case 1:
		return ReasonInvalidNonce, nil
	}

	msg, err := l.builder.Encode(op)
	if err != nil {
		return fmt.Sprintf("invalid payload: %v", err), nil
	}
	if !validSig(msg, p.AppSignature, h.App) {
		return ReasonInvalidAppSig, nil
	}
	authorSigned := len(p.AuthorSignature) > 0
	if authorSigned && !validSig(msg, p.AuthorSignature, h.Author) {
		return ReasonInvalidAuthorSig, nil
	}
	if p.Submitter == typeddata.SubmitterAuthor && tx.Submitter != h.Author {
		return ReasonUnauthorizedSender, nil
	}
	if op.Kind().IsApproval() {
		if !authorSigned {
			return ReasonInvalidAuthorSig, nil
		}
	} else if !authorSigned && !l.approvals[key] {
		return ReasonNotApproved, nil
	}

	ev := Event{Author: h.Author, App: h.App, Nonce: new(big.Int).Set(h.Nonce)}
	switch o := op.(type) {
	case *typeddata.AddComment:
		id := msg.Digest
		if _, exists := l.comments[id]; exists {
			return ReasonCommentExists, nil
		}
		if o.IsReply() {
			parent, ok := l.comments[o.ParentID]
			if !ok || parent.deleted {
				return ReasonCommentNotFound, nil
			}
		}
		l.comments[id] = &commentState{
			author:    h.Author,
			app:       h.App,
			parentID:  o.ParentID,
			targetURI: o.TargetURI,
			content:   o.Content,
		}
		ev.Name = EventCommentAdded
		ev.CommentID = id
		ev.ParentID = o.ParentID
		ev.TargetURI = o.TargetURI
		ev.Content = o.Content
	case *typeddata.EditComment:
		c, reason := l.ownedCommentLocked(o.CommentID, h.Author)
		if reason != "" {
			return reason, nil
		}
		c.content = o.Content
		ev.Name = EventCommentEdited
		ev.CommentID = o.CommentID
		ev.Content = o.Content
	case *typeddata.DeleteComment:
		c, reason := l.ownedCommentLocked(o.CommentID, h.Author)
		if reason != "" {
			return reason, nil
		}
		c.deleted = true
		ev.Name = EventCommentDeleted
		ev.CommentID = o.CommentID
	case *typeddata.AddApproval:
		if l.approvals[key] {
			return ReasonAlreadyApproved, nil
		}
		l.approvals[key] = true
		ev.Name = EventApprovalAdded
	case *typeddata.RemoveApproval:
		if !l.approvals[key] {
			return ReasonNotApproved, nil
		}
		delete(l.approvals, key)
		ev.Name = EventApprovalRemoved
	}

	l.nonces[key] = new(big.Int).Add(current, big.NewInt(1))
	return "", []Event{ev}
}

func (l *MemoryLedger) ownedCommentLocked(id common.Hash, author common.Address) (*commentState, string) {
	c, ok := l.comments[id]
	if !ok || c.deleted {
		return nil, ReasonCommentNotFound
	}
	if c.author != author {
		return nil, ReasonNotCommentAuthor
	}
	return c, ""
}

func validSig(msg *typeddata.Message, sig []byte, expected common.Address) bool {
	if len(sig) == 0 {
		return false
	}
	ok, err := signer.Verify(msg, sig, expected)
	return err == nil && ok
}
