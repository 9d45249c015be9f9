// Package commentclient 对外暴露的评论操作流程：
// 读账本 → 构建类型化数据 → app 联署 → 选择授权路径 → 作者签名 → 提交 → 等待 → 更新乐观缓存。
package commentclient

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/authz"
	"comments-relay/pkg/errcode"
	"comments-relay/pkg/executor"
	"comments-relay/pkg/indexer"
	"comments-relay/pkg/keylock"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/reconciler"
	"comments-relay/pkg/signer"
	"comments-relay/pkg/typeddata"
)

const (
	// DefaultDeadlineTTL 签名有效期
	DefaultDeadlineTTL = 5 * time.Minute
	// DefaultAwaitTimeout 等待上链的默认时长，超时结果为未知
	DefaultAwaitTimeout = 30 * time.Second
)

// Options 客户端参数
type Options struct {
	DeadlineTTL  time.Duration
	AwaitTimeout time.Duration
	Logger       logger.Logger
	Locker       keylock.Locker
	Indexer      *indexer.Client
}

// PrepareOptions 单次操作参数
type PrepareOptions struct {
	// PreferGasless 请求由 relayer 代付；作者未授权时自动回落为作者付费
	PreferGasless bool
	// EntryKind 缓存条目类型，为空时按操作类型推导
	EntryKind reconciler.EntryKind
}

// Prepared 准备好的载荷。PartiallySigned 时需要作者在钱包中签名后调用 AttachAuthorSignature
type Prepared struct {
	Payload  *typeddata.SignedPayload
	Decision authz.Decision
	State    ledger.State
}

// PartiallySigned 是否还缺作者签名
func (p *Prepared) PartiallySigned() bool {
	return p.Decision.RequireAuthorSignature && len(p.Payload.AuthorSignature) == 0
}

// Client 一个用户会话的评论客户端，持有该会话的乐观缓存
type Client struct {
	builder   *typeddata.Builder
	reader    *ledger.NonceReader
	authority *signer.Authority
	router    *authz.Router
	executor  *executor.Executor
	cache     *reconciler.Reconciler
	indexer   *indexer.Client
	locker    keylock.Locker
	log       logger.Logger

	deadlineTTL  time.Duration
	awaitTimeout time.Duration

	mu      sync.Mutex
	handles map[string]executor.TxHandle
	prefs   map[string]PrepareOptions
	waits   map[string]context.CancelFunc
}

// New 创建客户端
func New(
	builder *typeddata.Builder,
	l ledger.Ledger,
	authority *signer.Authority,
	router *authz.Router,
	exec *executor.Executor,
	cache *reconciler.Reconciler,
	opts Options,
) *Client {
	c := &Client{
		builder:      builder,
		reader:       ledger.NewNonceReader(l),
		authority:    authority,
		router:       router,
		executor:     exec,
		cache:        cache,
		indexer:      opts.Indexer,
		locker:       opts.Locker,
		log:          opts.Logger,
		deadlineTTL:  opts.DeadlineTTL,
		awaitTimeout: opts.AwaitTimeout,
		handles:      make(map[string]executor.TxHandle),
		prefs:        make(map[string]PrepareOptions),
		waits:        make(map[string]context.CancelFunc),
	}
	if c.locker == nil {
		c.locker = keylock.NewKeyedMutex()
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	if c.deadlineTTL <= 0 {
		c.deadlineTTL = DefaultDeadlineTTL
	}
	if c.awaitTimeout <= 0 {
		c.awaitTimeout = DefaultAwaitTimeout
	}
	return c
}

// Cache 会话缓存
func (c *Client) Cache() *reconciler.Reconciler {
	return c.cache
}

// PrepareOperation 读取最新 nonce/授权/账本时间，构建并签名。
// 同一 (author, app) 的读取-构建-签名是临界区。
func (c *Client) PrepareOperation(ctx context.Context, op typeddata.Operation, opts PrepareOptions) (*Prepared, error) {
	op, err := c.fillParties(op)
	if err != nil {
		return nil, err
	}
	h := typeddata.HeaderOf(op)
	unlock, err := c.locker.Lock(ctx, keylock.PairKey(h.Author, h.App))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.prepareLocked(ctx, op, opts, nil)
}

// Perform 在同一临界区内准备并提交，避免准备与提交之间被同一对的其他操作抢占 nonce
func (c *Client) Perform(ctx context.Context, op typeddata.Operation, opts PrepareOptions) (reconciler.Entry, error) {
	op, err := c.fillParties(op)
	if err != nil {
		return reconciler.Entry{}, err
	}
	h := typeddata.HeaderOf(op)
	unlock, err := c.locker.Lock(ctx, keylock.PairKey(h.Author, h.App))
	if err != nil {
		return reconciler.Entry{}, err
	}
	defer unlock()

	prepared, err := c.prepareLocked(ctx, op, opts, nil)
	if err != nil {
		return reconciler.Entry{}, err
	}
	if prepared.PartiallySigned() {
		return reconciler.Entry{}, signer.ErrNoSigner
	}
	return c.SubmitOperation(ctx, prepared.Payload, opts)
}

// prepareLocked minDeadline 非空时截止时间不早于它
func (c *Client) prepareLocked(ctx context.Context, op typeddata.Operation, opts PrepareOptions, minDeadline *big.Int) (*Prepared, error) {
	h := typeddata.HeaderOf(op)
	st, err := c.reader.Snapshot(ctx, h.Author, h.App)
	if err != nil {
		return nil, err
	}

	deadline := big.NewInt(st.Now.Add(c.deadlineTTL).Unix())
	if minDeadline != nil && deadline.Cmp(minDeadline) < 0 {
		deadline = new(big.Int).Set(minDeadline)
	}
	op = typeddata.WithNonce(op, st.Nonce)
	op = typeddata.WithDeadline(op, deadline)
	msg, err := c.builder.Build(op, st.Now)
	if err != nil {
		return nil, err
	}

	appSig, err := c.authority.Sign(ctx, msg, signer.RoleApp)
	if err != nil {
		return nil, err
	}

	decision := c.router.Resolve(op.Kind(), st.Approved, opts.PreferGasless)
	payload := &typeddata.SignedPayload{
		Operation:    op,
		Message:      msg,
		AppSignature: appSig,
		Submitter:    decision.Submitter,
	}
	if decision.RequireAuthorSignature {
		if _, ok := c.authority.Signer(signer.RoleAuthor); ok {
			if payload.AuthorSignature, err = c.authority.Sign(ctx, msg, signer.RoleAuthor); err != nil {
				return nil, err
			}
		}
	}

	c.log.Debug(ctx, "Operation prepared",
		logger.F("kind", string(op.Kind())),
		logger.F("nonce", st.Nonce.String()),
		logger.F("path", string(decision.Path)),
		logger.F("digest", msg.Digest.Hex()))
	return &Prepared{Payload: payload, Decision: decision, State: *st}, nil
}

// AttachAuthorSignature 把外部钱包产生的作者签名加到部分签名载荷上，签名必须有效
func (c *Client) AttachAuthorSignature(p *typeddata.SignedPayload, sig []byte) (*typeddata.SignedPayload, error) {
	if err := signer.RequireValid(p.Message, sig, p.Header().Author); err != nil {
		return nil, err
	}
	cp := *p
	cp.AuthorSignature = append([]byte(nil), sig...)
	return &cp, nil
}

// SubmitOperation 校验载荷、插入 pending 条目并提交。
// 账本拒绝与传输失败通过条目的 failed 状态体现，不作为错误返回；
// 校验、签名、授权错误直接返回。
func (c *Client) SubmitOperation(ctx context.Context, p *typeddata.SignedPayload, opts PrepareOptions) (reconciler.Entry, error) {
	p, err := c.canonical(p)
	if err != nil {
		return reconciler.Entry{}, err
	}
	if err := c.checkPayload(ctx, p); err != nil {
		return reconciler.Entry{}, err
	}

	draft := draftOf(p, opts.EntryKind)
	entry, err := c.cache.Begin(draft)
	if err != nil {
		return reconciler.Entry{}, err
	}
	c.mu.Lock()
	c.prefs[entry.ActionID] = opts
	c.mu.Unlock()
	return c.submitEntry(ctx, entry, p)
}

func (c *Client) submitEntry(ctx context.Context, entry reconciler.Entry, p *typeddata.SignedPayload) (reconciler.Entry, error) {
	h, err := c.executor.Submit(ctx, p)
	if err != nil {
		failed, ferr := c.cache.Fail(entry.LocalID, err)
		if ferr != nil {
			return entry, ferr
		}
		c.log.Warn(ctx, "Submission failed", logger.F("local_id", entry.LocalID), logger.F("error", err))
		switch errcode.KindOf(err) {
		case errcode.KindLedger, errcode.KindTransport:
			return failed, nil
		}
		return failed, err
	}
	c.mu.Lock()
	c.handles[entry.LocalID] = h
	c.mu.Unlock()
	return c.cache.MarkSubmitted(entry.LocalID, h.TxHash)
}

// AwaitOperation 等待条目的交易结果并更新缓存。超时条目保持 pending，可再次等待
func (c *Client) AwaitOperation(ctx context.Context, localID string) (reconciler.Entry, error) {
	c.mu.Lock()
	h, ok := c.handles[localID]
	if !ok {
		c.mu.Unlock()
		return reconciler.Entry{}, reconciler.ErrEntryNotFound
	}
	waitCtx, cancel := context.WithCancel(ctx)
	if prev, exists := c.waits[localID]; exists {
		prev()
	}
	c.waits[localID] = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.waits, localID)
		c.mu.Unlock()
	}()

	out := c.executor.AwaitOutcome(waitCtx, h, c.awaitTimeout)
	entry, err := c.Reconcile(localID, out)
	if errors.Is(err, reconciler.ErrEntryNotFound) && out.Status == executor.OutcomeSuccess {
		// 已被带外确认
		return reconciler.Entry{LocalID: localID, Status: reconciler.StatusConfirmed, TxHash: h.TxHash}, nil
	}
	return entry, err
}

// CancelWait 取消对条目的等待。已广播的交易不受影响
func (c *Client) CancelWait(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.waits[localID]; ok {
		cancel()
	}
}

// Reconcile 把外部获得的结果应用到条目
func (c *Client) Reconcile(localID string, out executor.Outcome) (reconciler.Entry, error) {
	entry, err := c.cache.Reconcile(localID, out)
	if err != nil {
		return entry, err
	}
	if entry.Status != reconciler.StatusPending {
		c.mu.Lock()
		delete(c.handles, localID)
		c.mu.Unlock()
	}
	return entry, nil
}

// RetryOperation 对失败条目重试：重新读取 nonce 并重建、重签，从不复用失败载荷
func (c *Client) RetryOperation(ctx context.Context, localID string) (reconciler.Entry, error) {
	old, ok := c.cache.Entry(localID)
	if !ok {
		return reconciler.Entry{}, reconciler.ErrEntryNotFound
	}
	if old.Status == reconciler.StatusPending {
		return reconciler.Entry{}, reconciler.ErrInFlight
	}
	if !old.CanRetry() || old.Operation == nil {
		return reconciler.Entry{}, reconciler.ErrNotFailed
	}
	c.mu.Lock()
	opts := c.prefs[old.ActionID]
	c.mu.Unlock()
	if opts.EntryKind == "" {
		opts.EntryKind = old.Kind
	}

	h := typeddata.HeaderOf(old.Operation)
	unlock, err := c.locker.Lock(ctx, keylock.PairKey(h.Author, h.App))
	if err != nil {
		return reconciler.Entry{}, err
	}
	defer unlock()

	// 回滚和传输失败都不消耗 nonce，同一秒内重建会得到与失败载荷相同的摘要；
	// 截止时间严格晚于失败载荷，保证重建的是新载荷
	var minDeadline *big.Int
	if d := h.Deadline; d != nil {
		minDeadline = new(big.Int).Add(d, big.NewInt(1))
	}
	prepared, err := c.prepareLocked(ctx, old.Operation, opts, minDeadline)
	if err != nil {
		return reconciler.Entry{}, err
	}
	if prepared.PartiallySigned() {
		return reconciler.Entry{}, signer.ErrNoSigner
	}
	entry, err := c.cache.Retry(localID, draftOf(prepared.Payload, opts.EntryKind))
	if err != nil {
		return reconciler.Entry{}, err
	}
	c.mu.Lock()
	delete(c.handles, localID)
	c.mu.Unlock()
	return c.submitEntry(ctx, entry, prepared.Payload)
}

// Dismiss 移除失败条目
func (c *Client) Dismiss(localID string) error {
	return c.cache.Dismiss(localID)
}

// Hydrate 从索引服务加载已确认记录，同时可能确认超时未决的条目
func (c *Client) Hydrate(ctx context.Context, q indexer.Query, maxPages int) ([]reconciler.Entry, error) {
	if c.indexer == nil {
		return nil, errcode.New(errcode.KindInternal, "no_indexer", "indexer is not configured")
	}
	var confirmed []reconciler.Entry
	err := c.indexer.Walk(ctx, q, maxPages, func(items []indexer.Comment) bool {
		records := make([]reconciler.Record, 0, len(items))
		for _, it := range items {
			records = append(records, RecordOf(it))
		}
		confirmed = append(confirmed, c.cache.Observe(records)...)
		return true
	})
	for _, e := range confirmed {
		c.mu.Lock()
		delete(c.handles, e.LocalID)
		c.mu.Unlock()
	}
	return confirmed, err
}

// Snapshot 直接读账本的 nonce/授权/时间
func (c *Client) Snapshot(ctx context.Context, author common.Address) (*ledger.State, error) {
	app, ok := c.authority.Address(signer.RoleApp)
	if !ok {
		return nil, signer.ErrNoSigner
	}
	return c.reader.Snapshot(ctx, author, app)
}

// View 当前可见列表
func (c *Client) View() []reconciler.Item {
	return c.cache.View()
}

// fillParties 补齐作者与 app 地址
func (c *Client) fillParties(op typeddata.Operation) (typeddata.Operation, error) {
	if op == nil {
		return nil, errcode.New(errcode.KindValidation, "empty_operation", "operation is required")
	}
	h := typeddata.HeaderOf(op)
	app, ok := c.authority.Address(signer.RoleApp)
	if !ok {
		return nil, signer.ErrNoSigner
	}
	if h.App != (common.Address{}) && h.App != app {
		return nil, errcode.New(errcode.KindAuthorization, "foreign_app", "operation names a different app signer")
	}
	if h.Author == (common.Address{}) {
		author, ok := c.authority.Address(signer.RoleAuthor)
		if !ok {
			return nil, errcode.New(errcode.KindValidation, "missing_author", "operation has no author")
		}
		h.Author = author
	}
	h.App = app
	return typeddata.WithParties(op, h.Author, h.App), nil
}

// canonical 用本地 Builder 重新编码，载荷携带的摘要必须一致
func (c *Client) canonical(p *typeddata.SignedPayload) (*typeddata.SignedPayload, error) {
	if p == nil || p.Operation == nil {
		return nil, errcode.New(errcode.KindValidation, "empty_payload", "payload is empty")
	}
	msg, err := c.builder.Encode(p.Operation)
	if err != nil {
		return nil, err
	}
	if p.Message != nil && p.Message.Digest != (common.Hash{}) && p.Message.Digest != msg.Digest {
		return nil, signer.ErrMalformedMessage
	}
	cp := *p
	cp.Message = msg
	return &cp, nil
}

// checkPayload 提交前本地校验：签名有效、授权路径满足
func (c *Client) checkPayload(ctx context.Context, p *typeddata.SignedPayload) error {
	h := p.Header()
	if err := signer.RequireValid(p.Message, p.AppSignature, h.App); err != nil {
		return err
	}
	if len(p.AuthorSignature) > 0 {
		if err := signer.RequireValid(p.Message, p.AuthorSignature, h.Author); err != nil {
			return err
		}
	}
	approved := false
	if p.Submitter == typeddata.SubmitterRelayer && len(p.AuthorSignature) == 0 {
		var err error
		if approved, err = c.reader.IsApproved(ctx, h.Author, h.App); err != nil {
			return err
		}
	}
	return c.router.Check(p, approved)
}
