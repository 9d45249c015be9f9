// Package executor 把组装好的载荷发送到账本，并等待最终结果。
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/authz"
	"comments-relay/pkg/errcode"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/typeddata"
)

// DefaultPollInterval 回执轮询间隔
const DefaultPollInterval = time.Second

// ErrAlreadySubmitted 同一载荷只能提交一次
var ErrAlreadySubmitted = errcode.New(errcode.KindLedger, "already_submitted", "payload was already submitted")

// TxHandle 已被账本接收的交易
type TxHandle struct {
	TxHash      common.Hash
	Digest      common.Hash
	Kind        typeddata.Kind
	Submitter   common.Address
	SubmittedAt time.Time
}

// OutcomeStatus 等待结果
type OutcomeStatus int

const (
	OutcomeSuccess OutcomeStatus = iota + 1
	OutcomeReverted
	// OutcomeTimedOut 结果未知，交易可能稍后仍会上链，不能当作失败
	OutcomeTimedOut
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeReverted:
		return "reverted"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Outcome 交易结果；Reverted 时 Err 为回滚原因，TimedOut 时 Err 为最后一次查询错误（可能为空）
type Outcome struct {
	Status  OutcomeStatus
	Receipt *ledger.Receipt
	Err     error
}

type submission struct {
	handle   TxHandle
	inFlight bool
}

// Executor 提交执行器
type Executor struct {
	ledger       ledger.Ledger
	relayer      common.Address
	policy       RetryPolicy
	pollInterval time.Duration
	log          logger.Logger
	now          func() time.Time

	mu          sync.Mutex
	submissions map[common.Hash]*submission
}

// Option 执行器选项
type Option func(*Executor)

// WithRetryPolicy 设置重试策略
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithPollInterval 设置回执轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// NewExecutor relayer 为 gasless 路径的提交账户
func NewExecutor(l ledger.Ledger, relayer common.Address, opts ...Option) *Executor {
	e := &Executor{
		ledger:       l,
		relayer:      relayer,
		policy:       DefaultRetryPolicy(),
		pollInterval: DefaultPollInterval,
		log:          logger.Nop(),
		now:          time.Now,
		submissions:  make(map[common.Hash]*submission),
	}
	for _, fn := range opts {
		fn(e)
	}
	return e
}

// Submit 发送载荷。同一摘要至多被账本接收一次；
// 传输失败按策略重发同一载荷，账本拒绝直接返回。
func (e *Executor) Submit(ctx context.Context, p *typeddata.SignedPayload) (TxHandle, error) {
	if p == nil || p.Operation == nil || p.Message == nil {
		return TxHandle{}, errcode.New(errcode.KindValidation, "empty_payload", "payload is empty")
	}
	digest := p.Digest()
	if err := e.reserve(digest); err != nil {
		return TxHandle{}, err
	}

	tx := &ledger.Transaction{Payload: p, Submitter: authz.SubmitterAddress(p, e.relayer)}
	attempt := 0
	hash, err := backoff.Retry(ctx, func() (common.Hash, error) {
		attempt++
		h, err := e.ledger.SubmitTransaction(ctx, tx)
		if err == nil {
			return h, nil
		}
		if !e.policy.ShouldRetry(err) {
			return common.Hash{}, backoff.Permanent(err)
		}
		e.log.Warn(ctx, "Submit attempt failed", logger.F("digest", digest.Hex()), logger.F("attempt", attempt), logger.F("error", err))
		return common.Hash{}, err
	}, backoff.WithBackOff(e.policy.backOff()), backoff.WithMaxTries(e.policy.attempts()), backoff.WithMaxElapsedTime(0))
	if err != nil {
		e.abandon(digest, err)
		return TxHandle{}, err
	}

	h := TxHandle{
		TxHash:      hash,
		Digest:      digest,
		Kind:        p.Kind(),
		Submitter:   tx.Submitter,
		SubmittedAt: e.now(),
	}
	e.mu.Lock()
	e.submissions[digest] = &submission{handle: h}
	e.mu.Unlock()

	e.log.Info(ctx, "Payload submitted",
		logger.F("kind", string(h.Kind)),
		logger.F("digest", digest.Hex()),
		logger.F("tx", hash.Hex()),
		logger.F("submitter", h.Submitter.Hex()),
		logger.F("attempts", attempt))
	return h, nil
}

// Handle 查询已提交载荷的交易句柄
func (e *Executor) Handle(digest common.Hash) (TxHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.submissions[digest]
	if !ok || s.inFlight {
		return TxHandle{}, false
	}
	return s.handle, true
}

func (e *Executor) reserve(digest common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.submissions[digest]; ok {
		return ErrAlreadySubmitted
	}
	e.submissions[digest] = &submission{inFlight: true}
	return nil
}

// abandon 传输失败（账本没有接收）或取消时允许原样重发；账本拒绝后载荷作废
func (e *Executor) abandon(digest common.Hash, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if errcode.Retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		delete(e.submissions, digest)
		return
	}
	e.submissions[digest] = &submission{}
}

// AwaitOutcome 轮询回执直到交易最终确定或超时。
// 超时或 ctx 取消只结束本次等待，链上交易不受影响，结果为 OutcomeTimedOut。
func (e *Executor) AwaitOutcome(ctx context.Context, h TxHandle, timeout time.Duration) Outcome {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		rc, err := e.ledger.GetTransactionReceipt(waitCtx, h.TxHash)
		switch {
		case err == nil:
			return outcomeOf(rc)
		case errors.Is(err, ledger.ErrReceiptNotFound):
		default:
			if waitCtx.Err() == nil {
				lastErr = err
				e.log.Debug(ctx, "Receipt poll failed", logger.F("tx", h.TxHash.Hex()), logger.F("error", err))
			}
		}

		select {
		case <-waitCtx.Done():
			e.log.Info(ctx, "Await timed out", logger.F("tx", h.TxHash.Hex()), logger.F("timeout", timeout.String()))
			return Outcome{Status: OutcomeTimedOut, Err: lastErr}
		case <-ticker.C:
		}
	}
}

func outcomeOf(rc *ledger.Receipt) Outcome {
	if rc.Status == ledger.StatusSuccess {
		return Outcome{Status: OutcomeSuccess, Receipt: rc}
	}
	return Outcome{Status: OutcomeReverted, Receipt: rc, Err: rc.Err()}
}
