package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"comments-relay/apps/comment-service/dao"
	"comments-relay/apps/comment-service/model"
	"comments-relay/pkg/authz"
	"comments-relay/pkg/errcode"
	"comments-relay/pkg/executor"
	"comments-relay/pkg/kafka"
	"comments-relay/pkg/keylock"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/signer"
	"comments-relay/pkg/snowflake"
	"comments-relay/pkg/telemetry"
	"comments-relay/pkg/typeddata"
)

const (
	DefaultDeadlineTTL  = 5 * time.Minute
	DefaultAwaitTimeout = 30 * time.Second
	// settleTimeout 结果落库与发事件的独立超时，不受请求或停机取消影响
	settleTimeout = 5 * time.Second
	resumeLimit   = 500
)

var (
	// ErrForeignApp 操作指定的 app 不是本服务
	ErrForeignApp = errcode.New(errcode.KindAuthorization, "foreign_app", "operation names a different app")
	// ErrDigestMismatch 调用方摘要与本服务重新计算的规范化摘要不一致
	ErrDigestMismatch = errcode.New(errcode.KindValidation, "digest_mismatch", "digest does not match the canonical typed data")
	// ErrNotRelayable 载荷声明由作者自己提交
	ErrNotRelayable = errcode.New(errcode.KindAuthorization, "not_relayable", "payload is not addressed to the relayer")
	// ErrNonceReserved 同一 nonce 已有进行中的提交
	ErrNonceReserved = errcode.New(errcode.KindLedger, "nonce_reserved", "another payload for this nonce is in flight")
)

// Deps 服务依赖
type Deps struct {
	Builder   *typeddata.Builder
	Ledger    ledger.Ledger
	AppSigner signer.Signer
	Router    *authz.Router
	Executor  *executor.Executor
	Relayer   common.Address
	DAO       dao.SubmissionDAO
	IDs       *snowflake.Snowflake
	// Locker 为空时使用进程内锁
	Locker keylock.Locker
	// Claimer 为空时只依赖日志的唯一约束
	Claimer Claimer
	Events  kafka.EventPublisher
	Guard   ContentGuard
	Logger  logger.Logger

	DeadlineTTL  time.Duration
	AwaitTimeout time.Duration
}

// Service 签名服务与代付中继
type Service struct {
	builder  *typeddata.Builder
	ledger   ledger.Ledger
	reader   *ledger.NonceReader
	app      signer.Signer
	router   *authz.Router
	executor *executor.Executor
	relayer  common.Address
	dao      dao.SubmissionDAO
	ids      *snowflake.Snowflake
	locker   keylock.Locker
	claims   Claimer
	events   kafka.EventPublisher
	guard    ContentGuard
	logger   logger.Logger

	deadlineTTL  time.Duration
	awaitTimeout time.Duration

	// 后台等待使用服务自己的上下文，请求结束后继续
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建服务实例
func NewService(d Deps) *Service {
	s := &Service{
		builder:      d.Builder,
		ledger:       d.Ledger,
		reader:       ledger.NewNonceReader(d.Ledger),
		app:          d.AppSigner,
		router:       d.Router,
		executor:     d.Executor,
		relayer:      d.Relayer,
		dao:          d.DAO,
		ids:          d.IDs,
		locker:       d.Locker,
		claims:       d.Claimer,
		events:       d.Events,
		guard:        d.Guard,
		logger:       d.Logger,
		deadlineTTL:  d.DeadlineTTL,
		awaitTimeout: d.AwaitTimeout,
	}
	if s.locker == nil {
		s.locker = keylock.NewKeyedMutex()
	}
	if s.events == nil {
		s.events = kafka.NopPublisher{}
	}
	if s.guard == nil {
		s.guard = NewContentGuard(0, nil)
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	if s.deadlineTTL <= 0 {
		s.deadlineTTL = DefaultDeadlineTTL
	}
	if s.awaitTimeout <= 0 {
		s.awaitTimeout = DefaultAwaitTimeout
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// AppAddress app 签名者地址
func (s *Service) AppAddress() common.Address {
	return s.app.Address()
}

// Cosign 联署调用方构建好的类型化数据。用本服务的域重新构建并比对摘要，
// 内容与截止时间检查通过后才签名
func (s *Service) Cosign(ctx context.Context, req *signer.CosignRequest) (*signer.CosignResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "comment.service.Cosign")
	defer span.End()

	op, err := typeddata.Decode(req.TypedData)
	if err != nil {
		return nil, failSpan(span, err)
	}
	h := typeddata.HeaderOf(op)
	span.SetAttributes(
		attribute.String("op.kind", string(op.Kind())),
		attribute.String("op.author", h.Author.Hex()),
	)
	if h.App != s.app.Address() {
		return nil, failSpan(span, ErrForeignApp)
	}
	if err := s.guard.Check(op); err != nil {
		return nil, failSpan(span, err)
	}

	now, err := s.reader.Now(ctx)
	if err != nil {
		return nil, failSpan(span, err)
	}
	msg, err := s.builder.Build(op, now)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if msg.Digest != req.Digest {
		s.logger.Warn(ctx, "Cosign digest mismatch",
			logger.F("expected", msg.Digest.Hex()),
			logger.F("got", req.Digest.Hex()))
		return nil, failSpan(span, ErrDigestMismatch)
	}

	sig, err := s.app.Sign(ctx, msg)
	if err != nil {
		return nil, failSpan(span, err)
	}
	s.logger.Info(ctx, "Operation cosigned",
		logger.F("kind", string(op.Kind())),
		logger.F("author", h.Author.Hex()),
		logger.F("digest", msg.Digest.Hex()))
	return &signer.CosignResponse{Signature: sig, Signer: s.app.Address(), Digest: msg.Digest}, nil
}

// Sign 读取账本 nonce 后构建并联署，返回需要作者签名的类型化数据
func (s *Service) Sign(ctx context.Context, req *model.SignRequest) (*model.SignResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "comment.service.Sign")
	defer span.End()

	op, err := req.Decode()
	if err != nil {
		return nil, failSpan(span, err)
	}
	h := typeddata.HeaderOf(op)
	app := s.app.Address()
	if h.App != (common.Address{}) && h.App != app {
		return nil, failSpan(span, ErrForeignApp)
	}
	if h.Author == (common.Address{}) {
		return nil, failSpan(span, errcode.New(errcode.KindValidation, "author_required", "author is required"))
	}
	span.SetAttributes(
		attribute.String("op.kind", string(op.Kind())),
		attribute.String("op.author", h.Author.Hex()),
		attribute.Bool("op.gasless", req.Gasless),
	)
	if err := s.guard.Check(op); err != nil {
		return nil, failSpan(span, err)
	}

	unlock, err := s.locker.Lock(ctx, keylock.PairKey(h.Author, app))
	if err != nil {
		return nil, failSpan(span, err)
	}
	defer unlock()

	state, err := s.reader.Snapshot(ctx, h.Author, app)
	if err != nil {
		return nil, failSpan(span, err)
	}
	deadline := big.NewInt(state.Now.Add(s.deadlineTTL).Unix())
	op = typeddata.WithParties(op, h.Author, app)
	op = typeddata.WithNonce(op, state.Nonce)
	op = typeddata.WithDeadline(op, deadline)

	msg, err := s.builder.Build(op, state.Now)
	if err != nil {
		return nil, failSpan(span, err)
	}
	sig, err := s.app.Sign(ctx, msg)
	if err != nil {
		return nil, failSpan(span, err)
	}
	decision := s.router.Resolve(op.Kind(), state.Approved, req.Gasless)

	resp := &model.SignResponse{
		TypedData:              msg.TypedData,
		Digest:                 msg.Digest,
		AppSignature:           sig,
		Submitter:              decision.Submitter,
		RequireAuthorSignature: decision.RequireAuthorSignature,
		Nonce:                  state.Nonce,
		Deadline:               deadline,
	}
	if op.Kind() == typeddata.KindAddComment {
		resp.CommentID = msg.Digest
	}
	s.logger.Info(ctx, "Operation signed",
		logger.F("kind", string(op.Kind())),
		logger.F("author", h.Author.Hex()),
		logger.F("nonce", state.Nonce.String()),
		logger.F("path", string(decision.Path)))
	return resp, nil
}

// Relay 用 relayer 账户提交载荷。重新校验签名与授权，记录日志后提交，
// 结果在后台等待。同一载荷重复请求返回已有记录
func (s *Service) Relay(ctx context.Context, p *typeddata.SignedPayload) (*model.Submission, error) {
	ctx, span := telemetry.StartSpan(ctx, "comment.service.Relay")
	defer span.End()

	if p == nil || p.Operation == nil {
		return nil, failSpan(span, errcode.New(errcode.KindValidation, "empty_payload", "payload is empty"))
	}
	cp := *p
	if cp.Submitter == "" {
		cp.Submitter = typeddata.SubmitterRelayer
	}
	if cp.Submitter != typeddata.SubmitterRelayer {
		return nil, failSpan(span, ErrNotRelayable)
	}
	h := cp.Header()
	if h.App != s.app.Address() {
		return nil, failSpan(span, ErrForeignApp)
	}

	msg, err := s.builder.Encode(cp.Operation)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if p.Message != nil && p.Message.Digest != (common.Hash{}) && p.Message.Digest != msg.Digest {
		return nil, failSpan(span, signer.ErrMalformedMessage)
	}
	cp.Message = msg
	digest := msg.Digest.Hex()
	span.SetAttributes(
		attribute.String("op.kind", string(cp.Kind())),
		attribute.String("op.author", h.Author.Hex()),
		attribute.String("op.digest", digest),
	)

	if existing, err := s.dao.GetByDigest(ctx, digest); err == nil {
		return existing, nil
	} else if !errors.Is(err, dao.ErrNotFound) {
		return nil, failSpan(span, errcode.Wrap(errcode.KindInternal, "journal_read", "read submission journal", err))
	}

	if err := s.guard.Check(cp.Operation); err != nil {
		return nil, failSpan(span, err)
	}
	if err := signer.RequireValid(msg, cp.AppSignature, h.App); err != nil {
		return nil, failSpan(span, err)
	}
	if len(cp.AuthorSignature) > 0 {
		if err := signer.RequireValid(msg, cp.AuthorSignature, h.Author); err != nil {
			return nil, failSpan(span, err)
		}
	}

	unlock, err := s.locker.Lock(ctx, keylock.PairKey(h.Author, h.App))
	if err != nil {
		return nil, failSpan(span, err)
	}
	defer unlock()

	state, err := s.reader.Snapshot(ctx, h.Author, h.App)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if err := checkFresh(h, state); err != nil {
		return nil, failSpan(span, err)
	}
	if err := s.router.Check(&cp, state.Approved); err != nil {
		return nil, failSpan(span, err)
	}

	claimKey := model.ClaimPrefix + digest
	if s.claims != nil {
		ok, err := s.claims.Claim(ctx, claimKey, model.ClaimTTL)
		if err != nil {
			return nil, failSpan(span, err)
		}
		if !ok {
			return nil, failSpan(span, executor.ErrAlreadySubmitted)
		}
	}

	row, err := s.record(ctx, &cp)
	if err != nil {
		s.releaseClaim(claimKey)
		return nil, failSpan(span, err)
	}

	handle, err := s.executor.Submit(ctx, &cp)
	if err != nil {
		s.releaseClaim(claimKey)
		s.settle(row, model.StatusFailed, dao.StatusUpdate{Reason: err.Error()})
		return nil, failSpan(span, err)
	}

	row.Status = model.StatusSubmitted
	row.TxHash = handle.TxHash.Hex()
	if err := s.dao.UpdateStatus(ctx, row.ID, dao.StatusUpdate{Status: model.StatusSubmitted, TxHash: row.TxHash}); err != nil {
		// 交易已被账本接收，日志写失败不影响结果，后台等待仍会落库
		s.logger.Error(ctx, "Failed to journal submission", logger.F("digest", digest), logger.F("error", err))
	}
	s.publish(ctx, kafka.EventSubmitted, row)
	span.SetAttributes(attribute.String("tx.hash", row.TxHash))

	out := *row
	s.wg.Add(1)
	go s.await(row, handle)

	return &out, nil
}

// checkFresh 提前拒绝注定会被账本回滚的载荷
func checkFresh(h typeddata.Header, state *ledger.State) error {
	if h.Deadline == nil || h.Deadline.Cmp(big.NewInt(state.Now.Unix())) <= 0 {
		return ledger.ErrDeadlineExpired
	}
	if h.Nonce == nil {
		return ledger.ErrInvalidNonce
	}
	switch h.Nonce.Cmp(state.Nonce) {
	case -1:
		return ledger.ErrNonceUsed
	case 1:
		return ledger.ErrInvalidNonce
	}
	return nil
}

// record 写入 pending 日志
func (s *Service) record(ctx context.Context, p *typeddata.SignedPayload) (*model.Submission, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "id_generation", "generate submission id", err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "encode_payload", "encode payload", err)
	}
	h := p.Header()
	row := &model.Submission{
		ID:        id,
		Digest:    p.Digest().Hex(),
		Kind:      string(p.Kind()),
		Author:    h.Author.Hex(),
		App:       h.App.Hex(),
		Nonce:     h.Nonce.String(),
		Submitter: s.relayer.Hex(),
		Status:    model.StatusPending,
		Payload:   string(body),
	}
	if p.Kind() == typeddata.KindAddComment {
		row.CommentID = row.Digest
	}
	if err := s.dao.Create(ctx, row); err != nil {
		if errors.Is(err, dao.ErrDuplicate) {
			return nil, ErrNonceReserved
		}
		return nil, errcode.Wrap(errcode.KindInternal, "journal_write", "write submission journal", err)
	}
	return row, nil
}

// await 等待交易结果并落库
func (s *Service) await(row *model.Submission, h executor.TxHandle) {
	defer s.wg.Done()

	out := s.executor.AwaitOutcome(s.ctx, h, s.awaitTimeout)
	switch out.Status {
	case executor.OutcomeSuccess:
		s.settle(row, model.StatusConfirmed, confirmedUpdate(row, out.Receipt))
	case executor.OutcomeReverted:
		s.settle(row, model.StatusFailed, dao.StatusUpdate{Reason: errorText(out.Err), BlockNumber: blockOf(out.Receipt)})
	default:
		s.settle(row, model.StatusTimedOut, dao.StatusUpdate{})
	}
}

func confirmedUpdate(row *model.Submission, rc *ledger.Receipt) dao.StatusUpdate {
	u := dao.StatusUpdate{BlockNumber: blockOf(rc)}
	if rc != nil {
		if id, ok := rc.CommentID(); ok {
			u.CommentID = id.Hex()
		}
	}
	return u
}

func blockOf(rc *ledger.Receipt) uint64 {
	if rc == nil {
		return 0
	}
	return rc.BlockNumber
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// settle 更新日志并发布事件
func (s *Service) settle(row *model.Submission, status model.SubmissionStatus, u dao.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	u.Status = status
	if err := s.dao.UpdateStatus(ctx, row.ID, u); err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			// 已由另一条路径落定（后台等待与状态查询并发）
			return
		}
		s.logger.Error(ctx, "Failed to update submission", logger.F("digest", row.Digest), logger.F("status", string(status)), logger.F("error", err))
	}
	row.Status = status
	if u.CommentID != "" {
		row.CommentID = u.CommentID
	}
	if u.BlockNumber != 0 {
		row.BlockNumber = u.BlockNumber
	}
	if u.Reason != "" {
		row.Reason = u.Reason
	}

	s.publish(ctx, eventOf(status), row)
	s.logger.Info(ctx, "Submission settled",
		logger.F("digest", row.Digest),
		logger.F("status", string(status)),
		logger.F("tx", row.TxHash),
		logger.F("reason", row.Reason))
}

func eventOf(status model.SubmissionStatus) kafka.EventType {
	switch status {
	case model.StatusConfirmed:
		return kafka.EventConfirmed
	case model.StatusFailed:
		return kafka.EventFailed
	case model.StatusTimedOut:
		return kafka.EventTimedOut
	}
	return kafka.EventSubmitted
}

// publish 事件发布失败只记录日志，日志表是权威状态
func (s *Service) publish(ctx context.Context, typ kafka.EventType, row *model.Submission) {
	ev := kafka.RelayEvent{
		Type:        typ,
		Kind:        row.Kind,
		Digest:      row.Digest,
		Author:      row.Author,
		App:         row.App,
		Nonce:       row.Nonce,
		TxHash:      row.TxHash,
		CommentID:   row.CommentID,
		BlockNumber: row.BlockNumber,
		Reason:      row.Reason,
		At:          time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "Failed to publish relay event", logger.F("type", string(typ)), logger.F("digest", row.Digest), logger.F("error", err))
	}
}

func (s *Service) releaseClaim(key string) {
	if s.claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := s.claims.Release(ctx, key); err != nil {
		s.logger.Warn(ctx, "Failed to release relay claim", logger.F("key", key), logger.F("error", err))
	}
}

// Status 查询提交状态。结果未知的记录会再查一次回执
func (s *Service) Status(ctx context.Context, digest common.Hash) (*model.Submission, error) {
	ctx, span := telemetry.StartSpan(ctx, "comment.service.Status")
	defer span.End()
	span.SetAttributes(attribute.String("op.digest", digest.Hex()))

	row, err := s.dao.GetByDigest(ctx, digest.Hex())
	if errors.Is(err, dao.ErrNotFound) {
		return nil, failSpan(span, errcode.Wrap(errcode.KindValidation, "submission_not_found", "no submission for digest", err))
	}
	if err != nil {
		return nil, failSpan(span, errcode.Wrap(errcode.KindInternal, "journal_read", "read submission journal", err))
	}
	if row.Status != model.StatusSubmitted && row.Status != model.StatusTimedOut {
		return row, nil
	}

	rc, err := s.ledger.GetTransactionReceipt(ctx, common.HexToHash(row.TxHash))
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrReceiptNotFound):
		return row, nil
	default:
		s.logger.Warn(ctx, "Receipt lookup failed", logger.F("tx", row.TxHash), logger.F("error", err))
		return row, nil
	}
	if rc.Status == ledger.StatusSuccess {
		s.settle(row, model.StatusConfirmed, confirmedUpdate(row, rc))
	} else {
		s.settle(row, model.StatusFailed, dao.StatusUpdate{Reason: errorText(rc.Err()), BlockNumber: rc.BlockNumber})
	}
	return row, nil
}

// Recent 作者最近的提交
func (s *Service) Recent(ctx context.Context, author common.Address, limit int) ([]*model.Submission, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.dao.ListByAuthor(ctx, author.Hex(), s.app.Address().Hex(), limit)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "journal_read", "read submission journal", err)
	}
	return rows, nil
}

// Approval 授权状态与 nonce，直接读账本
func (s *Service) Approval(ctx context.Context, req *model.ApprovalRequest) (*model.ApprovalResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "comment.service.Approval")
	defer span.End()

	app := s.app.Address()
	if req.App != nil && *req.App != (common.Address{}) {
		app = *req.App
	}
	state, err := s.reader.Snapshot(ctx, req.Author, app)
	if err != nil {
		return nil, failSpan(span, err)
	}
	return &model.ApprovalResponse{
		Author:   req.Author,
		App:      app,
		Approved: state.Approved,
		Nonce:    state.Nonce,
		Now:      state.Now,
	}, nil
}

// Resume 重启后继续等待结果未知的提交
func (s *Service) Resume(ctx context.Context) error {
	rows, err := s.dao.ListUnfinished(ctx, resumeLimit)
	if err != nil {
		return fmt.Errorf("list unfinished submissions: %w", err)
	}
	for _, row := range rows {
		if row.TxHash == "" {
			continue
		}
		h := executor.TxHandle{
			TxHash:    common.HexToHash(row.TxHash),
			Digest:    common.HexToHash(row.Digest),
			Kind:      typeddata.Kind(row.Kind),
			Submitter: common.HexToAddress(row.Submitter),
		}
		s.wg.Add(1)
		go s.await(row, h)
	}
	if len(rows) > 0 {
		s.logger.Info(ctx, "Resumed pending submissions", logger.F("count", len(rows)))
	}
	return nil
}

// Close 停止后台等待；未完成的记录保持 submitted/timed_out，重启后由 Resume 接管
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errcode.KindOf(err)))
	return err
}
