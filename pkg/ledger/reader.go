package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"comments-relay/pkg/errcode"
)

// State 构建类型化数据前的一次账本快照
type State struct {
	Nonce    *big.Int
	Approved bool
	Now      time.Time
}

// NonceReader nonce/授权/时间的只读适配器。
// 不做任何缓存：另一个设备或标签页的操作随时会推进 nonce。
type NonceReader struct {
	ledger Ledger
}

// NewNonceReader 创建只读适配器
func NewNonceReader(l Ledger) *NonceReader {
	return &NonceReader{ledger: l}
}

// CurrentNonce 当前 nonce
func (r *NonceReader) CurrentNonce(ctx context.Context, author, app common.Address) (*big.Int, error) {
	n, err := r.ledger.ReadNonce(ctx, author, app)
	if err != nil {
		return nil, classifyRead("read nonce", err)
	}
	return n, nil
}

// IsApproved 作者是否授权了 app
func (r *NonceReader) IsApproved(ctx context.Context, author, app common.Address) (bool, error) {
	ok, err := r.ledger.ReadApproval(ctx, author, app)
	if err != nil {
		return false, classifyRead("read approval", err)
	}
	return ok, nil
}

// Now 账本时间
func (r *NonceReader) Now(ctx context.Context) (time.Time, error) {
	t, err := r.ledger.Now(ctx)
	if err != nil {
		return time.Time{}, classifyRead("read ledger time", err)
	}
	return t, nil
}

// Snapshot 并发读取 nonce、授权和账本时间
func (r *NonceReader) Snapshot(ctx context.Context, author, app common.Address) (*State, error) {
	var st State
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.CurrentNonce(gctx, author, app)
		st.Nonce = n
		return err
	})
	g.Go(func() error {
		ok, err := r.IsApproved(gctx, author, app)
		st.Approved = ok
		return err
	})
	g.Go(func() error {
		t, err := r.Now(gctx)
		st.Now = t
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &st, nil
}

func classifyRead(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var e *errcode.Error
	if errors.As(err, &e) {
		return err
	}
	return errcode.Wrap(errcode.KindTransport, "ledger_read", op, err)
}
