package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

type abiMetadata struct {
	Key   [32]byte
	Value []byte
}

type abiCommentData struct {
	Content   string
	Metadata  []abiMetadata
	TargetUri string
	ParentId  [32]byte
	Author    common.Address
	App       common.Address
	Nonce     *big.Int
	Deadline  *big.Int
}

type abiEditData struct {
	CommentId [32]byte
	Content   string
	Metadata  []abiMetadata
	Author    common.Address
	App       common.Address
	Nonce     *big.Int
	Deadline  *big.Int
}

type abiDeleteData struct {
	CommentId [32]byte
	Author    common.Address
	App       common.Address
	Nonce     *big.Int
	Deadline  *big.Int
}

type abiApprovalData struct {
	Author   common.Address
	App      common.Address
	Nonce    *big.Int
	Deadline *big.Int
}

// abiEvent 合约事件的并集，UnpackLog 按字段名填充
type abiEvent struct {
	CommentId [32]byte
	Author    common.Address
	App       common.Address
	Nonce     *big.Int
	ParentId  [32]byte
	TargetUri string
	Content   string
}

// EthLedger 基于 JSON-RPC 的链上账本
type EthLedger struct {
	client   *ethclient.Client
	address  common.Address
	parsed   abi.ABI
	contract *bind.BoundContract
	chainID  *big.Int

	mu         sync.RWMutex
	submitters map[common.Address]*bind.TransactOpts
}

// DialEthLedger 连接节点并绑定评论合约
func DialEthLedger(ctx context.Context, rpcURL string, contract common.Address) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindTransport, "rpc_dial", "dial rpc", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errcode.Wrap(errcode.KindTransport, "rpc_chain_id", "read chain id", err)
	}
	return NewEthLedger(client, contract, chainID)
}

// NewEthLedger 用已有客户端创建账本
func NewEthLedger(client *ethclient.Client, contract common.Address, chainID *big.Int) (*EthLedger, error) {
	parsed, err := abi.JSON(strings.NewReader(commentManagerABI))
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "abi_parse", "parse contract abi", err)
	}
	return &EthLedger{
		client:     client,
		address:    contract,
		parsed:     parsed,
		contract:   bind.NewBoundContract(contract, parsed, client, client, client),
		chainID:    chainID,
		submitters: make(map[common.Address]*bind.TransactOpts),
	}, nil
}

// ChainID 链ID
func (l *EthLedger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

// AddSubmitter 注册一个可以支付 gas 的账户
func (l *EthLedger) AddSubmitter(key *ecdsa.PrivateKey) (common.Address, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, l.chainID)
	if err != nil {
		return common.Address{}, errcode.Wrap(errcode.KindInternal, "transactor", "create transactor", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	l.mu.Lock()
	l.submitters[addr] = opts
	l.mu.Unlock()
	return addr, nil
}

// Close 关闭连接
func (l *EthLedger) Close() {
	l.client.Close()
}

// ReadNonce 读取待打包状态下的 nonce
func (l *EthLedger) ReadNonce(ctx context.Context, author, app common.Address) (*big.Int, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx, Pending: true}, &out, "nonces", author, app); err != nil {
		return nil, classifyRPC("nonces", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, errcode.New(errcode.KindInternal, "abi_decode", "nonces: unexpected output")
	}
	return n, nil
}

// ReadApproval 读取授权状态
func (l *EthLedger) ReadApproval(ctx context.Context, author, app common.Address) (bool, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx, Pending: true}, &out, "isApproved", author, app); err != nil {
		return false, classifyRPC("isApproved", err)
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, errcode.New(errcode.KindInternal, "abi_decode", "isApproved: unexpected output")
	}
	return approved, nil
}

// Now 最新区块时间
func (l *EthLedger) Now(ctx context.Context) (time.Time, error) {
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, classifyRPC("header", err)
	}
	return time.Unix(int64(head.Time), 0), nil
}

// SubmitTransaction 用 tx.Submitter 的账户发送交易
func (l *EthLedger) SubmitTransaction(ctx context.Context, tx *Transaction) (common.Hash, error) {
	if tx == nil || tx.Payload == nil || tx.Payload.Operation == nil {
		return common.Hash{}, errcode.New(errcode.KindValidation, "empty_transaction", "transaction has no payload")
	}
	l.mu.RLock()
	base, ok := l.submitters[tx.Submitter]
	l.mu.RUnlock()
	if !ok {
		return common.Hash{}, errcode.New(errcode.KindAuthorization, "unknown_submitter", "no key for submitter "+tx.Submitter.Hex())
	}
	opts := *base
	opts.Context = ctx

	method, data := callArgs(tx.Payload.Operation)
	authorSig := []byte(tx.Payload.AuthorSignature)
	if authorSig == nil {
		authorSig = []byte{}
	}
	sent, err := l.contract.Transact(&opts, method, data, authorSig, []byte(tx.Payload.AppSignature))
	if err != nil {
		return common.Hash{}, classifyRPC(method, err)
	}
	return sent.Hash(), nil
}

// GetTransactionReceipt 查询回执并解码事件
func (l *EthLedger) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	rc, err := l.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, classifyRPC("receipt", err)
	}
	out := &Receipt{
		TxHash:      txHash,
		Status:      StatusSuccess,
		BlockNumber: rc.BlockNumber.Uint64(),
	}
	if rc.Status != types.ReceiptStatusSuccessful {
		out.Status = StatusReverted
		out.Reason = "execution reverted"
		return out, nil
	}
	for _, lg := range rc.Logs {
		if ev, ok := l.decodeLog(*lg); ok {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

// QueryEvents 按条件查询合约日志
func (l *EthLedger) QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	names := filter.Names
	if len(names) == 0 {
		names = []EventName{EventCommentAdded, EventCommentEdited, EventCommentDeleted, EventApprovalAdded, EventApprovalRemoved}
	}
	ids := make([]common.Hash, 0, len(names))
	for _, n := range names {
		ids = append(ids, l.parsed.Events[string(n)].ID)
	}
	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		Addresses: []common.Address{l.address},
		Topics:    [][]common.Hash{ids},
	})
	if err != nil {
		return nil, classifyRPC("filter_logs", err)
	}
	var out []Event
	for _, lg := range logs {
		ev, ok := l.decodeLog(lg)
		if ok && filter.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *EthLedger) decodeLog(lg types.Log) (Event, bool) {
	if lg.Address != l.address || len(lg.Topics) == 0 {
		return Event{}, false
	}
	for name, def := range l.parsed.Events {
		if def.ID != lg.Topics[0] {
			continue
		}
		var raw abiEvent
		if err := l.contract.UnpackLog(&raw, name, lg); err != nil {
			return Event{}, false
		}
		return Event{
			Name:        EventName(name),
			TxHash:      lg.TxHash,
			BlockNumber: lg.BlockNumber,
			CommentID:   common.Hash(raw.CommentId),
			Author:      raw.Author,
			App:         raw.App,
			Nonce:       raw.Nonce,
			ParentID:    common.Hash(raw.ParentId),
			TargetURI:   raw.TargetUri,
			Content:     raw.Content,
		}, true
	}
	return Event{}, false
}

func callArgs(op typeddata.Operation) (string, interface{}) {
	h := typeddata.HeaderOf(op)
	switch o := op.(type) {
	case *typeddata.AddComment:
		return "postComment", abiCommentData{
			Content:   o.Content,
			Metadata:  abiMetadataOf(o.Metadata),
			TargetUri: o.TargetURI,
			ParentId:  o.ParentID,
			Author:    h.Author,
			App:       h.App,
			Nonce:     h.Nonce,
			Deadline:  h.Deadline,
		}
	case *typeddata.EditComment:
		return "editComment", abiEditData{
			CommentId: o.CommentID,
			Content:   o.Content,
			Metadata:  abiMetadataOf(o.Metadata),
			Author:    h.Author,
			App:       h.App,
			Nonce:     h.Nonce,
			Deadline:  h.Deadline,
		}
	case *typeddata.DeleteComment:
		return "deleteComment", abiDeleteData{
			CommentId: o.CommentID,
			Author:    h.Author,
			App:       h.App,
			Nonce:     h.Nonce,
			Deadline:  h.Deadline,
		}
	case *typeddata.AddApproval:
		return "addApproval", abiApprovalData{Author: h.Author, App: h.App, Nonce: h.Nonce, Deadline: h.Deadline}
	default:
		return "removeApproval", abiApprovalData{Author: h.Author, App: h.App, Nonce: h.Nonce, Deadline: h.Deadline}
	}
}

func abiMetadataOf(entries []typeddata.MetadataEntry) []abiMetadata {
	out := make([]abiMetadata, 0, len(entries))
	for _, e := range entries {
		out = append(out, abiMetadata{Key: typeddata.MetadataKey(e.Key), Value: e.Value})
	}
	return out
}

// nodeRejections 节点在进入交易池前拒绝交易的错误，重发同一笔交易不会成功
var nodeRejections = []string{
	"already known",
	"known transaction",
	"nonce too low",
	"insufficient funds",
	"replacement transaction underpriced",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"max fee per gas less than block base fee",
}

// classifyRPC 节点返回 revert 时按回滚原因归类，节点拒绝视为账本错误，其余视为传输错误
func classifyRPC(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") {
		return Rejection(msg)
	}
	lower := strings.ToLower(msg)
	for _, r := range nodeRejections {
		if strings.Contains(lower, r) {
			return errcode.Wrap(errcode.KindLedger, "node_rejected", op, err)
		}
	}
	return errcode.Wrap(errcode.KindTransport, "rpc_"+op, op, err)
}
