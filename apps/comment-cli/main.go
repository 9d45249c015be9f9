// comment-cli 命令行评论客户端：向签名服务申请联署，作者付费时直接上链，
// 代付时把载荷交给中继。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"

	"comments-relay/apps/comment-service/model"
	"comments-relay/pkg/auth"
	"comments-relay/pkg/authz"
	"comments-relay/pkg/commentclient"
	"comments-relay/pkg/executor"
	"comments-relay/pkg/httpx"
	"comments-relay/pkg/indexer"
	"comments-relay/pkg/kafka"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/reconciler"
	"comments-relay/pkg/signer"
	"comments-relay/pkg/typeddata"
)

type options struct {
	op        string
	service   string
	token     string
	rpc       string
	contract  string
	indexer   string
	key       string
	gasless   bool
	target    string
	parent    string
	content   string
	commentID string
	pages     int
	brokers   []string
	topic     string
	secret    string
	app       string
	timeout   time.Duration
	verbose   bool
}

func main() {
	var o options
	fs := pflag.NewFlagSet("comment-cli", pflag.ContinueOnError)
	fs.StringVar(&o.op, "op", "post", "post|reply|react|edit|delete|approve|revoke|state|list|watch|token")
	fs.StringVar(&o.service, "service", "http://localhost:21021", "comment-service base url")
	fs.StringVar(&o.token, "token", os.Getenv("COMMENTS_TOKEN"), "bearer token for comment-service")
	fs.StringVar(&o.rpc, "rpc", "http://localhost:8545", "json-rpc endpoint")
	fs.StringVar(&o.contract, "contract", "0xb262C9278fBcac384Ef59Fc49E24d800152E19b1", "comments contract address")
	fs.StringVar(&o.indexer, "indexer", "http://localhost:42069", "indexer base url")
	fs.StringVar(&o.key, "key", os.Getenv("COMMENTS_AUTHOR_KEY"), "author private key (hex)")
	fs.BoolVar(&o.gasless, "gasless", false, "ask the relayer to pay for gas")
	fs.StringVar(&o.target, "target", "", "target uri for a new post")
	fs.StringVar(&o.parent, "parent", "", "parent comment id for reply/react")
	fs.StringVar(&o.content, "content", "", "comment content or reaction")
	fs.StringVar(&o.commentID, "comment-id", "", "comment id for edit/delete")
	fs.IntVar(&o.pages, "pages", 1, "indexer pages to load for list")
	fs.StringSliceVar(&o.brokers, "brokers", []string{"localhost:9092"}, "kafka brokers for watch")
	fs.StringVar(&o.topic, "topic", "comment-events", "kafka topic for watch")
	fs.StringVar(&o.secret, "jwt-secret", "", "secret used by token")
	fs.StringVar(&o.app, "app", "comment-cli", "app name written into token")
	fs.DurationVar(&o.timeout, "timeout", time.Minute, "overall timeout for one operation")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(level)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch o.op {
	case "token":
		err = runToken(o)
	case "watch":
		err = runWatch(ctx, o, log)
	default:
		ctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		err = runOperation(ctx, o, log)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// runToken 生成调用签名服务用的令牌
func runToken(o options) error {
	if o.secret == "" {
		return errors.New("--jwt-secret is required")
	}
	token, err := auth.GenerateJWT(o.app, &auth.JWTConfig{Secret: o.secret, ExpireTime: 24 * time.Hour})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runWatch 打印中继事件直到中断
func runWatch(ctx context.Context, o options, log logger.Logger) error {
	consumer, err := kafka.InitConsumer(kafka.KafkaConfig{
		Brokers: o.brokers,
		GroupID: fmt.Sprintf("comment-cli-%d", time.Now().UnixNano()),
		Topics:  []string{o.topic},
	}, kafka.EventHandlerFunc(func(ev kafka.RelayEvent) error {
		printJSON(ev)
		return nil
	}), log)
	if err != nil {
		return err
	}
	defer consumer.Close()
	if err := consumer.StartConsuming(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	<-ctx.Done()
	return nil
}

// session 一次命令行调用用到的客户端
type session struct {
	service *httpx.Client
	client  *commentclient.Client
	author  common.Address
	ledger  *ledger.EthLedger
	log     logger.Logger
}

func newSession(ctx context.Context, o options, log logger.Logger) (*session, error) {
	if o.key == "" {
		return nil, errors.New("--key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(o.key, "0x"))
	if err != nil {
		return nil, fmt.Errorf("author key: %w", err)
	}
	authorSigner := signer.NewKeySigner(key)
	svc := httpx.NewClient(o.service, o.token, 30*time.Second)

	// app 地址以签名服务报告的为准
	var approval model.ApprovalResponse
	if err := svc.PostJSON(ctx, "/api/v1/comment/approval", model.ApprovalRequest{Author: authorSigner.Address()}, &approval); err != nil {
		return nil, fmt.Errorf("query signing service: %w", err)
	}

	eth, err := ledger.DialEthLedger(ctx, o.rpc, common.HexToAddress(o.contract))
	if err != nil {
		return nil, err
	}
	if _, err := eth.AddSubmitter(key); err != nil {
		eth.Close()
		return nil, err
	}

	authority := signer.NewAuthority(signer.NewRemoteSigner(svc, approval.App))
	authority.Register(signer.RoleAuthor, authorSigner)

	builder := typeddata.NewBuilder(typeddata.NewDomain(eth.ChainID().Int64(), common.HexToAddress(o.contract)))
	// 本地只走作者付费，代付交给中继
	exec := executor.NewExecutor(eth, authorSigner.Address(), executor.WithLogger(log))
	var idx *indexer.Client
	if o.indexer != "" {
		idx = indexer.NewClient(httpx.NewClient(o.indexer, "", 30*time.Second), 0)
	}
	client := commentclient.New(builder, eth, authority, authz.NewRouter(true), exec, reconciler.New(reconciler.WithLogger(log)), commentclient.Options{
		Logger:  log,
		Indexer: idx,
	})
	return &session{service: svc, client: client, author: authorSigner.Address(), ledger: eth, log: log}, nil
}

func (s *session) close() {
	s.ledger.Close()
}

func runOperation(ctx context.Context, o options, log logger.Logger) error {
	s, err := newSession(ctx, o, log)
	if err != nil {
		return err
	}
	defer s.close()

	switch o.op {
	case "state":
		st, err := s.client.Snapshot(ctx, s.author)
		if err != nil {
			return err
		}
		printJSON(map[string]interface{}{"author": s.author, "nonce": st.Nonce.String(), "approved": st.Approved, "now": st.Now})
		return nil
	case "list":
		q := indexer.Query{TargetURI: o.target}
		if o.parent != "" {
			parent := common.HexToHash(o.parent)
			q.ParentID = &parent
		}
		if _, err := s.client.Hydrate(ctx, q, o.pages); err != nil {
			return err
		}
		printJSON(s.client.View())
		return nil
	}

	op, err := operationOf(o, s.author)
	if err != nil {
		return err
	}
	prepared, err := s.client.PrepareOperation(ctx, op, commentclient.PrepareOptions{PreferGasless: o.gasless})
	if err != nil {
		return err
	}
	payload := prepared.Payload
	if prepared.PartiallySigned() {
		return signer.ErrNoSigner
	}
	s.log.Debug(ctx, "Prepared", logger.F("path", string(prepared.Decision.Path)), logger.F("nonce", prepared.State.Nonce.String()))

	if payload.Submitter == typeddata.SubmitterRelayer {
		return s.relay(ctx, payload)
	}
	entry, err := s.client.SubmitOperation(ctx, payload, commentclient.PrepareOptions{PreferGasless: o.gasless})
	if err != nil {
		return err
	}
	if entry.Status == reconciler.StatusPending {
		if entry, err = s.client.AwaitOperation(ctx, entry.LocalID); err != nil {
			return err
		}
	}
	printJSON(entry)
	return nil
}

// relay 交给中继并轮询到终态
func (s *session) relay(ctx context.Context, p *typeddata.SignedPayload) error {
	var row model.Submission
	if err := s.service.PostJSON(ctx, "/api/v1/comment/relay", model.RelayRequest{Payload: p}, &row); err != nil {
		return err
	}
	s.log.Info(ctx, "Relayed", logger.F("digest", row.Digest), logger.F("tx_hash", row.TxHash))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !row.Status.Final() {
		select {
		case <-ctx.Done():
			printJSON(row)
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.service.PostJSON(ctx, "/api/v1/comment/relay/status", model.StatusRequest{Digest: common.HexToHash(row.Digest)}, &row); err != nil {
			return err
		}
	}
	printJSON(row)
	return nil
}

// operationOf 按 --op 组装操作
func operationOf(o options, author common.Address) (typeddata.Operation, error) {
	switch o.op {
	case "post":
		if o.target == "" || o.content == "" {
			return nil, errors.New("post needs --target and --content")
		}
		return commentclient.NewPost(author, o.target, o.content), nil
	case "reply":
		if o.parent == "" || o.content == "" {
			return nil, errors.New("reply needs --parent and --content")
		}
		return commentclient.NewReply(author, common.HexToHash(o.parent), o.content), nil
	case "react":
		if o.parent == "" || o.content == "" {
			return nil, errors.New("react needs --parent and --content")
		}
		return commentclient.NewReaction(author, common.HexToHash(o.parent), o.content), nil
	case "edit":
		if o.commentID == "" || o.content == "" {
			return nil, errors.New("edit needs --comment-id and --content")
		}
		return commentclient.NewEdit(author, common.HexToHash(o.commentID), o.content), nil
	case "delete":
		if o.commentID == "" {
			return nil, errors.New("delete needs --comment-id")
		}
		return commentclient.NewDelete(author, common.HexToHash(o.commentID)), nil
	case "approve":
		return commentclient.NewApproval(author), nil
	case "revoke":
		return commentclient.NewRevocation(author), nil
	}
	return nil, fmt.Errorf("unknown op %q", o.op)
}
