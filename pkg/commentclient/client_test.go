package commentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/authz"
	"comments-relay/pkg/errcode"
	"comments-relay/pkg/executor"
	"comments-relay/pkg/httpx"
	"comments-relay/pkg/indexer"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/reconciler"
	"comments-relay/pkg/signer"
	"comments-relay/pkg/typeddata"
)

var testNow = time.Unix(1_700_000_000, 0)

var relayer = common.HexToAddress("0x5e1a7e5")

type fixture struct {
	ledger *ledger.MemoryLedger
	app    *signer.KeySigner
	author *signer.KeySigner
	client *Client
}

func newFixture(t *testing.T, withAuthor bool, mopts []ledger.MemoryOption, opts Options) *fixture {
	t.Helper()
	app, _ := signer.NewKeySignerFromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	author, _ := signer.NewKeySignerFromHex("8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63")
	b := typeddata.NewBuilder(typeddata.NewDomain(31337, common.HexToAddress("0xc0ffee")))
	mopts = append([]ledger.MemoryOption{ledger.WithClock(func() time.Time { return testNow })}, mopts...)
	l := ledger.NewMemoryLedger(b, mopts...)

	authority := signer.NewAuthority(app)
	if withAuthor {
		authority.Register(signer.RoleAuthor, author)
	}
	exec := executor.NewExecutor(l, relayer, executor.WithPollInterval(time.Millisecond))
	c := New(b, l, authority, authz.NewRouter(true), exec, reconciler.New(), opts)
	return &fixture{ledger: l, app: app, author: author, client: c}
}

func (f *fixture) approve(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	e, err := f.client.Perform(ctx, NewApproval(f.author.Address()), PrepareOptions{})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if e, err = f.client.AwaitOperation(ctx, e.LocalID); err != nil || e.Status != reconciler.StatusConfirmed {
		t.Fatalf("approve await = %+v, %v", e, err)
	}
}

func TestPostWithoutApprovalCarriesBothSignatures(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()

	prepared, err := f.client.PrepareOperation(ctx, NewPost(common.Address{}, "https://example.com/a", "hello"), PrepareOptions{PreferGasless: true})
	if err != nil {
		t.Fatalf("PrepareOperation() error = %v", err)
	}
	p := prepared.Payload
	if prepared.Decision.Path != authz.PathAuthorPays || p.Submitter != typeddata.SubmitterAuthor {
		t.Fatalf("decision = %+v, want author pays", prepared.Decision)
	}
	if len(p.AppSignature) == 0 || len(p.AuthorSignature) == 0 {
		t.Fatal("want both signatures")
	}
	add := p.Operation.(*typeddata.AddComment)
	if add.ParentID != (common.Hash{}) || add.Nonce.Sign() != 0 {
		t.Fatalf("parentId = %s nonce = %s", add.ParentID.Hex(), add.Nonce)
	}
	if add.Author != f.author.Address() || add.App != f.app.Address() {
		t.Fatal("parties not filled from signers")
	}

	entry, err := f.client.SubmitOperation(ctx, p, PrepareOptions{})
	if err != nil {
		t.Fatalf("SubmitOperation() error = %v", err)
	}
	if entry.Status != reconciler.StatusPending || entry.CommentID != p.Digest() {
		t.Fatalf("entry = %+v", entry)
	}
	entry, err = f.client.AwaitOperation(ctx, entry.LocalID)
	if err != nil || entry.Status != reconciler.StatusConfirmed {
		t.Fatalf("AwaitOperation() = %+v, %v", entry, err)
	}
	if !f.ledger.CommentExists(p.Digest()) {
		t.Fatal("comment missing on ledger")
	}
	view := f.client.View()
	if len(view) != 1 || view[0].Record == nil || view[0].Record.Content != "hello" {
		t.Fatalf("view = %+v", view)
	}
}

func TestGaslessPostCarriesOnlyAppSignature(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	f.approve(t)
	ctx := context.Background()

	prepared, err := f.client.PrepareOperation(ctx, NewPost(f.author.Address(), "https://example.com/a", "gasless"), PrepareOptions{PreferGasless: true})
	if err != nil {
		t.Fatalf("PrepareOperation() error = %v", err)
	}
	p := prepared.Payload
	if prepared.Decision.Path != authz.PathGasless || p.Submitter != typeddata.SubmitterRelayer {
		t.Fatalf("decision = %+v", prepared.Decision)
	}
	if len(p.AuthorSignature) != 0 || len(p.AppSignature) == 0 {
		t.Fatal("want app signature only")
	}
	if p.Operation.(*typeddata.AddComment).Nonce.Int64() != 1 {
		t.Fatal("approval should have consumed nonce 0")
	}

	entry, err := f.client.SubmitOperation(ctx, p, PrepareOptions{})
	if err != nil {
		t.Fatalf("SubmitOperation() error = %v", err)
	}
	entry, err = f.client.AwaitOperation(ctx, entry.LocalID)
	if err != nil || entry.Status != reconciler.StatusConfirmed {
		t.Fatalf("AwaitOperation() = %+v, %v", entry, err)
	}
}

func TestGaslessPayloadRejectedWithoutApproval(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()
	prepared, err := f.client.PrepareOperation(ctx, NewPost(f.author.Address(), "https://example.com/a", "x"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := *prepared.Payload
	p.AuthorSignature = nil
	p.Submitter = typeddata.SubmitterRelayer

	if _, err := f.client.SubmitOperation(ctx, &p, PrepareOptions{}); !errors.Is(err, authz.ErrGaslessNotApproved) {
		t.Fatalf("SubmitOperation() error = %v, want ErrGaslessNotApproved", err)
	}
	if len(f.client.Cache().Pending()) != 0 {
		t.Fatal("rejected payload must not create an entry")
	}
}

func TestNonceUsedThenRetryWithFreshNonce(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()

	first, err := f.client.PrepareOperation(ctx, NewPost(f.author.Address(), "https://example.com/a", "one"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.client.PrepareOperation(ctx, NewPost(f.author.Address(), "https://example.com/a", "two"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}

	e1, _ := f.client.SubmitOperation(ctx, first.Payload, PrepareOptions{})
	e2, err := f.client.SubmitOperation(ctx, second.Payload, PrepareOptions{})
	if err != nil {
		t.Fatalf("SubmitOperation() error = %v", err)
	}
	if e, _ := f.client.AwaitOperation(ctx, e1.LocalID); e.Status != reconciler.StatusConfirmed {
		t.Fatalf("first = %+v", e)
	}
	failed, err := f.client.AwaitOperation(ctx, e2.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != reconciler.StatusFailed || failed.ErrorMessage != ledger.ReasonNonceUsed {
		t.Fatalf("second = %+v", failed)
	}

	retried, err := f.client.RetryOperation(ctx, failed.LocalID)
	if err != nil {
		t.Fatalf("RetryOperation() error = %v", err)
	}
	if retried.LocalID == failed.LocalID || retried.ActionID != failed.ActionID || retried.RetryCount != 1 {
		t.Fatalf("retried = %+v", retried)
	}
	if retried.Operation.(*typeddata.AddComment).Nonce.Int64() != 1 {
		t.Fatal("retry must rebuild with the fresh nonce")
	}
	done, err := f.client.AwaitOperation(ctx, retried.LocalID)
	if err != nil || done.Status != reconciler.StatusConfirmed {
		t.Fatalf("retry await = %+v, %v", done, err)
	}
	view := f.client.View()
	if len(view) != 2 || view[1].Record == nil || view[1].Record.Content != "two" {
		t.Fatalf("view = %+v", view)
	}
}

func TestRetryAfterTransportFailuresRebuildsDistinctPayload(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.ledger.InjectSubmitFault(errcode.New(errcode.KindTransport, "rpc_send", "connection refused"))
	}

	failed, err := f.client.Perform(ctx, NewPost(f.author.Address(), "https://example.com/a", "hi"), PrepareOptions{})
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if failed.Status != reconciler.StatusFailed {
		t.Fatalf("entry = %+v, want failed", failed)
	}
	oldOp := failed.Operation.(*typeddata.AddComment)

	// 时钟不动，nonce 也没被消耗
	retried, err := f.client.RetryOperation(ctx, failed.LocalID)
	if err != nil {
		t.Fatalf("RetryOperation() error = %v", err)
	}
	if retried.LocalID == failed.LocalID || retried.ActionID != failed.ActionID || retried.RetryCount != 1 {
		t.Fatalf("retried = %+v", retried)
	}
	newOp := retried.Operation.(*typeddata.AddComment)
	if newOp.Nonce.Sign() != 0 {
		t.Fatalf("nonce = %v, want 0", newOp.Nonce)
	}
	if newOp.Deadline.Cmp(oldOp.Deadline) <= 0 {
		t.Fatalf("deadline = %v, want after %v", newOp.Deadline, oldOp.Deadline)
	}
	done, err := f.client.AwaitOperation(ctx, retried.LocalID)
	if err != nil || done.Status != reconciler.StatusConfirmed {
		t.Fatalf("retry await = %+v, %v", done, err)
	}
}

func TestRetryAfterRevertRebuildsDistinctPayload(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()

	e, err := f.client.Perform(ctx, NewEdit(f.author.Address(), common.HexToHash("0xdead"), "x"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	failed, err := f.client.AwaitOperation(ctx, e.LocalID)
	if err != nil || failed.Status != reconciler.StatusFailed || failed.ErrorMessage != ledger.ReasonCommentNotFound {
		t.Fatalf("await = %+v, %v", failed, err)
	}

	retried, err := f.client.RetryOperation(ctx, failed.LocalID)
	if err != nil {
		t.Fatalf("RetryOperation() error = %v", err)
	}
	if retried.LocalID == failed.LocalID || retried.RetryCount != 1 {
		t.Fatalf("retried = %+v", retried)
	}
	again, err := f.client.AwaitOperation(ctx, retried.LocalID)
	if err != nil || again.Status != reconciler.StatusFailed {
		t.Fatalf("retry await = %+v, %v", again, err)
	}
}

func TestRetryRejectsPendingEntry(t *testing.T) {
	f := newFixture(t, true, []ledger.MemoryOption{ledger.WithManualMining()}, Options{})
	e, err := f.client.Perform(context.Background(), NewPost(f.author.Address(), "https://example.com/a", "x"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.client.RetryOperation(context.Background(), e.LocalID); !errors.Is(err, reconciler.ErrInFlight) {
		t.Fatalf("RetryOperation() error = %v, want ErrInFlight", err)
	}
}

// indexerFrom 用账本事件模拟索引服务
func indexerFrom(t *testing.T, l *ledger.MemoryLedger) *indexer.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events, _ := l.QueryEvents(r.Context(), ledger.EventFilter{Names: []ledger.EventName{ledger.EventCommentAdded}})
		page := indexer.Page[indexer.Comment]{}
		for _, ev := range events {
			page.Results = append(page.Results, indexer.Comment{
				ID:          ev.CommentID,
				Author:      ev.Author,
				App:         ev.App,
				TargetURI:   ev.TargetURI,
				Content:     ev.Content,
				TxHash:      ev.TxHash,
				BlockNumber: ev.BlockNumber,
				CreatedAt:   ev.Timestamp,
			})
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return indexer.NewClient(httpx.NewClient(srv.URL, "", time.Second), 10)
}

func TestTimeoutStaysPendingUntilIndexerConfirms(t *testing.T) {
	mopts := []ledger.MemoryOption{ledger.WithManualMining()}
	f := newFixture(t, true, mopts, Options{AwaitTimeout: 20 * time.Millisecond})
	f.client.indexer = indexerFrom(t, f.ledger)
	ctx := context.Background()

	e, err := f.client.Perform(ctx, NewPost(f.author.Address(), "https://example.com/a", "slow"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waited, err := f.client.AwaitOperation(ctx, e.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if waited.Status != reconciler.StatusPending || !waited.StillProcessing {
		t.Fatalf("after timeout = %+v, want pending and still processing", waited)
	}

	f.ledger.Mine()
	confirmed, err := f.client.Hydrate(ctx, indexer.Query{TargetURI: "https://example.com/a"}, 1)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if len(confirmed) != 1 || confirmed[0].LocalID != e.LocalID {
		t.Fatalf("confirmed = %+v", confirmed)
	}
	if _, ok := f.client.Cache().Entry(e.LocalID); ok {
		t.Fatal("entry should have left the pending set")
	}
	if rec, ok := f.client.Cache().Record(e.CommentID); !ok || rec.Content != "slow" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestConcurrentPerformSerializesNonces(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()

	const n = 4
	var wg sync.WaitGroup
	entries := make([]reconciler.Entry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = f.client.Perform(ctx, NewPost(f.author.Address(), "https://example.com/a", "c"+string(rune('a'+i))), PrepareOptions{})
		}(i)
	}
	wg.Wait()

	nonces := make(map[int64]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Perform(%d) error = %v", i, errs[i])
		}
		done, err := f.client.AwaitOperation(ctx, entries[i].LocalID)
		if err != nil || done.Status != reconciler.StatusConfirmed {
			t.Fatalf("entry %d = %+v, %v", i, done, err)
		}
		nonces[entries[i].Operation.(*typeddata.AddComment).Nonce.Int64()] = true
	}
	if len(nonces) != n {
		t.Fatalf("nonces = %v, want %d distinct", nonces, n)
	}
}

func TestPartiallySignedNeedsAuthorWallet(t *testing.T) {
	f := newFixture(t, false, nil, Options{})
	ctx := context.Background()

	prepared, err := f.client.PrepareOperation(ctx, NewPost(f.author.Address(), "https://example.com/a", "wallet"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !prepared.PartiallySigned() {
		t.Fatal("want partially signed payload")
	}
	if _, err := f.client.SubmitOperation(ctx, prepared.Payload, PrepareOptions{}); !errors.Is(err, authz.ErrAuthorSignatureRequired) {
		t.Fatalf("SubmitOperation() error = %v, want ErrAuthorSignatureRequired", err)
	}

	bad, _ := f.app.Sign(ctx, prepared.Payload.Message)
	if _, err := f.client.AttachAuthorSignature(prepared.Payload, bad); !errors.Is(err, signer.ErrSignatureMismatch) {
		t.Fatalf("AttachAuthorSignature(app sig) error = %v", err)
	}
	sig, _ := f.author.Sign(ctx, prepared.Payload.Message)
	full, err := f.client.AttachAuthorSignature(prepared.Payload, sig)
	if err != nil {
		t.Fatal(err)
	}
	if len(prepared.Payload.AuthorSignature) != 0 {
		t.Fatal("original payload must stay unchanged")
	}
	e, err := f.client.SubmitOperation(ctx, full, PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if e, _ = f.client.AwaitOperation(ctx, e.LocalID); e.Status != reconciler.StatusConfirmed {
		t.Fatalf("entry = %+v", e)
	}
}

func TestTamperedPayloadRejectedBeforeSubmission(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()
	prepared, err := f.client.PrepareOperation(ctx, NewPost(f.author.Address(), "https://example.com/a", "original"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := *prepared.Payload
	op := typeddata.Clone(p.Operation).(*typeddata.AddComment)
	op.Content = "tampered"
	p.Operation = op

	if _, err := f.client.SubmitOperation(ctx, &p, PrepareOptions{}); !errors.Is(err, signer.ErrMalformedMessage) {
		t.Fatalf("SubmitOperation() error = %v, want ErrMalformedMessage", err)
	}
	p.Message = nil
	if _, err := f.client.SubmitOperation(ctx, &p, PrepareOptions{}); !errors.Is(err, signer.ErrSignatureMismatch) {
		t.Fatalf("SubmitOperation(no message) error = %v, want ErrSignatureMismatch", err)
	}
}

func TestReactionAndEditFlow(t *testing.T) {
	f := newFixture(t, true, nil, Options{})
	ctx := context.Background()
	author := f.author.Address()

	post, err := f.client.Perform(ctx, NewPost(author, "https://example.com/a", "root"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.client.AwaitOperation(ctx, post.LocalID); err != nil {
		t.Fatal(err)
	}

	like, err := f.client.Perform(ctx, NewReaction(author, post.CommentID, "like"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if like.Kind != reconciler.KindReaction {
		t.Fatalf("kind = %s", like.Kind)
	}
	if like, _ = f.client.AwaitOperation(ctx, like.LocalID); like.Status != reconciler.StatusConfirmed {
		t.Fatalf("reaction = %+v", like)
	}

	edit, err := f.client.Perform(ctx, NewEdit(author, post.CommentID, "root v2"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if edit, _ = f.client.AwaitOperation(ctx, edit.LocalID); edit.Status != reconciler.StatusConfirmed {
		t.Fatalf("edit = %+v", edit)
	}
	if content, _ := f.ledger.CommentContent(post.CommentID); content != "root v2" {
		t.Fatalf("ledger content = %q", content)
	}
	if rec, _ := f.client.Cache().Record(post.CommentID); rec.Content != "root v2" {
		t.Fatalf("cached content = %q", rec.Content)
	}
}

func TestCancelWaitLeavesEntryPending(t *testing.T) {
	f := newFixture(t, true, []ledger.MemoryOption{ledger.WithManualMining()}, Options{AwaitTimeout: time.Minute})
	ctx := context.Background()
	e, err := f.client.Perform(ctx, NewPost(f.author.Address(), "https://example.com/a", "x"), PrepareOptions{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan reconciler.Entry, 1)
	go func() {
		out, _ := f.client.AwaitOperation(ctx, e.LocalID)
		done <- out
	}()
	deadline := time.Now().Add(time.Second)
	for {
		f.client.mu.Lock()
		_, waiting := f.client.waits[e.LocalID]
		f.client.mu.Unlock()
		if waiting || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	f.client.CancelWait(e.LocalID)

	select {
	case out := <-done:
		if out.Status != reconciler.StatusPending || !out.StillProcessing {
			t.Fatalf("after cancel = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait was not cancelled")
	}
	if f.ledger.PendingCount() != 1 {
		t.Fatal("broadcast transaction must remain")
	}
}
