package reconciler

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/executor"
	"comments-relay/pkg/ledger"
)

func postDraft(n int) Draft {
	id := common.BigToHash(big.NewInt(int64(n) + 1000))
	return Draft{
		LocalID:   id.Hex(),
		Kind:      KindPost,
		CommentID: id,
		Digest:    id,
		Preview:   Record{Content: fmt.Sprintf("post %d", n), TargetURI: "https://x/1"},
	}
}

func mustBegin(t *testing.T, r *Reconciler, d Draft) Entry {
	t.Helper()
	e, err := r.Begin(d)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return e
}

func countAction(items []Item, actionID string) int {
	n := 0
	for _, it := range items {
		if it.ActionID == actionID {
			n++
		}
	}
	return n
}

func TestConfirmPreservesPosition(t *testing.T) {
	r := New()
	first := mustBegin(t, r, postDraft(1))
	second := mustBegin(t, r, postDraft(2))
	third := mustBegin(t, r, postDraft(3))

	// 中间的先确认，位置不变
	rc := &ledger.Receipt{Status: ledger.StatusSuccess, Events: []ledger.Event{{
		Name: ledger.EventCommentAdded, CommentID: second.CommentID, Content: "post 2", TxHash: common.HexToHash("0x2"), BlockNumber: 7,
	}}}
	got, err := r.Reconcile(second.LocalID, executor.Outcome{Status: executor.OutcomeSuccess, Receipt: rc})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got.Status != StatusConfirmed || got.Record == nil || got.Record.BlockNumber != 7 {
		t.Fatalf("confirmed entry = %+v", got)
	}
	if _, ok := r.Entry(second.LocalID); ok {
		t.Fatal("confirmed entry still in pending set")
	}

	view := r.View()
	if len(view) != 3 {
		t.Fatalf("len(view) = %d, want 3", len(view))
	}
	wantOrder := []string{first.ActionID, second.ActionID, third.ActionID}
	for i, it := range view {
		if it.ActionID != wantOrder[i] {
			t.Fatalf("view[%d] = %s, want %s", i, it.ActionID, wantOrder[i])
		}
	}
	if view[1].Entry != nil || view[1].Record == nil || view[1].Record.CommentID != second.CommentID {
		t.Fatalf("view[1] = %+v, want merged record", view[1])
	}
}

func TestSecondSubmitWhilePendingRejected(t *testing.T) {
	r := New()
	d := postDraft(1)
	mustBegin(t, r, d)
	if _, err := r.Begin(d); !errors.Is(err, ErrInFlight) {
		t.Fatalf("Begin() twice = %v, want ErrInFlight", err)
	}
	if len(r.View()) != 1 {
		t.Fatal("duplicate entry visible")
	}
}

func TestRevertThenRetryReplacesInPlace(t *testing.T) {
	r := New()
	before := mustBegin(t, r, postDraft(0))
	e := mustBegin(t, r, postDraft(1))
	after := mustBegin(t, r, postDraft(2))

	failed, err := r.Reconcile(e.LocalID, executor.Outcome{Status: executor.OutcomeReverted, Err: ledger.ErrNonceUsed})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusFailed || !failed.CanRetry() || failed.ErrorMessage == "" {
		t.Fatalf("failed entry = %+v", failed)
	}

	if _, err := r.Retry(e.LocalID, postDraft(1)); err == nil {
		t.Fatal("retry with the stale payload accepted")
	}
	retried, err := r.Retry(e.LocalID, postDraft(5))
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.ActionID != e.ActionID || retried.RetryCount != 1 || retried.Status != StatusPending {
		t.Fatalf("retried = %+v", retried)
	}
	if _, ok := r.Entry(e.LocalID); ok {
		t.Fatal("failed entry still present after retry")
	}

	view := r.View()
	if len(view) != 3 || view[0].ActionID != before.ActionID || view[1].ActionID != e.ActionID || view[2].ActionID != after.ActionID {
		t.Fatalf("view order changed after retry: %+v", view)
	}
	if view[1].Entry.LocalID != retried.LocalID {
		t.Fatalf("slot shows %s, want %s", view[1].Entry.LocalID, retried.LocalID)
	}

	if _, err := r.Retry(retried.LocalID, postDraft(6)); !errors.Is(err, ErrInFlight) {
		t.Fatalf("retry while pending = %v, want ErrInFlight", err)
	}
}

func TestTimeoutKeepsPendingThenOutOfBandConfirm(t *testing.T) {
	r := New()
	e := mustBegin(t, r, postDraft(1))
	r.MarkSubmitted(e.LocalID, common.HexToHash("0xaa"))

	got, err := r.Reconcile(e.LocalID, executor.Outcome{Status: executor.OutcomeTimedOut})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || !got.StillProcessing || got.CanRetry() {
		t.Fatalf("timed out entry = %+v", got)
	}

	confirmed := r.Observe([]Record{
		{CommentID: common.HexToHash("0x1234"), Content: "someone else"},
		{CommentID: e.CommentID, Content: "post 1", TxHash: common.HexToHash("0xaa"), BlockNumber: 3},
	})
	if len(confirmed) != 1 || confirmed[0].LocalID != e.LocalID || confirmed[0].Status != StatusConfirmed {
		t.Fatalf("Observe() confirmed = %+v", confirmed)
	}
	view := r.View()
	if len(view) != 2 || view[0].ActionID != e.ActionID || view[0].Entry != nil {
		t.Fatalf("view = %+v", view)
	}

	// 迟到的等待结果不会产生重复
	if _, err := r.Reconcile(e.LocalID, executor.Outcome{Status: executor.OutcomeSuccess}); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("late Reconcile() = %v, want ErrEntryNotFound", err)
	}
	if len(r.View()) != 2 {
		t.Fatal("late outcome changed the view")
	}
}

func TestFailedNeverRemovedAutomatically(t *testing.T) {
	r := New()
	e := mustBegin(t, r, postDraft(1))
	r.Fail(e.LocalID, errors.New("user rejected signature"))
	r.Observe([]Record{{CommentID: common.HexToHash("0x99"), Content: "other"}})

	if got, ok := r.Entry(e.LocalID); !ok || got.Status != StatusFailed {
		t.Fatal("failed entry disappeared")
	}
	if err := r.Dismiss(e.LocalID); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if len(r.View()) != 1 {
		t.Fatalf("view after dismiss = %+v", r.View())
	}
	if err := r.Dismiss(e.LocalID); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("second Dismiss() = %v", err)
	}

	p := mustBegin(t, r, postDraft(2))
	if err := r.Dismiss(p.LocalID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("Dismiss(pending) = %v, want ErrNotFailed", err)
	}
}

func TestEditAndDeleteAttachToRecord(t *testing.T) {
	r := New()
	id := common.HexToHash("0xc0")
	r.Observe([]Record{{CommentID: id, Content: "v1", BlockNumber: 1}})

	edit := Draft{LocalID: "edit-1", Kind: KindEdit, CommentID: id, Preview: Record{Content: "v2"}}
	e := mustBegin(t, r, edit)
	view := r.View()
	if len(view) != 1 || view[0].Entry == nil || view[0].Record.Content != "v1" {
		t.Fatalf("view with pending edit = %+v", view)
	}
	if _, err := r.Begin(Draft{LocalID: "delete-1", Kind: KindDelete, CommentID: id}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second action on same comment = %v, want ErrInFlight", err)
	}

	// 旧快照不会覆盖
	r.Observe([]Record{{CommentID: id, Content: "v1", BlockNumber: 1}})
	if _, ok := r.Entry(e.LocalID); !ok {
		t.Fatal("stale record confirmed the edit")
	}
	r.Observe([]Record{{CommentID: id, Content: "v2", BlockNumber: 2}})
	if rec, _ := r.Record(id); rec.Content != "v2" {
		t.Fatalf("content = %q, want v2", rec.Content)
	}
	r.Observe([]Record{{CommentID: id, Content: "v1", BlockNumber: 1}})
	if rec, _ := r.Record(id); rec.Content != "v2" {
		t.Fatalf("stale record reverted content to %q", rec.Content)
	}

	del := mustBegin(t, r, Draft{LocalID: "delete-1", Kind: KindDelete, CommentID: id})
	if _, err := r.Confirm(del.LocalID, nil); err != nil {
		t.Fatal(err)
	}
	if len(r.View()) != 0 {
		t.Fatalf("deleted comment still visible: %+v", r.View())
	}
	r.Observe([]Record{{CommentID: id, Content: "v2", BlockNumber: 2}})
	if len(r.View()) != 0 {
		t.Fatal("hydration resurrected a deleted comment")
	}
}

func TestHydratedBeforeConfirmIsDeduplicated(t *testing.T) {
	r := New()
	other := mustBegin(t, r, postDraft(0))
	e := mustBegin(t, r, postDraft(1))
	_ = other
	// 索引服务先同步到了这条评论，随后执行器才返回成功
	r.Observe([]Record{{CommentID: e.CommentID, Content: "post 1"}})
	if _, err := r.Confirm(e.LocalID, nil); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Confirm() = %v", err)
	}
	if n := countAction(r.View(), e.ActionID); n != 1 {
		t.Fatalf("action visible %d times", n)
	}
	if len(r.View()) != 2 {
		t.Fatalf("view = %+v", r.View())
	}
}

func TestApprovalEntryLeavesNoRecord(t *testing.T) {
	r := New()
	e := mustBegin(t, r, Draft{LocalID: "approve", Kind: KindApproval})
	if _, err := r.Confirm(e.LocalID, nil); err != nil {
		t.Fatal(err)
	}
	if len(r.View()) != 0 || len(r.Pending()) != 0 {
		t.Fatal("approval left residue in the cache")
	}
}

// 任意 submit/timeout/revert/retry/confirm 序列下，一个用户操作在视图中至多出现一次且不会消失
func TestAtMostOneVisibleEntryPerAction(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		r := New()
		seq := 0
		d := postDraft(seq)
		cur := mustBegin(t, r, d)
		action := cur.ActionID
		confirmed := false

		for step := 0; step < 12 && !confirmed; step++ {
			switch rng.Intn(5) {
			case 0: // 重复提交
				_, _ = r.Begin(d)
			case 1:
				_, _ = r.Reconcile(cur.LocalID, executor.Outcome{Status: executor.OutcomeTimedOut})
			case 2:
				_, _ = r.Reconcile(cur.LocalID, executor.Outcome{Status: executor.OutcomeReverted, Err: ledger.ErrNonceUsed})
			case 3:
				seq++
				nd := postDraft(seq)
				if e, err := r.Retry(cur.LocalID, nd); err == nil {
					cur, d = e, nd
				}
			case 4:
				if _, err := r.Reconcile(cur.LocalID, executor.Outcome{Status: executor.OutcomeSuccess}); err == nil {
					confirmed = true
				}
			}
			if n := countAction(r.View(), action); n != 1 {
				t.Fatalf("run %d step %d: action visible %d times", run, step, n)
			}
			if len(r.View()) != 1 {
				t.Fatalf("run %d step %d: view has %d items", run, step, len(r.View()))
			}
		}
	}
}
