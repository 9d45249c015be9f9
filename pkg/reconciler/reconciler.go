package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/executor"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/logger"
)

// slot 视图中的固定位置。一个用户操作（含其所有重试）始终占据同一个位置
type slot struct {
	actionID string
	recordID common.Hash
	entryID  string
}

// Reconciler 乐观缓存状态机。每个会话一个实例，显式传递
type Reconciler struct {
	mu  sync.Mutex
	log logger.Logger
	now func() time.Time

	slots      []*slot
	records    map[common.Hash]*Record
	recordSlot map[common.Hash]*slot
	entries    map[string]*Entry
	entrySlot  map[string]*slot
}

// Option 选项
type Option func(*Reconciler)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithClock 设置时钟
func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) { r.now = fn }
}

// New 创建空缓存
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		log:        logger.Nop(),
		now:        time.Now,
		records:    make(map[common.Hash]*Record),
		recordSlot: make(map[common.Hash]*slot),
		entries:    make(map[string]*Entry),
		entrySlot:  make(map[string]*slot),
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Begin 用户发起操作时插入 pending 条目。
// 同一条目已在 pending 时拒绝（不排队），避免同一 nonce 槽位被提交两次。
func (r *Reconciler) Begin(d Draft) (Entry, error) {
	if d.LocalID == "" {
		return Entry{}, errcode.New(errcode.KindValidation, "missing_local_id", "draft has no local id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkFreeLocked(d.LocalID); err != nil {
		return Entry{}, err
	}

	var s *slot
	switch d.Kind {
	case KindEdit, KindDelete:
		s = r.recordSlot[d.CommentID]
		if s != nil && s.entryID != "" {
			return Entry{}, ErrInFlight
		}
		if s == nil {
			s = r.appendSlotLocked()
			s.recordID = d.CommentID
			r.recordSlot[d.CommentID] = s
		}
	default:
		s = r.appendSlotLocked()
	}

	e := r.newEntryLocked(d, s.actionID, 0)
	s.entryID = e.LocalID
	r.entrySlot[e.LocalID] = s
	r.log.Debug(context.Background(), "Pending entry created", logger.F("local_id", e.LocalID), logger.F("kind", string(e.Kind)), logger.F("action_id", s.actionID))
	return cloneEntry(e), nil
}

// MarkSubmitted 记录交易哈希
func (r *Reconciler) MarkSubmitted(localID string, txHash common.Hash) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[localID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if e.Status != StatusPending {
		return Entry{}, ErrNotPending
	}
	e.TxHash = txHash
	e.UpdatedAt = r.now()
	return cloneEntry(e), nil
}

// Reconcile 根据等待结果推进状态：
// success → confirmed 并合并；reverted → failed；timed out → 保持 pending 并标记仍在处理。
func (r *Reconciler) Reconcile(localID string, out executor.Outcome) (Entry, error) {
	switch out.Status {
	case executor.OutcomeSuccess:
		r.mu.Lock()
		e, ok := r.entries[localID]
		var rec *Record
		if ok {
			rec = recordFromReceipt(e, out.Receipt)
		}
		r.mu.Unlock()
		if !ok {
			return Entry{}, ErrEntryNotFound
		}
		return r.Confirm(localID, rec)
	case executor.OutcomeReverted:
		err := out.Err
		if err == nil {
			err = errcode.New(errcode.KindLedger, "reverted", "transaction reverted")
		}
		return r.Fail(localID, err)
	default:
		return r.TimedOut(localID)
	}
}

// Confirm pending（或失败后被带外确认的）条目转为 confirmed，
// 在原位置替换为权威记录并移出 pending 集合。
func (r *Reconciler) Confirm(localID string, rec *Record) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[localID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return r.confirmLocked(e, rec), nil
}

// Fail 账本回滚或本地签名/校验被拒：标记失败，保留位置，等待用户重试或移除
func (r *Reconciler) Fail(localID string, cause error) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[localID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if e.Status != StatusPending {
		return Entry{}, ErrNotPending
	}
	e.Status = StatusFailed
	e.StillProcessing = false
	if cause != nil {
		e.ErrorMessage = cause.Error()
	}
	e.UpdatedAt = r.now()
	r.log.Info(context.Background(), "Pending entry failed", logger.F("local_id", localID), logger.F("error", e.ErrorMessage))
	return cloneEntry(e), nil
}

// TimedOut 等待超时不是失败：条目保持 pending，只标记为仍在处理
func (r *Reconciler) TimedOut(localID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[localID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if e.Status != StatusPending {
		return Entry{}, ErrNotPending
	}
	e.StillProcessing = true
	e.UpdatedAt = r.now()
	return cloneEntry(e), nil
}

// Retry 用户对失败条目重试：d 必须是用新 nonce 重建的载荷。
// 新条目替换旧条目，位置不变，重试次数加一。
func (r *Reconciler) Retry(failedID string, d Draft) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.entries[failedID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	switch old.Status {
	case StatusPending:
		return Entry{}, ErrInFlight
	case StatusFailed:
	default:
		return Entry{}, ErrNotFailed
	}
	if d.LocalID == "" || d.LocalID == failedID {
		return Entry{}, errcode.New(errcode.KindValidation, "stale_retry", "retry must use a rebuilt payload")
	}
	if err := r.checkFreeLocked(d.LocalID); err != nil {
		return Entry{}, err
	}

	s := r.entrySlot[failedID]
	delete(r.entries, failedID)
	delete(r.entrySlot, failedID)

	if d.Kind == "" {
		d.Kind = old.Kind
	}
	e := r.newEntryLocked(d, s.actionID, old.RetryCount+1)
	e.CreatedAt = old.CreatedAt
	s.entryID = e.LocalID
	r.entrySlot[e.LocalID] = s
	r.log.Info(context.Background(), "Pending entry retried", logger.F("old_local_id", failedID), logger.F("local_id", e.LocalID), logger.F("retry", e.RetryCount))
	return cloneEntry(e), nil
}

// Dismiss 用户移除失败条目。失败条目不会被自动清除
func (r *Reconciler) Dismiss(localID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[localID]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Status != StatusFailed {
		return ErrNotFailed
	}
	s := r.entrySlot[localID]
	r.dropEntryLocked(e)
	if _, hasRecord := r.records[s.recordID]; !hasRecord {
		r.removeSlotLocked(s)
	}
	return nil
}

// Observe 合并带外获得的权威记录（索引服务、事件订阅）。
// 与某个条目对应的记录会确认该条目，即使之前的等待已超时；返回被确认的条目。
func (r *Reconciler) Observe(records []Record) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var confirmed []Entry
	for i := range records {
		rec := records[i]
		if e := r.matchLocked(rec); e != nil {
			confirmed = append(confirmed, r.confirmLocked(e, &rec))
			continue
		}
		r.mergeRecordLocked(rec, nil)
	}
	return confirmed
}

// Entry 查询 pending 集合中的条目
func (r *Reconciler) Entry(localID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[localID]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// Pending pending 集合（含失败条目），按位置排序
func (r *Reconciler) Pending() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, s := range r.slots {
		if e, ok := r.entries[s.entryID]; ok {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// View 当前可见列表，按原始插入位置排序。每个用户操作至多一个位置
func (r *Reconciler) View() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, 0, len(r.slots))
	for _, s := range r.slots {
		item := Item{ActionID: s.actionID}
		if rec, ok := r.records[s.recordID]; ok {
			cp := *rec
			item.Record = &cp
		}
		if e, ok := r.entries[s.entryID]; ok {
			cp := cloneEntry(e)
			item.Entry = &cp
		}
		if item.Entry == nil && (item.Record == nil || item.Record.Deleted) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Record 查询权威记录
func (r *Reconciler) Record(id common.Hash) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (r *Reconciler) checkFreeLocked(localID string) error {
	if e, ok := r.entries[localID]; ok {
		if e.Status == StatusPending {
			return ErrInFlight
		}
		return ErrEntryExists
	}
	return nil
}

func (r *Reconciler) newEntryLocked(d Draft, actionID string, retries int) *Entry {
	now := r.now()
	e := &Entry{
		LocalID:    d.LocalID,
		ActionID:   actionID,
		Kind:       d.Kind,
		Status:     StatusPending,
		RetryCount: retries,
		CommentID:  d.CommentID,
		Digest:     d.Digest,
		Operation:  d.Operation,
		Preview:    d.Preview,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.entries[e.LocalID] = e
	return e
}

func (r *Reconciler) appendSlotLocked() *slot {
	s := &slot{actionID: uuid.NewString()}
	r.slots = append(r.slots, s)
	return s
}

func (r *Reconciler) removeSlotLocked(target *slot) {
	for i, s := range r.slots {
		if s == target {
			r.slots = append(r.slots[:i], r.slots[i+1:]...)
			break
		}
	}
	if r.recordSlot[target.recordID] == target {
		delete(r.recordSlot, target.recordID)
	}
}

func (r *Reconciler) dropEntryLocked(e *Entry) {
	if s, ok := r.entrySlot[e.LocalID]; ok && s.entryID == e.LocalID {
		s.entryID = ""
	}
	delete(r.entries, e.LocalID)
	delete(r.entrySlot, e.LocalID)
}

func (r *Reconciler) confirmLocked(e *Entry, rec *Record) Entry {
	s := r.entrySlot[e.LocalID]
	e.Status = StatusConfirmed
	e.StillProcessing = false
	e.ErrorMessage = ""
	e.UpdatedAt = r.now()

	if e.Kind == KindApproval {
		r.dropEntryLocked(e)
		r.removeSlotLocked(s)
		return cloneEntry(e)
	}

	if rec == nil {
		rec = r.recordFromPreviewLocked(e)
	}
	merged := r.mergeRecordLocked(*rec, s)
	e.Record = &merged
	r.dropEntryLocked(e)
	r.log.Info(context.Background(), "Pending entry confirmed", logger.F("local_id", e.LocalID), logger.F("comment_id", merged.CommentID.Hex()))
	return cloneEntry(e)
}

// mergeRecordLocked 写入权威记录。at 非空时记录落在该位置，
// 同一评论若已在别处（例如先被索引服务同步到）则移除那个重复位置。
func (r *Reconciler) mergeRecordLocked(rec Record, at *slot) Record {
	existing, ok := r.records[rec.CommentID]
	if ok {
		merged := *existing
		stale := rec.BlockNumber != 0 && rec.BlockNumber < existing.BlockNumber
		if rec.Content != "" && !stale {
			merged.Content = rec.Content
		}
		merged.Deleted = merged.Deleted || rec.Deleted
		if rec.TxHash != (common.Hash{}) && !stale {
			merged.TxHash = rec.TxHash
			merged.BlockNumber = rec.BlockNumber
		}
		if !rec.Timestamp.IsZero() && !stale {
			merged.Timestamp = rec.Timestamp
		}
		rec = merged
	}
	r.records[rec.CommentID] = &rec

	prev := r.recordSlot[rec.CommentID]
	switch {
	case at != nil:
		at.recordID = rec.CommentID
		if prev != nil && prev != at && prev.entryID == "" {
			r.removeSlotLocked(prev)
		}
		r.recordSlot[rec.CommentID] = at
	case prev == nil && !rec.Deleted:
		s := r.appendSlotLocked()
		s.recordID = rec.CommentID
		r.recordSlot[rec.CommentID] = s
	}
	return rec
}

func (r *Reconciler) recordFromPreviewLocked(e *Entry) *Record {
	rec := e.Preview
	rec.CommentID = e.CommentID
	rec.TxHash = e.TxHash
	switch e.Kind {
	case KindDelete:
		rec.Deleted = true
	case KindEdit:
		if existing, ok := r.records[e.CommentID]; ok {
			base := *existing
			base.Content = e.Preview.Content
			base.TxHash = e.TxHash
			rec = base
		}
	}
	return &rec
}

// matchLocked 找到由该记录确认的条目
func (r *Reconciler) matchLocked(rec Record) *Entry {
	for _, s := range r.slots {
		e, ok := r.entries[s.entryID]
		if !ok || e.CommentID != rec.CommentID {
			continue
		}
		if e.TxHash != (common.Hash{}) && rec.TxHash == e.TxHash {
			return e
		}
		switch e.Kind {
		case KindPost, KindReaction:
			return e
		case KindEdit:
			if !rec.Deleted && rec.Content == e.Preview.Content {
				return e
			}
		case KindDelete:
			if rec.Deleted {
				return e
			}
		}
	}
	return nil
}

// recordFromReceipt 从回执事件还原权威记录，没有对应事件时返回 nil（使用乐观预览）
func recordFromReceipt(e *Entry, rc *ledger.Receipt) *Record {
	if rc == nil {
		return nil
	}
	for _, ev := range rc.Events {
		if ev.CommentID != e.CommentID {
			continue
		}
		rec := e.Preview
		rec.CommentID = ev.CommentID
		rec.TxHash = ev.TxHash
		rec.BlockNumber = ev.BlockNumber
		rec.Timestamp = ev.Timestamp
		switch ev.Name {
		case ledger.EventCommentAdded:
			rec.Author = ev.Author
			rec.App = ev.App
			rec.ParentID = ev.ParentID
			rec.TargetURI = ev.TargetURI
			rec.Content = ev.Content
		case ledger.EventCommentEdited:
			rec.Content = ev.Content
		case ledger.EventCommentDeleted:
			rec.Deleted = true
		}
		return &rec
	}
	return nil
}

func cloneEntry(e *Entry) Entry {
	cp := *e
	if e.Record != nil {
		rec := *e.Record
		cp.Record = &rec
	}
	return cp
}
