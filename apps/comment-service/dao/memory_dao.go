package dao

import (
	"context"
	"sort"
	"sync"
	"time"

	"comments-relay/apps/comment-service/model"
)

// memoryDAO 进程内实现，用于未配置数据库的开发模式和测试
type memoryDAO struct {
	mu       sync.Mutex
	rows     map[int64]*model.Submission
	byDigest map[string]int64
	byNonce  map[string]int64
}

// NewMemoryDAO 创建内存提交日志
func NewMemoryDAO() SubmissionDAO {
	return &memoryDAO{
		rows:     make(map[int64]*model.Submission),
		byDigest: make(map[string]int64),
		byNonce:  make(map[string]int64),
	}
}

func nonceKey(s *model.Submission) string {
	return s.Author + "|" + s.App + "|" + s.Nonce
}

func (d *memoryDAO) Create(ctx context.Context, s *model.Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byDigest[s.Digest]; ok {
		return ErrDuplicate
	}
	if _, ok := d.byNonce[nonceKey(s)]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	d.rows[s.ID] = &cp
	d.byDigest[s.Digest] = s.ID
	d.byNonce[nonceKey(s)] = s.ID
	return nil
}

func (d *memoryDAO) GetByDigest(ctx context.Context, digest string) (*model.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byDigest[digest]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d.rows[id]
	return &cp, nil
}

func (d *memoryDAO) UpdateStatus(ctx context.Context, id int64, u StatusUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[id]
	if !ok || row.Status.Final() {
		return ErrNotFound
	}
	row.Status = u.Status
	if u.Status == model.StatusFailed && d.byNonce[nonceKey(row)] == row.ID {
		delete(d.byNonce, nonceKey(row))
	}
	if u.TxHash != "" {
		row.TxHash = u.TxHash
	}
	if u.CommentID != "" {
		row.CommentID = u.CommentID
	}
	if u.BlockNumber != 0 {
		row.BlockNumber = u.BlockNumber
	}
	if u.Reason != "" {
		row.Reason = u.Reason
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *memoryDAO) ListByAuthor(ctx context.Context, author, app string, limit int) ([]*model.Submission, error) {
	return d.list(limit, true, func(s *model.Submission) bool {
		return s.Author == author && (app == "" || s.App == app)
	}), nil
}

func (d *memoryDAO) ListUnfinished(ctx context.Context, limit int) ([]*model.Submission, error) {
	return d.list(limit, false, func(s *model.Submission) bool {
		return s.Status == model.StatusSubmitted || s.Status == model.StatusTimedOut
	}), nil
}

func (d *memoryDAO) list(limit int, newestFirst bool, match func(*model.Submission) bool) []*model.Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Submission
	for _, row := range d.rows {
		if match(row) {
			cp := *row
			out = append(out, &cp)
		}
	}
	// snowflake ID 随时间递增
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
