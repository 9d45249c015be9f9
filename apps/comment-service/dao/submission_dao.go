package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"comments-relay/apps/comment-service/model"
	"comments-relay/pkg/database"
)

// submissionDAO PostgreSQL 实现
type submissionDAO struct {
	db *database.PostgreSQL
}

// NewSubmissionDAO 创建提交日志DAO
func NewSubmissionDAO(db *database.PostgreSQL) SubmissionDAO {
	return &submissionDAO{db: db}
}

// Create 写入提交记录
func (d *submissionDAO) Create(ctx context.Context, s *model.Submission) error {
	err := d.db.WithContext(ctx).Create(s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// GetByDigest 按摘要查询
func (d *submissionDAO) GetByDigest(ctx context.Context, digest string) (*model.Submission, error) {
	var s model.Submission
	err := d.db.WithContext(ctx).Where("digest = ?", digest).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateStatus 更新状态；已是最终状态的记录不再改变
func (d *submissionDAO) UpdateStatus(ctx context.Context, id int64, u StatusUpdate) error {
	fields := map[string]interface{}{"status": u.Status}
	if u.TxHash != "" {
		fields["tx_hash"] = u.TxHash
	}
	if u.CommentID != "" {
		fields["comment_id"] = u.CommentID
	}
	if u.BlockNumber != 0 {
		fields["block_number"] = u.BlockNumber
	}
	if u.Reason != "" {
		fields["reason"] = u.Reason
	}
	res := d.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ? AND status NOT IN ?", id, []model.SubmissionStatus{model.StatusConfirmed, model.StatusFailed}).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByAuthor 作者最近的提交
func (d *submissionDAO) ListByAuthor(ctx context.Context, author, app string, limit int) ([]*model.Submission, error) {
	var out []*model.Submission
	q := d.db.WithContext(ctx).Where("author = ?", author)
	if app != "" {
		q = q.Where("app = ?", app)
	}
	err := q.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// ListUnfinished 等待中的提交
func (d *submissionDAO) ListUnfinished(ctx context.Context, limit int) ([]*model.Submission, error) {
	var out []*model.Submission
	err := d.db.WithContext(ctx).
		Where("status IN ?", []model.SubmissionStatus{model.StatusSubmitted, model.StatusTimedOut}).
		Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}
