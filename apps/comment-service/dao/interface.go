package dao

import (
	"context"
	"errors"

	"comments-relay/apps/comment-service/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("submission not found")
	// ErrDuplicate 摘要或 (author, app, nonce) 已存在
	ErrDuplicate = errors.New("submission already recorded")
)

// StatusUpdate 状态变更，零值字段不覆盖
type StatusUpdate struct {
	Status      model.SubmissionStatus
	TxHash      string
	CommentID   string
	BlockNumber uint64
	Reason      string
}

// SubmissionDAO 中继提交日志
type SubmissionDAO interface {
	Create(ctx context.Context, s *model.Submission) error
	GetByDigest(ctx context.Context, digest string) (*model.Submission, error)
	UpdateStatus(ctx context.Context, id int64, u StatusUpdate) error
	// ListByAuthor 最近的提交，按创建时间倒序
	ListByAuthor(ctx context.Context, author, app string, limit int) ([]*model.Submission, error)
	// ListUnfinished 已被账本接收但结果未知的提交，用于重启后继续等待
	ListUnfinished(ctx context.Context, limit int) ([]*model.Submission, error)
}
