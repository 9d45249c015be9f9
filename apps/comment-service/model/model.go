package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// SubmissionStatus 中继提交状态
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"   // 已记录，尚未被账本接收
	StatusSubmitted SubmissionStatus = "submitted" // 账本已接收，等待打包
	StatusConfirmed SubmissionStatus = "confirmed"
	StatusFailed    SubmissionStatus = "failed"
	// StatusTimedOut 等待超时，交易可能稍后仍会上链
	StatusTimedOut SubmissionStatus = "timed_out"
)

// Final 是否为最终状态
func (s SubmissionStatus) Final() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Submission 中继提交日志。同一 (author, app, nonce) 只允许一条未失败的记录，
// 回滚不消耗 nonce，失败后可以用同一 nonce 重建
type Submission struct {
	ID          int64            `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	Digest      string           `json:"digest" gorm:"type:char(66);not null;uniqueIndex"`
	Kind        string           `json:"kind" gorm:"type:varchar(32);not null"`
	Author      string           `json:"author" gorm:"type:char(42);not null;uniqueIndex:idx_author_app_nonce,where:status <> 'failed'"`
	App         string           `json:"app" gorm:"type:char(42);not null;uniqueIndex:idx_author_app_nonce"`
	Nonce       string           `json:"nonce" gorm:"type:varchar(78);not null;uniqueIndex:idx_author_app_nonce"`
	Submitter   string           `json:"submitter" gorm:"type:char(42)"`
	Status      SubmissionStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	TxHash      string           `json:"txHash,omitempty" gorm:"type:char(66);index"`
	CommentID   string           `json:"commentId,omitempty" gorm:"type:char(66)"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	Reason      string           `json:"reason,omitempty" gorm:"type:text"`
	Payload     string           `json:"-" gorm:"type:text;not null"`
	CreatedAt   time.Time        `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt   time.Time        `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Submission) TableName() string {
	return "relay_submissions"
}

// SignRequest 签名服务请求：服务端读取 nonce 并构建、联署。
// nonce、deadline 与 app 由服务端填写，请求中的值被忽略
type SignRequest struct {
	Kind      typeddata.Kind  `json:"kind" binding:"required"`
	Operation json.RawMessage `json:"operation" binding:"required"`
	Gasless   bool            `json:"gasless"`
}

// Decode 按 kind 解析操作
func (r *SignRequest) Decode() (typeddata.Operation, error) {
	op, ok := typeddata.NewOperation(r.Kind)
	if !ok {
		return nil, errcode.New(errcode.KindValidation, "unknown_kind", fmt.Sprintf("unknown operation kind %q", r.Kind))
	}
	if err := json.Unmarshal(r.Operation, op); err != nil {
		return nil, errcode.Wrap(errcode.KindValidation, "bad_operation", "decode operation", err)
	}
	return op, nil
}

// SignResponse 签名服务结果
type SignResponse struct {
	TypedData              apitypes.TypedData  `json:"typedData"`
	Digest                 common.Hash         `json:"digest"`
	CommentID              common.Hash         `json:"commentId,omitempty"`
	AppSignature           hexutil.Bytes       `json:"appSignature"`
	Submitter              typeddata.Submitter `json:"submitter"`
	RequireAuthorSignature bool                `json:"requireAuthorSignature"`
	Nonce                  *big.Int            `json:"nonce"`
	Deadline               *big.Int            `json:"deadline"`
}

// RelayRequest 中继请求
type RelayRequest struct {
	Payload *typeddata.SignedPayload `json:"payload"`
}

// StatusRequest 提交状态查询
type StatusRequest struct {
	Digest common.Hash `json:"digest" binding:"required"`
}

// ListRequest 作者最近的提交
type ListRequest struct {
	Author common.Address `json:"author" binding:"required"`
	Limit  int            `json:"limit"`
}

// ApprovalRequest 授权状态查询，App 为空时使用本服务的 app
type ApprovalRequest struct {
	Author common.Address  `json:"author" binding:"required"`
	App    *common.Address `json:"app,omitempty"`
}

// ApprovalResponse 直接读自账本的授权状态与 nonce
type ApprovalResponse struct {
	Author   common.Address `json:"author"`
	App      common.Address `json:"app"`
	Approved bool           `json:"approved"`
	Nonce    *big.Int       `json:"nonce"`
	Now      time.Time      `json:"now"`
}
