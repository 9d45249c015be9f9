// Package indexer 只读查询已确认的评论与授权记录。
// 仅用于填充缓存中已确认的部分；nonce 与授权状态必须直接读账本。
package indexer

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/httpx"
)

// DefaultPageSize 默认分页大小
const DefaultPageSize = 50

// Comment 索引服务返回的评论
type Comment struct {
	ID          common.Hash    `json:"id"`
	Author      common.Address `json:"author"`
	App         common.Address `json:"app"`
	ParentID    common.Hash    `json:"parentId"`
	TargetURI   string         `json:"targetUri"`
	Content     string         `json:"content"`
	Deleted     bool           `json:"deleted"`
	TxHash      common.Hash    `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Approval 索引服务返回的授权记录
type Approval struct {
	Author      common.Address `json:"author"`
	App         common.Address `json:"app"`
	TxHash      common.Hash    `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber"`
	Revoked     bool           `json:"revoked"`
}

// Pagination 游标分页信息
type Pagination struct {
	Limit     int    `json:"limit"`
	HasNext   bool   `json:"hasNext"`
	EndCursor string `json:"endCursor"`
}

// Page 一页结果
type Page[T any] struct {
	Results    []T        `json:"results"`
	Pagination Pagination `json:"pagination"`
}

// Query 查询条件，Target/Author/Parent 可以组合
type Query struct {
	TargetURI string
	Author    *common.Address
	App       *common.Address
	ParentID  *common.Hash
	Cursor    string
	Limit     int
}

func (q Query) values(pageSize int) url.Values {
	v := url.Values{}
	if q.TargetURI != "" {
		v.Set("targetUri", q.TargetURI)
	}
	if q.Author != nil {
		v.Set("author", q.Author.Hex())
	}
	if q.App != nil {
		v.Set("app", q.App.Hex())
	}
	if q.ParentID != nil {
		v.Set("parentId", q.ParentID.Hex())
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = pageSize
	}
	v.Set("limit", strconv.Itoa(limit))
	return v
}

// Client 索引服务客户端
type Client struct {
	http     *httpx.Client
	pageSize int
}

// NewClient 创建客户端
func NewClient(c *httpx.Client, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{http: c, pageSize: pageSize}
}

// Comments 查询一页评论
func (c *Client) Comments(ctx context.Context, q Query) (*Page[Comment], error) {
	var page Page[Comment]
	if err := c.http.GetPlain(ctx, "/api/comments?"+q.values(c.pageSize).Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Comment 按ID查询
func (c *Client) Comment(ctx context.Context, id common.Hash) (*Comment, error) {
	var out Comment
	if err := c.http.GetPlain(ctx, "/api/comments/"+id.Hex(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approvals 查询作者的授权记录
func (c *Client) Approvals(ctx context.Context, author common.Address, cursor string) (*Page[Approval], error) {
	q := Query{Author: &author, Cursor: cursor}
	var page Page[Approval]
	if err := c.http.GetPlain(ctx, "/api/approvals?"+q.values(c.pageSize).Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Walk 依次遍历所有页，fn 返回 false 时停止；maxPages<=0 表示不限制
func (c *Client) Walk(ctx context.Context, q Query, maxPages int, fn func([]Comment) bool) error {
	for n := 0; maxPages <= 0 || n < maxPages; n++ {
		page, err := c.Comments(ctx, q)
		if err != nil {
			return err
		}
		if !fn(page.Results) || !page.Pagination.HasNext || page.Pagination.EndCursor == "" {
			return nil
		}
		q.Cursor = page.Pagination.EndCursor
	}
	return nil
}
