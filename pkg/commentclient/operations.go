package commentclient

import (
	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/indexer"
	"comments-relay/pkg/reconciler"
	"comments-relay/pkg/typeddata"
)

// ReactionKey 回应类评论携带的元数据键
const ReactionKey = "string reaction"

// NewPost 根评论；作者为空时使用作者签名方地址
func NewPost(author common.Address, targetURI, content string, metadata ...typeddata.MetadataEntry) *typeddata.AddComment {
	return &typeddata.AddComment{
		Header:    typeddata.Header{Author: author},
		Content:   content,
		Metadata:  metadata,
		TargetURI: targetURI,
	}
}

// NewReply 回复
func NewReply(author common.Address, parentID common.Hash, content string, metadata ...typeddata.MetadataEntry) *typeddata.AddComment {
	return &typeddata.AddComment{
		Header:   typeddata.Header{Author: author},
		Content:  content,
		Metadata: metadata,
		ParentID: parentID,
	}
}

// NewReaction 对评论的回应（点赞等），在账本上是一条带 reaction 元数据的回复
func NewReaction(author common.Address, parentID common.Hash, reaction string) *typeddata.AddComment {
	return NewReply(author, parentID, reaction, typeddata.MetadataEntry{Key: ReactionKey, Value: []byte(reaction)})
}

// NewEdit 编辑
func NewEdit(author common.Address, commentID common.Hash, content string, metadata ...typeddata.MetadataEntry) *typeddata.EditComment {
	return &typeddata.EditComment{
		Header:    typeddata.Header{Author: author},
		CommentID: commentID,
		Content:   content,
		Metadata:  metadata,
	}
}

// NewDelete 删除
func NewDelete(author common.Address, commentID common.Hash) *typeddata.DeleteComment {
	return &typeddata.DeleteComment{Header: typeddata.Header{Author: author}, CommentID: commentID}
}

// NewApproval 授权 app 代付
func NewApproval(author common.Address) *typeddata.AddApproval {
	return &typeddata.AddApproval{Header: typeddata.Header{Author: author}}
}

// NewRevocation 撤销授权
func NewRevocation(author common.Address) *typeddata.RemoveApproval {
	return &typeddata.RemoveApproval{Header: typeddata.Header{Author: author}}
}

// EntryKindOf 操作对应的缓存条目类型
func EntryKindOf(op typeddata.Operation) reconciler.EntryKind {
	switch o := op.(type) {
	case *typeddata.AddComment:
		for _, m := range o.Metadata {
			if m.Key == ReactionKey {
				return reconciler.KindReaction
			}
		}
		return reconciler.KindPost
	case *typeddata.EditComment:
		return reconciler.KindEdit
	case *typeddata.DeleteComment:
		return reconciler.KindDelete
	}
	return reconciler.KindApproval
}

// RecordOf 索引记录转为缓存记录
func RecordOf(c indexer.Comment) reconciler.Record {
	return reconciler.Record{
		CommentID:   c.ID,
		Author:      c.Author,
		App:         c.App,
		ParentID:    c.ParentID,
		TargetURI:   c.TargetURI,
		Content:     c.Content,
		Deleted:     c.Deleted,
		TxHash:      c.TxHash,
		BlockNumber: c.BlockNumber,
		Timestamp:   c.CreatedAt,
	}
}

// draftOf 由载荷生成 pending 条目草稿，LocalID 为载荷摘要
func draftOf(p *typeddata.SignedPayload, kind reconciler.EntryKind) reconciler.Draft {
	if kind == "" {
		kind = EntryKindOf(p.Operation)
	}
	h := p.Header()
	d := reconciler.Draft{
		LocalID:   p.Digest().Hex(),
		Kind:      kind,
		Digest:    p.Digest(),
		Operation: p.Operation,
		Preview:   reconciler.Record{Author: h.Author, App: h.App},
	}
	switch o := p.Operation.(type) {
	case *typeddata.AddComment:
		d.CommentID = p.Digest()
		d.Preview.ParentID = o.ParentID
		d.Preview.TargetURI = o.TargetURI
		d.Preview.Content = o.Content
	case *typeddata.EditComment:
		d.CommentID = o.CommentID
		d.Preview.Content = o.Content
	case *typeddata.DeleteComment:
		d.CommentID = o.CommentID
	}
	return d
}
