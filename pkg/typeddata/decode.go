package typeddata

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"comments-relay/pkg/errcode"
)

// Decode 从类型化数据还原操作，供签名服务在联署前用自己的域重新构建
func Decode(td apitypes.TypedData) (Operation, error) {
	kind := Kind(td.PrimaryType)
	op, ok := NewOperation(kind)
	if !ok {
		return nil, errcode.New(errcode.KindValidation, "unknown_kind", fmt.Sprintf("unknown primary type %q", td.PrimaryType))
	}
	d := decoder{msg: td.Message}
	h := op.header()
	h.Author = d.address("author")
	h.App = d.address("app")
	h.Nonce = d.integer("nonce")
	h.Deadline = d.integer("deadline")

	switch o := op.(type) {
	case *AddComment:
		o.Content = d.str("content")
		o.Metadata = d.metadata("metadata")
		o.TargetURI = d.str("targetUri")
		o.ParentID = d.hash("parentId")
	case *EditComment:
		o.CommentID = d.hash("commentId")
		o.Content = d.str("content")
		o.Metadata = d.metadata("metadata")
	case *DeleteComment:
		o.CommentID = d.hash("commentId")
	}
	if d.err != nil {
		return nil, errcode.Wrap(errcode.KindValidation, "malformed_message", "decode typed data", d.err)
	}
	return op, nil
}

type decoder struct {
	msg apitypes.TypedDataMessage
	err error
}

func (d *decoder) fail(field string, v interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("field %s: unexpected value %v", field, v)
	}
}

func (d *decoder) str(field string) string {
	v, ok := d.msg[field].(string)
	if !ok {
		d.fail(field, d.msg[field])
	}
	return v
}

func (d *decoder) address(field string) common.Address {
	s := d.str(field)
	if !common.IsHexAddress(s) {
		d.fail(field, s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (d *decoder) hash(field string) common.Hash {
	b, err := hexutil.Decode(d.str(field))
	if err != nil || len(b) != common.HashLength {
		d.fail(field, d.msg[field])
		return common.Hash{}
	}
	return common.BytesToHash(b)
}

func (d *decoder) integer(field string) *big.Int {
	switch v := d.msg[field].(type) {
	case string:
		n, ok := new(big.Int).SetString(v, 0)
		if !ok {
			d.fail(field, v)
			return nil
		}
		return n
	case float64:
		return new(big.Int).SetUint64(uint64(v))
	case *big.Int:
		return new(big.Int).Set(v)
	}
	d.fail(field, d.msg[field])
	return nil
}

func (d *decoder) metadata(field string) []MetadataEntry {
	raw, ok := d.msg[field].([]interface{})
	if !ok {
		d.fail(field, d.msg[field])
		return nil
	}
	out := make([]MetadataEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			d.fail(field, item)
			return nil
		}
		sub := decoder{msg: m}
		key := sub.hash("key")
		value, err := hexutil.Decode(sub.str("value"))
		if sub.err != nil || err != nil {
			d.fail(field, item)
			return nil
		}
		out = append(out, MetadataEntry{
			Key:   string(bytes.TrimRight(key.Bytes(), "\x00")),
			Value: value,
		})
	}
	return out
}
