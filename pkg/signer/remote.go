package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/httpx"
	"comments-relay/pkg/typeddata"
)

// CosignPath 签名服务的联署接口
const CosignPath = "/api/v1/comment/cosign"

// CosignRequest 联署请求：完整的类型化数据和调用方计算的摘要
type CosignRequest struct {
	TypedData apitypes.TypedData `json:"typedData"`
	Digest    common.Hash        `json:"digest"`
}

// CosignResponse 联署结果
type CosignResponse struct {
	Signature hexutil.Bytes  `json:"signature"`
	Signer    common.Address `json:"signer"`
	Digest    common.Hash    `json:"digest"`
}

// RemoteSigner 通过签名服务获取 app 签名。签名服务幂等，
// 同一消息重复请求得到的签名都独立有效（不要求字节一致）
type RemoteSigner struct {
	client  *httpx.Client
	address common.Address
}

// NewRemoteSigner 创建远程签名者，address 为 app 签名者的公开地址
func NewRemoteSigner(client *httpx.Client, address common.Address) *RemoteSigner {
	return &RemoteSigner{client: client, address: address}
}

// Address app 签名者地址
func (s *RemoteSigner) Address() common.Address {
	return s.address
}

// Sign 请求签名服务联署
func (s *RemoteSigner) Sign(ctx context.Context, msg *typeddata.Message) ([]byte, error) {
	var resp CosignResponse
	err := s.client.PostJSON(ctx, CosignPath, CosignRequest{TypedData: msg.TypedData, Digest: msg.Digest}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Digest != msg.Digest {
		return nil, errcode.New(errcode.KindSignature, "digest_mismatch", "signing service signed a different digest")
	}
	if resp.Signer != s.address {
		return nil, ErrSignatureMismatch
	}
	return resp.Signature, nil
}
