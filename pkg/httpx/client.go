package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"comments-relay/pkg/errcode"
)

// Client 调用本服务族 JSON 接口的客户端
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient 创建客户端
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	ErrCode string          `json:"err_code"`
	Data    json.RawMessage `json:"data"`
}

// PostJSON POST 请求并把 data 解码到 out。
// 网络层失败归为 transport 错误，服务端错误按响应中的 kind 还原。
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errcode.Wrap(errcode.KindInternal, "encode_request", "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errcode.Wrap(errcode.KindInternal, "build_request", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.do(req, out)
}

// GetJSON GET 请求，响应为 {code, message, data} 信封
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newGet(ctx, path)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// GetPlain GET 请求，响应体直接解码到 out（外部服务不使用信封）
func (c *Client) GetPlain(ctx context.Context, path string, out interface{}) error {
	req, err := c.newGet(ctx, path)
	if err != nil {
		return err
	}
	raw, status, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return errcode.New(errcode.KindValidation, "not_found", req.URL.Path)
	}
	if status != http.StatusOK {
		return errcode.New(errcode.KindTransport, "unexpected_status", fmt.Sprintf("%s: status %d", req.URL.Path, status))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errcode.Wrap(errcode.KindInternal, "decode_response", "decode response", err)
	}
	return nil
}

func (c *Client) newGet(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.KindInternal, "build_request", "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) roundTrip(req *http.Request) ([]byte, int, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, errcode.Wrap(errcode.KindTransport, "request_failed", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errcode.Wrap(errcode.KindTransport, "read_failed", req.URL.Path, err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	raw, status, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if status > http.StatusInternalServerError {
		// 502/503/504 等网关错误，请求可能未到达业务层
		return errcode.New(errcode.KindTransport, "bad_gateway", fmt.Sprintf("%s: status %d", req.URL.Path, status))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status != http.StatusOK {
			return errcode.New(errcode.KindTransport, "unexpected_status", fmt.Sprintf("%s: status %d", req.URL.Path, status))
		}
		return errcode.Wrap(errcode.KindInternal, "decode_response", "decode response", err)
	}
	if status != http.StatusOK {
		kind := errcode.Kind(env.Kind)
		if kind == "" {
			kind = errcode.KindInternal
		}
		return errcode.New(kind, env.ErrCode, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errcode.Wrap(errcode.KindInternal, "decode_response", "decode response data", err)
	}
	return nil
}
