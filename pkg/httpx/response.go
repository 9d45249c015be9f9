package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"comments-relay/pkg/errcode"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Kind    string      `json:"kind,omitempty"`
	ErrCode string      `json:"err_code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteObject 成功返回 data，失败按错误类别映射状态码
func WriteObject(c *gin.Context, obj interface{}, err error) {
	if err != nil {
		WriteError(c, err, obj)
		return
	}
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: obj})
}

// WriteError 错误响应，data 可携带校验违反项等细节
func WriteError(c *gin.Context, err error, data interface{}) {
	status := errcode.HTTPStatus(err)
	c.JSON(status, Response{
		Code:    status,
		Message: err.Error(),
		Kind:    string(errcode.KindOf(err)),
		ErrCode: errcode.CodeOf(err),
		Data:    data,
	})
}
