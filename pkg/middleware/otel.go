package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"comments-relay/pkg/logger"
)

// ContextKeyRequestID gin 上下文中的请求ID
const ContextKeyRequestID = "request_id"

// HeaderRequestID 请求ID头
const HeaderRequestID = "X-Request-ID"

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
}

// NewOTelMiddleware 创建OpenTelemetry中间件
func NewOTelMiddleware(serviceName string) *OTelMiddleware {
	return &OTelMiddleware{serviceName: serviceName}
}

// GinMiddleware otelgin 建立 span 后补充请求ID与业务属性
func (m *OTelMiddleware) GinMiddleware() []gin.HandlerFunc {
	return []gin.HandlerFunc{otelgin.Middleware(m.serviceName), m.enrich}
}

func (m *OTelMiddleware) enrich(c *gin.Context) {
	requestID := c.GetHeader(HeaderRequestID)
	if requestID == "" {
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			requestID = sc.TraceID().String()
		} else {
			requestID = uuid.NewString()
		}
	}
	c.Set(ContextKeyRequestID, requestID)
	c.Header(HeaderRequestID, requestID)

	ctx := logger.WithRequestID(c.Request.Context(), requestID)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.route", c.FullPath()),
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("request.id", requestID),
		)
	}
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

// GRPCUnaryServerInterceptor 从 metadata 提取请求ID
func (m *OTelMiddleware) GRPCUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				ctx = logger.WithRequestID(ctx, ids[0])
			}
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("rpc.method", info.FullMethod),
				attribute.String("rpc.service", m.serviceName),
			)
		}
		return handler(ctx, req)
	}
}
