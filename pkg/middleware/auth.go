package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"comments-relay/pkg/auth"
	"comments-relay/pkg/logger"
)

// ContextKeyApp gin 上下文中已认证的 app 名称
const ContextKeyApp = "app"

// AuthMiddleware 认证中间件配置
type AuthMiddleware struct {
	logger    kratoslog.Logger
	jwtKey    string
	skipPaths []string
}

// NewAuthMiddleware 创建认证中间件，skipPaths 为免认证的路径前缀
func NewAuthMiddleware(logger kratoslog.Logger, jwtKey string, skipPaths ...string) *AuthMiddleware {
	return &AuthMiddleware{
		logger:    logger,
		jwtKey:    jwtKey,
		skipPaths: append([]string{"/health"}, skipPaths...),
	}
}

// GinAuth Gin认证中间件
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 跳过健康检查和公开接口
		if am.shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := extractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Missing authorization token", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "missing authorization token"})
			return
		}

		claims, err := auth.ValidateJWT(token, am.jwtKey)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid token"})
			return
		}

		c.Set(ContextKeyApp, claims.App)
		c.Request = c.Request.WithContext(logger.WithApp(c.Request.Context(), claims.App))
		am.logger.Log(kratoslog.LevelDebug, "msg", "App authenticated", "app", claims.App, "path", c.Request.URL.Path)
		c.Next()
	}
}

// GRPCAuth gRPC认证拦截器，健康检查免认证
func (am *AuthMiddleware) GRPCAuth() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Missing authorization token", "method", info.FullMethod)
			return nil, status.Errorf(codes.Unauthenticated, "missing authorization token")
		}

		claims, err := auth.ValidateJWT(extractTokenFromHeader(tokens[0]), am.jwtKey)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "method", info.FullMethod)
			return nil, status.Errorf(codes.Unauthenticated, "invalid token")
		}
		return handler(logger.WithApp(ctx, claims.App), req)
	}
}

// extractTokenFromHeader 从Authorization头中提取token
func extractTokenFromHeader(authHeader string) string {
	// 支持 "Bearer token" 和直接的 "token" 格式
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// shouldSkipAuth 判断是否跳过认证
func (am *AuthMiddleware) shouldSkipAuth(path string) bool {
	for _, skipPath := range am.skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}
