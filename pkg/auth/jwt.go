package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string
	ExpireTime time.Duration
}

// Claims 调用签名/中继接口的 app 令牌
type Claims struct {
	// App 调用方在 app 签名方处登记的名称
	App string `json:"app"`
	jwt.RegisteredClaims
}

// ErrInvalidToken 令牌无效或已过期
var ErrInvalidToken = errors.New("invalid token")

// GenerateJWT 为 app 生成令牌
func GenerateJWT(app string, config *JWTConfig) (string, error) {
	if app == "" {
		return "", fmt.Errorf("app is required")
	}
	now := time.Now()
	claims := Claims{
		App: app,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   app,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.ExpireTime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.Secret))
}

// ValidateJWT 校验令牌并返回 claims
func ValidateJWT(tokenString, secret string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// 校验签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.App == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
