package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	cfg := &JWTConfig{Secret: "s3cret", ExpireTime: time.Hour}
	token, err := GenerateJWT("demo-app", cfg)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateJWT(token, "s3cret")
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if claims.App != "demo-app" {
		t.Fatalf("app = %q", claims.App)
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := &JWTConfig{Secret: "s3cret", ExpireTime: time.Hour}
	good, _ := GenerateJWT("demo-app", cfg)
	expired, _ := GenerateJWT("demo-app", &JWTConfig{Secret: "s3cret", ExpireTime: -time.Minute})
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{App: "demo-app"}).SignedString([]byte("s3cret"))

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"empty", "", "s3cret"},
		{"wrong secret", good, "other"},
		{"expired", expired, "s3cret"},
		{"no expiry", noExp, "s3cret"},
		{"garbage", "a.b.c", "s3cret"},
	}
	for _, tt := range tests {
		if _, err := ValidateJWT(tt.token, tt.secret); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: error = %v, want ErrInvalidToken", tt.name, err)
		}
	}
}
