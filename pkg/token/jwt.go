// Package token 校验外部认证服务签发的 JSON Web Tokens (JWT)。
package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin 是诊断与重解析接口要求的角色。
const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("invalid token")

// Claims 是令牌中携带的身份信息，Username 作为上传者写入文件记录。
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Uploader 返回上传者标识，username 为空时退回 sub。
func (c *Claims) Uploader() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// JWTManager 负责 HS256 令牌的验证。
type JWTManager struct {
	secretKey []byte
}

// NewJWTManager 创建一个新的 JWTManager 实例。
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secretKey: []byte(secret)}
}

// VerifyToken 验证签名和有效期，返回令牌中的 Claims。
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Uploader() != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
