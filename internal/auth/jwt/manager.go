// Package jwt 签发与校验运维令牌。
//
// 令牌可以限定可操作的邮箱地址；未限定时可访问全部账户。
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
)

// DefaultIssuer 默认签发者
const DefaultIssuer = "hostinbox"

// Claims 运维令牌声明
type Claims struct {
	// Accounts 允许访问的邮箱地址，为空表示不限
	Accounts []string `json:"accounts,omitempty"`
	jwt.RegisteredClaims
}

// Allows 是否允许访问指定邮箱
func (c *Claims) Allows(address string) bool {
	if len(c.Accounts) == 0 {
		return true
	}
	address = strings.ToLower(strings.TrimSpace(address))
	for _, a := range c.Accounts {
		if strings.EqualFold(a, address) {
			return true
		}
	}
	return false
}

// Manager JWT 管理器
type Manager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewManager 创建 JWT 管理器，secret 为空时返回 nil
func NewManager(secret, issuer string) *Manager {
	if secret == "" {
		return nil
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// SetClock 替换时钟
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Issue 为 subject 签发有效期为 ttl 的令牌
func (m *Manager) Issue(subject string, accounts []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := m.now()

	normalized := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			normalized = append(normalized, a)
		}
	}

	claims := Claims{
		Accounts: normalized,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken 验证令牌并返回声明
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
