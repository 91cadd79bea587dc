package auth

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Identity 当前用户身份提供者
// 持有访问令牌，用户ID取自JWT的Subject声明；未登录时为0
// 客户端不持有签名密钥，令牌的真实性由服务端在每次调用时校验，
// 这里只做不校验签名的声明解析
type Identity struct {
	mu     sync.RWMutex
	token  string
	userID uint64
}

// NewIdentity 创建身份提供者（未登录状态）
func NewIdentity() *Identity {
	return &Identity{}
}

// SetToken 保存访问令牌并解析用户ID
func (i *Identity) SetToken(token string) error {
	if token == "" {
		return errors.New("empty token")
	}

	claims := jwtv5.RegisteredClaims{}
	if _, _, err := jwtv5.NewParser().ParseUnverified(token, &claims); err != nil {
		return errors.Wrap(err, "parse token")
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return errors.New("token subject is not a valid user id")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.token = token
	i.userID = userID
	return nil
}

// Token 当前访问令牌，未登录返回空串
func (i *Identity) Token() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token
}

// CurrentUserID 当前用户ID，未登录返回0
func (i *Identity) CurrentUserID() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID
}

// Clear 退出登录
func (i *Identity) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.token = ""
	i.userID = 0
}
