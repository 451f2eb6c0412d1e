package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"go-marketpay/payment/order"
)

const (
	callerKey = "caller"
	RoleAdmin = "admin"
)

// Auth validates the HS256 tokens issued by the account service. The
// subject is the user id; role "admin" grants admin access.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Issue signs a token for caller. The account service issues tokens in
// production; this is used by tooling and tests.
func (a *Auth) Issue(caller order.Caller, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(caller.ID, 10),
		"exp": time.Now().Add(ttl).Unix(),
	}
	if caller.Admin {
		claims["role"] = RoleAdmin
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) parse(tokenString string) (order.Caller, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return order.Caller{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return order.Caller{}, errors.New("unexpected claims")
	}

	var id int64
	switch sub := claims["sub"].(type) {
	case string:
		id, err = strconv.ParseInt(sub, 10, 64)
	case float64:
		id = int64(sub)
	default:
		err = fmt.Errorf("subject of type %T", sub)
	}
	if err != nil || id <= 0 {
		return order.Caller{}, fmt.Errorf("invalid subject: %v", err)
	}
	role, _ := claims["role"].(string)
	return order.Caller{ID: id, Admin: role == RoleAdmin}, nil
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	token, _ := c.Cookie("Authorization")
	return token
}

// RequireAuth rejects requests without a valid token and stores the caller
// on the context.
func (a *Auth) RequireAuth(c *gin.Context) {
	tokenString := bearer(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token", "code": "UNAUTHORIZED"})
		return
	}
	caller, err := a.parse(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "UNAUTHORIZED"})
		return
	}
	c.Set(callerKey, caller)
	c.Next()
}

// RequireAdmin must run after RequireAuth.
func (a *Auth) RequireAdmin(c *gin.Context) {
	caller, ok := CallerFrom(c)
	if !ok || !caller.Admin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only", "code": "FORBIDDEN"})
		return
	}
	c.Next()
}

func CallerFrom(c *gin.Context) (order.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return order.Caller{}, false
	}
	caller, ok := v.(order.Caller)
	return caller, ok
}
