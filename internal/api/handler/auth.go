package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

const userIDKey = "user_id"

var (
	errTokenMissing = errors.New("authorization token missing")
	errTokenInvalid = errors.New("invalid or expired token")
)

// Claims are issued by the authentication service.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens. It never issues them.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses token and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTokenInvalid, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, errTokenInvalid
	}
	return claims, nil
}

// tokenFromRequest reads the Authorization header, then the token query
// parameter (browsers cannot set headers on WebSocket handshakes).
func tokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", errTokenMissing
		}
		return strings.TrimPrefix(header, prefix), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errTokenMissing
}

// Middleware rejects requests without a valid token and requires the
// token owner to match the :userid path parameter.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := tokenFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		claims, err := a.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errTokenInvalid.Error()})
			return
		}
		if userID := c.Param("userid"); userID != "" && userID != claims.UserID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not belong to this user"})
			return
		}
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}
