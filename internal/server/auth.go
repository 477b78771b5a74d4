package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nhle/classroom-messaging/internal/identity"
	"github.com/nhle/classroom-messaging/internal/model"
)

const sessionKey = "session"

// Claims is the bearer token payload issued by the auth provider. The
// user ID may arrive as a JSON number or a string.
type Claims struct {
	UserID any        `json:"user_id"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator turns HS256 bearer tokens into sessions.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator for tokens signed with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Parse validates tokenStr and returns the session it carries.
func (a *Authenticator) Parse(tokenStr string) (model.Session, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Session{}, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return model.Session{}, errors.New("invalid token")
	}

	userID, err := identity.Resolve(claims.UserID)
	if err != nil {
		return model.Session{}, err
	}
	if !claims.Role.Valid() {
		return model.Session{}, fmt.Errorf("token carries unknown role %q", claims.Role)
	}

	return model.Session{UserID: userID, Role: claims.Role}, nil
}

// Issue signs a token for session that expires after ttl.
func (a *Authenticator) Issue(session model.Session, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: int64(session.UserID),
		Role:   session.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Middleware rejects requests without a valid bearer token and stores
// the session on the context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
			return
		}

		session, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// mustSession returns the session stored by Middleware.
func mustSession(c *gin.Context) model.Session {
	return c.MustGet(sessionKey).(model.Session)
}
