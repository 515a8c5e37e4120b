package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextSubjectKey ключ для subject токена в контексте gin
	ContextSubjectKey ContextKey = "subject"
	// ContextScopesKey ключ для scope токена
	ContextScopesKey ContextKey = "scopes"
	authHeaderPrefix            = "Bearer "
)

// Scope доступа
const (
	ScopeAdmin     = "billing:admin"
	ScopeRead      = "billing:read"
	ScopeProvision = "billing:provision"
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims scope содержит список через пробел
type TokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Scopes список scope токена
func (c *TokenClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(validator TokenValidator, log *logger.Logger) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

// RequireScope пропускает запрос, если у токена есть хотя бы один из scopes
func (m *JWTMiddleware) RequireScope(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		claims, err := m.validator.Validate(strings.TrimPrefix(authHeader, authHeaderPrefix))
		if err != nil {
			m.handleAuthError(c, http.StatusUnauthorized, fmt.Sprintf("Token validation failed: %v", err))
			return
		}

		if !hasAnyScope(claims.Scopes(), scopes) {
			m.handleAuthError(c, http.StatusForbidden, "Insufficient token permissions")
			return
		}

		c.Set(string(ContextSubjectKey), claims.Subject)
		c.Set(string(ContextScopesKey), claims.Scopes())
		m.log.Debugw("Request authenticated", "subject", claims.Subject, "path", c.FullPath())
		c.Next()
	}
}

func hasAnyScope(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, g := range granted {
		for _, r := range required {
			if g == r {
				return true
			}
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, status int, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     message,
		ErrorCode: status,
	}, status)
	c.Abort()
}

// HMACTokenValidator проверяет токены, подписанные общим секретом.
type HMACTokenValidator struct {
	Secret []byte
}

func (v *HMACTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, errors.New("malformed token")
		} else if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, errors.New("invalid token signature")
		} else if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, errors.New("token expired")
		} else {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}

// IssueToken подписывает токен с заданными scope (CLI и тесты)
func IssueToken(secret []byte, subject string, claims jwt.RegisteredClaims, scopes ...string) (string, error) {
	claims.Subject = subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Scope:            strings.Join(scopes, " "),
		RegisteredClaims: claims,
	})
	return token.SignedString(secret)
}
