package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/dbbalancer/pkg/logger"
)

// JWTAuthConfig contains bearer token settings for the admin API
type JWTAuthConfig struct {
	Secret      string
	Issuer      string
	ClockSkew   time.Duration
	PublicPaths []string
}

// JWTClaims represents admin token claims
type JWTClaims struct {
	jwt.RegisteredClaims
}

// JWTAuthMiddleware validates HS256 bearer tokens
type JWTAuthMiddleware struct {
	config JWTAuthConfig
	logger *logger.Logger
}

// NewJWTAuthMiddleware creates the middleware. An empty secret is rejected.
func NewJWTAuthMiddleware(config JWTAuthConfig, log *logger.Logger) (*JWTAuthMiddleware, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &JWTAuthMiddleware{config: config, logger: log}, nil
}

// JWTAuth returns the JWT authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if jm.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeJWTError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithFields(map[string]interface{}{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeJWTError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			jm.logger.WithField("subject", claims.Subject).
				WithField("path", r.URL.Path).
				Debug("JWT authentication successful")
			next.ServeHTTP(w, r)
		})
	}
}

func (jm *JWTAuthMiddleware) isPublic(path string) bool {
	for _, p := range jm.config.PublicPaths {
		if strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
		if p == path {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// validateToken validates and parses the JWT token
func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jm.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token has no expiry")
	}
	if time.Now().Add(-jm.config.ClockSkew).After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token expired")
	}
	if jm.config.Issuer != "" && claims.Issuer != jm.config.Issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}

// IssueToken signs an HS256 admin token for subject valid for ttl
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeJWTError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "authentication_failed",
		"message": message,
		"status":  statusCode,
	})
}
