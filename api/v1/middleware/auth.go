package middleware

import (
	"errors"
	"strings"

	"go_fiskal/internal/auth"
	"go_fiskal/internal/httpx"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthRequired is a middleware that validates JWT token and binds the request
// to the company the token was issued for
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httpx.FailErr(c, httpx.ErrUnauthorized("missing authorization header"))
			c.Abort()
			return
		}

		// Check Bearer prefix
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httpx.FailErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
			c.Abort()
			return
		}

		tokenString := parts[1]

		// Parse and validate token
		claims, err := auth.ParseToken(tokenString)
		if err != nil {
			// Determine error type
			if errors.Is(err, jwt.ErrTokenExpired) {
				httpx.FailErr(c, httpx.ErrTokenExpired("token expired"))
			} else {
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid token"))
			}
			c.Abort()
			return
		}

		if claims.CompanyID <= 0 {
			httpx.FailErr(c, httpx.ErrInvalidToken("token carries no company binding"))
			c.Abort()
			return
		}

		// Set tenant info in context
		c.Set("companyId", claims.CompanyID)
		c.Set("subject", claims.Subject)

		c.Next()
	}
}

// CompanyID reads the tenant binding set by AuthRequired.
func CompanyID(c *gin.Context) int {
	return c.GetInt("companyId")
}
