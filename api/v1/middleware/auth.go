package middleware

import (
	"errors"
	"strings"

	"go_commitfest/internal/auth"
	"go_commitfest/internal/httpx"
	"go_commitfest/internal/model"
	"go_commitfest/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

// AuthRequired is a middleware that validates JWT token
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

		// Parse and validate token
		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				httpx.FailErr(c, httpx.ErrTokenExpired("token expired"))
			} else {
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid token"))
			}
			c.Abort()
			return
		}

		// Set user info in context
		c.Set("uid", claims.UID)
		c.Set("username", claims.Username)
		c.Set("is_staff", claims.IsStaff)
		c.Next()
	}
}

// Actor loads the authenticated user as a workflow actor. Must be
// called behind AuthRequired.
func Actor(c *gin.Context, db *gorm.DB) (workflow.Actor, error) {
	uid := c.GetInt("uid")
	var user model.User
	if err := db.First(&user, uid).Error; err != nil {
		return workflow.Actor{}, err
	}
	return workflow.Actor{User: &user}, nil
}
