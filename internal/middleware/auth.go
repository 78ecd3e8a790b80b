// Package middleware holds the gin middleware for Sibyl's HTTP surface:
// JWT-derived tenant scoping. Request logging lives in the server
// package.
package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/tenant"
)

// defaultJWTSecret signs and validates tokens when ENABLE_JWT is on and
// JWT_SECRET is unset.
const defaultJWTSecret = "sibyl-default-secret-change-in-production"

// OptionalJWTMiddleware attaches a tenant.Scope to the request context.
// With ENABLE_JWT unset or "false" it injects dev mock values so local
// tools and tests can run without a token; with ENABLE_JWT=true it
// validates a bearer JWT and derives the scope from its claims.
func OptionalJWTMiddleware() gin.HandlerFunc {
	enableJWT := os.Getenv("ENABLE_JWT")
	jwtEnabled := enableJWT == "true" || enableJWT == "1"

	logger, _ := zap.NewProduction()

	if !jwtEnabled {
		logger.Info("JWT authentication DISABLED - using dev mock values")
		return func(c *gin.Context) {
			c.Set("userId", "dev-user")
			c.Set("companyId", "dev-company")
			scope := tenant.Scope{OrganizationID: "dev-company", CallerID: "dev-user", Role: "admin"}
			c.Request = c.Request.WithContext(tenant.WithScope(c.Request.Context(), scope))
			c.Next()
		}
	}

	logger.Info("JWT authentication ENABLED - validating tokens")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = defaultJWTSecret
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format. Expected: Bearer <token>"})
			c.Abort()
			return
		}
		tokenString := parts[1]

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtSecret), nil
		})
		if err != nil {
			logger.Error("JWT validation failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			c.Abort()
			return
		}
		if !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		userID, companyID := extractIdentity(claims)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token missing userId claim"})
			c.Abort()
			return
		}
		if companyID == "" {
			companyID = userID
			logger.Warn("Token missing companyId claim, using userId as default", zap.String("userId", userID))
		}

		c.Set("userId", userID)
		c.Set("companyId", companyID)
		c.Set("jwtClaims", claims)

		role, _ := claims["role"].(string)
		scope := tenant.Scope{OrganizationID: companyID, CallerID: userID, Role: role}
		c.Request = c.Request.WithContext(tenant.WithScope(c.Request.Context(), scope))

		logger.Debug("JWT validated successfully", zap.String("userId", userID), zap.String("companyId", companyID))
		c.Next()
	}
}

func extractIdentity(claims jwt.MapClaims) (userID, companyID string) {
	if id, ok := claims["userId"].(string); ok {
		userID = id
	} else if id, ok := claims["user_id"].(string); ok {
		userID = id
	} else if id, ok := claims["sub"].(string); ok {
		userID = id
	} else if identity, ok := claims["identity"].(map[string]interface{}); ok {
		if id, ok := identity["id"].(string); ok {
			userID = id
		}
	}

	if id, ok := claims["companyId"].(string); ok {
		companyID = id
	} else if id, ok := claims["company_id"].(string); ok {
		companyID = id
	} else if identity, ok := claims["identity"].(map[string]interface{}); ok {
		if id, ok := identity["companyId"].(string); ok {
			companyID = id
		}
	}
	return userID, companyID
}
