package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/FireDesk/firegate/internal/account"
	"github.com/FireDesk/firegate/internal/config"
)

const (
	HeaderGatewayKey  = "X-Gateway-Key"
	ContextAccountKey = "account"
)

func AuthMiddleware(cfg *config.Config, am *account.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderGatewayKey)
		if apiKey == "" {
			if cfg != nil && !cfg.Auth.RequireAPIKey {
				if acc := am.Default(); acc != nil {
					c.Set(ContextAccountKey, acc)
					c.Next()
					return
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		acc, ok := am.ByAPIKey(apiKey)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Set(ContextAccountKey, acc)
		c.Next()
	}
}

// AdminOnly guards the control surface. When no admin key is
// configured the check is skipped, matching local dev setups.
func AdminOnly(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Key") != cfg.Auth.AdminKey {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin key required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentAccount pulls the authenticated account out of the context.
func CurrentAccount(c *gin.Context) (*account.Account, bool) {
	v, exists := c.Get(ContextAccountKey)
	if !exists {
		return nil, false
	}
	acc, ok := v.(*account.Account)
	return acc, ok
}
