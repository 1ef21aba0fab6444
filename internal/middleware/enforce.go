package middleware

import (
	"fmt"
	"net/http"

	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Context keys set by Enforce for downstream handlers
const (
	ContextTenantID      = "tenant_id"
	ContextEnforceResult = "enforce_result"
)

// Resolves the billing tenant for a request; empty means unknown
type TenantExtractor func(c *gin.Context) string

// Enforce is the rate-limit and quota entry point. Denials are mapped
// to HTTP here and nowhere else: 429 for rate_limit_exceeded, 403 for
// quota_exceeded, Retry-After only on rate-limit denials. On success
// the enforcement result is attached to the request context.
func Enforce(limiter *ratelimit.Limiter, extract TenantExtractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := extract(c)
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "missing_tenant_id",
				"message": "No tenant id could be resolved for this request",
			})
			c.Abort()
			return
		}

		result, err := limiter.Enforce(c.Request.Context(), tenantID, estimatedTokens(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "enforcement_failed",
				"message": "Rate limit check failed",
			})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", int64(result.Limit)))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int64(result.Remaining)))

		if !result.Allowed {
			denyEnforce(c, tenantID, result)
			return
		}

		c.Set(ContextTenantID, tenantID)
		c.Set(ContextEnforceResult, result)

		c.Next()
	}
}

func denyEnforce(c *gin.Context, tenantID string, result *ratelimit.EnforceResult) {
	c.Set(ContextTenantID, tenantID)
	c.Set(ContextDecision, result.Code)

	status := http.StatusTooManyRequests

	body := gin.H{
		"error":    result.Code,
		"message":  result.Message,
		"tenantId": tenantID,
	}

	switch result.Code {
	case ratelimit.CodeQuotaExceeded:
		status = http.StatusForbidden
		if result.Usage != nil {
			body["limit"] = gin.H{
				"type":    "tokens",
				"limit":   result.Usage.TokenLimit,
				"current": result.Usage.TokensUsed,
			}
			body["currentUsage"] = result.Usage
		}
	default:
		// Retry-After is whole seconds, rounded up so the client never
		// retries early
		retryAfterSec := (result.RetryAfterMs + 999) / 1000
		c.Header("Retry-After", fmt.Sprintf("%d", retryAfterSec))

		body["retryAfterMs"] = result.RetryAfterMs
		body["limit"] = gin.H{
			"type":    "requests",
			"limit":   int64(result.Limit),
			"current": int64(result.Limit - result.Remaining),
		}
	}

	c.JSON(status, body)
	c.Abort()
}

// Pre-flight token estimate supplied by the caller; absent means 0
func estimatedTokens(c *gin.Context) int64 {
	var estimate int64
	if header := c.GetHeader("X-Estimated-Tokens"); header != "" {
		fmt.Sscanf(header, "%d", &estimate)
	}
	if estimate < 0 {
		estimate = 0
	}
	return estimate
}
