package auth

import (
	"crypto/subtle"
	"time"

	"go_certops/internal/auth"
	"go_certops/internal/config"
	"go_certops/internal/httpx"

	"github.com/gin-gonic/gin"
)

// TokenRequest represents a service token request body
type TokenRequest struct {
	Service string `json:"service" binding:"required"`
	Role    string `json:"role"`
}

// TokenResponse represents a minted service token
type TokenResponse struct {
	Token    string `json:"token"`
	ExpireAt string `json:"expireAt"`
	Service  string `json:"service"`
	Role     string `json:"role"`
}

// TokenHandler mints a service JWT. There are no user accounts: a
// caller that presents the configured bootstrap key gets a token
// naming its service, and every other route requires that token.
func TokenHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.BootstrapKey == "" {
			httpx.FailErr(c, httpx.ErrForbidden("token minting is disabled"))
			return
		}
		key := c.GetHeader("X-Bootstrap-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.BootstrapKey)) != 1 {
			httpx.FailErr(c, httpx.ErrUnauthorized("invalid bootstrap key"))
			return
		}

		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
			return
		}
		if req.Role == "" {
			req.Role = "operator"
		}

		expireAt := time.Now().Add(time.Duration(cfg.JWT.ExpireMinutes) * time.Minute)
		token, err := auth.GenerateToken(req.Service, req.Role, expireAt, cfg.JWT.Issuer)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to generate token", err))
			return
		}

		httpx.OKMsg(c, "token issued", TokenResponse{
			Token:    token,
			ExpireAt: expireAt.Format(time.RFC3339),
			Service:  req.Service,
			Role:     req.Role,
		})
	}
}
