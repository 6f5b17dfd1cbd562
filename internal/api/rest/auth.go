package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func newLoginResponse(pair *auth.TokenPair) LoginResponse {
	return LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(pair.ExpiresAt).Seconds()),
	}
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", "Invalid request body", err)
		return
	}

	pair, err := s.authService.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if errors.Is(err, auth.ErrAccountLocked) {
		c.JSON(http.StatusLocked, types.NewErrorResponse("AUTH_423", "Account locked", err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, newLoginResponse(pair))
}

// POST /api/v1/auth/refresh
func (s *Server) refreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", "Invalid request body", err)
		return
	}

	pair, err := s.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid or expired refresh token", nil))
		return
	}

	c.JSON(http.StatusOK, newLoginResponse(pair))
}

// POST /api/v1/auth/logout
func (s *Server) logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", "Invalid request body", err)
		return
	}

	s.authService.Revoke(c.Request.Context(), req.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"username":    auth.GetUsername(c),
		"role":        auth.GetRole(c),
		"permissions": auth.GetPermissions(c),
	})
}
